package policy

import (
	"reflect"
	"strings"
	"testing"
)

func TestRedactReportsCategories(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	res := Redact(input)
	if !res.Changed() {
		t.Fatalf("Changed() = false, want true")
	}
	want := []Category{CategoryEmail, CategoryCard, CategoryPhone}
	if !reflect.DeepEqual(res.Categories, want) {
		t.Fatalf("Categories = %v, want %v", res.Categories, want)
	}
	for _, m := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(res.Text, m) {
			t.Fatalf("output missing marker %q: %q", m, res.Text)
		}
	}
	if strings.Contains(res.Text, "4242") || strings.Contains(res.Text, "sam@") {
		t.Fatalf("output still carries PII: %q", res.Text)
	}
}

func TestRedactLeavesCleanTextUntouched(t *testing.T) {
	input := "remind me to water the plants at 7"
	res := Redact(input)
	if res.Changed() {
		t.Fatalf("Changed() = true, want false (categories %v)", res.Categories)
	}
	if res.Text != input {
		t.Fatalf("Text = %q, want input unchanged", res.Text)
	}
}

func TestRedactChecksumDecidesCardOrPhone(t *testing.T) {
	// 16 digits that fail Luhn are not a card, but still look like a phone.
	res := Redact("ref 1234 5678 9012 3456")
	if !reflect.DeepEqual(res.Categories, []Category{CategoryPhone}) {
		t.Fatalf("Categories = %v, want [phone]", res.Categories)
	}
}

func TestRedactIBAN(t *testing.T) {
	res := Redact("wire it to DE89 3704 0044 0532 0130 00 please")
	if !reflect.DeepEqual(res.Categories, []Category{CategoryIBAN}) {
		t.Fatalf("Categories = %v, want [iban]", res.Categories)
	}
	if !strings.Contains(res.Text, "[REDACTED_IBAN]") || strings.Contains(res.Text, "3704") {
		t.Fatalf("Text = %q", res.Text)
	}
}

func TestRedactMetadataWalksNestedValues(t *testing.T) {
	meta := map[string]any{
		"source": "manual",
		"contact": map[string]any{
			"email": "sam@example.com",
			"notes": []any{"call +44 20 7946 0958", 3},
		},
		"count": 2,
	}
	out, cats := RedactMetadata(meta)
	if !reflect.DeepEqual(cats, []Category{CategoryEmail, CategoryPhone}) {
		t.Fatalf("categories = %v, want [email phone]", cats)
	}
	contact := out["contact"].(map[string]any)
	if contact["email"] != "[REDACTED_EMAIL]" {
		t.Fatalf("contact.email = %v", contact["email"])
	}
	notes := contact["notes"].([]any)
	if notes[0] != "call [REDACTED_PHONE]" || notes[1] != 3 {
		t.Fatalf("contact.notes = %v", notes)
	}
	if out["source"] != "manual" || out["count"] != 2 {
		t.Fatalf("untouched values changed: %v", out)
	}
	if meta["contact"].(map[string]any)["email"] != "sam@example.com" {
		t.Fatalf("RedactMetadata() mutated its input")
	}
}

func TestRedactMetadataNil(t *testing.T) {
	out, cats := RedactMetadata(nil)
	if out != nil || cats != nil {
		t.Fatalf("RedactMetadata(nil) = %v, %v", out, cats)
	}
}

func TestMergeKeepsRuleOrder(t *testing.T) {
	got := Merge([]Category{CategoryPhone}, []Category{CategoryEmail, CategoryPhone})
	if !reflect.DeepEqual(got, []Category{CategoryEmail, CategoryPhone}) {
		t.Fatalf("Merge() = %v", got)
	}
}
