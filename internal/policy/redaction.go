// Package policy masks personal data before it is persisted.
package policy

import (
	"regexp"
	"strings"
)

// Category names a kind of personal data the redactor masks.
type Category string

const (
	CategoryEmail Category = "email"
	CategoryIBAN  Category = "iban"
	CategoryCard  Category = "card"
	CategoryPhone Category = "phone"
)

type rule struct {
	category Category
	pattern  *regexp.Regexp
	// accept filters pattern matches; nil accepts all.
	accept func(string) bool
}

// Rules run in order. Cards go before phones so a Luhn-valid digit run is
// reported as a card, and anything that fails the checksum can still be
// caught as a phone number.
var rules = []rule{
	{category: CategoryEmail, pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{category: CategoryIBAN, pattern: regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`)},
	{category: CategoryCard, pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), accept: luhnValid},
	{category: CategoryPhone, pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// Result is redacted text plus the categories that were masked, in rule
// order.
type Result struct {
	Text       string
	Categories []Category
}

func (r Result) Changed() bool { return len(r.Categories) > 0 }

// Redact masks every supported category in input.
func Redact(input string) Result {
	out := input
	var found []Category
	for _, rl := range rules {
		hit := false
		out = rl.pattern.ReplaceAllStringFunc(out, func(m string) string {
			if rl.accept != nil && !rl.accept(m) {
				return m
			}
			hit = true
			return marker(rl.category)
		})
		if hit {
			found = append(found, rl.category)
		}
	}
	return Result{Text: out, Categories: found}
}

// RedactMetadata returns a copy of meta with every string value redacted,
// descending into nested objects and arrays. Keys are kept as they are.
func RedactMetadata(meta map[string]any) (map[string]any, []Category) {
	if meta == nil {
		return nil, nil
	}
	seen := make(map[Category]bool)
	out := redactValue(meta, seen).(map[string]any)
	return out, ordered(seen)
}

func redactValue(v any, seen map[Category]bool) any {
	switch t := v.(type) {
	case string:
		res := Redact(t)
		for _, c := range res.Categories {
			seen[c] = true
		}
		return res.Text
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = redactValue(inner, seen)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = redactValue(inner, seen)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, inner := range t {
			out[i] = redactValue(inner, seen).(string)
		}
		return out
	default:
		return v
	}
}

// Merge unions category lists, keeping rule order.
func Merge(lists ...[]Category) []Category {
	seen := make(map[Category]bool)
	for _, l := range lists {
		for _, c := range l {
			seen[c] = true
		}
	}
	return ordered(seen)
}

func ordered(seen map[Category]bool) []Category {
	var out []Category
	for _, rl := range rules {
		if seen[rl.category] {
			out = append(out, rl.category)
		}
	}
	return out
}

func marker(c Category) string {
	return "[REDACTED_" + strings.ToUpper(string(c)) + "]"
}

// luhnValid reports whether the digits in s form a 13-19 digit number with a
// valid Luhn checksum. Separators are ignored.
func luhnValid(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && n <= 19 && sum%10 == 0
}
