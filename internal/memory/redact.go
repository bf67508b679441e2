package memory

import "github.com/ent0n29/eva/internal/policy"

// MetadataRedacted is the metadata key listing the PII categories masked in
// a record.
const MetadataRedacted = "pii_redacted"

// RedactRecord masks PII in r's content and metadata values. When anything
// was masked the categories are listed under MetadataRedacted.
func RedactRecord(r Record) Record {
	content := policy.Redact(r.Content)
	meta, metaCats := policy.RedactMetadata(r.Metadata)
	r.Content = content.Text
	r.Metadata = meta
	markRedacted(&r.Metadata, policy.Merge(content.Categories, metaCats))
	return r
}

// RedactUpdate masks the fields u carries. Categories are only recorded
// when the update replaces metadata, since a nil map keeps the stored one.
func RedactUpdate(u RecordUpdate) RecordUpdate {
	var cats []policy.Category
	if u.Content != nil {
		res := policy.Redact(*u.Content)
		u.Content = &res.Text
		cats = res.Categories
	}
	if u.Metadata == nil {
		return u
	}
	meta, metaCats := policy.RedactMetadata(u.Metadata)
	u.Metadata = meta
	markRedacted(&u.Metadata, policy.Merge(cats, metaCats))
	return u
}

func markRedacted(meta *map[string]any, cats []policy.Category) {
	if len(cats) == 0 {
		return
	}
	if *meta == nil {
		*meta = make(map[string]any, 1)
	}
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	(*meta)[MetadataRedacted] = names
}
