package tiering

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ent0n29/eva/internal/memory"
)

const extractionPrompt = `You maintain the long-term memory of a personal assistant.
Read the conversation transcript from the user and reply with exactly one JSON object:
{"summary": "<two or three sentences>", "topics": ["<short topic>"], "facts": [{"category": "preference|interest|event|goal|fact", "content": "<one self-contained statement about the user>", "importance": <integer 1-10>}]}
Only keep facts about the user that stay useful after this conversation ends.
Use an empty facts list when there is nothing worth remembering. No markdown, no prose outside the JSON.`

// Candidate is one fact proposed by the engine before validation.
type Candidate struct {
	Category   string `json:"category"`
	Content    string `json:"content"`
	Importance int    `json:"importance"`
}

type extraction struct {
	Summary    string
	Topics     []string
	Candidates []Candidate
	// Unparseable counts fact entries that were not even objects of the
	// expected shape.
	Unparseable int
}

var errMalformed = errors.New("malformed extraction reply")

// formatTranscript renders messages one per line as "time role: content".
func formatTranscript(msgs []memory.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s: %s", m.CreatedAt.UTC().Format(time.RFC3339), m.Role, m.Content)
	}
	return b.String()
}

func parseExtraction(reply string) (extraction, error) {
	body := strings.TrimSpace(reply)
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end <= start {
		return extraction{}, fmt.Errorf("%w: no JSON object", errMalformed)
	}
	body = body[start : end+1]

	var raw struct {
		Summary string            `json:"summary"`
		Topics  []string          `json:"topics"`
		Facts   []json.RawMessage `json:"facts"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return extraction{}, fmt.Errorf("%w: %v", errMalformed, err)
	}

	out := extraction{Summary: strings.TrimSpace(raw.Summary), Topics: raw.Topics}
	for _, item := range raw.Facts {
		c, ok := parseCandidate(item)
		if !ok {
			out.Unparseable++
			continue
		}
		out.Candidates = append(out.Candidates, c)
	}
	return out, nil
}

func parseCandidate(item json.RawMessage) (Candidate, bool) {
	var f struct {
		Category   string          `json:"category"`
		Content    string          `json:"content"`
		Importance json.RawMessage `json:"importance"`
	}
	if err := json.Unmarshal(item, &f); err != nil {
		return Candidate{}, false
	}
	c := Candidate{Category: f.Category, Content: strings.TrimSpace(f.Content)}
	if len(f.Importance) == 0 || string(f.Importance) == "null" {
		c.Importance = memory.DefaultImportance
		return c, true
	}
	var n float64
	if err := json.Unmarshal(f.Importance, &n); err != nil {
		// Quoted numbers are common in model output.
		var s string
		if err := json.Unmarshal(f.Importance, &s); err != nil {
			return Candidate{}, false
		}
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &n); err != nil {
			return Candidate{}, false
		}
	}
	if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
		return Candidate{}, false
	}
	c.Importance = int(n)
	return c, true
}

// toRecord validates c for userID. Invalid candidates return an error
// wrapping memory.ErrInvalid.
func (c Candidate) toRecord(userID string, meta map[string]any) (memory.Record, error) {
	cat, err := memory.ParseCategory(c.Category)
	if err != nil {
		return memory.Record{}, err
	}
	r := memory.Record{
		UserID:     userID,
		Category:   cat,
		Content:    c.Content,
		Importance: c.Importance,
		Metadata:   meta,
	}
	if err := r.Validate(); err != nil {
		return memory.Record{}, err
	}
	return r, nil
}
