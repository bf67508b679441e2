package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMessageLimit = 20
	defaultRecordLimit  = 50
)

func prepareMessage(m Message, last time.Time) (Message, error) {
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	// Timestamps are strictly increasing per user at microsecond precision
	// so every backend orders a user's messages by append order.
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !m.CreatedAt.After(last) {
		m.CreatedAt = last.Add(time.Microsecond)
	}
	return m, nil
}

func prepareRecord(r Record) (Record, error) {
	if c, err := ParseCategory(string(r.Category)); err == nil {
		r.Category = c
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	return r, nil
}

func sortRecords(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Importance != rs[j].Importance {
			return rs[i].Importance > rs[j].Importance
		}
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}

func sortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}

func tail(ms []Message, limit int) []Message {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if len(ms) > limit {
		ms = ms[len(ms)-limit:]
	}
	return ms
}

func head(rs []Record, limit int) []Record {
	if limit <= 0 {
		limit = defaultRecordLimit
	}
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}

func cloneRecord(r Record) Record {
	if r.Metadata != nil {
		md := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

const maxTitleRunes = 60

// conversationTitle shortens content to a single-line title.
func conversationTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	runes := []rune(title)
	if len(runes) <= maxTitleRunes {
		return title
	}
	return strings.TrimSpace(string(runes[:maxTitleRunes-3])) + "..."
}

// summarizeConversations groups ms by conversation. ms must be in
// chronological order.
func summarizeConversations(ms []Message) []ConversationSummary {
	index := make(map[string]int)
	var out []ConversationSummary
	titled := make(map[string]bool)
	for _, m := range ms {
		if m.ConversationID == "" {
			continue
		}
		i, ok := index[m.ConversationID]
		if !ok {
			i = len(out)
			index[m.ConversationID] = i
			out = append(out, ConversationSummary{ID: m.ConversationID, CreatedAt: m.CreatedAt})
		}
		c := &out[i]
		c.MessageCount++
		c.UpdatedAt = m.CreatedAt
		if !titled[c.ID] && (m.Role == RoleUser || c.Title == "") {
			c.Title = conversationTitle(m.Content)
			titled[c.ID] = m.Role == RoleUser
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}
