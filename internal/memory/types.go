package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound  = errors.New("memory not found")
	ErrDuplicate = errors.New("duplicate message id")
	ErrInvalid   = errors.New("invalid memory")
)

// StoreError wraps a backend failure. Callers treat it as retryable
// infrastructure trouble rather than bad input.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "memory store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxContentLen bounds both short-term turns and long-term records.
const MaxContentLen = 10000

// Message is one short-term conversational turn. An empty ConversationID
// places the message in the user's global stream.
type Message struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"session_id,omitempty"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"timestamp"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("%w: role must be user or assistant", ErrInvalid)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if utf8.RuneCountInString(m.Content) > MaxContentLen {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLen)
	}
	return nil
}

type Category string

const (
	CategoryPreference Category = "preference"
	CategoryInterest   Category = "interest"
	CategoryEvent      Category = "event"
	CategoryGoal       Category = "goal"
	CategoryFact       Category = "fact"
)

// Categories lists every accepted category in display order.
var Categories = []Category{CategoryPreference, CategoryInterest, CategoryEvent, CategoryGoal, CategoryFact}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrInvalid, s)
}

const (
	MinImportance     = 1
	MaxImportance     = 10
	DefaultImportance = 5
)

// Record is a durable long-term memory item.
type Record struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Category   Category       `json:"category"`
	Content    string         `json:"content"`
	Importance int            `json:"importance"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if _, err := ParseCategory(string(r.Category)); err != nil {
		return err
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if utf8.RuneCountInString(r.Content) > MaxContentLen {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLen)
	}
	return validateImportance(r.Importance)
}

func validateImportance(n int) error {
	if n < MinImportance || n > MaxImportance {
		return fmt.Errorf("%w: importance %d outside [%d,%d]", ErrInvalid, n, MinImportance, MaxImportance)
	}
	return nil
}

// RecordUpdate carries a partial update. Nil fields are left unchanged;
// a non-nil Metadata replaces the stored map.
type RecordUpdate struct {
	Content    *string        `json:"content,omitempty"`
	Importance *int           `json:"importance,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (u RecordUpdate) Empty() bool {
	return u.Content == nil && u.Importance == nil && u.Metadata == nil
}

func (u RecordUpdate) Validate() error {
	if u.Content != nil {
		c := *u.Content
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: content is required", ErrInvalid)
		}
		if utf8.RuneCountInString(c) > MaxContentLen {
			return fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLen)
		}
	}
	if u.Importance != nil {
		return validateImportance(*u.Importance)
	}
	return nil
}

func (u RecordUpdate) apply(r *Record, now time.Time) {
	if u.Content != nil {
		r.Content = *u.Content
	}
	if u.Importance != nil {
		r.Importance = *u.Importance
	}
	if u.Metadata != nil {
		r.Metadata = u.Metadata
	}
	r.UpdatedAt = now
}

// RecordQuery filters long-term records. Zero values disable a filter.
type RecordQuery struct {
	Category Category
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (q RecordQuery) matches(r Record) bool {
	if q.Category != "" && r.Category != q.Category {
		return false
	}
	if !q.Since.IsZero() && r.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && r.CreatedAt.After(q.Until) {
		return false
	}
	return true
}

// MessageQuery selects short-term messages. An empty ConversationID spans
// every conversation of the user.
type MessageQuery struct {
	ConversationID string
	Limit          int
}

// Store persists short-term turns and long-term records, always scoped to a
// user.
// ConversationSummary describes one persisted conversation. Title is taken
// from the first user turn.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Store interface {
	// AppendMessage stores m, assigning ID and timestamp when missing.
	// Timestamps strictly increase across all of a user's messages.
	AppendMessage(ctx context.Context, m Message) (Message, error)
	// RecentMessages returns up to q.Limit newest messages in chronological order.
	RecentMessages(ctx context.Context, userID string, q MessageQuery) ([]Message, error)
	// DeleteMessages removes the given message ids and reports how many existed.
	DeleteMessages(ctx context.Context, userID string, ids []string) (int, error)
	// ClearMessages removes a conversation, or every message when
	// conversationID is empty, and reports the count.
	ClearMessages(ctx context.Context, userID, conversationID string) (int, error)
	// ListConversations summarises the user's named conversations, most
	// recently active first. Turns without a conversation id are left out.
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)

	CreateRecord(ctx context.Context, r Record) (Record, error)
	GetRecord(ctx context.Context, userID, id string) (Record, error)
	// QueryRecords orders by importance, then recency, both descending.
	QueryRecords(ctx context.Context, userID string, q RecordQuery) ([]Record, error)
	// SearchRecords does a case-insensitive substring match on content.
	SearchRecords(ctx context.Context, userID, query string, limit int) ([]Record, error)
	UpdateRecord(ctx context.Context, userID, id string, u RecordUpdate) (Record, error)
	DeleteRecord(ctx context.Context, userID, id string) error

	Ping(ctx context.Context) error
	Close() error
}
