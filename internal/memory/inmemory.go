package memory

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]Message         // user -> append order
	msgIDs   map[string]struct{}          // global id set
	records  map[string]map[string]Record // user -> id -> record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string][]Message),
		msgIDs:   make(map[string]struct{}),
		records:  make(map[string]map[string]Record),
	}
}

func (s *InMemoryStore) AppendMessage(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last time.Time
	for _, prev := range s.messages[m.UserID] {
		if prev.CreatedAt.After(last) {
			last = prev.CreatedAt
		}
	}
	m, err := prepareMessage(m, last)
	if err != nil {
		return Message{}, err
	}
	if _, dup := s.msgIDs[m.ID]; dup {
		return Message{}, ErrDuplicate
	}
	s.msgIDs[m.ID] = struct{}{}
	s.messages[m.UserID] = append(s.messages[m.UserID], m)
	return m, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, userID string, q MessageQuery) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0, len(s.messages[userID]))
	for _, m := range s.messages[userID] {
		if q.ConversationID != "" && m.ConversationID != q.ConversationID {
			continue
		}
		out = append(out, m)
	}
	sortMessages(out)
	return tail(out, q.Limit), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, userID string) ([]ConversationSummary, error) {
	s.mu.RLock()
	msgs := append([]Message(nil), s.messages[userID]...)
	s.mu.RUnlock()

	sortMessages(msgs)
	return summarizeConversations(msgs), nil
}

func (s *InMemoryStore) DeleteMessages(_ context.Context, userID string, ids []string) (int, error) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	return s.removeMessages(userID, func(m Message) bool {
		_, ok := drop[m.ID]
		return ok
	}), nil
}

func (s *InMemoryStore) ClearMessages(_ context.Context, userID, conversationID string) (int, error) {
	return s.removeMessages(userID, func(m Message) bool {
		return conversationID == "" || m.ConversationID == conversationID
	}), nil
}

func (s *InMemoryStore) removeMessages(userID string, match func(Message) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[userID][:0]
	removed := 0
	for _, m := range s.messages[userID] {
		if match(m) {
			delete(s.msgIDs, m.ID)
			removed++
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		delete(s.messages, userID)
	} else {
		s.messages[userID] = kept
	}
	return removed
}

func (s *InMemoryStore) CreateRecord(_ context.Context, r Record) (Record, error) {
	r, err := prepareRecord(r)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.records[r.UserID]
	if !ok {
		bucket = make(map[string]Record)
		s.records[r.UserID] = bucket
	}
	bucket[r.ID] = cloneRecord(r)
	return r, nil
}

func (s *InMemoryStore) GetRecord(_ context.Context, userID, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[userID][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *InMemoryStore) QueryRecords(_ context.Context, userID string, q RecordQuery) ([]Record, error) {
	return s.filterRecords(userID, q.Limit, q.matches), nil
}

func (s *InMemoryStore) SearchRecords(_ context.Context, userID, query string, limit int) ([]Record, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	return s.filterRecords(userID, limit, func(r Record) bool {
		return strings.Contains(strings.ToLower(r.Content), needle)
	}), nil
}

func (s *InMemoryStore) filterRecords(userID string, limit int, keep func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records[userID]))
	for _, r := range s.records[userID] {
		if keep(r) {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return head(out, limit)
}

func (s *InMemoryStore) UpdateRecord(_ context.Context, userID, id string, u RecordUpdate) (Record, error) {
	if err := u.Validate(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[userID][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	u.apply(&r, time.Now().UTC())
	s.records[userID][id] = cloneRecord(r)
	return r, nil
}

func (s *InMemoryStore) DeleteRecord(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[userID][id]; !ok {
		return ErrNotFound
	}
	delete(s.records[userID], id)
	if len(s.records[userID]) == 0 {
		delete(s.records, userID)
	}
	return nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
