package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxAppendAttempts bounds optimistic retries when concurrent appends for
// the same user race on the timestamp index.
const maxAppendAttempts = 5

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps messages as JSON in a per-user hash indexed by sorted
// sets (score = unix micros), and long-term records in a second hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "eva:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) msgDataKey(userID string) string { return s.prefix + "msg:" + userID }
func (s *RedisStore) msgAllKey(userID string) string  { return s.prefix + "msgidx:" + userID }
func (s *RedisStore) msgIDsKey() string               { return s.prefix + "msgids" }
func (s *RedisStore) recordKey(userID string) string  { return s.prefix + "mem:" + userID }

func (s *RedisStore) msgConvKey(userID, conversationID string) string {
	if conversationID == "" {
		conversationID = "~global"
	}
	return s.prefix + "msgidx:" + userID + ":" + conversationID
}

func (s *RedisStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	m, err := prepareMessage(m, time.Time{})
	if err != nil {
		return Message{}, err
	}
	added, err := s.client.SAdd(ctx, s.msgIDsKey(), m.ID).Result()
	if err != nil {
		return Message{}, storeErr("reserve message id", err)
	}
	if added == 0 {
		return Message{}, ErrDuplicate
	}

	allKey := s.msgAllKey(m.UserID)
	var stored Message
	write := func(tx *redis.Tx) error {
		var last time.Time
		top, err := tx.ZRevRangeWithScores(ctx, allKey, 0, 0).Result()
		if err != nil {
			return err
		}
		if len(top) == 1 {
			last = time.UnixMicro(int64(top[0].Score)).UTC()
		}
		next, err := prepareMessage(m, last)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		z := redis.Z{Score: float64(next.CreatedAt.UnixMicro()), Member: next.ID}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.msgDataKey(next.UserID), next.ID, data)
			pipe.ZAdd(ctx, s.msgConvKey(next.UserID, next.ConversationID), z)
			pipe.ZAdd(ctx, allKey, z)
			return nil
		})
		if err == nil {
			stored = next
		}
		return err
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err = s.client.Watch(ctx, write, allKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		s.client.SRem(ctx, s.msgIDsKey(), m.ID)
		return Message{}, storeErr("append message", err)
	}
	return stored, nil
}

func (s *RedisStore) RecentMessages(ctx context.Context, userID string, q MessageQuery) ([]Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	index := s.msgAllKey(userID)
	if q.ConversationID != "" {
		index = s.msgConvKey(userID, q.ConversationID)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, storeErr("query recent messages", err)
	}
	msgs, err := s.loadMessages(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

func (s *RedisStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	ids, err := s.client.ZRange(ctx, s.msgAllKey(userID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	msgs, err := s.loadMessages(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return summarizeConversations(msgs), nil
}

func (s *RedisStore) loadMessages(ctx context.Context, userID string, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.msgDataKey(userID), ids...).Result()
	if err != nil {
		return nil, storeErr("load messages", err)
	}
	out := make([]Message, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, storeErr("decode message", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) DeleteMessages(ctx context.Context, userID string, ids []string) (int, error) {
	msgs, err := s.loadMessages(ctx, userID, ids)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	for _, m := range msgs {
		pipe.HDel(ctx, s.msgDataKey(userID), m.ID)
		pipe.ZRem(ctx, s.msgConvKey(userID, m.ConversationID), m.ID)
		pipe.ZRem(ctx, s.msgAllKey(userID), m.ID)
		pipe.SRem(ctx, s.msgIDsKey(), m.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, storeErr("delete messages", err)
	}
	return len(msgs), nil
}

func (s *RedisStore) ClearMessages(ctx context.Context, userID, conversationID string) (int, error) {
	index := s.msgAllKey(userID)
	if conversationID != "" {
		index = s.msgConvKey(userID, conversationID)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return 0, storeErr("list messages", err)
	}
	return s.DeleteMessages(ctx, userID, ids)
}

func (s *RedisStore) CreateRecord(ctx context.Context, r Record) (Record, error) {
	r, err := prepareRecord(r)
	if err != nil {
		return Record{}, err
	}
	if err := s.putRecord(ctx, r); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *RedisStore) putRecord(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: record is not JSON encodable: %v", ErrInvalid, err)
	}
	if err := s.client.HSet(ctx, s.recordKey(r.UserID), r.ID, data).Err(); err != nil {
		return storeErr("put record", err)
	}
	return nil
}

func (s *RedisStore) GetRecord(ctx context.Context, userID, id string) (Record, error) {
	raw, err := s.client.HGet(ctx, s.recordKey(userID), id).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, storeErr("get record", err)
	}
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, storeErr("decode record", err)
	}
	return r, nil
}

func (s *RedisStore) QueryRecords(ctx context.Context, userID string, q RecordQuery) ([]Record, error) {
	return s.filterRecords(ctx, userID, q.Limit, q.matches)
}

func (s *RedisStore) SearchRecords(ctx context.Context, userID, query string, limit int) ([]Record, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	return s.filterRecords(ctx, userID, limit, func(r Record) bool {
		return strings.Contains(strings.ToLower(r.Content), needle)
	})
}

func (s *RedisStore) filterRecords(ctx context.Context, userID string, limit int, keep func(Record) bool) ([]Record, error) {
	vals, err := s.client.HVals(ctx, s.recordKey(userID)).Result()
	if err != nil {
		return nil, storeErr("list records", err)
	}
	out := make([]Record, 0, len(vals))
	for _, raw := range vals {
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, storeErr("decode record", err)
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return head(out, limit), nil
}

func (s *RedisStore) UpdateRecord(ctx context.Context, userID, id string, u RecordUpdate) (Record, error) {
	if err := u.Validate(); err != nil {
		return Record{}, err
	}
	r, err := s.GetRecord(ctx, userID, id)
	if err != nil {
		return Record{}, err
	}
	u.apply(&r, time.Now().UTC())
	if err := s.putRecord(ctx, r); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *RedisStore) DeleteRecord(ctx context.Context, userID, id string) error {
	n, err := s.client.HDel(ctx, s.recordKey(userID), id).Result()
	if err != nil {
		return storeErr("delete record", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
