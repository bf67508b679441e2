// Package tiering condenses a user's recent short-term turns into a summary
// and durable long-term memory records.
package tiering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/eva/internal/brain"
	"github.com/ent0n29/eva/internal/memory"
	"github.com/ent0n29/eva/internal/observability"
)

const DefaultWindow = 50

type Options struct {
	// Window is how many recent messages are read per run.
	Window int
	// ClearAfter deletes the compressed messages when every fact write
	// succeeded.
	ClearAfter bool
	// RedactPII masks personal data in extracted facts before they are
	// stored.
	RedactPII bool
	Timeout   time.Duration
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Summary is the read-only preview of a compression.
type Summary struct {
	Summary      string          `json:"summary"`
	Topics       []string        `json:"topics"`
	Facts        []memory.Record `json:"facts"`
	Dropped      int             `json:"facts_dropped"`
	MessageCount int             `json:"message_count"`
}

// Result reports what a compression wrote.
type Result struct {
	Summary            string          `json:"summary"`
	Topics             []string        `json:"topics"`
	FactsSaved         int             `json:"facts_saved"`
	FactsDropped       int             `json:"facts_dropped"`
	FactsFailed        int             `json:"facts_failed"`
	FactsSkipped       int             `json:"facts_skipped"`
	MessagesCompressed int             `json:"messages_compressed"`
	MessagesCleared    int             `json:"messages_cleared"`
	Records            []memory.Record `json:"records,omitempty"`
}

type Pipeline struct {
	store  memory.Store
	engine brain.Engine
	opts   Options
	logger *zap.Logger
	flight singleflight.Group

	mu sync.Mutex
	// compressed holds, per user, the timestamp of the newest message a
	// successful compression has consumed. Message timestamps strictly
	// increase per user, so anything at or before it was already digested.
	compressed map[string]time.Time
}

func NewPipeline(store memory.Store, engine brain.Engine, opts Options) *Pipeline {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:      store,
		engine:     engine,
		opts:       opts,
		logger:     logger.Named("tiering"),
		compressed: make(map[string]time.Time),
	}
}

// Summarize runs extraction over the whole recent window, including turns
// already compressed, without writing anything.
func (p *Pipeline) Summarize(ctx context.Context, userID string) (Summary, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	msgs, err := p.window(ctx, userID)
	if err != nil || len(msgs) == 0 {
		return Summary{Facts: []memory.Record{}}, err
	}
	ex, err := p.extract(ctx, userID, msgs)
	if err != nil {
		return Summary{Facts: []memory.Record{}}, err
	}
	out := Summary{
		Summary:      ex.Summary,
		Topics:       ex.Topics,
		Facts:        []memory.Record{},
		Dropped:      ex.Unparseable,
		MessageCount: len(msgs),
	}
	for _, c := range ex.Candidates {
		r, err := c.toRecord(userID, nil)
		if err != nil {
			out.Dropped++
			continue
		}
		out.Facts = append(out.Facts, r)
	}
	return out, nil
}

// Compress extracts facts from the turns appended since the last successful
// compression and persists the valid ones. Concurrent calls for the same
// user share one run, which is detached from any single caller's
// cancellation and bounded by Options.Timeout instead.
func (p *Pipeline) Compress(ctx context.Context, userID string) (Result, error) {
	run := context.WithoutCancel(ctx)
	v, err, _ := p.flight.Do(userID, func() (any, error) {
		return p.compress(run, userID)
	})
	if err != nil {
		p.count("error")
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *Pipeline) compress(ctx context.Context, userID string) (res Result, err error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	started := time.Now()
	defer func() { p.opts.Metrics.ObserveOperation("compress", time.Since(started), err) }()

	msgs, err := p.window(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	msgs = p.pending(userID, msgs)
	if len(msgs) == 0 {
		p.count("empty")
		return Result{}, nil
	}
	ex, err := p.extract(ctx, userID, msgs)
	if err != nil {
		return Result{}, err
	}

	end := msgs[len(msgs)-1]
	res = Result{
		Summary:            ex.Summary,
		Topics:             ex.Topics,
		FactsDropped:       ex.Unparseable,
		MessagesCompressed: len(msgs),
	}
	meta := map[string]any{
		"source":              "compression",
		"compressed_messages": len(msgs),
		"window_end":          end.CreatedAt.Format(time.RFC3339Nano),
		"window_end_id":       end.ID,
	}
	seen := make(map[string]bool, len(ex.Candidates))
	for _, c := range ex.Candidates {
		r, err := c.toRecord(userID, meta)
		if err != nil {
			res.FactsDropped++
			p.logger.Debug("dropping invalid fact", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if p.opts.RedactPII {
			r = memory.RedactRecord(r)
		}
		key := factKey(r.Content)
		if seen[key] || p.known(ctx, userID, r.Content) {
			res.FactsSkipped++
			continue
		}
		seen[key] = true
		saved, err := p.store.CreateRecord(ctx, r)
		if err != nil {
			res.FactsFailed++
			p.logger.Warn("fact write failed", zap.String("user_id", userID), zap.Error(err))
			if p.opts.Metrics != nil {
				p.opts.Metrics.StoreWriteFailures.WithLabelValues("record").Inc()
			}
			continue
		}
		res.FactsSaved++
		res.Records = append(res.Records, saved)
	}

	if res.FactsFailed == 0 {
		p.advance(userID, end.CreatedAt)
	}
	if p.opts.ClearAfter && res.FactsFailed == 0 {
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		n, err := p.store.DeleteMessages(ctx, userID, ids)
		if err != nil {
			p.logger.Warn("clearing compressed window failed", zap.String("user_id", userID), zap.Error(err))
		}
		res.MessagesCleared = n
	}

	if p.opts.Metrics != nil {
		p.opts.Metrics.FactsSaved.Add(float64(res.FactsSaved))
	}
	p.count("ok")
	p.logger.Info("memory compressed",
		zap.String("user_id", userID),
		zap.Int("messages", res.MessagesCompressed),
		zap.Int("facts_saved", res.FactsSaved),
		zap.Int("facts_dropped", res.FactsDropped),
		zap.Int("facts_failed", res.FactsFailed),
		zap.Int("facts_skipped", res.FactsSkipped),
	)
	return res, nil
}

// window reads the most recent messages of userID across conversations.
func (p *Pipeline) window(ctx context.Context, userID string) ([]memory.Message, error) {
	msgs, err := p.store.RecentMessages(ctx, userID, memory.MessageQuery{Limit: p.opts.Window})
	if err != nil {
		return nil, fmt.Errorf("read short-term window: %w", err)
	}
	return msgs, nil
}

// pending drops the messages a previous successful run already consumed.
func (p *Pipeline) pending(userID string, msgs []memory.Message) []memory.Message {
	p.mu.Lock()
	mark, ok := p.compressed[userID]
	p.mu.Unlock()
	if !ok {
		return msgs
	}
	for i, m := range msgs {
		if m.CreatedAt.After(mark) {
			return msgs[i:]
		}
	}
	return nil
}

func (p *Pipeline) advance(userID string, to time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if to.After(p.compressed[userID]) {
		p.compressed[userID] = to
	}
}

// known reports whether userID already has a record with the same content.
// Lookup failures are logged and treated as unknown so the fact is kept.
func (p *Pipeline) known(ctx context.Context, userID, content string) bool {
	matches, err := p.store.SearchRecords(ctx, userID, content, 5)
	if err != nil {
		p.logger.Debug("fact lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	key := factKey(content)
	for _, m := range matches {
		if factKey(m.Content) == key {
			return true
		}
	}
	return false
}

func factKey(content string) string {
	return strings.ToLower(strings.Join(strings.Fields(content), " "))
}

// extract asks the engine for a structured digest of msgs.
func (p *Pipeline) extract(ctx context.Context, userID string, msgs []memory.Message) (extraction, error) {
	x, err := p.engine.StartExchange(ctx, brain.ExchangeOptions{UserID: userID, System: extractionPrompt, JSON: true})
	if err != nil {
		return extraction{}, fmt.Errorf("%w: %v", brain.ErrUpstreamGeneration, err)
	}
	reply, err := x.Send(ctx, formatTranscript(msgs))
	if err != nil {
		return extraction{}, fmt.Errorf("%w: %v", brain.ErrUpstreamGeneration, err)
	}
	ex, err := parseExtraction(reply)
	if err != nil {
		return extraction{}, fmt.Errorf("%w: %v", brain.ErrUpstreamGeneration, err)
	}
	return ex, nil
}

func (p *Pipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.Timeout > 0 {
		return context.WithTimeout(ctx, p.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) count(result string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.CompressionRuns.WithLabelValues(result).Inc()
	}
}

// IsUpstream reports whether err came from the generation engine rather than
// the store.
func IsUpstream(err error) bool {
	return errors.Is(err, brain.ErrUpstreamGeneration)
}
