package tiering

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler compresses users whose short-term context changed since the last
// tick.
type Scheduler struct {
	pipeline *Pipeline
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	dirty map[string]struct{}
}

func NewScheduler(p *Pipeline, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		pipeline: p,
		interval: interval,
		logger:   logger.Named("tiering.scheduler"),
		dirty:    make(map[string]struct{}),
	}
}

// Mark flags userID for the next run.
func (s *Scheduler) Mark(userID string) {
	if s == nil || userID == "" {
		return
	}
	s.mu.Lock()
	s.dirty[userID] = struct{}{}
	s.mu.Unlock()
}

// Start runs until ctx is done. A non-positive interval disables the loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce compresses every marked user. Users whose run fails stay marked.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	users := make([]string, 0, len(s.dirty))
	for u := range s.dirty {
		users = append(users, u)
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	for _, u := range users {
		if ctx.Err() != nil {
			s.Mark(u)
			continue
		}
		if _, err := s.pipeline.Compress(ctx, u); err != nil {
			s.logger.Warn("scheduled compression failed", zap.String("user_id", u), zap.Error(err))
			s.Mark(u)
		}
	}
}

// Pending reports how many users are waiting for compression.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}
