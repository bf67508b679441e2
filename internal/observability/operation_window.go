package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// OperationStats summarises the recent window of one operation. Errors and
// ErrorRate cover the window; TotalCalls and TotalErrors count since start.
type OperationStats struct {
	Operation   string    `json:"operation"`
	Samples     int       `json:"samples"`
	Errors      int       `json:"errors"`
	ErrorRate   float64   `json:"error_rate"`
	TotalCalls  uint64    `json:"total_calls"`
	TotalErrors uint64    `json:"total_errors"`
	LastMS      float64   `json:"last_ms"`
	AvgMS       float64   `json:"avg_ms"`
	P50MS       float64   `json:"p50_ms"`
	P95MS       float64   `json:"p95_ms"`
	MaxMS       float64   `json:"max_ms"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
}

type OperationSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Operations  []OperationStats `json:"operations"`
}

type sample struct {
	ms     float64
	failed bool
}

// series is a fixed-size history of one operation's calls.
type series struct {
	samples     []sample
	head        int
	size        int
	calls       uint64
	failures    uint64
	lastErrorAt time.Time
}

func (s *series) add(v sample) {
	s.samples[s.head] = v
	s.head = (s.head + 1) % len(s.samples)
	if s.size < len(s.samples) {
		s.size++
	}
}

// latest returns the most recently added sample.
func (s *series) latest() sample {
	i := s.head - 1
	if i < 0 {
		i = len(s.samples) - 1
	}
	return s.samples[i]
}

type operationWindow struct {
	mu       sync.Mutex
	capacity int
	series   map[string]*series
	now      func() time.Time
}

func newOperationWindow(capacity int) *operationWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &operationWindow{
		capacity: capacity,
		series:   make(map[string]*series),
		now:      time.Now,
	}
}

func (w *operationWindow) Observe(op string, ms float64, failed bool) {
	if op == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.series[op]
	if !ok {
		s = &series{samples: make([]sample, w.capacity)}
		w.series[op] = s
	}
	s.add(sample{ms: ms, failed: failed})
	s.calls++
	if failed {
		s.failures++
		s.lastErrorAt = w.now().UTC()
	}
}

func (w *operationWindow) Snapshot() OperationSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := OperationSnapshot{
		GeneratedAt: w.now().UTC(),
		WindowSize:  w.capacity,
		Operations:  make([]OperationStats, 0, len(w.series)),
	}
	for op, s := range w.series {
		if s.size == 0 {
			continue
		}
		latencies := make([]float64, 0, s.size)
		errs := 0
		sum := 0.0
		for _, v := range s.samples[:s.size] {
			latencies = append(latencies, v.ms)
			sum += v.ms
			if v.failed {
				errs++
			}
		}
		sort.Float64s(latencies)
		out.Operations = append(out.Operations, OperationStats{
			Operation:   op,
			Samples:     s.size,
			Errors:      errs,
			ErrorRate:   round2(float64(errs) / float64(s.size)),
			TotalCalls:  s.calls,
			TotalErrors: s.failures,
			LastMS:      round2(s.latest().ms),
			AvgMS:       round2(sum / float64(s.size)),
			P50MS:       round2(percentile(latencies, 0.50)),
			P95MS:       round2(percentile(latencies, 0.95)),
			MaxMS:       round2(latencies[len(latencies)-1]),
			LastErrorAt: s.lastErrorAt,
		})
	}
	sort.Slice(out.Operations, func(i, j int) bool {
		return out.Operations[i].Operation < out.Operations[j].Operation
	})
	return out
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(pos-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
