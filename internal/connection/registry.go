// Package connection tracks the live realtime connection of every
// (user, device) pair.
package connection

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/eva/internal/observability"
)

// Handle is one live connection. Handles must be comparable (pointer types)
// so a stale owner can be told apart from its replacement.
type Handle interface {
	Send(ctx context.Context, msg any) error
	Close(code int, reason string) error
}

// Device describes one registered connection.
type Device struct {
	DeviceID    string    `json:"device_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

type entry struct {
	handle      Handle
	connectedAt time.Time
}

const broadcastFanout = 8

type Registry struct {
	mu      sync.RWMutex
	users   map[string]map[string]entry
	total   int
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewRegistry(logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		users:   make(map[string]map[string]entry),
		logger:  logger.Named("connection"),
		metrics: metrics,
	}
}

// Register installs h for (userID, deviceID) and returns the handle it
// replaced, if any. The caller decides what to do with the superseded handle.
func (r *Registry) Register(userID, deviceID string, h Handle) Handle {
	r.mu.Lock()
	devices, ok := r.users[userID]
	if !ok {
		devices = make(map[string]entry)
		r.users[userID] = devices
	}
	prev, replaced := devices[deviceID]
	devices[deviceID] = entry{handle: h, connectedAt: time.Now().UTC()}
	if !replaced {
		r.total++
	}
	total := r.total
	r.mu.Unlock()

	r.event("register", total)
	if replaced {
		r.event("replace", total)
		r.logger.Info("device connection replaced", zap.String("user_id", userID), zap.String("device_id", deviceID))
		return prev.handle
	}
	return nil
}

// Unregister removes the key whatever handle owns it.
func (r *Registry) Unregister(userID, deviceID string) bool {
	return r.remove(userID, deviceID, nil)
}

// Release removes the key only while h still owns it, so a replaced
// connection cleaning up never evicts its successor.
func (r *Registry) Release(userID, deviceID string, h Handle) bool {
	if h == nil {
		return false
	}
	return r.remove(userID, deviceID, h)
}

func (r *Registry) remove(userID, deviceID string, owner Handle) bool {
	r.mu.Lock()
	devices, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	cur, ok := devices[deviceID]
	if !ok || (owner != nil && cur.handle != owner) {
		r.mu.Unlock()
		return false
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(r.users, userID)
	}
	r.total--
	total := r.total
	r.mu.Unlock()

	r.event("unregister", total)
	return true
}

func (r *Registry) Get(userID, deviceID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID][deviceID]
	return e.handle, ok
}

// SendTo delivers msg to one device. A missing device is not an error.
func (r *Registry) SendTo(ctx context.Context, userID, deviceID string, msg any) error {
	h, ok := r.Get(userID, deviceID)
	if !ok {
		return nil
	}
	return h.Send(ctx, msg)
}

// Broadcast sends msg to every device of userID except exclude and returns
// how many sends succeeded. The device set is captured before sending.
func (r *Registry) Broadcast(ctx context.Context, userID string, msg any, exclude string) int {
	r.mu.RLock()
	targets := make(map[string]Handle, len(r.users[userID]))
	for id, e := range r.users[userID] {
		if id != exclude {
			targets[id] = e.handle
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}
	var delivered atomic.Int32
	var g errgroup.Group
	g.SetLimit(broadcastFanout)
	for id, h := range targets {
		g.Go(func() error {
			if err := h.Send(ctx, msg); err != nil {
				r.logger.Debug("broadcast send failed",
					zap.String("user_id", userID),
					zap.String("device_id", id),
					zap.Error(err),
				)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

// Count returns live connections for userID, or across all users when
// userID is empty.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if userID == "" {
		return r.total
	}
	return len(r.users[userID])
}

// Devices lists the user's connections ordered by device id.
func (r *Registry) Devices(userID string) []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.users[userID]))
	for id, e := range r.users[userID] {
		out = append(out, Device{DeviceID: id, ConnectedAt: e.connectedAt})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// CloseAll closes every registered handle, used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	handles := make([]Handle, 0, r.total)
	for _, devices := range r.users {
		for _, e := range devices {
			handles = append(handles, e.handle)
		}
	}
	r.mu.RUnlock()
	for _, h := range handles {
		_ = h.Close(code, reason)
	}
}

func (r *Registry) event(name string, total int) {
	if r.metrics == nil {
		return
	}
	r.metrics.ConnectionEvents.WithLabelValues(name).Inc()
	r.metrics.ActiveConnections.Set(float64(total))
}
