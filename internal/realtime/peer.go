package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/protocol"
)

// Conn is the message transport under one realtime connection. ReadMessage
// returns one text frame. Close must be safe to call concurrently with
// WriteJSON and must unblock a pending ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close(code int, reason string) error
}

var (
	errPeerClosed  = errors.New("connection closed")
	errSendTimeout = errors.New("outbound queue full")
)

const outboundQueueSize = 64

// peer serializes writes to a Conn through a single writer goroutine. It is
// the connection.Handle registered for the device.
type peer struct {
	conn        Conn
	out         chan any
	done        chan struct{}
	sendTimeout time.Duration
	metrics     *observability.Metrics

	closeOnce sync.Once
	closeErr  error
}

func newPeer(conn Conn, sendTimeout time.Duration, metrics *observability.Metrics) *peer {
	return &peer{
		conn:        conn,
		out:         make(chan any, outboundQueueSize),
		done:        make(chan struct{}),
		sendTimeout: sendTimeout,
		metrics:     metrics,
	}
}

// Send queues msg for the writer. It gives up after the send timeout so one
// stalled client cannot block a broadcast.
func (p *peer) Send(ctx context.Context, msg any) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	var timeout <-chan time.Time
	if p.sendTimeout > 0 {
		t := time.NewTimer(p.sendTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return errPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return errSendTimeout
	}
}

func (p *peer) Close(code int, reason string) error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.closeErr = p.conn.Close(code, reason)
	})
	return p.closeErr
}

func (p *peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *peer) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case msg := <-p.out:
			if err := p.conn.WriteJSON(msg); err != nil {
				return err
			}
			if p.metrics != nil {
				if t, ok := messageTypeOf(msg); ok {
					p.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Connected:
		return m.Type, true
	case protocol.Transcription:
		return m.Type, true
	case protocol.AudioOut:
		return m.Type, true
	case protocol.Response:
		return m.Type, true
	case protocol.ResponseChunk:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.Interrupted:
		return m.Type, true
	case protocol.Sync:
		return m.Type, true
	case protocol.Audio:
		return m.Type, true
	case protocol.Synthesize:
		return m.Type, true
	case protocol.Chat:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	case protocol.Interrupt:
		return m.Type, true
	default:
		return "", false
	}
}
