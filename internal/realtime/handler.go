// Package realtime drives one device's speech channel: authenticate,
// register, then dispatch inbound messages in order until the transport
// closes.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ent0n29/eva/internal/connection"
	"github.com/ent0n29/eva/internal/conversation"
	"github.com/ent0n29/eva/internal/dialogue"
	"github.com/ent0n29/eva/internal/identity"
	"github.com/ent0n29/eva/internal/intent"
	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/protocol"
	"github.com/ent0n29/eva/internal/speech"
)

// Websocket close codes.
const (
	CloseNormal            = 1000
	CloseGoingAway         = 1001
	ClosePolicyViolation   = 1008
	CloseSuperseded        = 4000
	CloseNoCredential      = 4001
	CloseInvalidCredential = 4003
)

const connectedMessage = "Connected to Eva speech service"

type Options struct {
	// SendTimeout bounds how long a message may wait for queue space.
	SendTimeout time.Duration
	// RateLimit is inbound messages per second per connection; 0 disables it.
	RateLimit float64
	RateBurst int
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

type Handler struct {
	identity identity.Resolver
	registry *connection.Registry
	chat     *conversation.Service
	speech   *speech.Registry
	opts     Options
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewHandler(resolver identity.Resolver, registry *connection.Registry, chat *conversation.Service, media *speech.Registry, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		identity: resolver,
		registry: registry,
		chat:     chat,
		speech:   media,
		opts:     opts,
		logger:   logger.Named("realtime"),
		metrics:  opts.Metrics,
	}
}

// client is the per-connection state seen by message handlers.
type client struct {
	userID   string
	deviceID string
	peer     *peer
	limiter  *rate.Limiter
}

// Serve runs one connection to completion. Authentication failures close conn
// with CloseNoCredential or CloseInvalidCredential and return the identity
// error. The device is unregistered on every exit path.
func (h *Handler) Serve(ctx context.Context, conn Conn, deviceID, credential string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		_ = conn.Close(ClosePolicyViolation, "device id required")
		return errors.New("device id required")
	}

	userID, err := h.identity.Verify(ctx, credential)
	if err != nil {
		code, reason := CloseInvalidCredential, "Invalid token"
		if errors.Is(err, identity.ErrNoCredential) {
			code, reason = CloseNoCredential, "Authentication required"
		}
		h.event("auth_failed")
		h.logger.Info("realtime authentication failed", zap.String("device_id", deviceID), zap.Error(err))
		_ = conn.Close(code, reason)
		return err
	}

	c := &client{
		userID:   userID,
		deviceID: deviceID,
		peer:     newPeer(conn, h.opts.SendTimeout, h.metrics),
		limiter:  h.newLimiter(),
	}
	log := h.logger.With(zap.String("user_id", userID), zap.String("device_id", deviceID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.peer.writeLoop(gctx) })

	if prev := h.registry.Register(userID, deviceID, c.peer); prev != nil {
		h.event("superseded")
		_ = prev.Close(CloseSuperseded, "superseded")
	}
	defer h.registry.Release(userID, deviceID, c.peer)
	h.event("connected")
	log.Info("device connected")

	g.Go(func() error {
		<-gctx.Done()
		code, reason := CloseNormal, ""
		if ctx.Err() != nil {
			code, reason = CloseGoingAway, "server shutting down"
		}
		_ = c.peer.Close(code, reason)
		return nil
	})

	g.Go(func() error {
		if err := c.peer.Send(gctx, protocol.Connected{
			Type:     protocol.TypeConnected,
			DeviceID: deviceID,
			UserID:   userID,
			Message:  connectedMessage,
		}); err != nil {
			return err
		}
		for {
			raw, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			if c.peer.closed() {
				return errPeerClosed
			}
			h.dispatch(gctx, c, raw)
		}
	})

	err = g.Wait()
	h.event("disconnected")
	log.Info("device disconnected", zap.NamedError("reason", err))
	return nil
}

func (h *Handler) newLimiter() *rate.Limiter {
	if h.opts.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.opts.RateBurst
	if burst <= 0 {
		burst = int(math.Ceil(h.opts.RateLimit))
	}
	return rate.NewLimiter(rate.Limit(h.opts.RateLimit), burst)
}

// dispatch handles one inbound frame. Every reply for it is queued before it
// returns, which keeps per-connection replies in receipt order.
func (h *Handler) dispatch(ctx context.Context, c *client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("realtime handler panic",
				zap.String("user_id", c.userID),
				zap.String("device_id", c.deviceID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			h.sendError(ctx, c, protocol.CodeInternal, "Internal error")
		}
	}()

	if !c.limiter.Allow() {
		h.sendError(ctx, c, protocol.CodeRateLimited, "Rate limit exceeded")
		return
	}

	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		code := protocol.CodeInvalidMessage
		if errors.Is(err, protocol.ErrUnsupportedType) {
			code = protocol.CodeUnsupportedType
		}
		h.inbound("invalid")
		h.sendError(ctx, c, code, protocol.ValidationMessage(err))
		return
	}
	if t, ok := messageTypeOf(msg); ok {
		h.inbound(string(t))
	}

	switch m := msg.(type) {
	case protocol.Ping:
		h.send(ctx, c, protocol.Pong{Type: protocol.TypePong})
	case protocol.Interrupt:
		// Acknowledgment only; in-flight generation is not cancelled.
		h.send(ctx, c, protocol.Interrupted{Type: protocol.TypeInterrupted, Message: "Playback interrupted"})
	case protocol.Audio:
		h.handleAudio(ctx, c, m)
	case protocol.Synthesize:
		h.handleSynthesize(ctx, c, m)
	case protocol.Chat:
		h.handleChat(ctx, c, m)
	}
}

func (h *Handler) handleAudio(ctx context.Context, c *client, m protocol.Audio) {
	started := time.Now()
	tr, err := h.speech.Transcribe(ctx, m.Bytes, m.Language, m.Engine)
	h.metrics.ObserveOperation("transcribe", time.Since(started), err)
	if err != nil {
		h.mediaError(ctx, c, "Transcription failed", m.Engine, err)
		return
	}
	h.send(ctx, c, protocol.Transcription{
		Type:       protocol.TypeTranscription,
		Text:       tr.Text,
		Confidence: tr.Confidence,
		Language:   tr.Language,
		Engine:     tr.Engine,
		Intent:     intent.Classify(tr.Text),
	})
}

func (h *Handler) handleSynthesize(ctx context.Context, c *client, m protocol.Synthesize) {
	out, err := h.synthesize(ctx, m.Text, m.Voice, m.Language, m.Engine)
	if err != nil {
		h.mediaError(ctx, c, "Synthesis failed", m.Engine, err)
		return
	}
	h.send(ctx, c, protocol.AudioOut{
		Type:            protocol.TypeAudio,
		Data:            base64.StdEncoding.EncodeToString(out.Audio),
		ContentType:     out.ContentType,
		DurationSeconds: seconds(out.Duration),
		Engine:          out.Engine,
	})
}

func (h *Handler) handleChat(ctx context.Context, c *client, m protocol.Chat) {
	verdict := intent.Classify(m.Message)
	resp := protocol.Response{Type: protocol.TypeResponse, Intent: &verdict}

	if m.Stream {
		text, ok, err := h.streamChat(ctx, c, m)
		if err != nil {
			h.chatError(ctx, c, err)
			return
		}
		resp.Text, resp.Success = text, ok
		resp.SessionID = dialogue.NewKey(c.userID, m.SessionID).ConversationID
	} else {
		reply, err := h.chat.Chat(ctx, c.userID, m.SessionID, m.Message)
		if err != nil && !errors.Is(err, dialogue.ErrUpstreamGeneration) {
			h.chatError(ctx, c, err)
			return
		}
		resp.Text, resp.Success, resp.SessionID = reply.Text, reply.Success, reply.ConversationID
	}
	if !resp.Success {
		resp.Error = "The assistant could not answer right now"
	}

	if m.IncludeAudio && resp.Success {
		out, err := h.synthesize(ctx, resp.Text, "", m.Language, "")
		if err != nil {
			h.logger.Warn("response synthesis failed", zap.String("user_id", c.userID), zap.Error(err))
		} else {
			resp.Audio = base64.StdEncoding.EncodeToString(out.Audio)
			resp.AudioContentType = out.ContentType
			resp.AudioDuration = seconds(out.Duration)
		}
	}
	h.send(ctx, c, resp)

	if m.SyncDevices {
		h.registry.Broadcast(ctx, c.userID, protocol.Sync{
			Type:       protocol.TypeSync,
			Event:      "new_message",
			FromDevice: c.deviceID,
			Message:    m.Message,
			Response:   resp.Text,
		}, c.deviceID)
	}
}

// streamChat relays chunks as response_chunk messages and returns the full
// text and whether it came from the engine rather than the fallback.
func (h *Handler) streamChat(ctx context.Context, c *client, m protocol.Chat) (string, bool, error) {
	chunks, err := h.chat.ChatStream(ctx, c.userID, m.SessionID, m.Message)
	if err != nil {
		return "", false, err
	}
	sessionID := dialogue.NewKey(c.userID, m.SessionID).ConversationID
	var full strings.Builder
	ok := true
	for chunk := range chunks {
		if chunk.Fallback {
			ok = false
		}
		full.WriteString(chunk.Text)
		h.send(ctx, c, protocol.ResponseChunk{
			Type:      protocol.TypeResponseChunk,
			Text:      chunk.Text,
			Done:      chunk.Done,
			SessionID: sessionID,
		})
	}
	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}
	return full.String(), ok, nil
}

func (h *Handler) synthesize(ctx context.Context, text, voice, language, engine string) (speech.Synthesis, error) {
	started := time.Now()
	out, err := h.speech.Synthesize(ctx, text, voice, language, engine)
	h.metrics.ObserveOperation("synthesize", time.Since(started), err)
	return out, err
}

func (h *Handler) mediaError(ctx context.Context, c *client, prefix, engine string, err error) {
	switch {
	case errors.Is(err, speech.ErrUnknownEngine):
		h.sendError(ctx, c, protocol.CodeInvalidMessage, fmt.Sprintf("Unknown engine: %s", engine))
	case errors.Is(err, speech.ErrEmptyAudio), errors.Is(err, speech.ErrEmptyText):
		h.sendError(ctx, c, protocol.CodeInvalidMessage, prefix)
	default:
		h.logger.Warn(strings.ToLower(prefix), zap.String("user_id", c.userID), zap.String("engine", engine), zap.Error(err))
		if h.metrics != nil {
			h.metrics.ProviderErrors.WithLabelValues("speech", "upstream_media").Inc()
		}
		h.sendError(ctx, c, protocol.CodeUpstreamMedia, prefix)
	}
}

func (h *Handler) chatError(ctx context.Context, c *client, err error) {
	if ctx.Err() != nil {
		return
	}
	h.logger.Debug("chat rejected", zap.String("user_id", c.userID), zap.Error(err))
	h.sendError(ctx, c, protocol.CodeInvalidMessage, "Chat failed: invalid message")
}

func (h *Handler) send(ctx context.Context, c *client, msg any) {
	if err := c.peer.Send(ctx, msg); err != nil && !errors.Is(err, errPeerClosed) && ctx.Err() == nil {
		h.logger.Debug("outbound message dropped", zap.String("device_id", c.deviceID), zap.Error(err))
	}
}

func (h *Handler) sendError(ctx context.Context, c *client, code, msg string) {
	h.send(ctx, c, protocol.NewError(code, msg))
}

func (h *Handler) inbound(t string) {
	if h.metrics != nil {
		h.metrics.WSMessages.WithLabelValues("inbound", t).Inc()
	}
}

func (h *Handler) event(name string) {
	if h.metrics != nil {
		h.metrics.ConnectionEvents.WithLabelValues(name).Inc()
	}
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
