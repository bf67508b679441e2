package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/eva/internal/protocol"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsCloseGrace   = time.Second
)

func newUpgrader(allowAnyOrigin bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Browsers may only connect from the same origin unless explicitly opened up.
			if allowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser clients often omit Origin.
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
}

func (s *Server) handleSpeechWS(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	credential := strings.TrimSpace(r.URL.Query().Get("token"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if s.cfg.WSReadLimit > 0 {
		conn.SetReadLimit(int64(s.cfg.WSReadLimit))
	}

	wc := newWSConn(conn)
	defer wc.shutdown()
	go wc.pingLoop()

	if err := s.realtime.Serve(s.baseCtx, wc, deviceID, credential); err != nil {
		s.logger.Debug("realtime connection rejected", zap.String("device_id", deviceID), zap.Error(err))
	}
}

type wsInfoResponse struct {
	Endpoint       string   `json:"endpoint"`
	Authentication string   `json:"authentication"`
	Inbound        []string `json:"inbound_types"`
	Outbound       []string `json:"outbound_types"`
	CloseCodes     []string `json:"close_codes"`
	Connections    int      `json:"active_connections"`
}

func (s *Server) handleWSInfo(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, wsInfoResponse{
		Endpoint:       "/ws/speech/{device_id}",
		Authentication: "token query parameter",
		Inbound: []string{
			string(protocol.TypeAudio),
			string(protocol.TypeSynthesize),
			string(protocol.TypeChat),
			string(protocol.TypePing),
			string(protocol.TypeInterrupt),
		},
		Outbound: []string{
			string(protocol.TypeConnected),
			string(protocol.TypeTranscription),
			string(protocol.TypeResponse),
			string(protocol.TypeResponseChunk),
			string(protocol.TypeError),
			string(protocol.TypePong),
			string(protocol.TypeInterrupted),
			string(protocol.TypeSync),
		},
		CloseCodes: []string{
			"1000 normal",
			"1001 server shutting down",
			"1008 device id required",
			"4000 superseded by a newer connection",
			"4001 authentication required",
			"4003 invalid token",
		},
		Connections: s.registry.Count(""),
	})
}

// wsConn adapts a gorilla connection to realtime.Conn. Only the realtime
// writer goroutine calls WriteJSON; Close and pings go through WriteControl.
type wsConn struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, done: make(chan struct{})}
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		return payload, nil
	}
}

func (c *wsConn) WriteJSON(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		err = c.conn.Close()
	})
	return err
}

// shutdown releases the socket if Serve returned without closing it.
func (c *wsConn) shutdown() {
	_ = c.Close(websocket.CloseNormalClosure, "")
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
