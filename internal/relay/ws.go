package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/funnelsync/internal/auth"
	"github.com/haasonsaas/funnelsync/internal/observability"
)

const (
	wsMaxPayloadBytes = 64 << 10
	wsPongWait        = 45 * time.Second
	wsPingPeriod      = (wsPongWait * 9) / 10
	wsWriteWait       = 10 * time.Second
	defaultSendBuffer = 64
)

var (
	errClientClosed = errors.New("client closed")
	errBufferFull   = errors.New("send buffer full")
)

// HandlerConfig configures the WebSocket transport.
type HandlerConfig struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// SendBuffer is the per-client outbound frame queue. Zero means 64.
	SendBuffer int

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// Handler upgrades HTTP requests to WebSocket clients of a Broadcaster.
type Handler struct {
	broadcaster *Broadcaster
	logger      *slog.Logger
	metrics     *observability.Metrics
	sendBuffer  int
	upgrader    websocket.Upgrader
}

// NewHandler creates the WebSocket endpoint for b.
func NewHandler(b *Broadcaster, cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &Handler{
		broadcaster: b,
		logger:      cfg.Logger.With("component", "relay_ws"),
		metrics:     cfg.Metrics,
		sendBuffer:  cfg.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// wsFrame is the envelope for every message in both directions.
type wsFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

type wsOutFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Seq     int64  `json:"seq"`
}

type sendMessageParams struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	client := &wsClient{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		metrics: h.metrics,
	}
	go client.writeLoop()

	session, err := h.broadcaster.OnClientConnect(ctx, client, token)
	if err != nil {
		return
	}
	defer func() {
		h.broadcaster.OnClientDisconnect(session)
		_ = client.Close()
	}()

	client.readLoop(func(frame *wsFrame) {
		h.handleFrame(ctx, session, frame)
	}, func(err error) {
		_ = session.Emit(EventError, ErrorPayload{Message: err.Error()})
	})
}

func (h *Handler) handleFrame(ctx context.Context, session *Session, frame *wsFrame) {
	switch frame.Event {
	case EventSendMessage:
		var params sendMessageParams
		if err := json.Unmarshal(frame.Payload, &params); err != nil {
			_ = session.Emit(EventError, ErrorPayload{Message: "invalid sendMessage payload"})
			return
		}
		if err := h.broadcaster.OnClientMessage(ctx, session, params.ChatID, params.Message); err != nil {
			h.logger.Debug("client message not fully relayed", "session_id", session.ID, "error", err)
		}
	default:
		_ = session.Emit(EventError, ErrorPayload{Message: fmt.Sprintf("unknown event %q", frame.Event)})
	}
}

// wsClient adapts a gorilla connection to Client. Frames are queued and
// written by a single writer goroutine.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *observability.Metrics

	seq       atomic.Int64
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (c *wsClient) ID() string { return c.id }

// Emit queues one event frame. It never blocks; a full queue drops the frame.
func (c *wsClient) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}

	data, err := json.Marshal(wsOutFrame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     c.seq.Add(1),
	})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.metrics.FrameDropped()
		return errBufferFull
	}
}

// Close stops accepting frames. The writer flushes what is queued, sends a
// close frame and closes the connection. Safe to call repeatedly.
func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
	})
	return nil
}

func (c *wsClient) readLoop(onFrame func(*wsFrame), onInvalid func(error)) {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := decodeClientFrame(data)
		if err != nil {
			onInvalid(err)
			continue
		}
		onFrame(frame)
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.drain()
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain flushes frames queued before Close and sends a close frame.
func (c *wsClient) drain() {
	deadline := time.Now().Add(wsWriteWait)
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(deadline) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func decodeClientFrame(raw []byte) (*wsFrame, error) {
	if err := validateClientFrame(raw); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// requestToken reads the handshake token from the query string or the
// Authorization header.
func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return auth.BearerToken(r)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(origin), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
