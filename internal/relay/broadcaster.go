// Package relay fans chat messages out to connected real-time clients and
// hands client-authored messages to the bridge.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/funnelsync/internal/channels"
	"github.com/haasonsaas/funnelsync/internal/observability"
	"github.com/haasonsaas/funnelsync/internal/storage"
	"github.com/haasonsaas/funnelsync/pkg/models"
)

// Event names on the client wire.
const (
	EventUnreadMessages = "unreadMessages"
	EventChatHistory    = "chatHistory"
	EventNewMessage     = "newMessage"
	EventError          = "error"
	EventSendMessage    = "sendMessage"
)

// Outbound forwards a client message to the user's external bot.
type Outbound interface {
	SendOutbound(ctx context.Context, userID, chatID, content string) error
}

// Authenticator verifies the token presented at handshake.
type Authenticator interface {
	ValidateJWT(token string) (*models.User, error)
}

// Client is one real-time transport. Emit must not block on a slow peer.
type Client interface {
	ID() string
	Emit(event string, payload any) error
	Close() error
}

// Session is an authenticated client.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	client Client
}

// Emit sends one event to this session's client.
func (s *Session) Emit(event string, payload any) error {
	return s.client.Emit(event, payload)
}

// NewMessagePayload is the body of a newMessage event.
type NewMessagePayload struct {
	ChatID     string            `json:"chatId"`
	Message    string            `json:"message"`
	SenderID   string            `json:"senderId"`
	SenderType models.SenderType `json:"senderType"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ErrorPayload is the body of a soft error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Config holds the Broadcaster's dependencies.
type Config struct {
	Messages storage.MessageStore
	Outbound Outbound
	Auth     Authenticator
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *slog.Logger

	// HistoryLimit bounds the chatHistory batch. Zero means 50.
	HistoryLimit int
}

// Broadcaster tracks live sessions and relays messages between them, the
// message store and the bridge.
type Broadcaster struct {
	messages     storage.MessageStore
	outbound     Outbound
	auth         Authenticator
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	logger       *slog.Logger
	historyLimit int

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]*Session
}

// NewBroadcaster creates a Broadcaster. Messages, Outbound and Auth are required.
func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if cfg.Messages == nil {
		return nil, errors.New("relay: message store is required")
	}
	if cfg.Outbound == nil {
		return nil, errors.New("relay: outbound sender is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("relay: authenticator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = storage.DefaultHistoryLimit
	}
	return &Broadcaster{
		messages:     cfg.Messages,
		outbound:     cfg.Outbound,
		auth:         cfg.Auth,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger.With("component", "relay"),
		historyLimit: cfg.HistoryLimit,
		sessions:     make(map[string]*Session),
		byUser:       make(map[string]*Session),
	}, nil
}

// OnClientConnect authenticates client and replays its backlog. On auth
// failure the client is closed without any event. Callers must not process
// client events until this returns.
func (b *Broadcaster) OnClientConnect(ctx context.Context, client Client, token string) (*Session, error) {
	user, err := b.auth.ValidateJWT(token)
	if err != nil || user == nil || user.ID == "" {
		_ = client.Close()
		b.logger.Debug("client rejected", "client_id", client.ID(), "error", err)
		return nil, channels.ErrAuthRejected("invalid token", err)
	}

	ctx, span := b.tracer.Start(ctx, "relay.OnClientConnect", attribute.String("user_id", user.ID))
	defer span.End()

	session := &Session{
		ID:          client.ID(),
		UserID:      user.ID,
		ConnectedAt: time.Now().UTC(),
		client:      client,
	}
	b.mu.Lock()
	b.sessions[session.ID] = session
	b.byUser[session.UserID] = session
	b.mu.Unlock()
	b.metrics.ClientConnected(1)

	logger := b.logger.With("session_id", session.ID, "user_id", session.UserID)
	logger.Info("client connected")

	b.replayUnread(ctx, session, logger)
	b.replayHistory(ctx, session, logger)
	return session, nil
}

func (b *Broadcaster) replayUnread(ctx context.Context, session *Session, logger *slog.Logger) {
	start := time.Now()
	unread, err := b.messages.Unread(ctx, session.UserID)
	b.metrics.ObserveStore("unread", time.Since(start))
	if err != nil {
		logger.Error("failed to load unread messages", "error", err)
		return
	}
	if len(unread) == 0 {
		return
	}
	if err := session.Emit(EventUnreadMessages, unread); err != nil {
		logger.Warn("failed to deliver unread messages", "error", err)
		return
	}

	start = time.Now()
	n, err := b.messages.MarkRead(ctx, session.UserID)
	b.metrics.ObserveStore("mark_read", time.Since(start))
	if err != nil {
		logger.Error("failed to mark messages read", "error", err)
		return
	}
	logger.Debug("unread messages delivered", "count", len(unread), "marked", n)
}

func (b *Broadcaster) replayHistory(ctx context.Context, session *Session, logger *slog.Logger) {
	start := time.Now()
	history, err := b.messages.History(ctx, session.UserID, b.historyLimit)
	b.metrics.ObserveStore("history", time.Since(start))
	if err != nil {
		logger.Error("failed to load chat history", "error", err)
		return
	}
	if err := session.Emit(EventChatHistory, history); err != nil {
		logger.Warn("failed to deliver chat history", "error", err)
	}
}

// OnClientDisconnect forgets session. The user index is cleared only if it
// still points at this session.
func (b *Broadcaster) OnClientDisconnect(session *Session) {
	if session == nil {
		return
	}
	b.mu.Lock()
	_, known := b.sessions[session.ID]
	delete(b.sessions, session.ID)
	if current, ok := b.byUser[session.UserID]; ok && current == session {
		delete(b.byUser, session.UserID)
	}
	b.mu.Unlock()

	if known {
		b.metrics.ClientConnected(-1)
		b.logger.Info("client disconnected", "session_id", session.ID, "user_id", session.UserID)
	}
}

// OnClientMessage persists a client-authored message, forwards it to the
// user's bot and broadcasts it. A forward failure is reported to the sender
// only; the broadcast still happens. A persist failure stops everything.
func (b *Broadcaster) OnClientMessage(ctx context.Context, session *Session, chatID, content string) error {
	ctx, span := b.tracer.Start(ctx, "relay.OnClientMessage",
		attribute.String("user_id", session.UserID), attribute.String("chat_id", chatID))
	defer span.End()
	logger := b.logger.With("session_id", session.ID, "user_id", session.UserID, "chat_id", chatID)

	if strings.TrimSpace(chatID) == "" || content == "" {
		err := channels.ErrInvalidInput("chatId and message are required", nil)
		b.softError(session, "chatId and message are required", logger)
		return err
	}

	start := time.Now()
	msg, err := b.messages.Append(ctx, chatID, session.UserID, models.SenderUser, content)
	b.metrics.ObserveStore("append", time.Since(start))
	if err != nil {
		b.metrics.Message(string(models.DirectionOutbound), "store_error")
		b.tracer.RecordError(span, err)
		logger.Error("failed to persist client message", "error", err)
		b.softError(session, "failed to save message", logger)
		return channels.ErrStore("persist message", err)
	}

	var forwardErr error
	if err := b.outbound.SendOutbound(ctx, session.UserID, chatID, content); err != nil {
		forwardErr = err
		b.tracer.RecordError(span, err)
		logger.Warn("failed to forward message", "error", err, "code", channels.GetErrorCode(err))
		b.softError(session, forwardMessage(err), logger)
	}

	b.broadcastMessage(msg)
	return forwardErr
}

// RouteInbound persists a message received by a bot and broadcasts it.
// Failures are logged; there is nobody upstream to reject to.
func (b *Broadcaster) RouteInbound(ctx context.Context, chatID, content, channelID string) error {
	ctx, span := b.tracer.Start(ctx, "relay.RouteInbound",
		attribute.String("chat_id", chatID), attribute.String("channel_id", channelID))
	defer span.End()

	start := time.Now()
	msg, err := b.messages.Append(ctx, chatID, channelID, models.SenderBot, content)
	b.metrics.ObserveStore("append", time.Since(start))
	if err != nil {
		b.metrics.Message(string(models.DirectionInbound), "store_error")
		b.tracer.RecordError(span, err)
		b.logger.Error("failed to persist inbound message",
			"chat_id", chatID, "channel_id", channelID, "error", err)
		return channels.ErrStore("persist message", err)
	}
	b.metrics.Message(string(models.DirectionInbound), "ok")
	b.broadcastMessage(msg)
	return nil
}

// broadcastMessage emits newMessage to every session. msg must already be
// stored.
func (b *Broadcaster) broadcastMessage(msg *models.Message) {
	b.Broadcast(EventNewMessage, NewMessagePayload{
		ChatID:     msg.ChatID,
		Message:    msg.Content,
		SenderID:   msg.SenderID,
		SenderType: msg.SenderType,
		Timestamp:  msg.Timestamp,
	})
}

// Broadcast emits event to every live session.
func (b *Broadcaster) Broadcast(event string, payload any) {
	b.mu.RLock()
	targets := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.Emit(event, payload); err != nil {
			b.logger.Debug("emit failed", "session_id", s.ID, "event", event, "error", err)
		}
	}
}

// SessionForUser returns the latest session registered for userID.
func (b *Broadcaster) SessionForUser(userID string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.byUser[userID]
	return s, ok
}

// SessionCount returns the number of live sessions.
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Shutdown closes every client and clears all state.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.byUser = make(map[string]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		_ = s.client.Close()
	}
	b.metrics.ClientConnected(-len(sessions))
	b.logger.Info("relay stopped", "sessions", len(sessions))
}

func (b *Broadcaster) softError(session *Session, message string, logger *slog.Logger) {
	if err := session.Emit(EventError, ErrorPayload{Message: message}); err != nil {
		logger.Debug("failed to deliver error event", "error", err)
	}
}

func forwardMessage(err error) string {
	switch channels.GetErrorCode(err) {
	case channels.ErrCodeNoActiveChannel:
		return "no active channel to deliver the message"
	case channels.ErrCodeTimeout:
		return "timed out delivering the message"
	default:
		return "failed to deliver the message"
	}
}
