package telegram

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/funnelsync/internal/channels"
	"github.com/haasonsaas/funnelsync/pkg/models"
)

// maxMessageBytes keeps each part under the Bot API's 4096 character cap.
// Counting bytes is stricter than counting characters.
const maxMessageBytes = 4096

// Config holds the settings shared by every session a Dialer opens.
type Config struct {
	// RateLimit is the global send rate per bot (messages per second).
	RateLimit float64

	// RateBurst is the burst capacity of the global bucket.
	RateBurst int

	// PerChatRate limits sends to a single chat (messages per second).
	PerChatRate float64

	// ServerURL overrides the Bot API endpoint. Empty means api.telegram.org.
	ServerURL string

	// PollTimeout is the long-poll timeout used by getUpdates.
	PollTimeout time.Duration

	// HTTPClient is used for every Bot API call when set.
	HTTPClient *http.Client

	// Logger is an optional slog.Logger instance
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.RateLimit == 0 {
		c.RateLimit = 30 // Telegram's limit is ~30 messages per second
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.PerChatRate == 0 {
		c.PerChatRate = 1
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dialer opens Telegram bot sessions from bot tokens.
type Dialer struct {
	config Config
	logger *slog.Logger

	// newClient is replaced in tests.
	newClient func(token string, opts ...bot.Option) (BotClient, error)
}

// NewDialer creates a Dialer with the given configuration.
func NewDialer(config Config) *Dialer {
	config.applyDefaults()
	return &Dialer{
		config: config,
		logger: config.Logger.With("component", "telegram"),
		newClient: func(token string, opts ...bot.Option) (BotClient, error) {
			b, err := bot.New(token, opts...)
			if err != nil {
				return nil, err
			}
			return newRealBotClient(b), nil
		},
	}
}

// Dial validates the token with getMe and returns an idle session.
// Polling does not begin until Start is called.
func (d *Dialer) Dial(ctx context.Context, token string) (channels.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, channels.ErrInvalidInput("bot token is required", nil)
	}

	s := &Session{
		limiter: channels.NewChatLimiter(d.config.RateLimit, d.config.RateBurst, d.config.PerChatRate, 1),
		logger:  d.logger,
		done:    make(chan struct{}),
	}

	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithErrorsHandler(func(err error) {
			s.logger.Warn("telegram polling error", "error", err)
		}),
	}
	if d.config.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(d.config.ServerURL))
	}
	if d.config.HTTPClient != nil {
		opts = append(opts, bot.WithHTTPClient(d.config.PollTimeout, d.config.HTTPClient))
	}

	client, err := d.newClient(token, opts...)
	if err != nil {
		return nil, channels.ErrExternalPlatform("failed to create telegram bot", err)
	}

	me, err := client.GetMe(ctx)
	if err != nil {
		return nil, classify("telegram rejected bot token", err)
	}
	if me == nil {
		return nil, channels.ErrExternalPlatform("telegram returned no bot identity", nil)
	}

	s.client = client
	s.identity = models.PlatformIdentity{
		ID:        strconv.FormatInt(me.ID, 10),
		Username:  me.Username,
		FirstName: me.FirstName,
		LastName:  me.LastName,
	}
	s.logger = d.logger.With("bot_id", s.identity.ID, "bot_username", s.identity.Username)
	return s, nil
}

// Session is one bot account's long-polling connection.
type Session struct {
	client   BotClient
	identity models.PlatformIdentity
	limiter  *channels.ChatLimiter
	logger   *slog.Logger

	// mu guards handler delivery against Close. Deliveries hold the read
	// lock for their whole duration.
	mu      sync.RWMutex
	handler channels.InboundHandler
	started bool
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Identity returns the bot's profile as reported by getMe.
func (s *Session) Identity() models.PlatformIdentity {
	return s.identity
}

// Start registers the text handler and begins long polling.
func (s *Session) Start(handler channels.InboundHandler) error {
	if handler == nil {
		return channels.ErrInvalidInput("inbound handler is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return channels.ErrNotRunning("session closed", nil)
	}
	if s.started {
		return channels.ErrAlreadyRunning("session already started", nil)
	}
	s.started = true
	s.handler = handler

	s.client.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, s.handleUpdate)

	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.client.Start(pollCtx)
	}()

	s.logger.Info("telegram polling started")
	return nil
}

func (s *Session) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update == nil || update.Message == nil {
		return
	}
	msg := update.Message

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.handler == nil {
		return
	}

	in := channels.Inbound{
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Text:       msg.Text,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		in.SenderID = strconv.FormatInt(msg.From.ID, 10)
		in.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}

	s.logger.Debug("received message", "chat_id", in.ChatID, "length", len(in.Text))
	s.handler(ctx, in)
}

// Send posts text to chatID. Numeric chat IDs are sent as integers; anything
// else (such as @channelusername) is passed through.
func (s *Session) Send(ctx context.Context, chatID, text string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return channels.ErrInvalidInput("chat id is required", nil)
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return channels.ErrNotRunning("session closed", nil)
	}

	if strings.TrimSpace(text) == "" {
		return channels.ErrInvalidInput("message text is required", nil)
	}

	var target any = chatID
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		target = id
	}

	// Long text goes out as consecutive messages. A failure stops the rest.
	parts := channels.SplitText(text, maxMessageBytes)
	for i, part := range parts {
		if err := s.limiter.Wait(ctx, chatID); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}

		sent, err := s.client.SendMessage(ctx, &bot.SendMessageParams{ChatID: target, Text: part})
		if err != nil {
			s.logger.Error("failed to send message", "error", err, "chat_id", chatID, "part", i+1, "parts", len(parts))
			return classify("failed to send message", err).WithContext("chat_id", chatID)
		}
		if sent != nil {
			s.logger.Debug("message sent", "chat_id", chatID, "message_id", sent.ID)
		}
	}
	return nil
}

// Close stops polling and waits for in-flight deliveries to drain.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-s.done:
		s.logger.Info("telegram polling stopped")
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("stop timeout", ctx.Err())
	}
}

// classify wraps a Bot API failure, keeping throttling distinguishable for
// logging while staying within the external platform error class.
func classify(message string, err error) *channels.Error {
	e := channels.ErrExternalPlatform(message, err)
	if bot.IsTooManyRequestsError(err) {
		e.WithContext("rate_limited", true)
	}
	if errors.Is(err, bot.ErrorUnauthorized) || errors.Is(err, bot.ErrorForbidden) || errors.Is(err, bot.ErrorNotFound) {
		e.WithContext(channels.ContextPermanent, true)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e.WithContext("timeout", true)
	}
	return e
}
