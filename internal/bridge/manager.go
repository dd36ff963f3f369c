// Package bridge owns the per-user bot sessions: it opens, restores, stops
// and deletes them, and forwards outbound messages through them.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/funnelsync/internal/backoff"
	"github.com/haasonsaas/funnelsync/internal/channels"
	"github.com/haasonsaas/funnelsync/internal/observability"
	"github.com/haasonsaas/funnelsync/internal/storage"
	"github.com/haasonsaas/funnelsync/pkg/models"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultCloseTimeout     = 10 * time.Second
	defaultDeliveryTimeout  = 30 * time.Second
)

// channelType is the only platform bridged today.
const channelType = models.ChannelTelegram

// InboundEvent is a platform message tagged with the connection it came from.
type InboundEvent struct {
	UserID     string
	ChannelID  string
	ChatID     string
	Text       string
	SenderID   string
	SenderName string
	ReceivedAt time.Time
}

// InboundFunc receives every inbound message from every connection.
type InboundFunc func(ctx context.Context, ev InboundEvent)

// RestoreReport summarizes a RestoreAll pass.
type RestoreReport struct {
	Restored int
	Failed   int
	Skipped  int
}

// Config holds the Manager's dependencies.
type Config struct {
	Directory storage.ChannelDirectory
	Dialer    channels.Dialer
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger

	// HandshakeTimeout bounds each Dial. Zero means 15s.
	HandshakeTimeout time.Duration

	// CloseTimeout bounds each session Close. Zero means 10s.
	CloseTimeout time.Duration

	// DeliveryTimeout bounds one inbound callback. Zero means 30s.
	DeliveryTimeout time.Duration

	// RestoreRetry controls how often RestoreAll retries a transient
	// handshake failure before marking the channel inactive. The zero value
	// means backoff.DefaultPolicy.
	RestoreRetry backoff.Policy

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager enforces at most one live connection per user and keeps the
// channel directory consistent with the set of running sessions.
type Manager struct {
	directory storage.ChannelDirectory
	dialer    channels.Dialer
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger

	handshakeTimeout time.Duration
	closeTimeout     time.Duration
	deliveryTimeout  time.Duration
	restoreRetry     backoff.Policy
	now              func() time.Time

	registry *registry
	inbound  atomic.Pointer[InboundFunc]
}

// NewManager creates a Manager. Directory and Dialer are required.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Directory == nil {
		return nil, errors.New("bridge: channel directory is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("bridge: dialer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.RestoreRetry.Attempts <= 0 {
		cfg.RestoreRetry = backoff.DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		directory:        cfg.Directory,
		dialer:           cfg.Dialer,
		metrics:          cfg.Metrics,
		tracer:           cfg.Tracer,
		logger:           cfg.Logger.With("component", "bridge"),
		handshakeTimeout: cfg.HandshakeTimeout,
		closeTimeout:     cfg.CloseTimeout,
		deliveryTimeout:  cfg.DeliveryTimeout,
		restoreRetry:     cfg.RestoreRetry,
		now:              cfg.Now,
		registry:         newRegistry(),
	}, nil
}

// OnInbound sets the callback for inbound messages. It may be called at any
// time; messages arriving while no callback is set are dropped.
func (m *Manager) OnInbound(fn InboundFunc) {
	if fn == nil {
		m.inbound.Store(nil)
		return
	}
	m.inbound.Store(&fn)
}

// Connect validates credential with the platform, links the bot to the user
// and starts receiving its messages.
func (m *Manager) Connect(ctx context.Context, userID, credential string) (identity *models.PlatformIdentity, err error) {
	ctx, span := m.tracer.Start(ctx, "bridge.Connect", attribute.String("user_id", userID))
	defer func() {
		m.tracer.RecordError(span, err)
		span.End()
		m.record("connect", err)
	}()

	session, err := m.dial(ctx, credential)
	if err != nil {
		return nil, err
	}
	id := session.Identity()
	logger := m.logger.With("user_id", userID, "channel_id", id.ID)

	existing, err := m.directory.Get(ctx, userID, channelType, id.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existing = nil
	case err != nil:
		m.closeSession(session, logger)
		return nil, channels.ErrStore("load channel record", err)
	case existing.IsActive:
		m.closeSession(session, logger)
		return nil, channels.ErrAlreadyConnected("bot is already connected", nil).
			WithContext("channel_id", id.ID)
	}

	if err := m.reserve(userID); err != nil {
		m.closeSession(session, logger)
		return nil, err
	}

	now := m.now().UTC()
	rec := &models.ChannelRecord{
		UserID:     userID,
		Type:       channelType,
		ChannelID:  id.ID,
		Credential: credential,
		Username:   id.Username,
		FirstName:  id.FirstName,
		LastName:   id.LastName,
		IsActive:   true,
		LastSync:   now,
		CreatedAt:  now,
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := m.directory.Upsert(ctx, rec); err != nil {
		m.closeSession(session, logger)
		m.registry.release(userID)
		return nil, channels.ErrStore("save channel record", err)
	}

	if err := session.Start(m.deliver(userID, id.ID)); err != nil {
		m.closeSession(session, logger)
		m.registry.release(userID)
		m.deactivate(userID, id.ID, logger)
		return nil, channels.ErrExternalPlatform("start receiving messages", err)
	}

	if err := m.commit(userID, id.ID, session, logger); err != nil {
		return nil, err
	}
	logger.Info("bridge connected", "username", id.Username, "reactivated", existing != nil)
	return &id, nil
}

// Start reopens a stored channel from its saved credential.
func (m *Manager) Start(ctx context.Context, userID, channelID string) (err error) {
	ctx, span := m.tracer.Start(ctx, "bridge.Start",
		attribute.String("user_id", userID), attribute.String("channel_id", channelID))
	defer func() {
		m.tracer.RecordError(span, err)
		span.End()
		m.record("start", err)
	}()

	rec, err := m.directory.Get(ctx, userID, channelType, channelID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !rec.HasCredential()) {
		return channels.ErrNotFound("channel not found", err).WithContext("channel_id", channelID)
	}
	if err != nil {
		return channels.ErrStore("load channel record", err)
	}

	if err := m.reserve(userID); err != nil {
		return err
	}
	if err := m.open(ctx, rec, true); err != nil {
		m.registry.release(userID)
		return err
	}
	m.logger.Info("bridge started", "user_id", userID, "channel_id", channelID)
	return nil
}

// Disconnect closes the user's live connection for channelID and marks the
// record inactive. The session is fully closed before the record changes,
// and the slot stays busy until the record is inactive so no concurrent
// opener can revive the bridge from a stale active record.
func (m *Manager) Disconnect(ctx context.Context, userID, channelID string) (err error) {
	ctx, span := m.tracer.Start(ctx, "bridge.Disconnect",
		attribute.String("user_id", userID), attribute.String("channel_id", channelID))
	defer func() {
		m.tracer.RecordError(span, err)
		span.End()
		m.record("disconnect", err)
	}()

	conn, ok := m.registry.beginClose(userID, func(c *Connection) bool {
		return c.ChannelID == channelID
	})
	if !ok {
		return channels.ErrNotRunning("no bridge is running for this channel", nil).
			WithContext("channel_id", channelID)
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.closeTimeout)
	defer cancel()
	if err := conn.close(closeCtx); err != nil {
		m.logger.Warn("session close failed", "user_id", userID, "channel_id", channelID, "error", err)
	}

	err = m.directory.SetActive(ctx, userID, channelType, channelID, false, nil)
	m.registry.remove(userID)
	m.metrics.SetBridgesActive(m.registry.liveCount())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return channels.ErrStore("mark channel inactive", err)
	}
	m.logger.Info("bridge disconnected", "user_id", userID, "channel_id", channelID)
	return nil
}

// Delete stops the channel if it is running and removes its record.
func (m *Manager) Delete(ctx context.Context, userID, channelID string) (err error) {
	ctx, span := m.tracer.Start(ctx, "bridge.Delete",
		attribute.String("user_id", userID), attribute.String("channel_id", channelID))
	defer func() {
		m.tracer.RecordError(span, err)
		span.End()
		m.record("delete", err)
	}()

	if err := m.Disconnect(ctx, userID, channelID); err != nil && !channels.IsCode(err, channels.ErrCodeNotRunning) {
		m.logger.Warn("disconnect before delete failed", "user_id", userID, "channel_id", channelID, "error", err)
	}

	err = m.directory.Delete(ctx, userID, channelType, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return channels.ErrNotFound("channel not found", err).WithContext("channel_id", channelID)
	}
	if err != nil {
		return channels.ErrStore("delete channel record", err)
	}
	m.logger.Info("channel deleted", "user_id", userID, "channel_id", channelID)
	return nil
}

// SendOutbound forwards content to chatID through the user's bot, opening
// the connection from the first active record if none is live.
func (m *Manager) SendOutbound(ctx context.Context, userID, chatID, content string) (err error) {
	ctx, span := m.tracer.Start(ctx, "bridge.SendOutbound",
		attribute.String("user_id", userID), attribute.String("chat_id", chatID))
	defer func() {
		m.tracer.RecordError(span, err)
		span.End()
	}()

	if _, err := m.firstActive(ctx, userID); err != nil {
		return err
	}

	conn, err := m.acquire(ctx, userID)
	if err != nil {
		return err
	}

	start := time.Now()
	err = conn.send(ctx, chatID, content)
	m.metrics.ObservePlatformSend(time.Since(start))
	if err != nil {
		m.metrics.Message(string(models.DirectionOutbound), "platform_error")
		if channels.GetErrorCode(err) != channels.ErrCodeInternal {
			return err
		}
		return channels.ErrExternalPlatform("send message", err)
	}
	m.metrics.Message(string(models.DirectionOutbound), "ok")
	return nil
}

// firstActive returns the user's first active record that has a credential.
func (m *Manager) firstActive(ctx context.Context, userID string) (*models.ChannelRecord, error) {
	records, err := m.directory.ListByUser(ctx, userID, channelType)
	if err != nil {
		return nil, channels.ErrStore("list channel records", err)
	}
	for _, rec := range records {
		if rec.IsActive && rec.HasCredential() {
			return rec, nil
		}
	}
	return nil, channels.ErrNoActiveChannel("no active channel for user", nil)
}

// acquire returns the user's live connection, waiting on a concurrent opener
// or opening one when nothing is running. The record to open is read only
// after the slot is reserved, so a Disconnect that finished while this
// caller waited is always observed.
func (m *Manager) acquire(ctx context.Context, userID string) (*Connection, error) {
	for {
		conn, state, changed, found := m.registry.lookup(userID)
		if found && conn != nil {
			return conn, nil
		}
		if found {
			m.logger.Debug("waiting for bridge transition", "user_id", userID, "state", state.String())
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, channels.ErrTimeout("waiting for bridge", ctx.Err())
			}
		}

		if err := m.reserve(userID); err != nil {
			if channels.IsCode(err, channels.ErrCodeAlreadyRunning) {
				continue
			}
			return nil, err
		}
		rec, err := m.firstActive(ctx, userID)
		if err == nil {
			err = m.open(ctx, rec, false)
		}
		if err != nil {
			m.registry.release(userID)
			m.record("lazy_open", err)
			return nil, err
		}
		m.record("lazy_open", nil)
	}
}

// RestoreAll reopens every active channel at boot. A channel that fails to
// open is marked inactive; the pass continues with the next one.
func (m *Manager) RestoreAll(ctx context.Context) (report RestoreReport, err error) {
	ctx, span := m.tracer.Start(ctx, "bridge.RestoreAll")
	defer func() {
		span.SetAttributes(
			attribute.Int("restored", report.Restored),
			attribute.Int("failed", report.Failed),
			attribute.Int("skipped", report.Skipped),
		)
		m.tracer.RecordError(span, err)
		span.End()
	}()

	records, err := m.directory.ListActive(ctx, channelType)
	if err != nil {
		return report, channels.ErrStore("list active channels", err)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		logger := m.logger.With("user_id", rec.UserID, "channel_id", rec.ChannelID)
		if err := m.reserve(rec.UserID); err != nil {
			if channels.IsCode(err, channels.ErrCodeUnavailable) {
				return report, err
			}
			report.Skipped++
			logger.Debug("bridge already running, skipping restore")
			continue
		}
		current, err := m.reload(ctx, rec)
		if err != nil {
			m.registry.release(rec.UserID)
			report.Skipped++
			logger.Debug("channel changed since listing, skipping restore", "error", err)
			continue
		}
		attempts, err := backoff.Retry(ctx, m.restoreRetry, channels.IsRetryable, func(ctx context.Context) error {
			return m.open(ctx, current, false)
		})
		if err != nil {
			m.registry.release(rec.UserID)
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if channels.IsCode(err, channels.ErrCodeUnavailable) {
				return report, err
			}
			m.deactivate(rec.UserID, rec.ChannelID, logger)
			report.Failed++
			m.record("restore", err)
			logger.Warn("restore failed, channel marked inactive", "attempts", attempts, "error", err)
			continue
		}
		report.Restored++
		m.record("restore", nil)
	}

	m.logger.Info("bridges restored",
		"restored", report.Restored, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

// ListChannels returns the user's stored channel records.
func (m *Manager) ListChannels(ctx context.Context, userID string) ([]*models.ChannelRecord, error) {
	records, err := m.directory.ListByUser(ctx, userID, channelType)
	if err != nil {
		return nil, channels.ErrStore("list channel records", err)
	}
	return records, nil
}

// Running reports whether channelID is the user's live connection.
func (m *Manager) Running(userID, channelID string) bool {
	conn, _, _, found := m.registry.lookup(userID)
	return found && conn != nil && conn.ChannelID == channelID
}

// ActiveCount returns the number of live connections.
func (m *Manager) ActiveCount() int {
	return m.registry.liveCount()
}

// Shutdown closes every live connection and refuses new ones. Records keep
// their active flag so the next RestoreAll brings the bridges back.
func (m *Manager) Shutdown(ctx context.Context) error {
	conns := m.registry.shutdown()
	if len(conns) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, m.closeTimeout)
			defer cancel()
			if err := conn.close(closeCtx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			m.registry.remove(conn.UserID)
		}(conn)
	}
	wg.Wait()

	m.metrics.SetBridgesActive(m.registry.liveCount())
	m.logger.Info("bridges stopped", "count", len(conns), "errors", len(errs))
	return errors.Join(errs...)
}

// open dials rec's credential and registers the connection in the slot the
// caller has already reserved. With markActive the record is flagged active
// before delivery begins.
func (m *Manager) open(ctx context.Context, rec *models.ChannelRecord, markActive bool) error {
	logger := m.logger.With("user_id", rec.UserID, "channel_id", rec.ChannelID)

	session, err := m.dial(ctx, rec.Credential)
	if err != nil {
		return err
	}

	if markActive {
		now := m.now().UTC()
		if err := m.directory.SetActive(ctx, rec.UserID, channelType, rec.ChannelID, true, &now); err != nil {
			m.closeSession(session, logger)
			return channels.ErrStore("mark channel active", err)
		}
	}

	if err := session.Start(m.deliver(rec.UserID, rec.ChannelID)); err != nil {
		m.closeSession(session, logger)
		if markActive && !rec.IsActive {
			m.deactivate(rec.UserID, rec.ChannelID, logger)
		}
		return channels.ErrExternalPlatform("start receiving messages", err)
	}

	return m.commit(rec.UserID, rec.ChannelID, session, logger)
}

func (m *Manager) dial(ctx context.Context, credential string) (channels.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	session, err := m.dialer.Dial(dialCtx, credential)
	if err == nil {
		return session, nil
	}
	if channels.GetErrorCode(err) != channels.ErrCodeInternal {
		return nil, err
	}
	return nil, channels.ErrExternalPlatform("platform handshake failed", err)
}

// reserve claims the user's slot.
func (m *Manager) reserve(userID string) error {
	err := m.registry.reserve(userID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errRegistryClosed):
		return channels.ErrUnavailable("bridge manager is shutting down", err)
	default:
		return channels.ErrAlreadyRunning("a bridge is already running for this user", nil)
	}
}

// commit publishes a started session in the caller's reserved slot. If the
// manager shut down meanwhile, the session is closed instead.
func (m *Manager) commit(userID, channelID string, session channels.Session, logger *slog.Logger) error {
	ok := m.registry.commit(userID, &Connection{
		UserID:    userID,
		ChannelID: channelID,
		OpenedAt:  m.now().UTC(),
		session:   session,
	})
	if !ok {
		m.closeSession(session, logger)
		return channels.ErrUnavailable("bridge manager is shutting down", nil)
	}
	m.metrics.SetBridgesActive(m.registry.liveCount())
	return nil
}

// reload re-reads rec once its slot is reserved. A record that went inactive,
// lost its credential or vanished meanwhile yields NoActiveChannel.
func (m *Manager) reload(ctx context.Context, rec *models.ChannelRecord) (*models.ChannelRecord, error) {
	current, err := m.directory.Get(ctx, rec.UserID, channelType, rec.ChannelID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, channels.ErrNoActiveChannel("channel is no longer active", err)
	case err != nil:
		return nil, channels.ErrStore("load channel record", err)
	case !current.IsActive || !current.HasCredential():
		return nil, channels.ErrNoActiveChannel("channel is no longer active", nil)
	}
	return current, nil
}

// deliver builds the inbound handler for one connection.
func (m *Manager) deliver(userID, channelID string) channels.InboundHandler {
	return func(ctx context.Context, msg channels.Inbound) {
		fn := m.inbound.Load()
		if fn == nil {
			m.logger.Debug("no inbound handler, dropping message", "user_id", userID, "channel_id", channelID)
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.deliveryTimeout)
		defer cancel()
		(*fn)(ctx, InboundEvent{
			UserID:     userID,
			ChannelID:  channelID,
			ChatID:     msg.ChatID,
			Text:       msg.Text,
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			ReceivedAt: msg.ReceivedAt,
		})
	}
}

func (m *Manager) closeSession(session channels.Session, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.closeTimeout)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		logger.Warn("session close failed", "error", err)
	}
}

func (m *Manager) deactivate(userID, channelID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.closeTimeout)
	defer cancel()
	if err := m.directory.SetActive(ctx, userID, channelType, channelID, false, nil); err != nil {
		logger.Error("failed to mark channel inactive", "error", err)
	}
}

func (m *Manager) record(operation string, err error) {
	result := "ok"
	if err != nil {
		result = string(channels.GetErrorCode(err))
	}
	m.metrics.BridgeOperation(operation, result)
}
