package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/funnelsync/internal/backoff"
	"github.com/haasonsaas/funnelsync/internal/channels"
	"github.com/haasonsaas/funnelsync/internal/storage"
	"github.com/haasonsaas/funnelsync/pkg/models"
)

// fakeSession records what the manager does with it.
type fakeSession struct {
	identity models.PlatformIdentity
	log      *eventLog

	mu      sync.Mutex
	handler channels.InboundHandler
	closed  bool
	sent    []string
	sendErr error
}

func (s *fakeSession) Identity() models.PlatformIdentity { return s.identity }

func (s *fakeSession) Start(handler channels.InboundHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.handler = handler
	return nil
}

func (s *fakeSession) Send(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, chatID+":"+text)
	return nil
}

func (s *fakeSession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.log.add("close:" + s.identity.ID)
	}
	return nil
}

// deliver simulates an inbound message unless the session is closed.
func (s *fakeSession) deliver(chatID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.handler == nil {
		return false
	}
	s.handler(context.Background(), channels.Inbound{ChatID: chatID, Text: text})
	return true
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeDialer maps credentials to bot identities. A credential not in bots is
// rejected. When gate is set every Dial blocks until it is closed.
type fakeDialer struct {
	bots map[string]models.PlatformIdentity
	gate chan struct{}
	log  *eventLog

	mu       sync.Mutex
	dials    int
	sessions []*fakeSession
	// flaky holds how many more times a credential fails transiently.
	flaky map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		bots: map[string]models.PlatformIdentity{
			"tok-a": {ID: "100", Username: "alpha_bot", FirstName: "Alpha"},
			"tok-b": {ID: "200", Username: "beta_bot", FirstName: "Beta"},
			"tok-c": {ID: "300", Username: "gamma_bot", FirstName: "Gamma"},
		},
		log:   &eventLog{},
		flaky: map[string]int{},
	}
}

func (d *fakeDialer) Dial(ctx context.Context, credential string) (channels.Session, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	if d.flaky[credential] > 0 {
		d.flaky[credential]--
		d.mu.Unlock()
		return nil, channels.ErrExternalPlatform("getMe", errors.New("502 Bad Gateway"))
	}
	d.mu.Unlock()

	id, ok := d.bots[credential]
	if !ok {
		return nil, channels.ErrExternalPlatform("getMe", errors.New("401 Unauthorized")).
			WithContext(channels.ContextPermanent, true)
	}
	s := &fakeSession{identity: id, log: d.log}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// openSessions counts dialed sessions that were never closed.
func (d *fakeDialer) openSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sessions {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// recordingDirectory wraps the in-memory directory and logs SetActive calls
// into the shared event log.
type recordingDirectory struct {
	*storage.MemoryChannelDirectory
	log *eventLog

	mu        sync.Mutex
	upsertErr error
	listErr   error
	// When inactiveGate is set, SetActive(false) signals inactiveEntered and
	// blocks until the gate is closed.
	inactiveGate    chan struct{}
	inactiveEntered chan struct{}
}

func (d *recordingDirectory) SetActive(ctx context.Context, userID string, channelType models.ChannelType, channelID string, active bool, lastSync *time.Time) error {
	if active {
		d.log.add("active:" + channelID)
	} else {
		d.log.add("inactive:" + channelID)
		d.mu.Lock()
		gate, entered := d.inactiveGate, d.inactiveEntered
		d.mu.Unlock()
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		if gate != nil {
			<-gate
		}
	}
	return d.MemoryChannelDirectory.SetActive(ctx, userID, channelType, channelID, active, lastSync)
}

func (d *recordingDirectory) Upsert(ctx context.Context, rec *models.ChannelRecord) error {
	d.mu.Lock()
	err := d.upsertErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.MemoryChannelDirectory.Upsert(ctx, rec)
}

func (d *recordingDirectory) ListByUser(ctx context.Context, userID string, channelType models.ChannelType) ([]*models.ChannelRecord, error) {
	d.mu.Lock()
	err := d.listErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.MemoryChannelDirectory.ListByUser(ctx, userID, channelType)
}

type fixture struct {
	manager   *Manager
	dialer    *fakeDialer
	directory *recordingDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dialer := newFakeDialer()
	directory := &recordingDirectory{
		MemoryChannelDirectory: storage.NewMemoryChannelDirectory(),
		log:                    dialer.log,
	}
	manager, err := NewManager(Config{
		Directory: directory,
		Dialer:    dialer,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		RestoreRetry: backoff.Policy{
			Initial:  time.Millisecond,
			Max:      5 * time.Millisecond,
			Factor:   2,
			Attempts: 3,
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })
	return &fixture{manager: manager, dialer: dialer, directory: directory}
}

// seed stores a record directly, bypassing the manager.
func (f *fixture) seed(t *testing.T, userID, channelID, credential string, active bool) {
	t.Helper()
	now := time.Now().UTC()
	err := f.directory.MemoryChannelDirectory.Upsert(context.Background(), &models.ChannelRecord{
		UserID:     userID,
		Type:       models.ChannelTelegram,
		ChannelID:  channelID,
		Credential: credential,
		IsActive:   active,
		CreatedAt:  now,
	})
	if err != nil {
		t.Fatalf("seed Upsert() error = %v", err)
	}
}

func (f *fixture) record(t *testing.T, userID, channelID string) *models.ChannelRecord {
	t.Helper()
	rec, err := f.directory.Get(context.Background(), userID, models.ChannelTelegram, channelID)
	if err != nil {
		t.Fatalf("Get(%s, %s) error = %v", userID, channelID, err)
	}
	return rec
}
