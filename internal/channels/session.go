package channels

import (
	"context"
	"time"

	"github.com/haasonsaas/funnelsync/pkg/models"
)

// Inbound is one text message received by a bot from the platform.
type Inbound struct {
	ChatID     string
	Text       string
	SenderID   string
	SenderName string
	ReceivedAt time.Time
}

// InboundHandler receives inbound messages. It is invoked from the session's
// own delivery goroutine and must not assume any lock is held.
type InboundHandler func(ctx context.Context, msg Inbound)

// Session is a live, authenticated connection to the messaging platform for
// a single bot account.
type Session interface {
	// Identity returns what the platform reported during the handshake.
	Identity() models.PlatformIdentity

	// Start begins delivering inbound messages to handler.
	// It returns once delivery is running; it may be called only once.
	Start(handler InboundHandler) error

	// Send posts text to the given chat.
	Send(ctx context.Context, chatID, text string) error

	// Close stops delivery and releases the session. After Close returns the
	// handler is never invoked again by this session.
	Close(ctx context.Context) error
}

// Dialer opens sessions. Dial performs the handshake and must fail with an
// ErrCodeExternalPlatform error when the platform rejects the credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Session, error)
}
