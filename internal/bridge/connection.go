package bridge

import (
	"context"
	"time"

	"github.com/haasonsaas/funnelsync/internal/channels"
	"github.com/haasonsaas/funnelsync/pkg/models"
)

// Connection is a live, in-process handle to one user's bot session.
// It is never persisted.
type Connection struct {
	UserID    string
	ChannelID string
	OpenedAt  time.Time

	session channels.Session
}

// Identity returns the bot profile reported by the handshake.
func (c *Connection) Identity() models.PlatformIdentity {
	return c.session.Identity()
}

func (c *Connection) send(ctx context.Context, chatID, text string) error {
	return c.session.Send(ctx, chatID, text)
}

func (c *Connection) close(ctx context.Context) error {
	return c.session.Close(ctx)
}
