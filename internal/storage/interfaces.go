package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/funnelsync/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// DefaultHistoryLimit bounds History when the caller passes a non-positive limit.
const DefaultHistoryLimit = 50

// MessageStore is the durable message log with read-state tracking.
// Within a chat, order follows the order Append calls were accepted.
type MessageStore interface {
	// Append stores a new unread message stamped with the current time.
	Append(ctx context.Context, chatID, senderID string, senderType models.SenderType, content string) (*models.Message, error)

	// Unread returns unread messages whose chat is userID, oldest first.
	Unread(ctx context.Context, userID string) ([]*models.Message, error)

	// MarkRead flips every unread message in chatID to read and returns how
	// many changed.
	MarkRead(ctx context.Context, chatID string) (int64, error)

	// History returns up to limit messages for chatID, newest first.
	History(ctx context.Context, chatID string, limit int) ([]*models.Message, error)
}

// ChannelDirectory persists the per-user channel records.
type ChannelDirectory interface {
	Get(ctx context.Context, userID string, channelType models.ChannelType, channelID string) (*models.ChannelRecord, error)
	ListByUser(ctx context.Context, userID string, channelType models.ChannelType) ([]*models.ChannelRecord, error)

	// ListActive returns every active record of the given type that has a
	// credential, across all users.
	ListActive(ctx context.Context, channelType models.ChannelType) ([]*models.ChannelRecord, error)

	// Upsert inserts the record or replaces every mutable field of an
	// existing one with the same (user, type, channel) key.
	Upsert(ctx context.Context, rec *models.ChannelRecord) error

	// SetActive updates the active flag. LastSync is updated only when
	// lastSync is non-nil.
	SetActive(ctx context.Context, userID string, channelType models.ChannelType, channelID string, active bool, lastSync *time.Time) error

	Delete(ctx context.Context, userID string, channelType models.ChannelType, channelID string) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Messages MessageStore
	Channels ChannelDirectory
	closer   func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
