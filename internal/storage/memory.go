package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/funnelsync/pkg/models"
)

// NewMemoryStores returns in-memory stores for tests and local runs.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Messages: NewMemoryMessageStore(),
		Channels: NewMemoryChannelDirectory(),
	}
}

// MemoryMessageStore provides an in-memory MessageStore. Messages are kept
// in one slice in acceptance order.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages []*models.Message
	now      func() time.Time
}

// NewMemoryMessageStore creates an in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{now: time.Now}
}

func (s *MemoryMessageStore) Append(ctx context.Context, chatID, senderID string, senderType models.SenderType, content string) (*models.Message, error) {
	if chatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}
	if !senderType.Valid() {
		return nil, fmt.Errorf("invalid sender type %q", senderType)
	}
	msg := &models.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		SenderID:   senderID,
		SenderType: senderType,
		Content:    content,
		Timestamp:  s.now().UTC().Truncate(time.Millisecond),
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	cp := *msg
	return &cp, nil
}

func (s *MemoryMessageStore) Unread(ctx context.Context, userID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Message{}
	for _, msg := range s.messages {
		if msg.ChatID == userID && !msg.IsRead {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryMessageStore) MarkRead(ctx context.Context, chatID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, msg := range s.messages {
		if msg.ChatID == chatID && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryMessageStore) History(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Message{}
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if msg := s.messages[i]; msg.ChatID == chatID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

type channelKey struct {
	userID    string
	typ       models.ChannelType
	channelID string
}

// MemoryChannelDirectory provides an in-memory ChannelDirectory.
type MemoryChannelDirectory struct {
	mu      sync.RWMutex
	records map[channelKey]*models.ChannelRecord
}

// NewMemoryChannelDirectory creates an in-memory channel directory.
func NewMemoryChannelDirectory() *MemoryChannelDirectory {
	return &MemoryChannelDirectory{records: make(map[channelKey]*models.ChannelRecord)}
}

func (d *MemoryChannelDirectory) Get(ctx context.Context, userID string, channelType models.ChannelType, channelID string) (*models.ChannelRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[channelKey{userID, channelType, channelID}]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (d *MemoryChannelDirectory) ListByUser(ctx context.Context, userID string, channelType models.ChannelType) ([]*models.ChannelRecord, error) {
	return d.list(func(r *models.ChannelRecord) bool {
		return r.UserID == userID && r.Type == channelType
	}), nil
}

func (d *MemoryChannelDirectory) ListActive(ctx context.Context, channelType models.ChannelType) ([]*models.ChannelRecord, error) {
	return d.list(func(r *models.ChannelRecord) bool {
		return r.Type == channelType && r.IsActive && r.HasCredential()
	}), nil
}

// list returns matching records ordered by creation time, then key.
func (d *MemoryChannelDirectory) list(match func(*models.ChannelRecord) bool) []*models.ChannelRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []*models.ChannelRecord{}
	for _, rec := range d.records {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

func (d *MemoryChannelDirectory) Upsert(ctx context.Context, rec *models.ChannelRecord) error {
	if rec == nil || rec.UserID == "" || rec.ChannelID == "" {
		return fmt.Errorf("channel record is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := channelKey{rec.UserID, rec.Type, rec.ChannelID}
	cp := rec.Clone()
	if existing, ok := d.records[key]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	d.records[key] = cp
	return nil
}

func (d *MemoryChannelDirectory) SetActive(ctx context.Context, userID string, channelType models.ChannelType, channelID string, active bool, lastSync *time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[channelKey{userID, channelType, channelID}]
	if !ok {
		return ErrNotFound
	}
	rec.IsActive = active
	if lastSync != nil {
		rec.LastSync = *lastSync
	}
	return nil
}

func (d *MemoryChannelDirectory) Delete(ctx context.Context, userID string, channelType models.ChannelType, channelID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := channelKey{userID, channelType, channelID}
	if _, ok := d.records[key]; !ok {
		return ErrNotFound
	}
	delete(d.records, key)
	return nil
}
