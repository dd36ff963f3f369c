package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/funnelsync/pkg/models"
)

func TestMemoryMessageStore_Lifecycle(t *testing.T) {
	testMessageLifecycle(t, NewMemoryMessageStore())
}

func TestMemoryMessageStore_AppendValidation(t *testing.T) {
	store := NewMemoryMessageStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, "", "u1", models.SenderUser, "x"); err == nil {
		t.Error("expected error for empty chat id")
	}
	if _, err := store.Append(ctx, "u1", "u1", models.SenderType("robot"), "x"); err == nil {
		t.Error("expected error for unknown sender type")
	}
}

func TestMemoryChannelDirectory_Lifecycle(t *testing.T) {
	testChannelDirectoryLifecycle(t, NewMemoryChannelDirectory())
}

// testMessageLifecycle exercises a MessageStore through the read-state cycle.
func testMessageLifecycle(t *testing.T, store MessageStore) {
	t.Helper()
	ctx := context.Background()

	first, err := store.Append(ctx, "u1", "42", models.SenderBot, "hi")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.ID == "" || first.IsRead || first.Timestamp.IsZero() {
		t.Fatalf("Append() returned %+v", first)
	}
	if _, err := store.Append(ctx, "u1", "u1", models.SenderUser, "hello"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := store.Append(ctx, "u2", "42", models.SenderBot, "other chat"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	unread, err := store.Unread(ctx, "u1")
	if err != nil {
		t.Fatalf("Unread() error = %v", err)
	}
	if len(unread) != 2 || unread[0].Content != "hi" || unread[1].Content != "hello" {
		t.Fatalf("Unread() = %+v, want [hi hello]", contents(unread))
	}

	n, err := store.MarkRead(ctx, "u1")
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MarkRead() changed %d, want 2", n)
	}
	n, err = store.MarkRead(ctx, "u1")
	if err != nil {
		t.Fatalf("second MarkRead() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second MarkRead() changed %d, want 0", n)
	}

	unread, _ = store.Unread(ctx, "u1")
	if len(unread) != 0 {
		t.Errorf("Unread() after MarkRead = %v", contents(unread))
	}
	other, _ := store.Unread(ctx, "u2")
	if len(other) != 1 {
		t.Errorf("MarkRead leaked into another chat: %v", contents(other))
	}

	history, err := store.History(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Content != "hello" || history[1].Content != "hi" {
		t.Fatalf("History() = %v, want newest first", contents(history))
	}
	for _, msg := range history {
		if !msg.IsRead {
			t.Errorf("message %q should be read", msg.Content)
		}
	}

	limited, _ := store.History(ctx, "u1", 1)
	if len(limited) != 1 || limited[0].Content != "hello" {
		t.Errorf("History(limit=1) = %v", contents(limited))
	}
}

func testChannelDirectoryLifecycle(t *testing.T, dir ChannelDirectory) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	rec := &models.ChannelRecord{
		UserID:     "user-1",
		Type:       models.ChannelTelegram,
		ChannelID:  "4242",
		Credential: "4242:token",
		Username:   "funnel_bot",
		IsActive:   true,
		CreatedAt:  created,
	}
	if err := dir.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := dir.Upsert(ctx, &models.ChannelRecord{
		UserID: "user-2", Type: models.ChannelTelegram, ChannelID: "7", IsActive: true, CreatedAt: created.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := dir.Get(ctx, "user-1", models.ChannelTelegram, "4242")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Credential != "4242:token" || got.Username != "funnel_bot" || !got.IsActive {
		t.Errorf("Get() = %+v", got)
	}

	active, err := dir.ListActive(ctx, models.ChannelTelegram)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 1 || active[0].UserID != "user-1" {
		t.Fatalf("ListActive() should skip records without a credential, got %d", len(active))
	}

	// Reactivation replaces mutable fields but keeps the creation time.
	if err := dir.Upsert(ctx, &models.ChannelRecord{
		UserID: "user-1", Type: models.ChannelTelegram, ChannelID: "4242",
		Credential: "4242:rotated", Username: "renamed_bot", IsActive: true,
		CreatedAt: created.Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, _ = dir.Get(ctx, "user-1", models.ChannelTelegram, "4242")
	if got.Credential != "4242:rotated" || got.Username != "renamed_bot" {
		t.Errorf("Upsert did not replace fields: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}

	sync := created.Add(2 * time.Hour)
	if err := dir.SetActive(ctx, "user-1", models.ChannelTelegram, "4242", false, &sync); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	got, _ = dir.Get(ctx, "user-1", models.ChannelTelegram, "4242")
	if got.IsActive || !got.LastSync.Equal(sync) {
		t.Errorf("SetActive() result = %+v", got)
	}
	if err := dir.SetActive(ctx, "user-1", models.ChannelTelegram, "missing", true, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetActive(missing) error = %v, want ErrNotFound", err)
	}

	list, err := dir.ListByUser(ctx, "user-1", models.ChannelTelegram)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByUser() = %d records, err %v", len(list), err)
	}

	if err := dir.Delete(ctx, "user-1", models.ChannelTelegram, "4242"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := dir.Get(ctx, "user-1", models.ChannelTelegram, "4242"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v", err)
	}
	if err := dir.Delete(ctx, "user-1", models.ChannelTelegram, "4242"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
}

func contents(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
