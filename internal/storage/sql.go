package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/funnelsync/pkg/models"
)

// NewSQLStores wraps an open database. The caller owns db.
func NewSQLStores(db *sql.DB, dialect Dialect) StoreSet {
	return StoreSet{
		Messages: &sqlMessageStore{db: db, dialect: dialect, now: time.Now},
		Channels: &sqlChannelDirectory{db: db, dialect: dialect},
	}
}

// rebind rewrites $N placeholders into ?N for SQLite, keeping the numbering.
// Queries are written in PostgreSQL form.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

type sqlMessageStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

const messageColumns = `id, chat_id, sender_id, sender_type, content, is_read, created_at`

func (s *sqlMessageStore) Append(ctx context.Context, chatID, senderID string, senderType models.SenderType, content string) (*models.Message, error) {
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
	_, err := s.db.ExecContext(ctx, rebind(s.dialect,
		`INSERT INTO messages (id, chat_id, sender_id, sender_type, content, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		msg.ID, msg.ChatID, msg.SenderID, string(msg.SenderType), msg.Content, false, toMillis(msg.Timestamp),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *sqlMessageStore) Unread(ctx context.Context, userID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = $1 AND is_read = $2
		 ORDER BY seq ASC`),
		userID, false,
	)
	if err != nil {
		return nil, fmt.Errorf("query unread messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *sqlMessageStore) MarkRead(ctx context.Context, chatID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect,
		`UPDATE messages SET is_read = $1 WHERE chat_id = $2 AND is_read = $3`),
		true, chatID, false,
	)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return n, nil
}

func (s *sqlMessageStore) History(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = $1
		 ORDER BY seq DESC
		 LIMIT $2`),
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()
	out := []*models.Message{}
	for rows.Next() {
		var (
			msg        models.Message
			senderType string
			createdAt  int64
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &senderType, &msg.Content, &msg.IsRead, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SenderType = models.SenderType(senderType)
		msg.Timestamp = fromMillis(createdAt)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

type sqlChannelDirectory struct {
	db      *sql.DB
	dialect Dialect
}

const channelColumns = `user_id, channel_type, channel_id, access_token, username, first_name, last_name, is_active, last_sync, created_at`

func (d *sqlChannelDirectory) Get(ctx context.Context, userID string, channelType models.ChannelType, channelID string) (*models.ChannelRecord, error) {
	row := d.db.QueryRowContext(ctx, rebind(d.dialect,
		`SELECT `+channelColumns+` FROM channels
		 WHERE user_id = $1 AND channel_type = $2 AND channel_id = $3`),
		userID, string(channelType), channelID,
	)
	rec, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return rec, nil
}

func (d *sqlChannelDirectory) ListByUser(ctx context.Context, userID string, channelType models.ChannelType) ([]*models.ChannelRecord, error) {
	rows, err := d.db.QueryContext(ctx, rebind(d.dialect,
		`SELECT `+channelColumns+` FROM channels
		 WHERE user_id = $1 AND channel_type = $2
		 ORDER BY created_at ASC, channel_id ASC`),
		userID, string(channelType),
	)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return scanChannels(rows)
}

func (d *sqlChannelDirectory) ListActive(ctx context.Context, channelType models.ChannelType) ([]*models.ChannelRecord, error) {
	rows, err := d.db.QueryContext(ctx, rebind(d.dialect,
		`SELECT `+channelColumns+` FROM channels
		 WHERE channel_type = $1 AND is_active = $2 AND access_token <> ''
		 ORDER BY created_at ASC, user_id ASC, channel_id ASC`),
		string(channelType), true,
	)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	return scanChannels(rows)
}

func (d *sqlChannelDirectory) Upsert(ctx context.Context, rec *models.ChannelRecord) error {
	if rec == nil || rec.UserID == "" || rec.ChannelID == "" {
		return fmt.Errorf("channel record is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx, rebind(d.dialect,
		`INSERT INTO channels (`+channelColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id, channel_type, channel_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   username = excluded.username,
		   first_name = excluded.first_name,
		   last_name = excluded.last_name,
		   is_active = excluded.is_active,
		   last_sync = excluded.last_sync`),
		rec.UserID, string(rec.Type), rec.ChannelID, rec.Credential,
		rec.Username, rec.FirstName, rec.LastName, rec.IsActive,
		nullMillis(rec.LastSync), toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

func (d *sqlChannelDirectory) SetActive(ctx context.Context, userID string, channelType models.ChannelType, channelID string, active bool, lastSync *time.Time) error {
	query := `UPDATE channels SET is_active = $1 WHERE user_id = $2 AND channel_type = $3 AND channel_id = $4`
	args := []any{active, userID, string(channelType), channelID}
	if lastSync != nil {
		query = `UPDATE channels SET is_active = $1, last_sync = $5 WHERE user_id = $2 AND channel_type = $3 AND channel_id = $4`
		args = append(args, toMillis(*lastSync))
	}
	res, err := d.db.ExecContext(ctx, rebind(d.dialect, query), args...)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	return requireAffected(res)
}

func (d *sqlChannelDirectory) Delete(ctx context.Context, userID string, channelType models.ChannelType, channelID string) error {
	res, err := d.db.ExecContext(ctx, rebind(d.dialect,
		`DELETE FROM channels WHERE user_id = $1 AND channel_type = $2 AND channel_id = $3`),
		userID, string(channelType), channelID,
	)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*models.ChannelRecord, error) {
	var (
		rec       models.ChannelRecord
		typ       string
		lastSync  sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&rec.UserID, &typ, &rec.ChannelID, &rec.Credential,
		&rec.Username, &rec.FirstName, &rec.LastName, &rec.IsActive, &lastSync, &createdAt); err != nil {
		return nil, err
	}
	rec.Type = models.ChannelType(typ)
	if lastSync.Valid {
		rec.LastSync = fromMillis(lastSync.Int64)
	}
	rec.CreatedAt = fromMillis(createdAt)
	return &rec, nil
}

func scanChannels(rows *sql.Rows) ([]*models.ChannelRecord, error) {
	defer rows.Close()
	out := []*models.ChannelRecord{}
	for rows.Next() {
		rec, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return out, nil
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(t), Valid: true}
}
