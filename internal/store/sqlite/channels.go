package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/chatrelay/internal/store"
)

// ChannelStore implements store.ChannelStore on SQLite.
type ChannelStore struct {
	db *sql.DB
}

func NewChannelStore(db *sql.DB) *ChannelStore {
	return &ChannelStore{db: db}
}

const channelCols = `id, chat_key, channel_name, chat_type, is_active, conversation_start, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (*store.Channel, error) {
	var c store.Channel
	err := row.Scan(&c.ID, &c.ChatKey, &c.ChannelName, &c.ChatType,
		&c.IsActive, &c.ConversationStart, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ChannelStore) GetOrCreate(ctx context.Context, chatKey string) (*store.Channel, error) {
	c, err := s.Get(ctx, chatKey)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	id := uuid.Must(uuid.NewV7()).String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channels (id, chat_key, channel_name, chat_type, is_active, conversation_start, created_at, updated_at)
		 VALUES (?, ?, '', 'group', 1, ?, ?, ?)
		 ON CONFLICT (chat_key) DO NOTHING`,
		id, chatKey, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	return s.Get(ctx, chatKey)
}

func (s *ChannelStore) Get(ctx context.Context, chatKey string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE chat_key = ?`, chatKey)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

func (s *ChannelStore) List(ctx context.Context, f store.ChannelFilter) ([]store.Channel, error) {
	query := `SELECT ` + channelCols + ` FROM channels WHERE 1=1`
	args := []any{}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		query += ` AND (chat_key LIKE ? OR channel_name LIKE ?)`
		args = append(args, pattern, pattern)
	}
	if f.IsActive != nil {
		query += ` AND is_active = ?`
		args = append(args, *f.IsActive)
	}
	query += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []store.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *ChannelStore) SetActive(ctx context.Context, chatKey string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET is_active = ?, updated_at = ? WHERE chat_key = ?`,
		active, time.Now(), chatKey)
	if err != nil {
		return fmt.Errorf("set channel active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ChannelStore) ResetConversation(ctx context.Context, chatKey string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET conversation_start = ?, updated_at = ? WHERE chat_key = ?`,
		now, now, chatKey)
	if err != nil {
		return fmt.Errorf("reset channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
