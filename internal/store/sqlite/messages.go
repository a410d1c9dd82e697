package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/chatrelay/internal/store"
)

// MessageStore implements store.MessageStore on SQLite.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Append(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.SendTime.IsZero() {
		m.SendTime = m.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_key, message_id, sender_id, sender_name, sender_nickname,
		                       content, is_tome, is_bot, send_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatKey, m.MessageID, m.SenderID, m.SenderName, m.SenderNickname,
		m.Content, m.IsTome, m.IsBot, m.SendTime, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

const messageCols = `id, chat_key, message_id, sender_id, sender_name, sender_nickname,
	content, is_tome, is_bot, send_time, created_at`

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.ChatKey, &m.MessageID, &m.SenderID, &m.SenderName,
			&m.SenderNickname, &m.Content, &m.IsTome, &m.IsBot, &m.SendTime, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MessageStore) List(ctx context.Context, chatKey string, limit, offset int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE chat_key = ?
		 ORDER BY send_time DESC LIMIT ? OFFSET ?`,
		chatKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *MessageStore) Count(ctx context.Context, chatKey string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat_key = ? AND send_time >= ?`,
		chatKey, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *MessageStore) DailyBotReplyCount(ctx context.Context, chatKey string, ref time.Time) (int, error) {
	start, end := store.DayBounds(ref)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE chat_key = ? AND is_bot AND send_time >= ? AND send_time < ?`,
		chatKey, start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bot replies: %w", err)
	}
	return n, nil
}
