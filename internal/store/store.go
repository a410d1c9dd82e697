// Package store defines the persistence boundary for channels and messages.
// Implementations live in the pg and sqlite subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a channel or message does not exist.
var ErrNotFound = errors.New("store: not found")

// Channel is a persisted conversation channel.
type Channel struct {
	ID                string    `json:"id"`
	ChatKey           string    `json:"chat_key"`
	ChannelName       string    `json:"channel_name"`
	ChatType          string    `json:"chat_type"` // "group" or "private"
	IsActive          bool      `json:"is_active"`
	ConversationStart time.Time `json:"conversation_start"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Message is a persisted chat message row.
type Message struct {
	ID             string    `json:"id"`
	ChatKey        string    `json:"chat_key"`
	MessageID      string    `json:"message_id,omitempty"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	SenderNickname string    `json:"sender_nickname,omitempty"`
	Content        string    `json:"content"`
	IsTome         bool      `json:"is_tome"`
	IsBot          bool      `json:"is_bot"`
	SendTime       time.Time `json:"send_time"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChannelFilter narrows List results.
type ChannelFilter struct {
	Search   string // substring match on chat_key or channel_name
	IsActive *bool
	Limit    int
	Offset   int
}

// ChannelStore persists channels.
type ChannelStore interface {
	// GetOrCreate returns the channel for chatKey, creating an active one
	// with ConversationStart=now on first sight.
	GetOrCreate(ctx context.Context, chatKey string) (*Channel, error)
	Get(ctx context.Context, chatKey string) (*Channel, error)
	List(ctx context.Context, f ChannelFilter) ([]Channel, error)
	SetActive(ctx context.Context, chatKey string, active bool) error
	// ResetConversation moves ConversationStart to now, hiding prior history
	// from the agent without deleting rows.
	ResetConversation(ctx context.Context, chatKey string) error
}

// MessageStore persists messages.
type MessageStore interface {
	Append(ctx context.Context, m *Message) error
	// List returns messages for chatKey ordered by send time descending.
	List(ctx context.Context, chatKey string, limit, offset int) ([]Message, error)
	Count(ctx context.Context, chatKey string, since time.Time) (int, error)
	// DailyBotReplyCount counts bot messages sent on the calendar day of ref
	// (local time), used by the daily reply limit.
	DailyBotReplyCount(ctx context.Context, chatKey string, ref time.Time) (int, error)
}

// Stores bundles the backend implementations behind one handle.
type Stores struct {
	Channels ChannelStore
	Messages MessageStore

	closer func() error
}

// NewStores wraps the given implementations; closer may be nil.
func NewStores(ch ChannelStore, ms MessageStore, closer func() error) *Stores {
	return &Stores{Channels: ch, Messages: ms, closer: closer}
}

// Close releases backend resources.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// DayBounds returns the [start, end) interval of ref's calendar day in
// ref's location.
func DayBounds(ref time.Time) (time.Time, time.Time) {
	y, m, d := ref.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, ref.Location())
	return start, start.AddDate(0, 0, 1)
}
