package bus

import "time"

// ChatMessage is an inbound or stored chat message, the unit routed through
// the scheduler and broadcast to live observers.
type ChatMessage struct {
	ChatKey        string    `json:"chat_key"`
	MessageID      string    `json:"message_id,omitempty"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	SenderNickname string    `json:"sender_nickname,omitempty"`
	Content        string    `json:"content"`
	IsTome         bool      `json:"is_tome,omitempty"` // message addressed the bot (mention/reply)
	IsSystem       bool      `json:"is_system,omitempty"`
	SendTime       time.Time `json:"send_time"`
}

// EmptyMessage returns a placeholder message used to trigger an agent run
// for a channel without any new user content (timed triggers, admin kicks).
func EmptyMessage(chatKey string) *ChatMessage {
	return &ChatMessage{ChatKey: chatKey, SendTime: time.Now()}
}

// IsEmpty reports whether the message is a trigger placeholder.
func (m *ChatMessage) IsEmpty() bool {
	return m.SenderID == "" && m.Content == ""
}

// ChannelEvent describes a change to the channel list, broadcast globally
// to admin clients (see protocol.Channel* for types).
type ChannelEvent struct {
	Type        string `json:"type"`
	ChatKey     string `json:"chat_key"`
	ChannelName string `json:"channel_name,omitempty"`
	IsActive    *bool  `json:"is_active,omitempty"`
}
