// Package pipeline receives inbound chat messages, persists them, fans them
// out to live observers, and decides when a message triggers an agent run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/driftlab/chatrelay/internal/broadcast"
	"github.com/driftlab/chatrelay/internal/bus"
	"github.com/driftlab/chatrelay/internal/config"
	"github.com/driftlab/chatrelay/internal/quota"
	"github.com/driftlab/chatrelay/internal/scheduler"
	"github.com/driftlab/chatrelay/internal/store"
	"github.com/driftlab/chatrelay/pkg/protocol"
)

// TopicChannelList is the single topic carrying channel-list events.
const TopicChannelList = "channel-list"

// ErrChannelInactive is returned when a trigger hits a deactivated channel.
var ErrChannelInactive = errors.New("pipeline: channel is deactivated")

// ErrDailyLimitReached is returned when the daily reply limit (plus any
// same-day boost) is exhausted.
var ErrDailyLimitReached = errors.New("pipeline: daily reply limit reached")

// Forged message separators some clients inject to impersonate history.
var fakeMessagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`<.{4,12}\|messageseparator>`),
	regexp.MustCompile(`<.{4,12}\|messageseperator>`),
}

// Pipeline wires the stores, broadcasters, quota counter, and scheduler
// behind the message push entry points.
type Pipeline struct {
	channels store.ChannelStore
	messages store.MessageStore
	sched    *scheduler.Scheduler
	msgCast  *broadcast.Broadcaster[bus.ChatMessage]
	chanCast *broadcast.Broadcaster[bus.ChannelEvent]
	boosts   *quota.DailyBoost

	mu   sync.RWMutex
	chat config.ChatConfig
}

// New creates a pipeline. All collaborators are required except boosts,
// which may be nil when no quota is enforced.
func New(chat config.ChatConfig, st *store.Stores, sched *scheduler.Scheduler,
	msgCast *broadcast.Broadcaster[bus.ChatMessage],
	chanCast *broadcast.Broadcaster[bus.ChannelEvent],
	boosts *quota.DailyBoost,
) *Pipeline {
	return &Pipeline{
		channels: st.Channels,
		messages: st.Messages,
		sched:    sched,
		msgCast:  msgCast,
		chanCast: chanCast,
		boosts:   boosts,
		chat:     chat,
	}
}

// UpdateChatConfig swaps the chat settings, used by the config hot-reload.
func (p *Pipeline) UpdateChatConfig(chat config.ChatConfig) {
	p.mu.Lock()
	p.chat = chat
	p.mu.Unlock()
}

func (p *Pipeline) chatConfig() config.ChatConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.chat
}

// validate rejects forged and forbidden messages.
func (p *Pipeline) validate(msg *bus.ChatMessage) error {
	plain := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(msg.Content), " ", ""))
	for _, re := range fakeMessagePatterns {
		if re.MatchString(plain) {
			return fmt.Errorf("forged message separator")
		}
	}
	if strings.Contains(plain, "message") && strings.Contains(plain, "(id:") {
		return fmt.Errorf("forged message metadata")
	}
	if strings.Contains(plain, "from_id:") {
		return fmt.Errorf("forged message metadata")
	}
	for _, word := range p.chatConfig().ForbiddenWords {
		if word != "" && strings.Contains(msg.Content, word) {
			return fmt.Errorf("forbidden word %q", word)
		}
	}
	return nil
}

// ensureChannel looks the channel up, creating it (and announcing the
// creation) on first sight.
func (p *Pipeline) ensureChannel(ctx context.Context, chatKey string) (*store.Channel, error) {
	ch, err := p.channels.Get(ctx, chatKey)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	ch, err = p.channels.GetOrCreate(ctx, chatKey)
	if err != nil {
		return nil, err
	}
	active := ch.IsActive
	p.chanCast.Publish(TopicChannelList, bus.ChannelEvent{
		Type:        protocol.ChannelCreated,
		ChatKey:     chatKey,
		ChannelName: ch.ChannelName,
		IsActive:    &active,
	})
	slog.Info("pipeline.channel_created", "chat_key", chatKey)
	return ch, nil
}

// PushHumanMessage persists and broadcasts an inbound user message, then
// schedules an agent run when the message addresses the bot (or triggerAgent
// forces one) and the channel is active and under its daily reply limit.
func (p *Pipeline) PushHumanMessage(ctx context.Context, msg *bus.ChatMessage, triggerAgent bool) error {
	if err := p.validate(msg); err != nil {
		slog.Warn("pipeline.message_rejected", "chat_key", msg.ChatKey, "reason", err)
		return nil
	}

	ch, err := p.ensureChannel(ctx, msg.ChatKey)
	if err != nil {
		return fmt.Errorf("get channel: %w", err)
	}

	if err := p.persistAndBroadcast(ctx, msg, false); err != nil {
		return err
	}

	if !triggerAgent && !msg.IsTome {
		return nil
	}
	if !ch.IsActive {
		slog.Info("pipeline.channel_inactive", "chat_key", msg.ChatKey)
		return ErrChannelInactive
	}
	if err := p.checkDailyLimit(ctx, msg.ChatKey); err != nil {
		return err
	}

	p.sched.Submit(msg.ChatKey, msg)
	return nil
}

// PushBotMessage persists and broadcasts an agent reply. It never triggers
// another run.
func (p *Pipeline) PushBotMessage(ctx context.Context, chatKey, content string) error {
	if _, err := p.ensureChannel(ctx, chatKey); err != nil {
		return fmt.Errorf("get channel: %w", err)
	}
	msg := &bus.ChatMessage{
		ChatKey:    chatKey,
		SenderID:   "-1",
		SenderName: "assistant",
		Content:    content,
		SendTime:   time.Now(),
	}
	return p.persistAndBroadcast(ctx, msg, true)
}

// PushSystemMessage persists a system notice and optionally triggers a run.
// System triggers bypass the daily reply limit.
func (p *Pipeline) PushSystemMessage(ctx context.Context, chatKey, content string, triggerAgent bool) error {
	ch, err := p.ensureChannel(ctx, chatKey)
	if err != nil {
		return fmt.Errorf("get channel: %w", err)
	}
	msg := &bus.ChatMessage{
		ChatKey:    chatKey,
		SenderID:   "-1",
		SenderName: "SYSTEM",
		Content:    content,
		IsSystem:   true,
		SendTime:   time.Now(),
	}
	if err := p.persistAndBroadcast(ctx, msg, false); err != nil {
		return err
	}

	if !triggerAgent {
		return nil
	}
	if !ch.IsActive {
		slog.Info("pipeline.channel_inactive", "chat_key", chatKey)
		return ErrChannelInactive
	}
	p.sched.Submit(chatKey, msg)
	return nil
}

func (p *Pipeline) persistAndBroadcast(ctx context.Context, msg *bus.ChatMessage, isBot bool) error {
	row := &store.Message{
		ChatKey:        msg.ChatKey,
		MessageID:      msg.MessageID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		SenderNickname: msg.SenderNickname,
		Content:        msg.Content,
		IsTome:         msg.IsTome,
		IsBot:          isBot,
		SendTime:       msg.SendTime,
	}
	if err := p.messages.Append(ctx, row); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	p.msgCast.Publish(msg.ChatKey, *msg)
	return nil
}

// checkDailyLimit enforces the configured daily bot-reply cap, raised by any
// same-day quota boost.
func (p *Pipeline) checkDailyLimit(ctx context.Context, chatKey string) error {
	limit := p.chatConfig().DailyReplyLimit
	if limit <= 0 {
		return nil
	}
	count, err := p.messages.DailyBotReplyCount(ctx, chatKey, time.Now())
	if err != nil {
		return fmt.Errorf("daily reply count: %w", err)
	}
	effective := limit
	if p.boosts != nil {
		effective += p.boosts.GetBoost(chatKey)
	}
	if count >= effective {
		slog.Info("pipeline.daily_limit_reached",
			"chat_key", chatKey, "count", count, "limit", effective)
		return ErrDailyLimitReached
	}
	return nil
}

// ActivateChannel flips the channel's active flag and broadcasts the change.
func (p *Pipeline) ActivateChannel(ctx context.Context, chatKey string, active bool) error {
	if err := p.channels.SetActive(ctx, chatKey, active); err != nil {
		return err
	}
	evType := protocol.ChannelActivated
	if !active {
		evType = protocol.ChannelDeactivated
	}
	p.publishChannelEvent(ctx, evType, chatKey, &active)
	return nil
}

// ResetChannel cancels any running task and restarts the conversation window.
func (p *Pipeline) ResetChannel(ctx context.Context, chatKey string) error {
	p.sched.Cancel(ctx, chatKey)
	if err := p.channels.ResetConversation(ctx, chatKey); err != nil {
		return err
	}
	p.publishChannelEvent(ctx, protocol.ChannelUpdated, chatKey, nil)
	return nil
}

func (p *Pipeline) publishChannelEvent(ctx context.Context, evType, chatKey string, active *bool) {
	ev := bus.ChannelEvent{Type: evType, ChatKey: chatKey, IsActive: active}
	if ch, err := p.channels.Get(ctx, chatKey); err == nil {
		ev.ChannelName = ch.ChannelName
	}
	p.chanCast.Publish(TopicChannelList, ev)
}
