// Package scheduler coalesces bursts of channel messages into single agent
// runs. Per channel it keeps at most one pending message (latest wins), one
// debounce wait, and one running task; work arriving mid-run is picked up by
// the run's completion handler without a second debounce wait.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftlab/chatrelay/internal/bus"
	"github.com/driftlab/chatrelay/pkg/protocol"
)

// maxAttempts is the total number of tries per run, including the first.
// Retries are immediate; cancellation is never retried.
const maxAttempts = 3

// AgentRunner executes one agent turn for a channel. It must honor ctx
// cancellation at its suspension points; transient failures are returned as
// errors and retried by the scheduler.
type AgentRunner interface {
	Run(ctx context.Context, chatKey string, msg *bus.ChatMessage) error
}

// RunFunc adapts a function to the AgentRunner interface.
type RunFunc func(ctx context.Context, chatKey string, msg *bus.ChatMessage) error

func (f RunFunc) Run(ctx context.Context, chatKey string, msg *bus.ChatMessage) error {
	return f(ctx, chatKey, msg)
}

// SandboxController stops any sandbox attached to a channel. Best-effort and
// idempotent: errors are logged by the scheduler, never propagated.
type SandboxController interface {
	Stop(ctx context.Context, chatKey string) (bool, error)
}

// PresenceHook toggles an activity indicator (e.g. a reaction emoji) around
// each run. Optional, fire-and-forget.
type PresenceHook interface {
	SetActive(msg *bus.ChatMessage, active bool)
}

// RunEvent is a lifecycle transition of a channel's run, delivered to the
// observer hook (see protocol.Run* for types).
type RunEvent struct {
	Type    string `json:"type"`
	ChatKey string `json:"chat_key"`
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config holds scheduler tunables.
type Config struct {
	// DebounceWait is how long a channel must stay quiet after the latest
	// message before a run starts.
	DebounceWait time.Duration
}

// DefaultConfig returns the stock scheduler configuration.
func DefaultConfig() Config {
	return Config{DebounceWait: time.Second}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithSandbox attaches a sandbox controller invoked on Cancel.
func WithSandbox(sb SandboxController) Option {
	return func(s *Scheduler) { s.sandbox = sb }
}

// WithPresence attaches a presence hook toggled around each run.
func WithPresence(p PresenceHook) Option {
	return func(s *Scheduler) { s.presence = p }
}

// WithObserver attaches a hook receiving run lifecycle events. Called inline,
// so the hook must not block.
func WithObserver(fn func(RunEvent)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// Scheduler drives the debounce → run → retry → re-chain lifecycle for every
// channel. Safe for concurrent use.
type Scheduler struct {
	cfg      Config
	runner   AgentRunner
	sandbox  SandboxController
	presence PresenceHook
	observe  func(RunEvent)
	tracer   trace.Tracer

	mu       sync.Mutex
	channels map[string]*channelState
}

// channelState is the per-channel scheduling record. Guarded by its own
// mutex so channels never contend with each other.
type channelState struct {
	chatKey string

	mu         sync.Mutex
	pending    *bus.ChatMessage // at most one; newer submits overwrite
	stamp      uint64           // bumped per submit; stale debounce waits see a mismatch
	lastSubmit time.Time
	run        *runHandle // nil when idle
}

// runHandle owns one running task. done closes when the task's completion
// handler has finished (including after cancellation).
type runHandle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ChannelStatus is a point-in-time snapshot for admin tooling.
type ChannelStatus struct {
	Running    bool      `json:"running"`
	Pending    bool      `json:"pending"`
	LastSubmit time.Time `json:"last_submit,omitempty"`
}

// New creates a scheduler that executes runs through runner.
func New(cfg Config, runner AgentRunner, opts ...Option) *Scheduler {
	if cfg.DebounceWait <= 0 {
		cfg.DebounceWait = DefaultConfig().DebounceWait
	}
	s := &Scheduler{
		cfg:      cfg,
		runner:   runner,
		tracer:   otel.Tracer("chatrelay/scheduler"),
		channels: make(map[string]*channelState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) state(chatKey string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[chatKey]
	if !ok {
		st = &channelState{chatKey: chatKey}
		s.channels[chatKey] = st
	}
	return st
}

func (s *Scheduler) lookup(chatKey string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[chatKey]
}

// Submit records msg as the channel's pending message (replacing any previous
// one) and arms a debounce wait. If a run is already active the pending
// message is left for that run's completion handler instead. A nil msg
// submits an empty trigger placeholder.
func (s *Scheduler) Submit(chatKey string, msg *bus.ChatMessage) {
	if msg == nil {
		msg = bus.EmptyMessage(chatKey)
	}
	st := s.state(chatKey)

	st.mu.Lock()
	st.pending = msg
	st.stamp++
	st.lastSubmit = time.Now()
	stamp := st.stamp
	running := st.run != nil
	st.mu.Unlock()

	if running {
		// The completion handler takes the pending message when the current
		// run finishes.
		return
	}
	go s.debounce(st, stamp)
}

// debounce sleeps through the quiet window and, if no newer submit arrived
// in the meantime, promotes the pending message to a run.
func (s *Scheduler) debounce(st *channelState, stamp uint64) {
	time.Sleep(s.cfg.DebounceWait)

	st.mu.Lock()
	if stamp != st.stamp || st.run != nil {
		// A newer submit owns its own debounce wait, or a run started and
		// its completion handler will pick the pending message up.
		st.mu.Unlock()
		return
	}
	msg := st.pending
	st.pending = nil
	if msg == nil {
		st.mu.Unlock()
		return
	}
	h := newRunHandle()
	st.run = h
	st.mu.Unlock()

	s.runWorker(st, h, msg)
}

func newRunHandle() *runHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &runHandle{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// runWorker owns the channel's running slot. It executes msg, then loops:
// any message that arrived during the run starts immediately on a fresh
// handle (it already waited behind the previous run), so a cancelled context
// never bleeds into the chained run.
func (s *Scheduler) runWorker(st *channelState, h *runHandle, msg *bus.ChatMessage) {
	for {
		s.execute(h, st.chatKey, msg)
		cancelled := h.ctx.Err() != nil
		h.cancel()

		st.mu.Lock()
		if st.run == h {
			st.run = nil
		}
		next := st.pending
		st.pending = nil
		if next == nil {
			st.mu.Unlock()
			close(h.done)
			return
		}
		nh := newRunHandle()
		st.run = nh
		st.mu.Unlock()

		if cancelled {
			slog.Info("scheduler.rechain", "chat_key", st.chatKey, "after", "cancel")
		}
		close(h.done)
		h, msg = nh, next
	}
}

// execute runs one task with bounded immediate retries. Cancellation exits
// the retry loop untouched.
func (s *Scheduler) execute(h *runHandle, chatKey string, msg *bus.ChatMessage) {
	slog.Info("scheduler.run_started", "chat_key", chatKey, "run_id", h.id)
	s.emit(RunEvent{Type: protocol.RunStarted, ChatKey: chatKey, RunID: h.id})
	s.setPresence(msg, true)
	defer s.setPresence(msg, false)

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.runAttempt(h, chatKey, msg, attempt)
		if err == nil {
			slog.Info("scheduler.run_completed", "chat_key", chatKey, "run_id", h.id)
			s.emit(RunEvent{Type: protocol.RunCompleted, ChatKey: chatKey, RunID: h.id})
			return
		}
		if errors.Is(err, context.Canceled) || h.ctx.Err() != nil {
			slog.Info("scheduler.run_cancelled", "chat_key", chatKey, "run_id", h.id)
			s.emit(RunEvent{Type: protocol.RunCancelled, ChatKey: chatKey, RunID: h.id})
			return
		}
		if attempt < maxAttempts {
			slog.Warn("scheduler.run_retrying",
				"chat_key", chatKey, "run_id", h.id, "attempt", attempt, "error", err)
			s.emit(RunEvent{Type: protocol.RunRetrying, ChatKey: chatKey, RunID: h.id,
				Attempt: attempt, Error: err.Error()})
		}
	}
	slog.Error("scheduler.run_failed",
		"chat_key", chatKey, "run_id", h.id, "attempts", maxAttempts, "error", err)
	s.emit(RunEvent{Type: protocol.RunFailed, ChatKey: chatKey, RunID: h.id,
		Attempt: maxAttempts, Error: err.Error()})
}

func (s *Scheduler) emit(ev RunEvent) {
	if s.observe != nil {
		s.observe(ev)
	}
}

func (s *Scheduler) setPresence(msg *bus.ChatMessage, active bool) {
	if s.presence == nil || msg == nil || msg.IsEmpty() {
		return
	}
	s.presence.SetActive(msg, active)
}

// Cancel stops the channel's running task, if any, and waits for its
// completion handler (bounded by ctx). Debounce bookkeeping is invalidated
// but a pending message is kept so it is not silently dropped. The sandbox
// controller is stopped best-effort. Reports whether anything was stopped.
func (s *Scheduler) Cancel(ctx context.Context, chatKey string) bool {
	stopped := false

	if s.sandbox != nil {
		ok, err := s.sandbox.Stop(ctx, chatKey)
		if err != nil {
			slog.Warn("sandbox.stop_failed", "chat_key", chatKey, "error", err)
		} else if ok {
			slog.Info("sandbox.stopped", "chat_key", chatKey)
			stopped = true
		}
	}

	st := s.lookup(chatKey)
	if st == nil {
		return stopped
	}

	st.mu.Lock()
	st.stamp++ // in-flight debounce waits become stale; pending survives
	h := st.run
	st.mu.Unlock()

	if h == nil {
		return stopped
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	slog.Info("scheduler.cancelled", "chat_key", chatKey, "run_id", h.id)
	return true
}

// Status reports the channel's current scheduling state.
func (s *Scheduler) Status(chatKey string) ChannelStatus {
	st := s.lookup(chatKey)
	if st == nil {
		return ChannelStatus{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return ChannelStatus{
		Running:    st.run != nil,
		Pending:    st.pending != nil,
		LastSubmit: st.lastSubmit,
	}
}

// IsRunning reports whether a task is currently executing for chatKey.
func (s *Scheduler) IsRunning(chatKey string) bool {
	return s.Status(chatKey).Running
}

// HasPending reports whether a message is waiting for debounce or re-chain.
func (s *Scheduler) HasPending(chatKey string) bool {
	return s.Status(chatKey).Pending
}
