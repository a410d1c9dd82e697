// Package trigger fires timed agent runs from cron expressions, letting a
// channel's agent act without an inbound message.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/driftlab/chatrelay/internal/config"
)

// Sink receives due triggers. The pipeline's system-message path satisfies
// it.
type Sink func(ctx context.Context, chatKey string) error

// Service checks every configured cron expression once per minute and fires
// the sink for each one that is due.
type Service struct {
	triggers []config.TriggerConfig
	sink     Sink
	gron     gronx.Gronx
}

// New validates the expressions up front so a bad config fails at startup,
// not at the first tick.
func New(triggers []config.TriggerConfig, sink Sink) (*Service, error) {
	g := gronx.New()
	for _, tr := range triggers {
		if !g.IsValid(tr.Cron) {
			return nil, fmt.Errorf("trigger for %s: invalid cron %q", tr.ChatKey, tr.Cron)
		}
	}
	return &Service{triggers: triggers, sink: sink, gron: g}, nil
}

// Run ticks once per minute until ctx is done. It aligns the first tick to
// the minute boundary so expressions fire at the expected wall time.
func (s *Service) Run(ctx context.Context) error {
	if len(s.triggers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	first := time.Until(time.Now().Truncate(time.Minute).Add(time.Minute))
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-timer.C:
			s.fireDue(ctx, now)
			timer.Reset(time.Until(now.Truncate(time.Minute).Add(time.Minute)))
		}
	}
}

func (s *Service) fireDue(ctx context.Context, now time.Time) {
	for _, tr := range s.triggers {
		due, err := s.gron.IsDue(tr.Cron, now)
		if err != nil {
			slog.Warn("trigger.check_failed", "chat_key", tr.ChatKey, "cron", tr.Cron, "error", err)
			continue
		}
		if !due {
			continue
		}
		slog.Info("trigger.fired", "chat_key", tr.ChatKey, "cron", tr.Cron)
		if err := s.sink(ctx, tr.ChatKey); err != nil {
			slog.Warn("trigger.sink_failed", "chat_key", tr.ChatKey, "error", err)
		}
	}
}
