package scheduler

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftlab/chatrelay/internal/bus"
)

// runAttempt executes a single attempt wrapped in a span. The span carries
// the chat key, run id, and attempt number so retries are visible per trace.
func (s *Scheduler) runAttempt(h *runHandle, chatKey string, msg *bus.ChatMessage, attempt int) error {
	ctx, span := s.tracer.Start(h.ctx, "scheduler.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("chat.key", chatKey),
			attribute.String("run.id", h.id),
			attribute.Int("run.attempt", attempt),
			attribute.Bool("run.empty_trigger", msg.IsEmpty()),
		))
	defer span.End()

	err := s.runner.Run(ctx, chatKey, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
