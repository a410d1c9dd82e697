// Package agent executes scheduled runs against the external agent service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/driftlab/chatrelay/internal/bus"
	"github.com/driftlab/chatrelay/internal/config"
)

// ReplySink receives the agent's reply text. The pipeline's bot-message push
// satisfies it; wired after construction because the pipeline also owns the
// scheduler that drives this runner.
type ReplySink func(ctx context.Context, chatKey, content string) error

// HTTPRunner posts each run to the agent service and feeds any reply back
// through the sink. Errors are returned to the scheduler, which retries.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
	sink     ReplySink
}

// NewHTTPRunner builds a runner for cfg.Endpoint. sink may be nil if replies
// are handled elsewhere.
func NewHTTPRunner(cfg config.AgentConfig, sink ReplySink) *HTTPRunner {
	client := &http.Client{}
	if cfg.TimeoutSec > 0 {
		client.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return &HTTPRunner{endpoint: cfg.Endpoint, client: client, sink: sink}
}

type runRequest struct {
	ChatKey string           `json:"chat_key"`
	Message *bus.ChatMessage `json:"message,omitempty"`
}

type runResponse struct {
	Content string `json:"content"`
}

// Run posts one agent turn. An empty trigger is sent with a nil message so
// the agent service decides what to do from history alone.
func (r *HTTPRunner) Run(ctx context.Context, chatKey string, msg *bus.ChatMessage) error {
	payload := runRequest{ChatKey: chatKey}
	if msg != nil && !msg.IsEmpty() {
		payload.Message = msg
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(snippet))
	}

	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	if out.Content == "" || r.sink == nil {
		return nil
	}
	if err := r.sink(ctx, chatKey, out.Content); err != nil {
		slog.Warn("agent.reply_sink_failed", "chat_key", chatKey, "error", err)
	}
	return nil
}
