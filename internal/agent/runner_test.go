package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftlab/chatrelay/internal/bus"
	"github.com/driftlab/chatrelay/internal/config"
)

func TestRunPostsMessageAndSinksReply(t *testing.T) {
	var gotReq runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(runResponse{Content: "hello ann"})
	}))
	defer srv.Close()

	var sunk string
	runner := NewHTTPRunner(config.AgentConfig{Endpoint: srv.URL},
		func(_ context.Context, chatKey, content string) error {
			sunk = chatKey + ":" + content
			return nil
		})

	msg := &bus.ChatMessage{ChatKey: "tg-1", SenderID: "u1", Content: "hi", SendTime: time.Now()}
	if err := runner.Run(context.Background(), "tg-1", msg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotReq.ChatKey != "tg-1" || gotReq.Message == nil || gotReq.Message.Content != "hi" {
		t.Errorf("request = %+v", gotReq)
	}
	if sunk != "tg-1:hello ann" {
		t.Errorf("sink got %q", sunk)
	}
}

func TestRunOmitsEmptyTriggerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Message != nil {
			t.Errorf("empty trigger carried a message: %+v", req.Message)
		}
		json.NewEncoder(w).Encode(runResponse{})
	}))
	defer srv.Close()

	runner := NewHTTPRunner(config.AgentConfig{Endpoint: srv.URL}, nil)
	if err := runner.Run(context.Background(), "tg-1", bus.EmptyMessage("tg-1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunReturnsErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	runner := NewHTTPRunner(config.AgentConfig{Endpoint: srv.URL}, nil)
	if err := runner.Run(context.Background(), "tg-1", nil); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestRunHonorsContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	runner := NewHTTPRunner(config.AgentConfig{Endpoint: srv.URL}, nil)
	go func() { errc <- runner.Run(ctx, "tg-1", nil) }()
	cancel()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("cancelled run returned nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
