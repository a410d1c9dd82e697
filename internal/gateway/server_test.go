package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftlab/chatrelay/internal/broadcast"
	"github.com/driftlab/chatrelay/internal/bus"
	"github.com/driftlab/chatrelay/internal/config"
	"github.com/driftlab/chatrelay/internal/pipeline"
	"github.com/driftlab/chatrelay/internal/quota"
	"github.com/driftlab/chatrelay/internal/scheduler"
	"github.com/driftlab/chatrelay/internal/store/sqlite"
	"github.com/driftlab/chatrelay/pkg/protocol"
)

func newTestGateway(t *testing.T) (addr string) {
	t.Helper()

	st, err := sqlite.NewStores(":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Chat.DailyReplyLimit = 0

	sched := scheduler.New(scheduler.Config{DebounceWait: time.Hour},
		scheduler.RunFunc(func(context.Context, string, *bus.ChatMessage) error { return nil }))
	msgCast := broadcast.New[bus.ChatMessage]("messages", 16)
	chanCast := broadcast.New[bus.ChannelEvent]("channels", 16)
	boosts := quota.New()
	pipe := pipeline.New(cfg.Chat, st, sched, msgCast, chanCast, boosts)

	srv := NewServer(cfg, pipe, sched, st, boosts, msgCast, chanCast)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(srv, ctx)
	go start()

	// Wait for the listener to come up.
	for i := 0; i < 50; i++ {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway did not start")
	return ""
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	addr := newTestGateway(t)
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Protocol != protocol.ProtocolVersion {
		t.Errorf("health = %+v", body)
	}
}

func TestMessagePushAndList(t *testing.T) {
	addr := newTestGateway(t)
	base := fmt.Sprintf("http://%s/v1/channels/tg-1", addr)

	resp := postJSON(t, base+"/messages", pushMessageRequest{
		SenderID: "u1", SenderName: "ann", Content: "hello",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("push status = %d", resp.StatusCode)
	}

	resp, err := http.Get(base + "/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", out.Messages)
	}
}

func TestInactiveChannelPushConflicts(t *testing.T) {
	addr := newTestGateway(t)
	base := fmt.Sprintf("http://%s/v1/channels/tg-1", addr)

	// Create the channel, then deactivate it.
	resp := postJSON(t, base+"/messages", pushMessageRequest{
		SenderID: "u1", SenderName: "ann", Content: "hello",
	})
	resp.Body.Close()
	resp = postJSON(t, base+"/active", map[string]bool{"active": false})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status = %d", resp.StatusCode)
	}

	resp = postJSON(t, base+"/messages", pushMessageRequest{
		SenderID: "u1", SenderName: "ann", Content: "hey bot", IsTome: true,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("push to inactive channel = %d, want 409", resp.StatusCode)
	}
}

func TestMissingChannelIs404(t *testing.T) {
	addr := newTestGateway(t)
	resp, err := http.Get(fmt.Sprintf("http://%s/v1/channels/nope", addr))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestQuotaBoostRoundTrip(t *testing.T) {
	addr := newTestGateway(t)
	base := fmt.Sprintf("http://%s/v1/channels/tg-1/quota", addr)

	boost := 3
	resp := postJSON(t, base, map[string]any{"boost": boost})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set boost status = %d", resp.StatusCode)
	}

	resp = postJSON(t, base, map[string]any{"add": 2})
	defer resp.Body.Close()
	var out struct {
		Boost int `json:"boost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Boost != 5 {
		t.Errorf("boost = %d, want 5", out.Boost)
	}
}

func TestWebSocketStreamsMessages(t *testing.T) {
	addr := newTestGateway(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws?chat_key=tg-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// Give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	resp := postJSON(t, fmt.Sprintf("http://%s/v1/channels/tg-1/messages", addr),
		pushMessageRequest{SenderID: "u1", SenderName: "ann", Content: "live"})
	resp.Body.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Type    string `json:"type"`
		Event   string `json:"event"`
		Payload struct {
			Content string `json:"content"`
		} `json:"payload"`
	}
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != "event" || frame.Event != protocol.EventMessage || frame.Payload.Content != "live" {
		t.Errorf("frame = %+v", frame)
	}
}
