package broadcast

import (
	"context"
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestPublishFanOut(t *testing.T) {
	b := New[string]("test", 4)

	s1 := b.Subscribe(context.Background(), "chan-a")
	s2 := b.Subscribe(context.Background(), "chan-a")
	other := b.Subscribe(context.Background(), "chan-b")
	defer s1.Close()
	defer s2.Close()
	defer other.Close()

	b.Publish("chan-a", "hello")

	if got := recvOne(t, s1.Events()); got != "hello" {
		t.Errorf("s1 got %q, want %q", got, "hello")
	}
	if got := recvOne(t, s2.Events()); got != "hello" {
		t.Errorf("s2 got %q, want %q", got, "hello")
	}
	select {
	case v := <-other.Events():
		t.Errorf("subscriber on other topic received %q", v)
	default:
	}
}

func TestLateSubscriberMissesEarlierPublish(t *testing.T) {
	b := New[string]("test", 4)

	b.Publish("chan-a", "before")

	s := b.Subscribe(context.Background(), "chan-a")
	defer s.Close()

	select {
	case v := <-s.Events():
		t.Errorf("late subscriber received replayed event %q", v)
	default:
	}

	b.Publish("chan-a", "after")
	if got := recvOne(t, s.Events()); got != "after" {
		t.Errorf("got %q, want %q", got, "after")
	}
}

func TestDropOnFullInbox(t *testing.T) {
	b := New[string]("test", 1)

	slow := b.Subscribe(context.Background(), "chan-a")
	fast := b.Subscribe(context.Background(), "chan-a")
	defer slow.Close()
	defer fast.Close()

	// Saturate the slow inbox (capacity 1) with e1, then keep publishing while
	// draining only the fast inbox. The publisher must never block and the
	// fast subscriber must see every event.
	b.Publish("chan-a", "e1")
	if got := recvOne(t, fast.Events()); got != "e1" {
		t.Errorf("fast subscriber got %q, want %q", got, "e1")
	}
	for _, ev := range []string{"e2", "e3"} {
		done := make(chan struct{})
		go func() {
			b.Publish("chan-a", ev)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a saturated subscriber")
		}
		if got := recvOne(t, fast.Events()); got != ev {
			t.Errorf("fast subscriber got %q, want %q", got, ev)
		}
	}

	// Slow subscriber kept only the first event; later deliveries resume.
	if got := recvOne(t, slow.Events()); got != "e1" {
		t.Errorf("slow subscriber got %q, want %q", got, "e1")
	}
	b.Publish("chan-a", "e4")
	if got := recvOne(t, slow.Events()); got != "e4" {
		t.Errorf("slow subscriber got %q, want %q", got, "e4")
	}
}

func TestCloseRemovesEmptyTopic(t *testing.T) {
	b := New[string]("test", 4)

	s1 := b.Subscribe(context.Background(), "chan-a")
	s2 := b.Subscribe(context.Background(), "chan-a")

	if got := b.SubscriberCount("chan-a"); got != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", got)
	}

	s1.Close()
	if got := b.SubscriberCount("chan-a"); got != 1 {
		t.Errorf("SubscriberCount after one close = %d, want 1", got)
	}

	s2.Close()
	if got := b.SubscriberCount("chan-a"); got != 0 {
		t.Errorf("SubscriberCount after both closed = %d, want 0", got)
	}
	if topics := b.Topics(); len(topics) != 0 {
		t.Errorf("empty topic not removed: %v", topics)
	}

	// Double close must not panic.
	s1.Close()
}

func TestContextCancelUnsubscribes(t *testing.T) {
	b := New[string]("test", 4)

	ctx, cancel := context.WithCancel(context.Background())
	s := b.Subscribe(ctx, "chan-a")

	cancel()

	deadline := time.After(time.Second)
	for b.SubscriberCount("chan-a") != 0 {
		select {
		case <-deadline:
			t.Fatal("subscription not removed after context cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Channel is closed so consumers drain and stop.
	if _, ok := <-s.Events(); ok {
		t.Error("expected closed events channel after cancel")
	}
}
