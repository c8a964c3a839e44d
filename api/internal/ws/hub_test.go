package ws

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	messages [][]byte
	accept   bool
	closed   bool
}

func (f *fakeSubscriber) Send(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.messages = append(f.messages, payload)
	return true
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSubscriber) snapshot() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages), f.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubDeliversByProject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(8)
	go hub.Run(ctx)

	a := &fakeSubscriber{accept: true}
	b := &fakeSubscriber{accept: true}
	hub.Register("p1", a)
	hub.Register("p2", b)
	if n := hub.Subscribers(); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}

	hub.Publish("p1", []byte(`{"type":"deployment.updated"}`))
	waitFor(t, func() bool { n, _ := a.snapshot(); return n == 1 })
	if n, _ := b.snapshot(); n != 0 {
		t.Fatalf("p2 subscriber received %d messages", n)
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(8)
	go hub.Run(ctx)

	slow := &fakeSubscriber{accept: false}
	hub.Register("p1", slow)
	hub.Publish("p1", []byte("x"))

	waitFor(t, func() bool { _, closed := slow.snapshot(); return closed })
	if n := hub.Subscribers(); n != 0 {
		t.Fatalf("expected slow subscriber removed, got %d", n)
	}
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(8)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	sub := &fakeSubscriber{accept: true}
	hub.Register("p1", sub)
	hub.Subscribers()
	cancel()
	<-stopped

	if _, closed := sub.snapshot(); !closed {
		t.Fatal("expected subscriber closed on shutdown")
	}
	// Calls after shutdown must not block.
	hub.Publish("p1", []byte("late"))
	late := &fakeSubscriber{accept: true}
	hub.Register("p1", late)
	if _, closed := late.snapshot(); !closed {
		t.Fatal("expected late registration to be closed")
	}
}
