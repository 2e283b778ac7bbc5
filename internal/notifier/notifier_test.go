package notifier

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/kit"
	logx "wablast/pkg/logx"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendText(_ context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestBatchLifecycleNotifications(t *testing.T) {
	bus := eventbus.New()
	sender := &captureSender{}
	svc := New(Config{Enabled: true, RatePerSec: 100}, sender, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	bus.Publish(eventbus.Event{Type: kit.EventStatsUpdate, Data: kit.Stats{Total: 10, Remaining: 10}})
	bus.Publish(eventbus.Event{Type: kit.EventStatusUpdate, Data: kit.StatusUpdate{Status: "batch_started"}})
	bus.Publish(eventbus.Event{Type: kit.EventStatsUpdate, Data: kit.Stats{Total: 10, Sent: 9, Failed: 1}})
	bus.Publish(eventbus.Event{Type: kit.EventStatusUpdate, Data: kit.StatusUpdate{Status: "idle"}})

	waitFor(t, func() bool { return len(sender.all()) == 2 })
	texts := sender.all()
	if !strings.Contains(texts[0], "10 messages queued") {
		t.Fatalf("start text = %q", texts[0])
	}
	if !strings.Contains(texts[1], "9 sent, 1 failed of 10") {
		t.Fatalf("finish text = %q", texts[1])
	}
}

func TestSessionFailureNotifications(t *testing.T) {
	bus := eventbus.New()
	sender := &captureSender{}
	svc := New(Config{Enabled: true, RatePerSec: 100}, sender, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	bus.Publish(eventbus.Event{Type: kit.EventConnectionFailed})
	bus.Publish(eventbus.Event{Type: kit.EventAuthFailure})

	waitFor(t, func() bool { return len(sender.all()) == 2 })
}

func TestIgnoresUninterestingEvents(t *testing.T) {
	bus := eventbus.New()
	sender := &captureSender{}
	svc := New(Config{Enabled: true, RatePerSec: 100}, sender, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	bus.Publish(eventbus.Event{Type: kit.EventMessageSent, Data: kit.MessageOutcome{Phone: "6281"}})
	bus.Publish(eventbus.Event{Type: kit.EventStatusUpdate, Data: kit.StatusUpdate{Status: "sending"}})
	// Idle without a prior batch is startup noise, not a finished batch.
	bus.Publish(eventbus.Event{Type: kit.EventStatusUpdate, Data: kit.StatusUpdate{Status: "idle"}})

	time.Sleep(100 * time.Millisecond)
	if got := sender.all(); len(got) != 0 {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestDisabledServiceIsInert(t *testing.T) {
	bus := eventbus.New()
	sender := &captureSender{}
	svc := New(Config{Enabled: false}, sender, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	if svc.Enabled() {
		t.Fatal("Enabled() = true for disabled config")
	}
	bus.Publish(eventbus.Event{Type: kit.EventConnectionFailed})
	time.Sleep(50 * time.Millisecond)
	if got := sender.all(); len(got) != 0 {
		t.Fatalf("unexpected notifications: %v", got)
	}
}
