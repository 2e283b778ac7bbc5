package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/kit"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

// fastConfig keeps the fixed delays short enough for tests.
func fastConfig() Config {
	return Config{
		Interval:   time.Millisecond,
		MaxRetries: 2,
		RetryDelay: 5 * time.Millisecond,
		RearmDelay: 20 * time.Millisecond,
	}
}

type fakeSender struct {
	mu        sync.Mutex
	ready     bool
	failFirst map[string]int    // phone -> remaining transient failures
	errFor    map[string]error  // phone -> persistent send error
	unreg     map[string]string // phone -> rejection reason
	sends     []string
	checks    []string
	sentCh    chan string
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		ready:     true,
		failFirst: map[string]int{},
		errFor:    map[string]error{},
		unreg:     map[string]string{},
	}
}

func (f *fakeSender) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSender) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func (f *fakeSender) CheckRegistration(_ context.Context, phone string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, phone)
	if reason, bad := f.unreg[phone]; bad {
		return false, reason
	}
	return true, ""
}

func (f *fakeSender) Send(_ context.Context, phone, _ string) (session.Receipt, error) {
	f.mu.Lock()
	f.sends = append(f.sends, phone)
	n := len(f.sends)
	ch := f.sentCh
	if err, bad := f.errFor[phone]; bad {
		f.mu.Unlock()
		return session.Receipt{}, err
	}
	if f.failFirst[phone] > 0 {
		f.failFirst[phone]--
		f.mu.Unlock()
		return session.Receipt{}, &session.SendError{Kind: session.FailureTransport, Err: errors.New("stream closed")}
	}
	f.mu.Unlock()
	if ch != nil {
		select {
		case ch <- phone:
		default:
		}
	}
	return session.Receipt{MessageID: fmt.Sprintf("m%d", n), At: time.Now()}, nil
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeSender) sendOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	copy(out, f.sends)
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	entries []kit.LogEntry
}

func (f *fakeSink) Append(_ context.Context, e kit.LogEntry) error {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) all() []kit.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kit.LogEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func rows(phonesPerRow ...[]string) []kit.MessageRow {
	var out []kit.MessageRow
	for i, phones := range phonesPerRow {
		row := kit.MessageRow{
			Ordinal:   i + 2,
			Name:      fmt.Sprintf("name%d", i),
			Reference: fmt.Sprintf("ref%d", i),
			Message:   "hello",
		}
		for _, p := range phones {
			row.Phones = append(row.Phones, kit.PhoneTarget{Phone: p, Column: "phone_1", Raw: p})
		}
		out = append(out, row)
	}
	return out
}

func TestBatchDrainsInOrder(t *testing.T) {
	sender := newFakeSender()
	sink := &fakeSink{}
	q := New(sender, sink, eventbus.New(), logx.Nop(), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in := rows([]string{"6281", "6282"}, []string{"6283"})
	if err := q.StartBatch(ctx, in); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	want := []string{"6281", "6282", "6283"}
	got := sender.sendOrder()
	if len(got) != len(want) {
		t.Fatalf("sends = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("send order %v, want %v", got, want)
		}
	}

	stats := q.Stats()
	if stats.Total != 3 || stats.Sent != 3 || stats.Failed != 0 || stats.Remaining != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if q.Status() != StatusIdle {
		t.Fatalf("status = %q after drain", q.Status())
	}
	if got := len(sink.all()); got != 3 {
		t.Fatalf("sink entries = %d, want 3", got)
	}
}

func TestStatsInvariantHolds(t *testing.T) {
	sender := newFakeSender()
	sender.failFirst["6282"] = 3 // exhausts all retries
	sink := &fakeSink{}
	q := New(sender, sink, eventbus.New(), logx.Nop(), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.StartBatch(ctx, rows([]string{"6281"}, []string{"6282"})); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	stats := q.Stats()
	if stats.Sent+stats.Failed+stats.Remaining != stats.Total {
		t.Fatalf("invariant broken: %+v", stats)
	}
	if stats.Sent != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 sent 1 failed", stats)
	}
}

func TestMixedBatchOutcomes(t *testing.T) {
	sender := newFakeSender()
	sender.failFirst["6282"] = 1  // recovers on the first retry
	sender.failFirst["6283"] = 10 // never recovers
	sink := &fakeSink{}
	q := New(sender, sink, eventbus.New(), logx.Nop(), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.StartBatch(ctx, rows([]string{"6281", "6282"}, []string{"6283"})); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	stats := q.Stats()
	if stats.Sent != 2 || stats.Failed != 1 || stats.Remaining != 0 {
		t.Fatalf("stats = %+v, want 2 sent 1 failed 0 remaining", stats)
	}

	entries := q.Log()
	if len(entries) != 3 {
		t.Fatalf("log entries = %d, want 3", len(entries))
	}
	byPhone := map[string]kit.LogEntry{}
	for _, e := range entries {
		byPhone[e.Phone] = e
	}
	if e := byPhone["6281"]; e.Status != kit.LogSent || e.RetryCount != 0 {
		t.Fatalf("6281 entry = %+v", e)
	}
	if e := byPhone["6282"]; e.Status != kit.LogSent || e.RetryCount != 1 {
		t.Fatalf("6282 entry = %+v", e)
	}
	if e := byPhone["6283"]; e.Status != kit.LogFailed || e.RetryCount != 2 {
		t.Fatalf("6283 entry = %+v", e)
	}
	if got := len(sink.all()); got != 3 {
		t.Fatalf("sink entries = %d, want 3", got)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	sender := newFakeSender()
	sender.failFirst["6281"] = 1
	sink := &fakeSink{}
	q := New(sender, sink, eventbus.New(), logx.Nop(), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.StartBatch(ctx, rows([]string{"6281"})); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	if got := sender.sendCount(); got != 2 {
		t.Fatalf("send attempts = %d, want 2", got)
	}
	entries := q.Log()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Status != kit.LogSent || entries[0].RetryCount != 1 {
		t.Fatalf("entry = %+v, want sent with retry_count 1", entries[0])
	}
}

func TestRetryExhaustion(t *testing.T) {
	sender := newFakeSender()
	sender.failFirst["6281"] = 10
	q := New(sender, nil, eventbus.New(), logx.Nop(), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.StartBatch(ctx, rows([]string{"6281"})); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	// initial attempt + MaxRetries resubmissions
	if got := sender.sendCount(); got != 3 {
		t.Fatalf("send attempts = %d, want 3", got)
	}
	entries := q.Log()
	if len(entries) != 1 || entries[0].Status != kit.LogFailed || entries[0].RetryCount != 2 {
		t.Fatalf("entries = %+v, want one failed with retry_count 2", entries)
	}
}

func TestUnregisteredTakesRetryPath(t *testing.T) {
	sender := newFakeSender()
	sender.unreg["6281"] = "not registered"
	q := New(sender, nil, eventbus.New(), logx.Nop(), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.StartBatch(ctx, rows([]string{"6281"})); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	if got := sender.sendCount(); got != 0 {
		t.Fatalf("send attempts = %d, want 0 for unregistered target", got)
	}
	f := sender.checks
	if len(f) != 3 {
		t.Fatalf("registration checks = %d, want 3", len(f))
	}
	entries := q.Log()
	if len(entries) != 1 || entries[0].Status != kit.LogFailed {
		t.Fatalf("entries = %+v, want one failed", entries)
	}
}

func TestSessionLossFailsWithoutRetry(t *testing.T) {
	sender := newFakeSender()
	sender.errFor["6281"] = session.ErrNotReady
	q := New(sender, nil, eventbus.New(), logx.Nop(), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.StartBatch(ctx, rows([]string{"6281"})); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	if got := sender.sendCount(); got != 1 {
		t.Fatalf("send attempts = %d, want 1 (no retries against a dead session)", got)
	}
	entries := q.Log()
	if len(entries) != 1 || entries[0].Status != kit.LogFailed || entries[0].RetryCount != 0 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestControlErrors(t *testing.T) {
	sender := newFakeSender()
	q := New(sender, nil, eventbus.New(), logx.Nop(), fastConfig())
	ctx := context.Background()

	if _, err := q.Launch(ctx, nil); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("empty batch err = %v, want ErrNoTargets", err)
	}
	sender.setReady(false)
	if _, err := q.Launch(ctx, rows([]string{"6281"})); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("not-ready err = %v, want ErrSessionNotReady", err)
	}
	sender.setReady(true)

	if err := q.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Pause idle err = %v, want ErrNotRunning", err)
	}
	if err := q.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("Resume idle err = %v, want ErrNotPaused", err)
	}
	if err := q.Cancel(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Cancel idle err = %v, want ErrNotRunning", err)
	}
}

func TestLaunchWhileRunningRefused(t *testing.T) {
	sender := newFakeSender()
	cfg := fastConfig()
	cfg.Interval = time.Hour // only the first task will run
	q := New(sender, nil, eventbus.New(), logx.Nop(), cfg)
	ctx := context.Background()

	done, err := q.Launch(ctx, rows([]string{"6281"}, []string{"6282"}))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if _, err := q.Launch(ctx, rows([]string{"6283"})); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Launch err = %v, want ErrAlreadyRunning", err)
	}

	if err := q.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after cancel")
	}

	// Still re-arming: a fresh batch is refused.
	if _, err := q.Launch(ctx, rows([]string{"6283"})); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Launch while re-arming err = %v, want ErrAlreadyRunning", err)
	}

	time.Sleep(cfg.RearmDelay + 30*time.Millisecond)
	done2, err := q.Launch(ctx, rows([]string{"6284"}))
	if err != nil {
		t.Fatalf("Launch after re-arm: %v", err)
	}
	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatal("second batch did not drain")
	}
}

func TestPauseHoldsResumeContinues(t *testing.T) {
	sender := newFakeSender()
	sender.sentCh = make(chan string, 8)
	cfg := fastConfig()
	cfg.Interval = 20 * time.Millisecond
	q := New(sender, nil, eventbus.New(), logx.Nop(), cfg)
	ctx := context.Background()

	done, err := q.Launch(ctx, rows([]string{"6281"}, []string{"6282"}, []string{"6283"}))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-sender.sentCh:
	case <-time.After(2 * time.Second):
		t.Fatal("first send never happened")
	}
	if err := q.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if q.Status() != StatusPaused {
		t.Fatalf("status = %q, want paused", q.Status())
	}

	// Pausing twice is harmless; the second call is a no-op.
	if err := q.Pause(); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	before := sender.sendCount()
	time.Sleep(4 * cfg.Interval)
	after := sender.sendCount()
	// At most the task already past the gate completes.
	if after > before+1 {
		t.Fatalf("sends advanced while paused: %d -> %d", before, after)
	}

	if err := q.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not drain after resume")
	}
	if got := sender.sendCount(); got != 3 {
		t.Fatalf("sends = %d, want 3", got)
	}
}

func TestPauseDuringSpacingWaitKeepsTask(t *testing.T) {
	sender := newFakeSender()
	sender.sentCh = make(chan string, 8)
	cfg := fastConfig()
	cfg.Interval = 200 * time.Millisecond
	q := New(sender, nil, eventbus.New(), logx.Nop(), cfg)
	ctx := context.Background()

	done, err := q.Launch(ctx, rows([]string{"6281"}, []string{"6282"}))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// After the first send the worker has already popped the second task
	// and is waiting out the spacing interval; pause must land there.
	select {
	case <-sender.sentCh:
	case <-time.After(2 * time.Second):
		t.Fatal("first send never happened")
	}
	time.Sleep(cfg.Interval / 4)
	if err := q.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	time.Sleep(2 * cfg.Interval)
	if got := sender.sendCount(); got != 1 {
		t.Fatalf("sends while paused = %d, want 1", got)
	}
	stats := q.Stats()
	if stats.Remaining != 1 {
		t.Fatalf("stats = %+v, want the parked task still remaining", stats)
	}

	if err := q.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not drain after resume")
	}
	stats = q.Stats()
	if stats.Sent != 2 || stats.Failed != 0 || stats.Remaining != 0 {
		t.Fatalf("stats = %+v, want 2 sent 0 failed 0 remaining", stats)
	}
}

func TestCancelDiscardsStats(t *testing.T) {
	sender := newFakeSender()
	cfg := fastConfig()
	cfg.Interval = time.Hour
	q := New(sender, nil, eventbus.New(), logx.Nop(), cfg)

	if _, err := q.Launch(context.Background(), rows([]string{"6281"}, []string{"6282"})); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := q.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	stats := q.Stats()
	if stats.Remaining == 0 {
		t.Fatalf("stats = %+v, expected unsent work after cancel", stats)
	}
	if q.Status() != StatusIdle {
		t.Fatalf("status = %q, want idle", q.Status())
	}
}

func TestClearLog(t *testing.T) {
	sender := newFakeSender()
	q := New(sender, nil, eventbus.New(), logx.Nop(), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.StartBatch(ctx, rows([]string{"6281"})); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if len(q.Log()) != 1 {
		t.Fatalf("log entries = %d, want 1", len(q.Log()))
	}
	q.ClearLog()
	if len(q.Log()) != 0 {
		t.Fatalf("log not cleared")
	}
}
