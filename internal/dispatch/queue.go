package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"wablast/internal/eventbus"
	"wablast/internal/kit"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

// Sender is the slice of the session the queue is allowed to touch. The
// queue never owns the session; it only sends and checks registration.
type Sender interface {
	Send(ctx context.Context, phone, message string) (session.Receipt, error)
	CheckRegistration(ctx context.Context, phone string) (bool, string)
	Ready() bool
}

// Appender is the persistence collaborator for terminal log entries.
// Appends are fire-and-forget from the queue's perspective.
type Appender interface {
	Append(ctx context.Context, e kit.LogEntry) error
}

// Status values reported by the queue.
const (
	StatusIdle    = "idle"
	StatusPaused  = "paused"
	StatusSending = "sending"
)

// Config fixes the dispatch policy. These are design constants, not
// operator tunables; tests inject short durations.
type Config struct {
	// Interval is the minimum spacing between task starts.
	Interval time.Duration
	// MaxRetries is the per-task retry ceiling (attempts beyond the first).
	MaxRetries int
	// RetryDelay is the fixed wait before a failed task is resubmitted.
	RetryDelay time.Duration
	// RearmDelay is the wait after cancel before a new batch may start.
	RearmDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 15 * time.Second
	}
	if c.RearmDelay <= 0 {
		c.RearmDelay = 2 * time.Second
	}
	return c
}

type task struct {
	row    kit.MessageRow
	target kit.PhoneTarget
}

func (t task) key() string {
	return fmt.Sprintf("%d|%s|%s", t.row.Ordinal, t.target.Column, t.target.Phone)
}

// Service serializes all send attempts for one batch: a single worker,
// strict minimum spacing, bounded retry, aggregate stats and per-message
// history. At most one send is ever in flight.
type Service struct {
	mu sync.Mutex

	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	sess Sender
	sink Appender

	running  bool
	paused   bool
	rearming bool
	resumeCh chan struct{} // closed while not paused
	stopCh   chan struct{} // closed on cancel or drain
	doneCh   chan struct{} // closed when the batch settles
	tasks    chan task
	retries  map[string]int
	stats    kit.Stats
	history  []kit.LogEntry

	delay *delayQueue
}

func New(sess Sender, sink Appender, bus eventbus.Bus, log logx.Logger, cfg Config) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		sess:    sess,
		sink:    sink,
		retries: map[string]int{},
	}
	s.delay = newDelayQueue(s.resubmit)
	return s
}

// StartBatch runs a batch to completion: it validates and launches
// synchronously, then blocks until the batch settles (drained or
// cancelled) or ctx is done.
func (s *Service) StartBatch(ctx context.Context, rows []kit.MessageRow) error {
	done, err := s.Launch(ctx, rows)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launch validates and starts the batch worker, returning immediately.
// The returned channel closes when the batch settles. Control-misuse
// errors (AlreadyRunning, SessionNotReady) are synchronous.
func (s *Service) Launch(ctx context.Context, rows []kit.MessageRow) (<-chan struct{}, error) {
	total := kit.TargetCount(rows)

	s.mu.Lock()
	if s.running || s.rearming {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if !s.sess.Ready() {
		s.mu.Unlock()
		return nil, ErrSessionNotReady
	}
	if total == 0 {
		s.mu.Unlock()
		return nil, ErrNoTargets
	}

	s.running = true
	s.paused = false
	s.resumeCh = closedChan()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	// Capacity covers every first attempt plus every possible retry, so
	// resubmission never blocks the delay timer.
	s.tasks = make(chan task, total*(s.cfg.MaxRetries+1)+1)
	s.retries = map[string]int{}
	s.history = nil
	s.stats = kit.Stats{Total: total, Remaining: total}
	stats := s.stats
	tasks := s.tasks
	stop := s.stopCh
	done := s.doneCh
	s.mu.Unlock()

	s.publish(kit.EventStatsUpdate, stats)
	s.publish(kit.EventStatusUpdate, kit.StatusUpdate{Status: "batch_started"})
	s.log.Info("batch started", logx.Int("rows", len(rows)), logx.Int("targets", total))

	// First-attempt order: row order, then phone order within a row.
	for _, row := range rows {
		for _, ph := range row.Phones {
			tasks <- task{row: row, target: ph}
		}
	}

	go s.worker(ctx, tasks, stop, done)
	return done, nil
}

func (s *Service) worker(ctx context.Context, tasks <-chan task, stop <-chan struct{}, done <-chan struct{}) {
	limiter := rate.NewLimiter(rate.Every(s.cfg.Interval), 1)
	for {
		select {
		case <-stop:
			return
		case t := <-tasks:
			for {
				// Pause gate: a popped task is parked, not dropped.
				for {
					s.mu.Lock()
					paused, resume := s.paused, s.resumeCh
					s.mu.Unlock()
					if !paused {
						break
					}
					select {
					case <-stop:
						return
					case <-resume:
					}
				}
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				// A pause that landed during the spacing wait re-parks
				// the task instead of racing it into execution.
				s.mu.Lock()
				paused := s.paused
				s.mu.Unlock()
				if !paused {
					break
				}
			}
			s.processTask(ctx, t)
		}
	}
}

func (s *Service) processTask(ctx context.Context, t task) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	// A task popped during teardown is simply not executed; pausing is
	// owned entirely by the worker's gate so a popped task is never lost.
	if !running {
		return
	}

	ok, reason := s.sess.CheckRegistration(ctx, t.target.Phone)
	var sendErr error
	var receipt session.Receipt
	if !ok {
		if reason == "" {
			reason = "not registered"
		}
		if reason == "session not ready" {
			sendErr = session.ErrNotReady
		} else {
			// A failed registration check takes the same retry path as a
			// send failure; the check itself can be flaky.
			sendErr = &session.SendError{Kind: session.FailureUnregistered, Err: errors.New(reason)}
		}
	} else {
		receipt, sendErr = s.sess.Send(ctx, t.target.Phone, t.row.Message)
	}

	if sendErr == nil {
		s.completeSent(ctx, t, receipt)
		return
	}
	s.handleFailure(ctx, t, sendErr)
}

func (s *Service) completeSent(ctx context.Context, t task, receipt session.Receipt) {
	at := receipt.At
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	if !s.running {
		// Outcome of an attempt that was in flight when the batch was
		// cancelled; discard it.
		s.mu.Unlock()
		return
	}
	s.stats.Sent++
	s.stats.Remaining--
	entry := s.appendEntryLocked(t, kit.LogSent, "", at)
	stats := s.stats
	s.mu.Unlock()

	s.log.Debug("message sent",
		logx.Int("row", t.row.Ordinal),
		logx.String("phone", t.target.Phone),
		logx.String("msg_id", receipt.MessageID),
	)
	s.publish(kit.EventMessageSent, kit.MessageOutcome{
		Reference: t.row.Reference,
		Name:      t.row.Name,
		Phone:     t.target.Phone,
		Column:    t.target.Column,
		Row:       t.row.Ordinal,
		At:        at,
	})
	s.publish(kit.EventStatsUpdate, stats)
	s.forward(ctx, entry)
	s.finishIfDrained(stats)
}

func (s *Service) handleFailure(ctx context.Context, t task, sendErr error) {
	key := t.key()
	// A session that dropped out mid-batch fails the task immediately;
	// retrying against a dead session would loop forever.
	retryable := !errors.Is(sendErr, session.ErrNotReady)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	attempts := s.retries[key]
	if retryable && attempts < s.cfg.MaxRetries {
		s.retries[key] = attempts + 1
		s.mu.Unlock()
		s.log.Debug("task retry scheduled",
			logx.Int("row", t.row.Ordinal),
			logx.String("phone", t.target.Phone),
			logx.Int("attempt", attempts+1),
			logx.Duration("delay", s.cfg.RetryDelay),
			logx.Err(sendErr),
		)
		s.delay.schedule(t, s.cfg.RetryDelay)
		return
	}

	s.stats.Failed++
	s.stats.Remaining--
	at := time.Now()
	entry := s.appendEntryLocked(t, kit.LogFailed, sendErr.Error(), at)
	stats := s.stats
	s.mu.Unlock()

	s.log.Warn("message failed",
		logx.Int("row", t.row.Ordinal),
		logx.String("phone", t.target.Phone),
		logx.Int("retries", attempts),
		logx.Err(sendErr),
	)
	s.publish(kit.EventMessageFailed, kit.MessageOutcome{
		Reference: t.row.Reference,
		Name:      t.row.Name,
		Phone:     t.target.Phone,
		Column:    t.target.Column,
		Row:       t.row.Ordinal,
		Error:     sendErr.Error(),
		At:        at,
	})
	s.publish(kit.EventStatsUpdate, stats)
	s.forward(ctx, entry)
	s.finishIfDrained(stats)
}

// appendEntryLocked builds and stores the terminal log entry. Caller holds mu.
func (s *Service) appendEntryLocked(t task, status kit.LogStatus, errText string, at time.Time) kit.LogEntry {
	entry := kit.LogEntry{
		ID:         uuid.NewString(),
		Row:        t.row.Ordinal,
		Column:     t.target.Column,
		Phone:      t.target.Phone,
		Reference:  t.row.Reference,
		Name:       t.row.Name,
		Status:     status,
		Message:    t.row.Message,
		Error:      errText,
		At:         at,
		RetryCount: s.retries[t.key()],
	}
	s.history = append(s.history, entry)
	return entry
}

// forward hands the entry to the persistence collaborator. The queue does
// not block on or depend on the result.
func (s *Service) forward(ctx context.Context, entry kit.LogEntry) {
	s.publish(kit.EventLogUpdate, entry)
	if s.sink == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := s.sink.Append(actx, entry); err != nil {
		s.log.Warn("log persistence failed", logx.String("id", entry.ID), logx.Err(err))
	}
}

func (s *Service) finishIfDrained(stats kit.Stats) {
	if stats.Remaining != 0 {
		return
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.paused = false
	close(s.stopCh)
	close(s.doneCh)
	s.mu.Unlock()

	s.delay.clear()
	s.publish(kit.EventStatusUpdate, kit.StatusUpdate{Status: StatusIdle})
	s.log.Info("batch drained",
		logx.Int("sent", stats.Sent),
		logx.Int("failed", stats.Failed),
		logx.Int("total", stats.Total),
	)
}

// resubmit is the delay queue's fire callback. It re-checks the running
// flag: a retry timer that outlives its batch must no-op.
func (s *Service) resubmit(t task) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	tasks := s.tasks
	s.mu.Unlock()

	select {
	case tasks <- t:
	default:
		// Capacity is sized for every possible resubmission; reaching
		// here means bookkeeping is broken, not that the queue is busy.
		s.log.Error("task resubmission dropped", logx.Int("row", t.row.Ordinal), logx.String("phone", t.target.Phone))
	}
}

// Pause halts the worker before the next task; the in-flight task, if any,
// completes normally.
func (s *Service) Pause() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if !s.paused {
		s.paused = true
		s.resumeCh = make(chan struct{})
	}
	s.mu.Unlock()

	s.publish(kit.EventStatusUpdate, kit.StatusUpdate{Status: StatusPaused})
	s.log.Info("batch paused")
	return nil
}

func (s *Service) Resume() error {
	s.mu.Lock()
	if !s.running || !s.paused {
		s.mu.Unlock()
		return ErrNotPaused
	}
	s.paused = false
	close(s.resumeCh)
	s.mu.Unlock()

	s.publish(kit.EventStatusUpdate, kit.StatusUpdate{Status: StatusSending})
	s.log.Info("batch resumed")
	return nil
}

// Cancel stops the batch and clears all queued and scheduled work. The
// worker is re-armed after a short fixed delay; until then a new batch is
// refused. In-flight driver calls are not aborted, their outcome is
// discarded.
func (s *Service) Cancel() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	if s.paused {
		s.paused = false
		close(s.resumeCh)
	}
	s.rearming = true
	close(s.stopCh)
	close(s.doneCh)
	s.mu.Unlock()

	s.delay.clear()
	s.publish(kit.EventStatusUpdate, kit.StatusUpdate{Status: "cancelled"})
	s.log.Info("batch cancelled")

	time.AfterFunc(s.cfg.RearmDelay, func() {
		s.mu.Lock()
		s.rearming = false
		s.mu.Unlock()
	})
	return nil
}

func (s *Service) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.running:
		return StatusIdle
	case s.paused:
		return StatusPaused
	default:
		return StatusSending
	}
}

func (s *Service) Stats() kit.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Log returns a copy of the in-memory history for the current/last batch.
func (s *Service) Log() []kit.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kit.LogEntry, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) ClearLog() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
