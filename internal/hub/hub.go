// Package hub tracks live event observers and fans domain events out to
// them. Observers that stop consuming are evicted after an idle window so
// abandoned streams cannot accumulate.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"wablast/internal/eventbus"
	"wablast/internal/kit"
	logx "wablast/pkg/logx"
)

// Snapshot is the state a freshly attached observer is primed with, so a
// late joiner does not have to wait for the next state change.
type Snapshot struct {
	SessionStatus  string
	QR             string // base64 PNG, set only while pairing is pending
	DispatchStatus string
	Stats          kit.Stats
}

// SnapshotFunc is queried at attach time.
type SnapshotFunc func() Snapshot

type Config struct {
	// IdleWindow is how long an observer may go without consuming before
	// it is evicted.
	IdleWindow time.Duration
	// SweepEvery is the eviction scan interval.
	SweepEvery time.Duration
	// Buffer is the per-observer channel capacity.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.IdleWindow <= 0 {
		c.IdleWindow = 30 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Minute
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	return c
}

type observer struct {
	id       string
	ch       chan eventbus.Event
	lastSeen time.Time
	closed   bool
}

// Hub is the broadcast surface between the bus and stream consumers.
type Hub struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	snap SnapshotFunc

	mu        sync.Mutex
	observers map[string]*observer

	cron  *cron.Cron
	unsub func()
}

func New(bus eventbus.Bus, snap SnapshotFunc, log logx.Logger, cfg Config) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		snap:      snap,
		observers: map[string]*observer{},
	}
}

// Start begins forwarding bus events to observers and schedules the
// periodic idle sweep. It returns once the forwarding loop is running.
func (h *Hub) Start(ctx context.Context) error {
	ch, unsub := h.bus.Subscribe(256)
	h.unsub = unsub

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				h.broadcast(ev)
			}
		}
	}()

	c := cron.New()
	if _, err := c.AddFunc(cronSpec(h.cfg.SweepEvery), func() { h.sweep(time.Now()) }); err != nil {
		unsub()
		return err
	}
	c.Start()
	h.cron = c
	h.log.Debug("hub started", logx.Duration("idle_window", h.cfg.IdleWindow))
	return nil
}

func (h *Hub) Stop() {
	if h.cron != nil {
		<-h.cron.Stop().Done()
	}
	if h.unsub != nil {
		h.unsub()
	}
	h.mu.Lock()
	for id, o := range h.observers {
		o.closed = true
		close(o.ch)
		delete(h.observers, id)
	}
	h.mu.Unlock()
}

// Attach registers a new observer and primes its channel with the current
// state. The returned detach func is idempotent.
func (h *Hub) Attach() (string, <-chan eventbus.Event, func()) {
	o := &observer{
		id:       uuid.NewString(),
		ch:       make(chan eventbus.Event, h.cfg.Buffer),
		lastSeen: time.Now(),
	}

	if h.snap != nil {
		snap := h.snap()
		now := time.Now()
		o.ch <- eventbus.Event{Type: kit.EventStatusUpdate, Time: now, Data: kit.StatusUpdate{Status: snap.SessionStatus}}
		o.ch <- eventbus.Event{Type: kit.EventStatsUpdate, Time: now, Data: snap.Stats}
		if snap.QR != "" {
			o.ch <- eventbus.Event{Type: kit.EventQR, Time: now, Data: kit.QRPayload{Image: snap.QR}}
		}
	}

	h.mu.Lock()
	h.observers[o.id] = o
	n := len(h.observers)
	h.mu.Unlock()

	h.log.Debug("observer attached", logx.String("id", o.id), logx.Int("observers", n))

	var once sync.Once
	detach := func() {
		once.Do(func() { h.remove(o.id, "detached") })
	}
	return o.id, o.ch, detach
}

// Touch records that the observer consumed something. The stream writer
// calls this after every successful delivery and keepalive.
func (h *Hub) Touch(id string) {
	h.mu.Lock()
	if o, ok := h.observers[id]; ok {
		o.lastSeen = time.Now()
	}
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

func (h *Hub) broadcast(ev eventbus.Event) {
	h.mu.Lock()
	obs := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		obs = append(obs, o)
	}
	h.mu.Unlock()

	for _, o := range obs {
		select {
		case o.ch <- ev:
		default:
			// Full buffer means the consumer stalled; the sweep will
			// collect it once the idle window passes.
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mu.Lock()
	var stale []string
	for id, o := range h.observers {
		if now.Sub(o.lastSeen) > h.cfg.IdleWindow {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.remove(id, "idle")
	}
}

func (h *Hub) remove(id, reason string) {
	h.mu.Lock()
	o, ok := h.observers[id]
	if ok && !o.closed {
		o.closed = true
		close(o.ch)
		delete(h.observers, id)
	}
	n := len(h.observers)
	h.mu.Unlock()

	if ok {
		h.log.Debug("observer removed",
			logx.String("id", id),
			logx.String("reason", reason),
			logx.Int("observers", n),
		)
	}
}

func cronSpec(every time.Duration) string {
	return "@every " + every.String()
}
