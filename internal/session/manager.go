package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/kit"
	logx "wablast/pkg/logx"
)

// State is the full connection state machine. External observers only ever
// see the collapsed 3-way Status; the full enum is internal bookkeeping.
type State int

const (
	StateDisconnected State = iota
	StateInitializing
	StateQRPending
	StateAuthenticated
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StateQRPending:
		return "qr_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the collapsed projection exposed to observers.
const (
	StatusReady        = "ready"
	StatusQRPending    = "qr_pending"
	StatusDisconnected = "disconnected"
)

// Config fixes the initialization retry policy. Zero values take the
// production defaults; tests inject short durations.
type Config struct {
	ConnectTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 120 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	return c
}

// Manager owns the single external messaging session and drives it through
// the connection state machine. All other components hold it only through
// its capability methods (Send, CheckRegistration); the driver handle never
// escapes.
type Manager struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	factory Factory

	state        State
	artifact     []byte
	initializing bool
	driver       Driver
	// gen invalidates event pumps of torn-down drivers.
	gen uint64
}

func NewManager(factory Factory, bus eventbus.Bus, log logx.Logger, cfg Config) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		factory: factory,
		state:   StateDisconnected,
	}
}

// Initialize starts the connect sequence in the background. It returns false
// without any state change when an initialization is already in flight or
// the session is already ready; callers are told the attempt was skipped,
// not queued.
func (m *Manager) Initialize(ctx context.Context) bool {
	m.mu.Lock()
	if m.initializing {
		m.mu.Unlock()
		m.log.Info("initialize skipped", logx.String("reason", "already initializing"))
		return false
	}
	if m.state == StateReady {
		m.mu.Unlock()
		m.log.Info("initialize skipped", logx.String("reason", "already ready"))
		return false
	}
	m.initializing = true
	m.setStateLocked(StateInitializing, "")
	m.mu.Unlock()

	go m.runInit(ctx)
	return true
}

func (m *Manager) runInit(ctx context.Context) {
	cfg := m.cfg
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		m.publish(kit.EventConnectionStarted, kit.ConnectionAttempt{
			Attempt:     attempt,
			MaxAttempts: cfg.MaxAttempts,
		})
		m.log.Info("connecting", logx.Int("attempt", attempt), logx.Int("max", cfg.MaxAttempts))

		// A failed handle is never reused.
		m.teardownDriver(ctx)

		drv, err := m.factory(ctx)
		if err == nil {
			m.installDriver(drv)
			cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
			err = drv.Initialize(cctx)
			timedOut := cctx.Err() != nil
			cancel()
			if err == nil {
				m.mu.Lock()
				m.initializing = false
				m.mu.Unlock()
				return
			}
			if timedOut {
				err = errors.Join(ErrInitTimeout, err)
			}
			m.teardownDriver(ctx)
		}
		lastErr = err
		m.log.Warn("connect attempt failed", logx.Int("attempt", attempt), logx.Err(err))

		if attempt < cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				m.finishInit(StateDisconnected, ctx.Err())
				return
			case <-time.After(cfg.RetryBackoff):
			}
		}
	}

	err := errors.Join(ErrInitMaxRetries, lastErr)
	m.finishInit(StateError, err)
	m.publish(kit.EventConnectionFailed, err.Error())
}

func (m *Manager) finishInit(st State, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	m.mu.Lock()
	m.initializing = false
	m.setStateLocked(st, reason)
	m.mu.Unlock()
}

func (m *Manager) installDriver(d Driver) {
	m.mu.Lock()
	m.driver = d
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go func() {
		for ev := range d.Events() {
			m.handleEvent(gen, ev)
		}
	}()
}

func (m *Manager) teardownDriver(ctx context.Context) {
	m.mu.Lock()
	d := m.driver
	m.driver = nil
	m.gen++
	m.mu.Unlock()

	if d == nil {
		return
	}
	if err := d.Destroy(ctx); err != nil {
		// Teardown is best-effort; a dead handle is going away regardless.
		m.log.Warn("driver teardown error", logx.Err(err))
	}
}

// handleEvent applies one inbound driver event. Events from a torn-down
// driver generation are discarded.
func (m *Manager) handleEvent(gen uint64, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}

	switch ev.Kind {
	case EventQR:
		m.artifact = ev.Artifact
		m.setStateLocked(StateQRPending, "")
		m.publish(kit.EventQR, kit.QRPayload{Image: base64.StdEncoding.EncodeToString(ev.Artifact)})
	case EventAuthenticated:
		m.artifact = nil
		m.setStateLocked(StateAuthenticated, "")
		m.publish(kit.EventAuthenticated, "authenticated")
	case EventReady:
		m.artifact = nil
		m.setStateLocked(StateReady, "")
		m.publish(kit.EventReady, "ready")
	case EventAuthFailure:
		m.artifact = nil
		m.setStateLocked(StateError, ev.Reason)
		m.publish(kit.EventAuthFailure, ev.Reason)
	case EventDisconnected:
		m.artifact = nil
		m.setStateLocked(StateDisconnected, ev.Reason)
		m.publish(kit.EventDisconnected, ev.Reason)
	case EventDriverError:
		m.publish(kit.EventError, ev.Reason)
		if ev.Fatal {
			m.setStateLocked(StateError, ev.Reason)
		}
	}
}

// setStateLocked records the transition and pushes a status_update with the
// collapsed status. Caller holds mu.
func (m *Manager) setStateLocked(st State, errText string) {
	if m.state == st && errText == "" {
		return
	}
	m.log.Debug("session state", logx.String("from", m.state.String()), logx.String("to", st.String()))
	m.state = st
	m.publish(kit.EventStatusUpdate, kit.StatusUpdate{Status: m.statusLocked(), Error: errText})
}

// Send delivers one message through the driver. It fails with ErrNotReady
// unless the session is ready; driver failures come back classified as
// *SendError.
func (m *Manager) Send(ctx context.Context, phone, message string) (Receipt, error) {
	m.mu.Lock()
	if m.state != StateReady || m.driver == nil {
		m.mu.Unlock()
		return Receipt{}, ErrNotReady
	}
	d := m.driver
	m.mu.Unlock()

	r, err := d.Send(ctx, phone, message)
	if err != nil {
		return Receipt{}, AsSendError(err)
	}
	return r, nil
}

// CheckRegistration is a query, not a mutating action: when the session is
// not ready it degrades to (false, reason) instead of failing.
func (m *Manager) CheckRegistration(ctx context.Context, phone string) (bool, string) {
	m.mu.Lock()
	if m.state != StateReady || m.driver == nil {
		m.mu.Unlock()
		return false, "session not ready"
	}
	d := m.driver
	m.mu.Unlock()

	ok, reason, err := d.CheckRegistration(ctx, phone)
	if err != nil {
		return false, err.Error()
	}
	return ok, reason
}

// Logout is a no-op unless the session is ready. The transition to
// Disconnected happens even when the driver reports an error; the error is
// propagated without further state changes.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateReady || m.driver == nil {
		m.mu.Unlock()
		return nil
	}
	d := m.driver
	m.mu.Unlock()

	err := d.Logout(ctx)

	m.mu.Lock()
	m.artifact = nil
	m.setStateLocked(StateDisconnected, "logged out")
	m.mu.Unlock()
	m.publish(kit.EventDisconnected, "logged out")
	return err
}

// Destroy tears down the driver unconditionally. Idempotent.
func (m *Manager) Destroy(ctx context.Context) {
	m.teardownDriver(ctx)
	m.mu.Lock()
	m.artifact = nil
	m.initializing = false
	m.setStateLocked(StateDisconnected, "")
	m.mu.Unlock()
}

// State returns the full machine state (for logs/tests).
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether sends are currently possible.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// Status returns the collapsed 3-way projection: ready, qr_pending when an
// artifact is held, disconnected for everything else.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() string {
	switch {
	case m.state == StateReady:
		return StatusReady
	case len(m.artifact) > 0:
		return StatusQRPending
	default:
		return StatusDisconnected
	}
}

// Artifact returns the pending QR PNG, or nil when none is held.
func (m *Manager) Artifact() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.artifact) == 0 {
		return nil
	}
	cp := make([]byte, len(m.artifact))
	copy(cp, m.artifact)
	return cp
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
