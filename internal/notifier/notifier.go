// Package notifier pushes operator notifications for batch lifecycle and
// session failures. Delivery is best-effort: a lost notification never
// affects dispatch.
package notifier

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"wablast/internal/eventbus"
	"wablast/internal/kit"
	logx "wablast/pkg/logx"
)

// Sender delivers one operator message.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	Enabled    bool
	QueueSize  int
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	return c
}

// Service watches the event bus and forwards high-signal transitions to
// the operator channel through a queue and rate limiter.
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	sender  Sender
	limiter *rate.Limiter

	queue chan string
	unsub func()

	lastStats kit.Stats
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan string, cfg.QueueSize),
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled && s.sender != nil }

// Start begins watching the bus. It is a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub

	go s.watch(ctx, ch)
	go s.worker(ctx)
}

func (s *Service) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
}

func (s *Service) watch(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if text := s.render(ev); text != "" {
				s.enqueue(text)
			}
		}
	}
}

// render maps a bus event to operator text; empty means not noteworthy.
func (s *Service) render(ev eventbus.Event) string {
	switch ev.Type {
	case kit.EventStatsUpdate:
		if stats, ok := ev.Data.(kit.Stats); ok {
			s.lastStats = stats
		}
		return ""
	case kit.EventStatusUpdate:
		su, ok := ev.Data.(kit.StatusUpdate)
		if !ok {
			return ""
		}
		switch su.Status {
		case "batch_started":
			return fmt.Sprintf("Batch started: %d messages queued.", s.lastStats.Total)
		case "cancelled":
			return fmt.Sprintf("Batch cancelled: %d sent, %d failed, %d unsent.",
				s.lastStats.Sent, s.lastStats.Failed, s.lastStats.Remaining)
		case "idle":
			if s.lastStats.Total == 0 {
				return ""
			}
			return fmt.Sprintf("Batch finished: %d sent, %d failed of %d.",
				s.lastStats.Sent, s.lastStats.Failed, s.lastStats.Total)
		case "error":
			if su.Error != "" {
				return "Session error: " + su.Error
			}
			return "Session entered error state."
		case "disconnected":
			return "WhatsApp session disconnected."
		}
		return ""
	case kit.EventAuthFailure:
		return "WhatsApp authentication failed; re-pairing required."
	case kit.EventConnectionFailed:
		return "WhatsApp connection failed after all attempts."
	default:
		return ""
	}
}

func (s *Service) enqueue(text string) {
	select {
	case s.queue <- text:
	default:
		s.log.Warn("notification dropped", logx.String("text", text))
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.sender.SendText(sctx, text)
			cancel()
			if err != nil {
				s.log.Warn("notification send failed", logx.Err(err))
				continue
			}
			s.log.Debug("notification sent", logx.String("text", text))
		}
	}
}
