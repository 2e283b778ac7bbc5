// Package app assembles the service: config, logging, event bus, session,
// dispatch queue, hub, storage, notifier and the HTTP surface, supervised
// as one unit.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"wablast/internal/api"
	"wablast/internal/config"
	"wablast/internal/dispatch"
	"wablast/internal/eventbus"
	"wablast/internal/hub"
	"wablast/internal/notifier"
	"wablast/internal/phone"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/session"
	"wablast/internal/sheet"
	"wablast/internal/storage"
	logx "wablast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sess  *session.Manager
	queue *dispatch.Service
	hub   *hub.Hub
	notif *notifier.Service
	api   *api.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if st, err := storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	} else if st != nil {
		store = st
		log.Info("log persistence enabled", logx.String("driver", sc.Driver))
	}

	sess := session.NewManager(
		session.NewWhatsmeowFactory(session.WhatsmeowConfig{
			StorePath:  cfg.WhatsApp.StorePath,
			DeviceName: cfg.WhatsApp.DeviceName,
			LogLevel:   cfg.WhatsApp.LogLevel,
		}, log.With(logx.String("comp", "whatsmeow"))),
		bus,
		log.With(logx.String("comp", "session")),
		session.Config{},
	)

	queue := dispatch.New(sess, store, bus, log.With(logx.String("comp", "dispatch")), dispatch.Config{})

	hubCfg, err := mapHubConfig(cfg)
	if err != nil {
		return nil, err
	}
	h := hub.New(bus, func() hub.Snapshot {
		snap := hub.Snapshot{
			SessionStatus:  sess.Status(),
			DispatchStatus: queue.Status(),
			Stats:          queue.Stats(),
		}
		if art := sess.Artifact(); len(art) > 0 {
			snap.QR = encodeArtifact(art)
		}
		return snap
	}, log.With(logx.String("comp", "hub")), hubCfg)

	var sender notifier.Sender
	if cfg.Telegram.Enabled {
		sender, err = notifier.NewTelegram(notifier.TelegramConfig{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
	}
	notif := notifier.New(notifier.Config{
		Enabled:    cfg.Telegram.Enabled,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, sender, bus, log.With(logx.String("comp", "notifier")))

	parser := sheet.NewParser(
		phone.New(cfg.Phones.DefaultRegion),
		log.With(logx.String("comp", "sheet")),
	)
	srv := api.NewServer(api.Config{
		Listen:      cfg.HTTP.Listen,
		UploadMaxMB: int64(cfg.HTTP.UploadMaxMB),
	}, sess, queue, h, parser, store, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		sess:  sess,
		queue: queue,
		hub:   h,
		notif: notif,
		api:   srv,
	}, nil
}

// Done is closed when the supervised run context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if err := a.hub.Start(runCtx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	a.notif.Start(runCtx)
	if err := a.api.Start(runCtx); err != nil {
		return fmt.Errorf("start http: %w", err)
	}

	// Connect at boot; pairing progress flows to observers as events.
	a.sess.Initialize(runCtx)

	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c) })
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.startWatchdog(runCtx)
	}

	a.log.Info("app started")
	return nil
}

// startWatchdog pings systemd at half the configured watchdog interval.
func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// reloadLoop applies hot-reloadable settings: logging only. Everything
// else (listen address, storage driver, session store) needs a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("config reloaded")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.sup.Cancel()

	// Bound each step so one stuck component can't stall shutdown.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { return a.api.Stop(c) })
	step("dispatch", 2*time.Second, func(c context.Context) error {
		if err := a.queue.Cancel(); err != nil && err != dispatch.ErrNotRunning {
			return err
		}
		return nil
	})
	step("session", 3*time.Second, func(c context.Context) error { a.sess.Destroy(c); return nil })
	step("hub", time.Second, func(c context.Context) error { a.hub.Stop(); return nil })
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
