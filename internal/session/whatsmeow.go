package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	logx "wablast/pkg/logx"
)

// WhatsmeowConfig configures the real WhatsApp driver.
type WhatsmeowConfig struct {
	// StorePath is the whatsmeow device-store SQLite file. The store
	// survives driver teardown so a re-initialize reuses the pairing.
	StorePath string
	// DeviceName appears in the phone's linked-devices list.
	DeviceName string
	// LogLevel for whatsmeow's own logger (DEBUG/INFO/WARN/ERROR).
	LogLevel string
}

// NewWhatsmeowFactory returns a Factory producing whatsmeow-backed drivers.
func NewWhatsmeowFactory(cfg WhatsmeowConfig, log logx.Logger) Factory {
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = "wablast"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "WARN"
	}
	return func(ctx context.Context) (Driver, error) {
		return newWhatsmeowDriver(ctx, cfg, log)
	}
}

type whatsmeowDriver struct {
	cfg WhatsmeowConfig
	log logx.Logger

	client    *whatsmeow.Client
	container *sqlstore.Container
	handlerID uint32

	mu        sync.Mutex
	destroyed bool
	events    chan Event
}

func newWhatsmeowDriver(ctx context.Context, cfg WhatsmeowConfig, log logx.Logger) (*whatsmeowDriver, error) {
	path := strings.TrimSpace(cfg.StorePath)
	if path == "" {
		path = "./data/wablast.db"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	store.SetOSInfo(cfg.DeviceName, store.GetWAVersion())

	wlog := waLog.Stdout("whatsmeow", cfg.LogLevel, false)
	container, err := sqlstore.New(ctx, "sqlite",
		"file:"+path+"?_pragma=foreign_keys(1)&_journal_mode=WAL&_busy_timeout=10000", wlog)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	d := &whatsmeowDriver{
		cfg:       cfg,
		log:       log,
		client:    whatsmeow.NewClient(device, wlog),
		container: container,
		events:    make(chan Event, 16),
	}
	d.handlerID = d.client.AddEventHandler(d.handleEvent)
	return d, nil
}

func (d *whatsmeowDriver) Events() <-chan Event { return d.events }

// Initialize connects the websocket. When no pairing exists yet it opens
// the QR channel first and streams pairing codes as EventQR artifacts.
func (d *whatsmeowDriver) Initialize(ctx context.Context) error {
	if d.client.Store.ID != nil {
		// Existing pairing: plain reconnect.
		return d.client.Connect()
	}

	qrChan, err := d.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := d.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go func() {
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				png, err := qrcode.Encode(evt.Code, qrcode.Medium, 256)
				if err != nil {
					d.log.Warn("qr render failed", logx.Err(err))
					continue
				}
				d.emit(Event{Kind: EventQR, Artifact: png})
			case "success":
				// PairSuccess arrives through the main event handler.
			case "timeout":
				d.emit(Event{Kind: EventDisconnected, Reason: "pairing timed out"})
			default:
				d.log.Debug("qr channel event", logx.String("event", evt.Event))
			}
		}
	}()
	return nil
}

func (d *whatsmeowDriver) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		d.emit(Event{Kind: EventAuthenticated})
	case *events.Connected:
		d.emit(Event{Kind: EventReady})
	case *events.LoggedOut:
		d.emit(Event{Kind: EventAuthFailure, Reason: fmt.Sprintf("logged out by server (%s)", v.Reason)})
	case *events.StreamReplaced:
		d.emit(Event{Kind: EventDisconnected, Reason: "stream replaced by another session"})
	case *events.Disconnected:
		d.emit(Event{Kind: EventDisconnected, Reason: "connection closed"})
	case *events.TemporaryBan:
		d.emit(Event{Kind: EventDriverError, Reason: v.String(), Fatal: true})
	case *events.ConnectFailure:
		d.emit(Event{Kind: EventDriverError, Reason: fmt.Sprintf("connect failure: %v", v.Reason), Fatal: true})
	}
}

func (d *whatsmeowDriver) emit(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	select {
	case d.events <- ev:
	default:
		// Manager is the only consumer; if it stalls we keep the newest
		// state-bearing events flowing by dropping this one.
		d.log.Warn("driver event dropped", logx.String("kind", string(ev.Kind)))
	}
}

func (d *whatsmeowDriver) Send(ctx context.Context, phone, message string) (Receipt, error) {
	jid := types.NewJID(phone, types.DefaultUserServer)
	resp, err := d.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(message),
	})
	if err != nil {
		return Receipt{}, classifySendErr(err)
	}
	at := resp.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return Receipt{MessageID: resp.ID, At: at}, nil
}

func classifySendErr(err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected),
		errors.Is(err, whatsmeow.ErrNotLoggedIn),
		errors.Is(err, whatsmeow.ErrIQTimedOut),
		errors.Is(err, whatsmeow.ErrMessageTimedOut):
		return &SendError{Kind: FailureTransport, Err: err}
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "rate-overlimit"), strings.Contains(text, "429"):
		return &SendError{Kind: FailureRateLimited, Err: err}
	case strings.Contains(text, "item-not-found"), strings.Contains(text, "not on whatsapp"):
		return &SendError{Kind: FailureUnregistered, Err: err}
	default:
		return &SendError{Kind: FailureTransport, Err: err}
	}
}

func (d *whatsmeowDriver) CheckRegistration(ctx context.Context, phone string) (bool, string, error) {
	resp, err := d.client.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		return false, "", fmt.Errorf("registration lookup: %w", err)
	}
	if len(resp) == 0 {
		return false, "no lookup result", nil
	}
	if !resp[0].IsIn {
		return false, "not registered on whatsapp", nil
	}
	return true, "", nil
}

func (d *whatsmeowDriver) Logout(ctx context.Context) error {
	return d.client.Logout(ctx)
}

func (d *whatsmeowDriver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	d.mu.Unlock()

	d.client.RemoveEventHandler(d.handlerID)
	d.client.Disconnect()
	err := d.container.Close()
	close(d.events)
	return err
}
