// Package api exposes the control surface over HTTP: session lifecycle,
// spreadsheet upload, batch control, history, and an SSE event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"wablast/internal/dispatch"
	"wablast/internal/hub"
	"wablast/internal/kit"
	"wablast/internal/session"
	"wablast/internal/sheet"
	"wablast/internal/storage"
	logx "wablast/pkg/logx"
)

type Config struct {
	Listen      string
	UploadMaxMB int64
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.UploadMaxMB <= 0 {
		c.UploadMaxMB = 10
	}
	return c
}

// Server wires the service components to their HTTP routes.
type Server struct {
	cfg    Config
	log    logx.Logger
	sess   *session.Manager
	queue  *dispatch.Service
	hub    *hub.Hub
	parser *sheet.Parser
	store  storage.Store

	// base outlives individual requests; session initialize and batch
	// work must not die with the request that triggered them.
	base context.Context

	mu         sync.Mutex
	staged     []kit.MessageRow
	stagedName string
	skipped    []sheet.Issue

	srv *http.Server
}

func NewServer(
	cfg Config,
	sess *session.Manager,
	queue *dispatch.Service,
	h *hub.Hub,
	parser *sheet.Parser,
	store storage.Store,
	log logx.Logger,
) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:    cfg.withDefaults(),
		log:    log,
		sess:   sess,
		queue:  queue,
		hub:    h,
		parser: parser,
		store:  store,
		base:   context.Background(),
	}
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(s.log))
	r.Use(Recovery(s.log))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/logout", s.handleLogout)
		})
		r.Get("/status", s.handleStatus)
		r.Get("/qr", s.handleQR)
		r.Post("/upload", s.handleUpload)
		r.Route("/batch", func(r chi.Router) {
			r.Post("/start", s.handleBatchStart)
			r.Post("/pause", s.handleBatchPause)
			r.Post("/resume", s.handleBatchResume)
			r.Post("/cancel", s.handleBatchCancel)
		})
		r.Get("/log", s.handleLogList)
		r.Delete("/log", s.handleLogClear)
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// Start begins listening. The given ctx becomes the base context for
// background work started from handlers.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	s.srv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Catch immediate bind failures.
	select {
	case err := <-errCh:
		return err
	case <-time.After(150 * time.Millisecond):
	}
	s.log.Info("http listening", logx.String("addr", s.cfg.Listen))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Staged returns the rows from the last upload.
func (s *Server) Staged() ([]kit.MessageRow, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged, s.stagedName
}
