package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"wablast/internal/dispatch"
	"wablast/internal/kit"
	logx "wablast/pkg/logx"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"session": s.sess.Status(), "dispatch": s.queue.Status()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	started := s.sess.Initialize(s.base)
	writeOK(w, map[string]any{"started": started})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sess.Destroy(r.Context())
	writeOK(w, nil)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Logout(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"session":  s.sess.Status(),
		"dispatch": s.queue.Status(),
		"stats":    s.queue.Stats(),
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	artifact := s.sess.Artifact()
	if len(artifact) == 0 {
		writeError(w, http.StatusNotFound, "no pairing code available")
		return
	}
	writeOK(w, map[string]any{"qr": base64.StdEncoding.EncodeToString(artifact)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxMB<<20)
	if err := r.ParseMultipartForm(s.cfg.UploadMaxMB << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	res, err := s.parser.Parse(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.staged = res.Rows
	s.stagedName = header.Filename
	s.skipped = res.Skipped
	s.mu.Unlock()

	s.log.Info("spreadsheet staged",
		logx.String("file", header.Filename),
		logx.Int("rows", len(res.Rows)),
		logx.Int("targets", res.Targets()),
	)
	writeOK(w, map[string]any{
		"file":    header.Filename,
		"rows":    len(res.Rows),
		"targets": res.Targets(),
		"skipped": res.Skipped,
	})
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	staged := s.staged
	s.mu.Unlock()

	if len(staged) == 0 {
		writeError(w, http.StatusBadRequest, "no spreadsheet staged")
		return
	}

	_, err := s.queue.Launch(s.base, staged)
	if err != nil {
		writeError(w, batchErrStatus(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"targets": kit.TargetCount(staged)})
}

func (s *Server) handleBatchPause(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Pause(); err != nil {
		writeError(w, batchErrStatus(err), err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleBatchResume(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Resume(); err != nil {
		writeError(w, batchErrStatus(err), err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(); err != nil {
		writeError(w, batchErrStatus(err), err.Error())
		return
	}
	writeOK(w, nil)
}

// handleLogList serves persisted history when a store is configured,
// otherwise the in-memory log of the current batch.
func (s *Server) handleLogList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if s.store != nil {
		entries, err := s.store.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, map[string]any{"entries": emptyIfNil(entries)})
		return
	}
	writeOK(w, map[string]any{"entries": emptyIfNil(s.queue.Log())})
}

func (s *Server) handleLogClear(w http.ResponseWriter, r *http.Request) {
	s.queue.ClearLog()
	if s.store != nil {
		if err := s.store.Clear(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeOK(w, nil)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"stats": s.queue.Stats()})
}

func batchErrStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrAlreadyRunning),
		errors.Is(err, dispatch.ErrNotRunning),
		errors.Is(err, dispatch.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrSessionNotReady):
		return http.StatusPreconditionFailed
	case errors.Is(err, dispatch.ErrNoTargets):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func emptyIfNil(entries []kit.LogEntry) []kit.LogEntry {
	if entries == nil {
		return []kit.LogEntry{}
	}
	return entries
}
