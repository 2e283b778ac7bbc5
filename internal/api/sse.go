package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"wablast/internal/eventbus"
	logx "wablast/pkg/logx"
)

const keepaliveEvery = 15 * time.Second

// handleEvents streams bus events to the client as server-sent events.
// The observer's liveness is tied to successful writes; a client that
// stops reading is evicted by the hub sweep.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch, detach := s.hub.Attach()
	defer detach()
	s.log.Debug("sse stream opened", logx.String("observer", id))

	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("sse stream closed", logx.String("observer", id))
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			s.hub.Touch(id)
		case ev, open := <-ch:
			if !open {
				// Evicted by the hub.
				s.log.Debug("sse stream evicted", logx.String("observer", id))
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			s.hub.Touch(id)
		}
	}
}

func writeSSE(w http.ResponseWriter, ev eventbus.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
