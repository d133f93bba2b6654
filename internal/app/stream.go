package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents serves the change-event stream. Each connected client gets its
// own subscription; the subscription is always released when the connection
// goes away, whatever the exit path.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}
	if s.service.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "LISTENER_UNAVAILABLE", "Event stream unavailable", nil)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.service.broadcaster.Subscribe()
	defer s.service.broadcaster.Unsubscribe(sub)

	keepalive := s.service.cfg.KeepaliveEvery
	if keepalive <= 0 {
		keepalive = 25 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case message, open := <-sub.Errors():
			if !open {
				return
			}
			payload, err := json.Marshal(map[string]string{"message": message})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
