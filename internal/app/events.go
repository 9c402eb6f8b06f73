package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"introbroker/internal/auth"
	"introbroker/internal/notify"
	"introbroker/internal/workflow"
)

// handleEvents serves the push stream. EventSource cannot set headers, so the
// token may also come as the access_token query parameter.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}
	// the server write timeout would otherwise cut long-lived streams
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := s.service.OpenStream(session)
	defer stream.Close()

	if err := writeFrame(w, notify.Event{Type: workflow.EventConnected, Timestamp: time.Now().UTC()}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.service.Keepalive())
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeFrame(w, notify.Event{Type: workflow.EventKeepalive, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			if err := writeFrame(w, event); err != nil {
				log.Printf("push stream write failed user=%s: %v", session.UserID, err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, event notify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
