package hub

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// keepaliveInterval is how often a comment ping is written so proxies and
// browsers keep the idle connection open.
const keepaliveInterval = 30 * time.Second

// SSEHandler serves the push channel: a Server-Sent Events stream of
// status and event notifications.
type SSEHandler struct {
	hub *Hub
	log *slog.Logger
}

// NewSSEHandler returns an SSEHandler backed by the given hub.
func NewSSEHandler(h *Hub, log *slog.Logger) *SSEHandler {
	return &SSEHandler{hub: h, log: log}
}

// ServeHTTP handles GET /commands/events. An optional request_id query
// parameter narrows status notifications to one command; event
// notifications are always delivered. There is no historical replay: a
// late subscriber only sees notifications published after it connected.
func (s *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	requestID := r.URL.Query().Get("request_id")
	sub := s.hub.Subscribe(requestID)
	defer s.hub.Unsubscribe(sub)

	fmt.Fprintf(w, "event: connected\n")
	fmt.Fprintf(w, "data: {\"message\": \"connected\"}\n\n")
	flusher.Flush()

	s.log.Debug("subscriber connected", slog.String("request_id", requestID))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("subscriber disconnected", slog.String("request_id", requestID))
			return
		case n, ok := <-sub.C():
			if !ok {
				// Pruned by the hub or hub shutdown.
				return
			}
			fmt.Fprintf(w, "event: %s\n", n.Type)
			fmt.Fprintf(w, "data: %s\n\n", n.Data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
