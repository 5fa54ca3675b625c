package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	// maxDispense bounds the dispenser run duration.
	maxDispense = 10 * time.Second
	// maxSpeakLen bounds the speak text length.
	maxSpeakLen = 240
	// actionCallTimeout bounds the fire-and-forget adapter calls.
	actionCallTimeout = 5 * time.Second
)

// Handler exposes the command HTTP endpoints using go-chi. Accept/busy
// counters are recorded by the Orchestrator itself.
type Handler struct {
	orch *Orchestrator
	log  *slog.Logger
}

// NewHandler returns a Handler that uses the given Orchestrator and Logger.
func NewHandler(orch *Orchestrator, log *slog.Logger) *Handler {
	return &Handler{orch: orch, log: log}
}

type acceptRequest struct {
	Kind Kind `json:"kind"`
}

type acceptResponse struct {
	RequestID string `json:"request_id"`
}

// Accept handles POST /commands. Body: { "kind": "fetch" }.
// Responds 202 with the request identifier, 409 when another command is
// executing, or 400 for an unknown kind.
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid command body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	requestID, err := h.orch.Accept(req.Kind)
	if err != nil {
		switch {
		case errors.Is(err, ErrBusy):
			h.log.Info("command rejected busy", slog.String("kind", string(req.Kind)))
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrInvalidKind):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("accept failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, acceptResponse{RequestID: requestID})
}

// Status handles GET /commands/{request_id}/status. The snapshot carries
// exactly the fields a push notification carries.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "missing request_id")
		return
	}

	snap, err := h.orch.Store().Snapshot(requestID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown request_id")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

type dispenseRequest struct {
	DurationMs int64 `json:"duration_ms"`
}

// Dispense handles POST /actions/dispense. Body: { "duration_ms": 500 }.
func (h *Handler) Dispense(w http.ResponseWriter, r *http.Request) {
	var req dispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d := time.Duration(req.DurationMs) * time.Millisecond
	if d <= 0 || d > maxDispense {
		writeError(w, http.StatusBadRequest, "duration_ms out of range")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), actionCallTimeout)
		defer cancel()
		if err := h.orch.Dispense(ctx, d); err != nil {
			h.log.Error("dispense failed", slog.String("error", err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

type speakRequest struct {
	Text string `json:"text"`
}

// Speak handles POST /actions/speak. Body: { "text": "good dog" }.
func (h *Handler) Speak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" || len(req.Text) > maxSpeakLen {
		writeError(w, http.StatusBadRequest, "text empty or too long")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), actionCallTimeout)
		defer cancel()
		if err := h.orch.Speak(ctx, req.Text); err != nil {
			h.log.Error("speak failed", slog.String("error", err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
