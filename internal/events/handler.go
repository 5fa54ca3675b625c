package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler exposes the detection ingest endpoint.
type Handler struct {
	pipeline *Pipeline
	log      *slog.Logger
}

// NewHandler returns a Handler feeding the given pipeline.
func NewHandler(pipeline *Pipeline, log *slog.Logger) *Handler {
	return &Handler{pipeline: pipeline, log: log}
}

type ingestRequest struct {
	SessionID        string          `json:"session_id"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	MediaTimestampMs *int64          `json:"media_timestamp_ms"`
}

// IngestDetection handles POST /detections.
// Body: { "session_id": "s1", "type": "approach", "payload": {...} }.
func (h *Handler) IngestDetection(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid detection body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ev := h.pipeline.Ingest(r.Context(), req.SessionID, req.Type, req.Payload, req.MediaTimestampMs)

	h.log.Debug("detection ingested",
		slog.String("event_id", ev.ID),
		slog.String("type", ev.Type))
	w.WriteHeader(http.StatusAccepted)
}
