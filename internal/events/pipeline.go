package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"robot-orchestrator/internal/platform/metrics"

	"github.com/google/uuid"
)

// EventTypeArtifactRequested records that a derived artifact was requested.
const EventTypeArtifactRequested = "artifact_requested"

// Pipeline turns raw detections into durable events and opportunistically
// derives bookmark/clip requests from short temporal sequences.
type Pipeline struct {
	buffer  *Buffer
	matcher *Matcher
	sink    Sink
	notify  Notifier
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPipeline wires the ingestion pipeline. Metrics may be nil.
func NewPipeline(buffer *Buffer, matcher *Matcher, sink Sink, notify Notifier, log *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		buffer:  buffer,
		matcher: matcher,
		sink:    sink,
		notify:  notify,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Ingest converts one raw detection into an Event, buffers it for the next
// batch flush, broadcasts it, and runs the sequence matcher. Matches write
// an artifact request directly (not batched) and emit a derived event.
func (p *Pipeline) Ingest(ctx context.Context, sessionID, eventType string, payload json.RawMessage, mediaTimestampMs *int64) Event {
	ev := Event{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Timestamp:        p.now(),
		Type:             eventType,
		Payload:          payload,
		MediaTimestampMs: mediaTimestampMs,
	}
	p.ingestEvent(ctx, ev)
	return ev
}

func (p *Pipeline) ingestEvent(ctx context.Context, ev Event) {
	p.buffer.Add(ev)
	if p.notify != nil {
		p.notify.PublishEvent(ev)
	}

	for _, match := range p.matcher.Observe(ev) {
		p.emitArtifact(ctx, ev.SessionID, match)
	}
}

// emitArtifact hands a matched sequence to the media pipeline and records
// a plain event noting that the artifact was requested.
func (p *Pipeline) emitArtifact(ctx context.Context, sessionID string, match Match) {
	req := ArtifactRequest{
		ID:         uuid.NewString(),
		Reason:     match.Pattern.Reason,
		Label:      match.Pattern.Label,
		Anchor:     match.Anchor,
		DurationMs: match.DurationMs,
	}
	if err := p.sink.AppendArtifactRequest(ctx, req); err != nil {
		p.log.Error("artifact request write failed",
			slog.String("pattern", match.Pattern.Name),
			slog.String("error", err.Error()))
		return
	}

	p.log.Info("artifact requested",
		slog.String("pattern", match.Pattern.Name),
		slog.String("label", req.Label),
		slog.Int64("duration_ms", req.DurationMs))
	if p.metrics != nil {
		p.metrics.IncArtifactRequests()
	}

	payload, _ := json.Marshal(map[string]any{
		"artifact_id": req.ID,
		"pattern":     match.Pattern.Name,
		"label":       req.Label,
		"duration_ms": req.DurationMs,
	})
	derived := Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Timestamp: p.now(),
		Type:      EventTypeArtifactRequested,
		Payload:   payload,
	}
	p.buffer.Add(derived)
	if p.notify != nil {
		p.notify.PublishEvent(derived)
	}
}
