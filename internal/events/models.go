package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one durable, append-only record derived from an AI detection or
// emitted by the sequence matcher. Events are never mutated after creation.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	// MediaTimestampMs anchors the event in the recorded video, when known.
	MediaTimestampMs *int64 `json:"media_timestamp_ms,omitempty"`
}

// ArtifactRequest asks the downstream media pipeline to materialize a
// bookmark or clip around an anchor timestamp.
type ArtifactRequest struct {
	ID         string    `json:"id"`
	Reason     string    `json:"reason"`
	Label      string    `json:"label"`
	Anchor     time.Time `json:"anchor"`
	DurationMs int64     `json:"duration_ms"`
}

// Sink is the durable append contract consumed by the buffer and matcher.
type Sink interface {
	AppendBatch(ctx context.Context, evs []Event) error
	AppendArtifactRequest(ctx context.Context, req ArtifactRequest) error
}

// Notifier receives every newly created event for fan-out to subscribers.
type Notifier interface {
	PublishEvent(Event)
}
