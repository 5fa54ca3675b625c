package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSQLiteSink_AppendBatchAndArtifact(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenSQLiteSink(ctx, filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close()

	media := int64(42000)
	batch := []Event{
		{ID: uuid.NewString(), SessionID: "s1", Timestamp: time.Now(), Type: "approach"},
		{
			ID: uuid.NewString(), SessionID: "s1", Timestamp: time.Now(),
			Type: "return_with_object", Payload: json.RawMessage(`{"object":"ball"}`),
			MediaTimestampMs: &media,
		},
	}
	if err := sink.AppendBatch(ctx, batch); err != nil {
		t.Fatalf("append batch: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 2 {
		t.Errorf("events stored = %d, want 2", count)
	}

	// Re-appending the same batch is idempotent.
	if err := sink.AppendBatch(ctx, batch); err != nil {
		t.Fatalf("re-append batch: %v", err)
	}
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		t.Fatalf("recount events: %v", err)
	}
	if count != 2 {
		t.Errorf("events after duplicate append = %d, want 2", count)
	}

	req := ArtifactRequest{
		ID: uuid.NewString(), Reason: "fetch sequence detected",
		Label: "fetch clip", Anchor: time.Now(), DurationMs: 10000,
	}
	if err := sink.AppendArtifactRequest(ctx, req); err != nil {
		t.Fatalf("append artifact: %v", err)
	}
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifact_requests").Scan(&count); err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	if count != 1 {
		t.Errorf("artifact requests stored = %d, want 1", count)
	}
}

func TestSQLiteSink_EmptyBatchIsNoop(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenSQLiteSink(ctx, filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close()

	if err := sink.AppendBatch(ctx, nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}
