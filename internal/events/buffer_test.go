package events

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent(typ string) Event {
	return Event{ID: uuid.NewString(), SessionID: "s1", Timestamp: time.Now(), Type: typ}
}

func TestBuffer_FlushWritesBatch(t *testing.T) {
	sink := NewMemorySink()
	b := NewBuffer(sink, time.Hour, testLogger(), nil)

	b.Add(testEvent("approach"))
	b.Add(testEvent("consume"))
	if got := b.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	b.Flush(context.Background())

	if got := b.Pending(); got != 0 {
		t.Errorf("pending after flush = %d, want 0", got)
	}
	if got := len(sink.Events()); got != 2 {
		t.Errorf("sink has %d events, want 2", got)
	}
}

func TestBuffer_EmptyFlushSkipsSink(t *testing.T) {
	sink := &failingSink{err: errors.New("down")}
	b := NewBuffer(sink, time.Hour, testLogger(), nil)
	// Must not report an error for a no-op flush.
	b.Flush(context.Background())
	if sink.batches != 0 {
		t.Errorf("empty flush hit the sink %d times", sink.batches)
	}
}

type failingSink struct {
	err     error
	batches int
}

func (f *failingSink) AppendBatch(ctx context.Context, evs []Event) error {
	f.batches++
	return f.err
}

func (f *failingSink) AppendArtifactRequest(ctx context.Context, req ArtifactRequest) error {
	return f.err
}

func TestBuffer_FailedFlushRetainsBatch(t *testing.T) {
	sink := &failingSink{err: errors.New("disk full")}
	b := NewBuffer(sink, time.Hour, testLogger(), nil)

	b.Add(testEvent("approach"))
	b.Flush(context.Background())

	if got := b.Pending(); got != 1 {
		t.Errorf("pending after failed flush = %d, want 1 (batch retained)", got)
	}

	// Once the sink recovers the retained batch goes through.
	sink.err = nil
	b.Flush(context.Background())
	if got := b.Pending(); got != 0 {
		t.Errorf("pending after recovery = %d, want 0", got)
	}
}

func TestBuffer_RunFlushesOnInterval(t *testing.T) {
	sink := NewMemorySink()
	b := NewBuffer(sink, 10*time.Millisecond, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	b.Add(testEvent("approach"))

	deadline := time.Now().Add(time.Second)
	for len(sink.Events()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("interval flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}

func TestBuffer_FinalFlushOnShutdown(t *testing.T) {
	sink := NewMemorySink()
	b := NewBuffer(sink, time.Hour, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Add(testEvent("approach"))
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := len(sink.Events()); got != 1 {
		t.Errorf("final flush wrote %d events, want 1", got)
	}
}
