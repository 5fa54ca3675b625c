package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureNotifier) PublishEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureNotifier) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestPipeline(sink Sink) (*Pipeline, *Buffer, *captureNotifier) {
	notify := &captureNotifier{}
	buffer := NewBuffer(sink, time.Hour, testLogger(), nil)
	matcher := NewMatcher(DefaultPatterns())
	p := NewPipeline(buffer, matcher, sink, notify, testLogger(), nil)
	return p, buffer, notify
}

func TestPipeline_IngestBuffersAndBroadcasts(t *testing.T) {
	sink := NewMemorySink()
	p, buffer, notify := newTestPipeline(sink)

	ev := p.Ingest(context.Background(), "s1", "bark", json.RawMessage(`{"volume":3}`), nil)
	if ev.ID == "" {
		t.Error("expected a generated event id")
	}
	if buffer.Pending() != 1 {
		t.Errorf("pending = %d, want 1", buffer.Pending())
	}
	if got := notify.all(); len(got) != 1 || got[0].Type != "bark" {
		t.Errorf("broadcast = %v, want one bark event", got)
	}
	// Batched, not written per-event.
	if len(sink.Events()) != 0 {
		t.Errorf("event written outside batch flush")
	}
}

func TestPipeline_SequenceEmitsArtifactAndDerivedEvent(t *testing.T) {
	sink := NewMemorySink()
	p, buffer, notify := newTestPipeline(sink)

	base := time.Now()
	times := []time.Time{base, base.Add(4 * time.Second)}
	i := 0
	p.now = func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}

	p.Ingest(context.Background(), "s1", "approach", nil, nil)
	p.Ingest(context.Background(), "s1", "return_with_object", nil, nil)

	artifacts := sink.Artifacts()
	if len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact request, got %d", len(artifacts))
	}
	a := artifacts[0]
	if !a.Anchor.Equal(base) {
		t.Errorf("anchor = %v, want %v", a.Anchor, base)
	}
	if a.DurationMs < 8000 || a.DurationMs > 12000 {
		t.Errorf("duration %dms outside [8000,12000]ms", a.DurationMs)
	}

	// The derived event is buffered and broadcast alongside the raw ones.
	var derived int
	for _, ev := range notify.all() {
		if ev.Type == EventTypeArtifactRequested {
			derived++
		}
	}
	if derived != 1 {
		t.Errorf("expected 1 derived event broadcast, got %d", derived)
	}
	if buffer.Pending() != 3 {
		t.Errorf("pending = %d, want 3 (two raw + one derived)", buffer.Pending())
	}
}

func TestPipeline_LateSequenceEmitsNothing(t *testing.T) {
	sink := NewMemorySink()
	p, _, _ := newTestPipeline(sink)

	base := time.Now()
	times := []time.Time{base, base.Add(15 * time.Second)}
	i := 0
	p.now = func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}

	p.Ingest(context.Background(), "s1", "approach", nil, nil)
	p.Ingest(context.Background(), "s1", "return_with_object", nil, nil)

	if got := len(sink.Artifacts()); got != 0 {
		t.Errorf("expected no artifact outside the window, got %d", got)
	}
}
