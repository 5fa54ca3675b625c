package events

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandler_IngestDetection(t *testing.T) {
	sink := NewMemorySink()
	p, buffer, _ := newTestPipeline(sink)
	h := NewHandler(p, testLogger())

	body, _ := json.Marshal(map[string]any{
		"session_id":         "s1",
		"type":               "approach",
		"payload":            map[string]any{"confidence": 0.9},
		"media_timestamp_ms": 42000,
	})
	req := httptest.NewRequest(http.MethodPost, "/detections", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.IngestDetection(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if buffer.Pending() != 1 {
		t.Errorf("pending = %d, want 1", buffer.Pending())
	}
}

func TestHandler_IngestRejectsMissingType(t *testing.T) {
	sink := NewMemorySink()
	p, _, _ := newTestPipeline(sink)
	h := NewHandler(p, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/detections", bytes.NewReader([]byte(`{"session_id":"s1"}`)))
	rec := httptest.NewRecorder()
	h.IngestDetection(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_IngestRejectsBadJSON(t *testing.T) {
	sink := NewMemorySink()
	p, _, _ := newTestPipeline(sink)
	h := NewHandler(p, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/detections", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.IngestDetection(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
