package hub

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"robot-orchestrator/internal/command"
)

func TestSSEHandler_StreamsStatusNotifications(t *testing.T) {
	h := New(testLogger(), nil)
	defer h.Close()
	sse := NewSSEHandler(h, testLogger())

	srv := httptest.NewServer(sse)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/commands/events")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	readLine := func() string {
		t.Helper()
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatal("stream closed early")
			}
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream line")
			return ""
		}
	}

	if l := readLine(); l != "event: connected" {
		t.Fatalf("first line = %q, want connected event", l)
	}
	// Skip the connected data and the blank separator.
	readLine()
	readLine()

	// Publish once the subscriber is registered.
	deadline := time.Now().Add(time.Second)
	for h.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.PublishStatus(command.Snapshot{
		RequestID: "r1",
		State:     command.StateExecuting,
		Phase:     "detect",
	})

	if l := readLine(); l != "event: status" {
		t.Fatalf("expected status event, got %q", l)
	}
	data := readLine()
	if !strings.HasPrefix(data, "data: ") || !strings.Contains(data, `"detect"`) {
		t.Errorf("unexpected data line %q", data)
	}
}
