package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.Name != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	return events
}

func newTestSession(t *testing.T, keepalive time.Duration) (*streamSession, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest("POST", "/api/analyses", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	sess, err := newStreamSession(c, keepalive)
	if err != nil {
		t.Fatalf("newStreamSession: %v", err)
	}
	return sess, rec
}

func TestStreamSessionFrameFormat(t *testing.T) {
	sess, rec := newTestSession(t, time.Minute)
	defer sess.Close()

	if err := sess.emit("start", map[string]string{"analysis_id": "an-1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: start\n") {
		t.Fatalf("missing event line: %q", body)
	}
	if !strings.Contains(body, `data: {"analysis_id":"an-1"}`+"\n\n") {
		t.Fatalf("missing data frame: %q", body)
	}
}

func TestStreamSessionDoneIsTerminal(t *testing.T) {
	sess, rec := newTestSession(t, time.Minute)
	defer sess.Close()

	if err := sess.emit("done", map[string]string{"analysis_id": "an-1"}); err != nil {
		t.Fatalf("emit done: %v", err)
	}
	if err := sess.emit("progress", map[string]string{"message": "late"}); err == nil {
		t.Fatalf("expected emit after done to fail")
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) != 1 || events[0].Name != "done" {
		t.Fatalf("expected exactly the done event, got %v", events)
	}
}

func TestStreamSessionAdvanceNeverMovesBackward(t *testing.T) {
	sess, _ := newTestSession(t, time.Minute)
	defer sess.Close()

	sess.advance(sessionPersisted)
	sess.advance(sessionFanningOut)
	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()
	if state != sessionPersisted {
		t.Fatalf("state moved backward: %v", state)
	}
}

func TestStreamSessionKeepalivePings(t *testing.T) {
	sess, rec := newTestSession(t, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	sess.Close() // waits for the keepalive goroutine, safe to read after

	events := parseSSE(t, rec.Body.String())
	var pings int
	for _, ev := range events {
		if ev.Name == "ping" {
			pings++
		}
	}
	if pings == 0 {
		t.Fatalf("expected at least one ping, got events %v", events)
	}
}

func TestStreamSessionCloseStopsKeepalive(t *testing.T) {
	sess, rec := newTestSession(t, 5*time.Millisecond)
	sess.Close()
	sess.Close() // idempotent

	settled := rec.Body.String()
	time.Sleep(30 * time.Millisecond)
	if rec.Body.String() != settled {
		t.Fatalf("keepalive kept writing after Close")
	}
}
