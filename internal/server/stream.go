package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// sessionState tracks where a streaming session is in its lifecycle. States
// only move forward; done is terminal and no semantic event may follow it.
type sessionState int

const (
	sessionStarted sessionState = iota
	sessionFanningOut
	sessionPersisted
	sessionSynthesizing
	sessionDone
)

// streamSession owns one Server-Sent Events response. All writes go through
// emit, which serialises frames under a mutex so the keep-alive goroutine and
// the pipeline never interleave partial frames on the wire.
type streamSession struct {
	mu      sync.Mutex
	resp    *echo.Response
	flusher http.Flusher
	state   sessionState

	stopKeepalive chan struct{}
	keepaliveDone chan struct{}
	closeOnce     sync.Once
}

// newStreamSession prepares the SSE response headers and starts the
// keep-alive ticker. Returns an error when the underlying writer cannot
// flush, in which case nothing has been written yet and the caller may still
// respond with a plain HTTP error.
func newStreamSession(c echo.Context, keepalive time.Duration) (*streamSession, error) {
	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	s := &streamSession{
		resp:          resp,
		flusher:       flusher,
		state:         sessionStarted,
		stopKeepalive: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	go func() {
		defer close(s.keepaliveDone)
		s.keepaliveLoop(keepalive)
	}()
	return s, nil
}

// keepaliveLoop emits ping events on a fixed cadence for the whole session
// lifetime. Pings carry no semantic payload and are legal in every state
// except after done.
func (s *streamSession) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopKeepalive:
			return
		case <-ticker.C:
			if err := s.emit("ping", map[string]interface{}{"timestamp": time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

// advance moves the session forward. Backward transitions are ignored so
// out-of-order callers cannot resurrect a finished session.
func (s *streamSession) advance(to sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to > s.state {
		s.state = to
	}
}

// emit writes one "event: <tag>\ndata: <json>\n\n" frame and flushes it.
// After done only the frame-level failure error is returned; nothing is
// written. A write error usually means the client went away; callers treat
// it as advisory because workers run to completion regardless.
func (s *streamSession) emit(event string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == sessionDone {
		return fmt.Errorf("session closed")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := s.resp.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := s.resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	if event == "done" {
		s.state = sessionDone
	}
	return nil
}

// Close stops the keep-alive ticker, waits for it to drain and marks the
// session terminal. Safe to call more than once; deferred on every exit path
// of the handler.
func (s *streamSession) Close() {
	s.closeOnce.Do(func() {
		close(s.stopKeepalive)
	})
	<-s.keepaliveDone
	s.mu.Lock()
	s.state = sessionDone
	s.mu.Unlock()
}
