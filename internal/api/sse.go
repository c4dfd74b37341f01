// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	// heartbeatInterval keeps idle streams alive through proxies and lets
	// dead client detection fire between events.
	heartbeatInterval = 30 * time.Second

	// sseWriteTimeout bounds each individual write so one dead client
	// cannot pin the handler.
	sseWriteTimeout = 10 * time.Second
)

// sseWriter emits Server-Sent Events on an HTTP response. Every write gets
// a fresh deadline and an explicit flush.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// newSSEWriter switches the response into event-stream mode and sends the
// headers immediately so clients observe the stream before the first event.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &sseWriter{w: w, rc: http.NewResponseController(w)}
	_ = s.rc.Flush()
	return s
}

// send writes one named event with a JSON payload.
func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	// Deadline support is best effort; test recorders do not implement it.
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// comment writes an SSE comment line. EventSource clients ignore it; it
// exists to probe the connection.
func (s *sseWriter) comment(text string) error {
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}
