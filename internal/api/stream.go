package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"reprorun/internal/replay"
)

// SSEWriter implements io.Writer and flushes each write as a Server-Sent Event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string
	mu      sync.Mutex
}

// NewSSEWriter creates an SSE writer for the given event type.
// Returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter, event string) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{
		w:       w,
		flusher: flusher,
		event:   event,
	}
}

// Write sends data as an SSE event and flushes immediately.
func (s *SSEWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	// SSE requires each line of a multi-line payload to have its own "data:"
	// prefix. Without this, a newline in the payload breaks the event
	// boundary and could inject fake SSE events.
	lines := strings.Split(string(p), "\n")
	fmt.Fprintf(s.w, "event: %s\n", s.event)
	for _, line := range lines {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// driftProgress is one per-run SSE payload during a streamed drift gate.
type driftProgress struct {
	Run          int    `json:"run"`
	Runs         int    `json:"runs"`
	ResultDigest string `json:"result_digest"`
}

// HandleDriftStream runs the drift gate and streams one "run" event per
// completed execution, then a "done" event with the final report. Detected
// drift is reported inside the done payload; the stream itself stays 200.
func (h *Handlers) HandleDriftStream(w http.ResponseWriter, r *http.Request) {
	var req DriftRequest
	if err := decodeStrict(r, &req); err != nil {
		writeCodedError(w, r, err)
		return
	}
	runs := req.Runs
	if runs <= 0 {
		runs = h.driftRuns
	}

	runWriter := NewSSEWriter(w, "run")
	if runWriter == nil {
		writeError(w, "streaming unsupported", "streaming_unsupported", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	progress := func(run int, resultDigest string) {
		payload, _ := json.Marshal(driftProgress{Run: run, Runs: runs, ResultDigest: resultDigest})
		_, _ = runWriter.Write(payload)
	}

	report, err := replay.DriftWithProgress(r.Context(), h.exec, req.Request, runs, h.metrics, progress)
	if err != nil {
		sendSSEError(w, err.Error())
		return
	}

	done, err := json.Marshal(DriftResponse{Report: report})
	if err != nil {
		sendSSEError(w, err.Error())
		return
	}
	sendSSEDone(w, string(done))
}

// sendSSEDone sends a completion event with the final report as JSON.
func sendSSEDone(w http.ResponseWriter, data string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

// sendSSEError sends an error event.
func sendSSEError(w http.ResponseWriter, errMsg string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", errMsg)
		flusher.Flush()
	}
}
