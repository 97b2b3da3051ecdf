package engine

import (
	"sync"
	"time"

	"reprorun/internal/canonical"
	"reprorun/internal/digest"
	"reprorun/internal/policy"
)

// TraceEvent is one step in an execution transcript. Data carries key names
// and counts only; raw environment values must never enter a trace because
// traces are digested, persisted, and replayed.
type TraceEvent struct {
	Seq  uint64            `json:"seq"`
	TNS  int64             `json:"t_ns"`
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// Recorder accumulates trace events for one request. Under fixed_zero time
// mode every timestamp is zero so the transcript bytes are identical across
// runs; under monotonic mode t_ns is nanoseconds since the recorder started.
type Recorder struct {
	mu        sync.Mutex
	events    []TraceEvent
	seq       uint64
	start     time.Time
	fixedZero bool
}

// NewRecorder creates a Recorder for the given policy time mode.
func NewRecorder(timeMode string) *Recorder {
	return &Recorder{
		start:     time.Now(),
		fixedZero: timeMode != policy.TimeMonotonic,
	}
}

// Record appends one event.
func (r *Recorder) Record(typ string, data map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tns int64
	if !r.fixedZero {
		tns = time.Since(r.start).Nanoseconds()
	}
	r.events = append(r.events, TraceEvent{Seq: r.seq, TNS: tns, Type: typ, Data: data})
	r.seq++
}

// Events returns a copy of the transcript so far.
func (r *Recorder) Events() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Digest returns the digest of the canonical transcript bytes.
func (r *Recorder) Digest(eng *digest.Engine) (string, error) {
	return TraceDigest(eng, r.Events())
}

// TraceDigest digests an event list in its canonical serialization. Replay
// uses this on recorded transcripts; the recorder uses it on live ones, so
// the two can never disagree on formatting.
func TraceDigest(eng *digest.Engine, events []TraceEvent) (string, error) {
	if events == nil {
		events = []TraceEvent{}
	}
	b, err := canonical.Marshal(events)
	if err != nil {
		return "", err
	}
	return eng.SumBytes(b), nil
}
