package engine

import (
	"testing"

	"reprorun/internal/policy"
)

func TestRecorder_FixedZero(t *testing.T) {
	rec := NewRecorder(policy.TimeFixedZero)
	rec.Record("received", nil)
	rec.Record("validated", map[string]string{"request_digest": "abc"})

	events := rec.Events()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i) {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, i)
		}
		if ev.TNS != 0 {
			t.Errorf("events[%d].TNS = %d, want 0 under fixed_zero", i, ev.TNS)
		}
	}
}

func TestRecorder_FixedZeroDigestIsReproducible(t *testing.T) {
	eng := testEngine(t)

	mk := func() string {
		rec := NewRecorder(policy.TimeFixedZero)
		rec.Record("received", nil)
		rec.Record("captured", map[string]string{"exit_code": "0"})
		dg, err := rec.Digest(eng)
		if err != nil {
			t.Fatalf("Digest() error = %v", err)
		}
		return dg
	}

	first := mk()
	for i := 0; i < 10; i++ {
		if got := mk(); got != first {
			t.Fatalf("fixed-zero trace digest diverged on iteration %d", i)
		}
	}
}

func TestRecorder_MonotonicTimestamps(t *testing.T) {
	rec := NewRecorder(policy.TimeMonotonic)
	rec.Record("a", nil)
	rec.Record("b", nil)

	events := rec.Events()
	if events[1].TNS < events[0].TNS {
		t.Errorf("timestamps not monotonic: %d then %d", events[0].TNS, events[1].TNS)
	}
}

func TestTraceDigest_NilAndEmptyAgree(t *testing.T) {
	eng := testEngine(t)

	nilDg, err := TraceDigest(eng, nil)
	if err != nil {
		t.Fatal(err)
	}
	emptyDg, err := TraceDigest(eng, []TraceEvent{})
	if err != nil {
		t.Fatal(err)
	}
	if nilDg != emptyDg {
		t.Error("nil and empty transcripts digest differently")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeNone},
		{"replay", ErrReplayMismatch, CodeReplayMismatch},
		{"drift", ErrDriftDetected, CodeDriftDetected},
		{"invalid request", ErrInvalidRequest, CodeInvalidRequest},
		{"proof", ErrProofInvalid, CodeReplayMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}
