package storage

import (
	"encoding/json"
	"strings"
	"testing"

	"reprorun/internal/engine"
	"reprorun/internal/policy"
)

func TestRecordOf(t *testing.T) {
	res := &engine.ExecutionResult{
		RequestID:         "req-1",
		OK:                false,
		ExitCode:          124,
		TerminationReason: "timeout",
		Stdout:            "captured output that must not be audited",
		RequestDigest:     strings.Repeat("a", 64),
		ResultDigest:      strings.Repeat("b", 64),
		State:             engine.StateReady,
		SchedulerMode:     policy.SchedulerRepro,
		CompatDegraded:    true,
		DurationMS:        42,
	}

	rec := RecordOf(res)
	if rec.RequestID != "req-1" || rec.ResultDigest != res.ResultDigest {
		t.Errorf("record = %+v, identity fields not carried over", rec)
	}
	if rec.ExitCode != 124 || rec.TerminationReason != "timeout" {
		t.Error("status fields not carried over")
	}
	if !rec.CompatDegraded {
		t.Error("CompatDegraded not carried over")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	// The audit record is digests and status only. Captured output and
	// anything environment-shaped must never serialize into it.
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "captured output") {
		t.Error("audit record leaks captured output")
	}
	for _, banned := range []string{"stdout\":", "env", "allowed_keys"} {
		if strings.Contains(string(raw), `"`+banned) {
			t.Errorf("audit record contains field %q", banned)
		}
	}
}
