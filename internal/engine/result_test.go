package engine

import (
	"strings"
	"testing"

	"reprorun/internal/digest"
)

func sampleResult(eng *digest.Engine) ExecutionResult {
	return ExecutionResult{
		RequestID:     "req-1",
		OK:            true,
		ExitCode:      0,
		RequestDigest: eng.SumBytes([]byte("request")),
		StdoutDigest:  eng.SumBytes([]byte("stdout")),
		StderrDigest:  eng.SumBytes([]byte("stderr")),
		TraceDigest:   eng.SumBytes([]byte("trace")),
		OutputDigests: map[string]string{"out.txt": eng.SumBytes([]byte("out"))},
		Signature:     Unsigned(),
	}
}

func TestResult_Seal_Deterministic(t *testing.T) {
	eng := testEngine(t)

	a := sampleResult(eng)
	b := sampleResult(eng)
	b.DurationMS = 12345
	b.Stdout = "presentation copy of stdout"

	if err := a.Seal(eng); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if err := b.Seal(eng); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if a.ResultDigest != b.ResultDigest {
		t.Error("wall-clock and presentation fields changed the result digest")
	}
	if !digest.Valid(a.ResultDigest) {
		t.Errorf("result digest %q is not well formed", a.ResultDigest)
	}
}

func TestResult_Seal_SensitiveToSemanticFields(t *testing.T) {
	eng := testEngine(t)

	base := sampleResult(eng)
	if err := base.Seal(eng); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*ExecutionResult)
	}{
		{"exit code", func(r *ExecutionResult) { r.ExitCode = 1 }},
		{"ok flag", func(r *ExecutionResult) { r.OK = false }},
		{"termination reason", func(r *ExecutionResult) { r.TerminationReason = ReasonTimeout }},
		{"stdout digest", func(r *ExecutionResult) { r.StdoutDigest = eng.SumBytes([]byte("other")) }},
		{"output digest", func(r *ExecutionResult) { r.OutputDigests["out.txt"] = eng.SumBytes([]byte("other")) }},
		{"trace digest", func(r *ExecutionResult) { r.TraceDigest = eng.SumBytes([]byte("other")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sampleResult(eng)
			tt.mutate(&r)
			if err := r.Seal(eng); err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if r.ResultDigest == base.ResultDigest {
				t.Error("semantic mutation did not change the result digest")
			}
		})
	}
}

func TestResult_OpaqueDigestOptIn(t *testing.T) {
	eng := testEngine(t)

	without := sampleResult(eng)
	if err := without.Seal(eng); err != nil {
		t.Fatal(err)
	}

	with := sampleResult(eng)
	with.OpaqueDigest = eng.SumBytes([]byte("model output"))
	if err := with.Seal(eng); err != nil {
		t.Fatal(err)
	}
	if with.ResultDigest == without.ResultDigest {
		t.Error("opted-in opaque digest did not affect the result digest")
	}

	canon, err := without.CanonicalBytes()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(canon), "opaque_digest") {
		t.Error("canonical result mentions opaque_digest without opt-in")
	}
}

func TestUnsigned(t *testing.T) {
	sig := Unsigned()
	if sig.Status != SignatureUnsigned {
		t.Errorf("Status = %q, want %q", sig.Status, SignatureUnsigned)
	}
	if sig.Value != "" {
		t.Errorf("Value = %q, want empty", sig.Value)
	}
}
