// Package replay proves determinism after the fact: it recomputes every
// digest of a recorded execution from its original request and the current
// CAS, and it drives the repeated-execution drift gate. Divergence anywhere
// is fail-closed; replay never downgrades a mismatch to a warning.
package replay

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reprorun/internal/cas"
	"reprorun/internal/digest"
	"reprorun/internal/engine"
	"reprorun/internal/monitor"
	"reprorun/internal/policy"
)

// Mismatch categories.
const (
	CategoryRequest = "request"
	CategoryStdout  = "stdout"
	CategoryStderr  = "stderr"
	CategoryTrace   = "trace"
	CategoryOutput  = "output"
	CategoryResult  = "result"
)

// Mismatch describes one digest that could not be reproduced.
type Mismatch struct {
	Category    string   `json:"category"`
	Path        string   `json:"path,omitempty"`
	Expected    string   `json:"expected"`
	Observed    string   `json:"observed"`
	Repetitions []int    `json:"repetitions,omitempty"`
	Hints       []string `json:"hints,omitempty"`
}

// Report is the outcome of one replay validation.
type Report struct {
	RequestID  string     `json:"request_id"`
	OK         bool       `json:"ok"`
	Checked    int        `json:"checked"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Err converts a failed report into a boundary error; nil when OK.
func (r Report) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%w: %d of %d digests diverged for request %s",
		engine.ErrReplayMismatch, len(r.Mismatches), r.Checked, r.RequestID)
}

// Validator recomputes recorded digests.
type Validator struct {
	eng     *digest.Engine
	store   *cas.Store
	metrics *monitor.Metrics
	log     zerolog.Logger
}

// NewValidator builds a Validator. store may be nil when no per-output CAS
// verification is wanted; metrics may be nil.
func NewValidator(eng *digest.Engine, store *cas.Store, metrics *monitor.Metrics) *Validator {
	return &Validator{
		eng:     eng,
		store:   store,
		metrics: metrics,
		log:     log.With().Str("component", "replay").Logger(),
	}
}

// Validate recomputes every digest of recorded from req and compares
// byte-for-byte. Each divergence is categorized and annotated with hints
// about likely nondeterminism sources.
func (v *Validator) Validate(req engine.ExecutionRequest, recorded engine.ExecutionResult) (Report, error) {
	report := Report{RequestID: recorded.RequestID}
	hints := collectHints(req)

	add := func(category, path, expected, observed string) {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Category: category,
			Path:     path,
			Expected: expected,
			Observed: observed,
			Hints:    hints,
		})
	}

	req.EnsureID(v.eng)
	reqDigest, err := req.Digest(v.eng)
	if err != nil {
		return report, err
	}
	report.Checked++
	if reqDigest != recorded.RequestDigest {
		add(CategoryRequest, "", recorded.RequestDigest, reqDigest)
	}

	report.Checked++
	if got := v.eng.SumBytes([]byte(recorded.Stdout)); got != recorded.StdoutDigest {
		add(CategoryStdout, "", recorded.StdoutDigest, got)
	}
	report.Checked++
	if got := v.eng.SumBytes([]byte(recorded.Stderr)); got != recorded.StderrDigest {
		add(CategoryStderr, "", recorded.StderrDigest, got)
	}

	traceDigest, err := engine.TraceDigest(v.eng, recorded.Trace)
	if err != nil {
		return report, err
	}
	report.Checked++
	if traceDigest != recorded.TraceDigest {
		add(CategoryTrace, "", recorded.TraceDigest, traceDigest)
	}

	if v.store != nil {
		for path, dg := range recorded.OutputDigests {
			report.Checked++
			if err := v.store.Verify(dg); err != nil {
				observed := "unverifiable"
				if cas.IsNotFound(err) {
					observed = "missing"
				}
				add(CategoryOutput, path, dg, observed)
			}
		}
	}

	resealed := recorded
	if err := resealed.Seal(v.eng); err != nil {
		return report, err
	}
	report.Checked++
	if resealed.ResultDigest != recorded.ResultDigest {
		add(CategoryResult, "", recorded.ResultDigest, resealed.ResultDigest)
	}

	report.OK = len(report.Mismatches) == 0
	if v.metrics != nil {
		v.metrics.ObserveReplay(report.OK)
	}
	if !report.OK {
		v.log.Error().
			Str("request_id", report.RequestID).
			Int("mismatches", len(report.Mismatches)).
			Msg("replay validation failed")
	}
	return report, nil
}

// collectHints inspects the request for conditions that commonly explain a
// mismatch before anyone reads a diff.
func collectHints(req engine.ExecutionRequest) []string {
	var hints []string
	if req.Policy.Mode == policy.ModeStrict && len(req.Policy.EnvAllowlist) > 0 {
		for k := range req.Env {
			if !inList(req.Policy.EnvAllowlist, k) && !policy.IsSecretKey(k) {
				hints = append(hints, fmt.Sprintf("environment key %q present outside allow-list", k))
			}
		}
	}
	if req.Policy.TimeMode == policy.TimeMonotonic {
		hints = append(hints, "trace timestamps are monotonic, not fixed-zero")
	}
	hints = append(hints, scanNondeterminism(req.Command, req.Argv)...)
	return hints
}

func inList(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
