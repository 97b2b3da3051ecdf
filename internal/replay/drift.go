package replay

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"reprorun/internal/engine"
	"reprorun/internal/monitor"
	"reprorun/internal/policy"
)

// DefaultDriftRuns is the CI gate's repetition count.
const DefaultDriftRuns = 200

// DriftReport summarizes a repeated-execution drift check.
type DriftReport struct {
	RequestID        string   `json:"request_id"`
	Runs             int      `json:"runs"`
	OK               bool     `json:"ok"`
	BaselineDigest   string   `json:"baseline_digest"`
	DistinctDigests  []string `json:"distinct_digests"`
	DivergentIndices []int    `json:"divergent_indices,omitempty"`
}

// Err converts a drifted report into a boundary error; nil when OK.
func (r DriftReport) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%w: %d distinct result digests across %d runs of request %s",
		engine.ErrDriftDetected, len(r.DistinctDigests), r.Runs, r.RequestID)
}

// Drift executes req runs times through a repro-mode scheduler and fails if
// any pair of result digests diverges. This is the primary gate proving the
// pipeline is deterministic rather than assumed to be; it always forces
// repro scheduling so a divergence implicates the pipeline, not ordering.
func Drift(ctx context.Context, exec *engine.Executor, req engine.ExecutionRequest, runs int, metrics *monitor.Metrics) (DriftReport, error) {
	return DriftWithProgress(ctx, exec, req, runs, metrics, nil)
}

// DriftWithProgress is Drift with a per-run callback for streaming front
// ends; progress may be nil.
func DriftWithProgress(ctx context.Context, exec *engine.Executor, req engine.ExecutionRequest, runs int, metrics *monitor.Metrics, progress func(run int, resultDigest string)) (DriftReport, error) {
	if runs <= 0 {
		runs = DefaultDriftRuns
	}
	req.Policy.SchedulerMode = policy.SchedulerRepro
	req.Policy.TimeMode = policy.TimeFixedZero

	sched := engine.NewScheduler(exec, policy.SchedulerRepro, 1)
	defer sched.Close()

	report := DriftReport{Runs: runs}
	seen := map[string][]int{}

	for i := 0; i < runs; i++ {
		res, err := sched.Submit(ctx, req)
		if err != nil {
			return report, fmt.Errorf("drift run %d: %w", i, err)
		}
		if report.RequestID == "" {
			report.RequestID = res.RequestID
		}
		if report.BaselineDigest == "" {
			report.BaselineDigest = res.ResultDigest
		}
		seen[res.ResultDigest] = append(seen[res.ResultDigest], i)
		if progress != nil {
			progress(i, res.ResultDigest)
		}
	}

	for dg, indices := range seen {
		report.DistinctDigests = append(report.DistinctDigests, dg)
		if dg != report.BaselineDigest {
			report.DivergentIndices = append(report.DivergentIndices, indices...)
		}
	}
	sort.Strings(report.DistinctDigests)
	sort.Ints(report.DivergentIndices)
	report.OK = len(report.DistinctDigests) == 1

	if metrics != nil {
		metrics.ObserveDriftRun(report.OK)
	}
	if !report.OK {
		log.Error().
			Str("request_id", report.RequestID).
			Int("runs", runs).
			Int("distinct", len(report.DistinctDigests)).
			Msg("drift detected")
	}
	return report, nil
}
