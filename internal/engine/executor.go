package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"reprorun/internal/cas"
	"reprorun/internal/digest"
	"reprorun/internal/monitor"
	"reprorun/internal/policy"
	"reprorun/internal/sandbox"
)

// ExecutorOptions wires the optional collaborators.
type ExecutorOptions struct {
	// Store enables the CAS commit stage when CommitToCAS is set.
	Store       *cas.Store
	CommitToCAS bool

	Quotas  policy.Quotas
	Metrics *monitor.Metrics
}

// Executor runs the full pipeline for one request at a time. It is
// stateless across requests and safe for concurrent use; the scheduler
// decides how many Execute calls run at once.
type Executor struct {
	eng     *digest.Engine
	runner  *sandbox.Runner
	store   *cas.Store
	commit  bool
	quotas  policy.Quotas
	metrics *monitor.Metrics
	log     zerolog.Logger
	tracer  *monitor.Tracer
}

// NewExecutor builds an Executor around a digest engine.
func NewExecutor(eng *digest.Engine, opts ExecutorOptions) *Executor {
	quotas := opts.Quotas
	if quotas == (policy.Quotas{}) {
		quotas = policy.DefaultQuotas()
	}
	return &Executor{
		eng:     eng,
		runner:  sandbox.NewRunner(),
		store:   opts.Store,
		commit:  opts.CommitToCAS && opts.Store != nil,
		quotas:  quotas,
		metrics: opts.Metrics,
		log:     log.With().Str("component", "engine").Logger(),
		tracer:  monitor.NewTracer(),
	}
}

// Engine exposes the digest engine for callers assembling proofs or replay
// validators around this executor.
func (x *Executor) Engine() *digest.Engine { return x.eng }

// Store exposes the CAS, nil when no store is wired.
func (x *Executor) Store() *cas.Store { return x.store }

// Execute walks one request through the lifecycle and returns its sealed
// result. Command failures (non-zero exit, timeout, spawn failure) are
// reported inside the result with ok=false; the returned error is non-nil
// only for engine-level failures, in which case the result carries state
// FAILED and the boundary error code.
func (x *Executor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	start := time.Now()
	lc := NewLifecycle()
	rec := NewRecorder(req.Policy.TimeMode)

	ctx, span := x.tracer.StartSpan(ctx, "execute",
		monitor.AttrScheduler.String(req.Policy.SchedulerMode))
	defer span.End()

	fail := func(err error) (*ExecutionResult, error) {
		code := CodeOf(err)
		if ferr := lc.Fail(code); ferr != nil {
			x.log.Error().Err(ferr).Str("request_id", req.RequestID).Msg("lifecycle corrupted")
		}
		x.observe(req.Policy.SchedulerMode, string(code), time.Since(start))
		span.SetAttributes(attribute.String("error_code", string(code)))
		res := &ExecutionResult{
			RequestID:      req.RequestID,
			OK:             false,
			State:          StateFailed,
			ErrorCode:      code,
			SchedulerMode:  req.Policy.SchedulerMode,
			CompatDegraded: x.eng.Degraded(),
			DurationMS:     time.Since(start).Milliseconds(),
			Signature:      Unsigned(),
		}
		return res, err
	}

	// Validation. Everything here is rejected before any process spawns
	// or any filesystem write happens.
	rec.Record("received", nil)
	if err := req.Validate(); err != nil {
		return fail(err)
	}
	req.EnsureID(x.eng)
	span.SetAttributes(monitor.AttrRequestID.String(req.RequestID))

	canonReq, err := req.CanonicalBytes()
	if err != nil {
		return fail(err)
	}
	if err := x.quotas.Check(int64(len(canonReq)), len(req.Argv), len(req.Outputs), len(req.Inputs)); err != nil {
		return fail(err)
	}
	reqDigest := x.eng.Sum(digest.DomainRequest, canonReq)
	span.SetAttributes(monitor.AttrRequestDigest.String(reqDigest))
	if err := lc.To(StateValidated); err != nil {
		return fail(err)
	}
	rec.Record("validated", map[string]string{"request_digest": reqDigest})

	// Policy enforcement: workspace confinement, env narrowing, quotas on
	// declared paths. Path checks run against the canonicalized form.
	cwd := req.Cwd
	if cwd == "" {
		cwd = req.WorkspaceRoot
	}
	cwd, err = x.confine(req.Policy, req.WorkspaceRoot, cwd)
	if err != nil {
		return fail(err)
	}
	outputPaths := make(map[string]string, len(req.Outputs))
	for _, out := range req.Outputs {
		resolved, err := x.confine(req.Policy, req.WorkspaceRoot, out)
		if err != nil {
			return fail(fmt.Errorf("output %q: %w", out, err))
		}
		outputPaths[out] = resolved
	}
	env, applied := req.Policy.FilterEnv(req.Env)
	if err := lc.To(StatePolicyApplied); err != nil {
		return fail(err)
	}
	rec.Record("policy_applied", map[string]string{
		"allowed":  strconv.Itoa(len(applied.AllowedKeys)),
		"denied":   strconv.Itoa(len(applied.DeniedKeys)),
		"stripped": strconv.Itoa(len(applied.StrippedSecretKeys)),
		"injected": strconv.Itoa(len(applied.InjectedRequiredKeys)),
	})
	span.AddEvent("policy_applied")

	// Spawn and wait. The watchdog's hard kill is the only cancellation.
	spec := sandbox.Spec{
		RequestID:      req.RequestID,
		Command:        req.Command,
		Argv:           req.Argv,
		Dir:            cwd,
		Env:            envSlice(env),
		Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxOutputBytes: req.MaxOutputBytes,
		Limits: sandbox.Limits{
			MaxMemoryBytes:     req.Policy.MaxMemoryBytes,
			MaxFileDescriptors: req.Policy.MaxFileDescriptors,
		},
		Enforce: req.Policy.EnforceSandbox,
	}
	if err := lc.To(StateSpawned); err != nil {
		return fail(err)
	}
	if err := lc.To(StateExecuting); err != nil {
		return fail(err)
	}
	rec.Record("spawned", map[string]string{"command": req.Command})

	procRes, runErr := x.runner.Run(ctx, spec)
	reason := ReasonNone
	switch {
	case runErr == nil:
	case sandbox.IsTimeout(runErr):
		reason = ReasonTimeout
	case sandbox.IsSpawn(runErr):
		reason = ReasonError
	default:
		return fail(runErr)
	}
	if err := lc.To(StateCaptured); err != nil {
		return fail(err)
	}
	rec.Record("captured", map[string]string{
		"exit_code":          strconv.Itoa(procRes.ExitCode),
		"termination_reason": reason,
	})
	span.AddEvent("captured")

	// Digest assembly. The transcript is closed here: events recorded
	// after this point would not be covered by the trace digest. Output
	// digests use the CAS domain so they double as store keys after the
	// commit stage.
	outputDigests := make(map[string]string, len(outputPaths))
	outputBytes := make([][]byte, 0, len(outputPaths))
	outputsOK := true
	for _, declared := range sortedKeys(outputPaths) {
		data, err := readFile(outputPaths[declared])
		if err != nil {
			outputsOK = false
			rec.Record("output_missing", map[string]string{"path": declared})
			continue
		}
		outputDigests[declared] = x.eng.Sum(digest.DomainCAS, data)
		outputBytes = append(outputBytes, data)
	}
	traceDigest, err := rec.Digest(x.eng)
	if err != nil {
		return fail(err)
	}

	res := &ExecutionResult{
		RequestID:         req.RequestID,
		OK:                runErr == nil && procRes.ExitCode == 0 && outputsOK,
		ExitCode:          procRes.ExitCode,
		TerminationReason: reason,
		Stdout:            string(procRes.Stdout),
		Stderr:            string(procRes.Stderr),
		StdoutTruncated:   procRes.StdoutTruncated,
		StderrTruncated:   procRes.StderrTruncated,
		RequestDigest:     reqDigest,
		StdoutDigest:      x.eng.SumBytes(procRes.Stdout),
		StderrDigest:      x.eng.SumBytes(procRes.Stderr),
		TraceDigest:       traceDigest,
		OutputDigests:     outputDigests,
		Trace:             rec.Events(),
		PolicyApplied:     applied,
		Sandbox:           procRes.Capabilities,
		SchedulerMode:     req.Policy.SchedulerMode,
		CompatDegraded:    x.eng.Degraded(),
		Signature:         Unsigned(),
	}
	if req.Opaque != nil && req.Opaque.IncludeInDigest {
		res.OpaqueDigest = x.eng.SumBytes(req.Opaque.Data)
	}
	if err := res.Seal(x.eng); err != nil {
		return fail(err)
	}
	if err := lc.To(StateDigested); err != nil {
		return fail(err)
	}

	// Optional CAS commit: captured streams, produced outputs, and the
	// canonical result itself.
	if x.commit {
		if err := x.commitResult(res, outputBytes); err != nil {
			if x.metrics != nil && cas.IsIntegrity(err) {
				x.metrics.IncIntegrityFailure()
			}
			return fail(err)
		}
		res.CASCommitted = true
		if err := lc.To(StateCASCommitted); err != nil {
			return fail(err)
		}
		span.AddEvent("cas_committed")
	}

	if err := lc.To(StateReady); err != nil {
		return fail(err)
	}
	res.State = StateReady
	res.DurationMS = time.Since(start).Milliseconds()
	span.SetAttributes(
		monitor.AttrResultDigest.String(res.ResultDigest),
		monitor.AttrExitCode.Int(res.ExitCode),
		monitor.AttrDurationMS.Int64(res.DurationMS),
	)

	status := "ok"
	if !res.OK {
		status = reason
		if status == ReasonNone {
			status = "nonzero_exit"
		}
	}
	x.observe(req.Policy.SchedulerMode, status, time.Since(start))

	x.log.Info().
		Str("request_id", req.RequestID).
		Str("result_digest", res.ResultDigest).
		Bool("ok", res.OK).
		Int("exit_code", res.ExitCode).
		Msg("execution complete")
	return res, nil
}

// confine canonicalizes p under the workspace root unless the policy opts
// out of confinement in permissive mode.
func (x *Executor) confine(p policy.Policy, workspace, path string) (string, error) {
	if p.AllowOutsideWorkspace && p.Mode == policy.ModePermissive {
		return path, nil
	}
	return policy.ResolveUnder(workspace, path)
}

// commitResult persists the captured streams, each produced output, and the
// canonical result bytes.
func (x *Executor) commitResult(res *ExecutionResult, outputs [][]byte) error {
	puts := [][]byte{[]byte(res.Stdout), []byte(res.Stderr)}
	puts = append(puts, outputs...)
	canon, err := res.CanonicalBytes()
	if err != nil {
		return err
	}
	puts = append(puts, canon)

	for _, data := range puts {
		if _, err := x.store.Put(data); err != nil {
			return err
		}
		if x.metrics != nil {
			x.metrics.IncCASOp("put")
		}
	}
	return nil
}

func (x *Executor) observe(scheduler, status string, d time.Duration) {
	if x.metrics == nil {
		return
	}
	x.metrics.ObserveExecution(scheduler, status, d)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path was confined to the workspace root
	if err != nil {
		return nil, fmt.Errorf("reading output %s: %w", path, err)
	}
	return data, nil
}

// envSlice flattens a filtered env map into sorted KEY=value pairs for the
// runner. Sorting keeps the child's environ byte-stable across runs.
func envSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
