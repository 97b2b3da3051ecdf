package engine

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"reprorun/internal/cas"
	"reprorun/internal/policy"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based tests are posix only")
	}
}

func shellRequest(t *testing.T, script string) ExecutionRequest {
	t.Helper()
	return ExecutionRequest{
		RequestID:     "t-exec",
		Command:       "/bin/sh",
		Argv:          []string{"-c", script},
		WorkspaceRoot: t.TempDir(),
		TimeoutMS:     10000,
		Policy:        policy.Default(),
	}
}

func newTestExecutor(t *testing.T, opts ExecutorOptions) *Executor {
	t.Helper()
	return NewExecutor(testEngine(t), opts)
}

func TestExecute_Success(t *testing.T) {
	requireShell(t)
	x := newTestExecutor(t, ExecutorOptions{})

	res, err := x.Execute(context.Background(), shellRequest(t, "printf hello"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.OK {
		t.Errorf("OK = false, stderr: %s", res.Stderr)
	}
	if res.State != StateReady {
		t.Errorf("State = %s, want READY", res.State)
	}
	if res.Stdout != "hello" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello")
	}
	for name, dg := range map[string]string{
		"request": res.RequestDigest,
		"stdout":  res.StdoutDigest,
		"stderr":  res.StderrDigest,
		"trace":   res.TraceDigest,
		"result":  res.ResultDigest,
	} {
		if len(dg) != 64 {
			t.Errorf("%s digest %q is not 64 hex chars", name, dg)
		}
	}
	if len(res.Trace) == 0 {
		t.Error("result carries no trace events")
	}
	if res.Signature.Status != SignatureUnsigned {
		t.Errorf("Signature.Status = %q, want unsigned", res.Signature.Status)
	}
	if res.CompatDegraded {
		t.Error("CompatDegraded = true on a healthy primitive")
	}
}

func TestExecute_Deterministic(t *testing.T) {
	requireShell(t)
	x := newTestExecutor(t, ExecutorOptions{})

	req := shellRequest(t, "printf stable; printf err >&2")
	first, err := x.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		res, err := x.Execute(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.ResultDigest != first.ResultDigest {
			t.Fatalf("result digest diverged on run %d: %s vs %s", i, res.ResultDigest, first.ResultDigest)
		}
	}
}

func TestExecute_OutputDigestsResolveInCAS(t *testing.T) {
	requireShell(t)
	eng := testEngine(t)
	store, err := cas.Open(t.TempDir(), eng, cas.Options{})
	if err != nil {
		t.Fatal(err)
	}
	x := NewExecutor(eng, ExecutorOptions{Store: store, CommitToCAS: true})

	req := shellRequest(t, "printf payload > out.txt")
	req.Outputs = []string{"out.txt"}

	res, err := x.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.CASCommitted {
		t.Fatal("CASCommitted = false")
	}
	dg, ok := res.OutputDigests["out.txt"]
	if !ok {
		t.Fatal("out.txt missing from output digests")
	}
	data, err := store.Get(dg)
	if err != nil {
		t.Fatalf("store.Get(output digest) error = %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("CAS returned %q, want %q", data, "payload")
	}
}

func TestExecute_PathEscapeRejectedBeforeSpawn(t *testing.T) {
	requireShell(t)
	x := newTestExecutor(t, ExecutorOptions{})

	marker := t.TempDir() + "/marker"
	req := shellRequest(t, "touch "+marker)
	req.Outputs = []string{"../../etc/passwd"}

	res, err := x.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("Execute() succeeded, want path_escape")
	}
	if res.ErrorCode != CodePathEscape {
		t.Errorf("ErrorCode = %q, want path_escape", res.ErrorCode)
	}
	if res.State != StateFailed {
		t.Errorf("State = %s, want FAILED", res.State)
	}
	if _, statErr := readFile(marker); statErr == nil {
		t.Error("process spawned despite policy rejection")
	}
}

func TestExecute_QuotaExceeded(t *testing.T) {
	requireShell(t)
	x := newTestExecutor(t, ExecutorOptions{Quotas: policy.Quotas{MaxArgs: 1}})

	req := shellRequest(t, "exit 0")
	req.Argv = []string{"-c", "exit 0"}

	res, err := x.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("Execute() succeeded, want quota_exceeded")
	}
	if res.ErrorCode != CodeQuotaExceeded {
		t.Errorf("ErrorCode = %q, want quota_exceeded", res.ErrorCode)
	}
}

func TestExecute_Timeout(t *testing.T) {
	requireShell(t)
	x := newTestExecutor(t, ExecutorOptions{})

	req := shellRequest(t, "sleep 30")
	req.TimeoutMS = 200

	res, err := x.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v, timeouts are reported in the result", err)
	}
	if res.OK {
		t.Error("OK = true for a timed-out command")
	}
	if res.TerminationReason != ReasonTimeout {
		t.Errorf("TerminationReason = %q, want timeout", res.TerminationReason)
	}
	if res.ExitCode != 124 {
		t.Errorf("ExitCode = %d, want 124", res.ExitCode)
	}
	if res.State != StateReady {
		t.Errorf("State = %s, want READY; a timeout still yields a sealed result", res.State)
	}
}

func TestExecute_SpawnFailureReportedInResult(t *testing.T) {
	x := newTestExecutor(t, ExecutorOptions{})

	req := ExecutionRequest{
		RequestID:     "t-spawn",
		Command:       "/definitely/not/a/binary",
		WorkspaceRoot: t.TempDir(),
		TimeoutMS:     1000,
		Policy:        policy.Default(),
	}
	res, err := x.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v, spawn failures are reported in the result", err)
	}
	if res.OK {
		t.Error("OK = true for a spawn failure")
	}
	if res.ExitCode != 127 {
		t.Errorf("ExitCode = %d, want 127", res.ExitCode)
	}
	if res.TerminationReason != ReasonError {
		t.Errorf("TerminationReason = %q, want error", res.TerminationReason)
	}
}

func TestExecute_SecretsNeverReachChild(t *testing.T) {
	requireShell(t)
	x := newTestExecutor(t, ExecutorOptions{})

	req := shellRequest(t, `printf "%s|%s" "$SAFE_VAR" "$AWS_SECRET_ACCESS_KEY"`)
	req.Env = map[string]string{
		"SAFE_VAR":              "visible",
		"AWS_SECRET_ACCESS_KEY": "supersecret",
	}
	req.Policy.EnvAllowlist = []string{"SAFE_VAR", "AWS_SECRET_ACCESS_KEY", "PYTHONHASHSEED"}

	res, err := x.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "visible|" {
		t.Errorf("child env = %q, want %q", res.Stdout, "visible|")
	}

	found := false
	for _, k := range res.PolicyApplied.StrippedSecretKeys {
		if k == "AWS_SECRET_ACCESS_KEY" {
			found = true
		}
	}
	if !found {
		t.Error("stripped secret key not reported by name")
	}
}

func TestExecute_GeneratesMissingID(t *testing.T) {
	requireShell(t)
	x := newTestExecutor(t, ExecutorOptions{})

	req := shellRequest(t, "exit 0")
	req.RequestID = ""
	req.Nonce = "fixed-nonce"

	a, err := x.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := x.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if a.RequestID == "" {
		t.Fatal("no request ID generated")
	}
	if a.RequestID != b.RequestID {
		t.Errorf("generated IDs differ: %q vs %q", a.RequestID, b.RequestID)
	}
}

func TestScheduler_ReproSerializesSideEffects(t *testing.T) {
	requireShell(t)
	x := newTestExecutor(t, ExecutorOptions{})
	sched := NewScheduler(x, policy.SchedulerRepro, 0)
	defer sched.Close()

	if sched.Workers() != 1 {
		t.Fatalf("repro Workers() = %d, want 1", sched.Workers())
	}

	ws := t.TempDir()
	req := ExecutionRequest{
		RequestID:     "t-order",
		Command:       "/bin/sh",
		Argv:          []string{"-c", "echo x >> log.txt"},
		WorkspaceRoot: ws,
		TimeoutMS:     10000,
		Policy:        policy.Default(),
	}
	req.Policy.SchedulerMode = policy.SchedulerRepro

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := sched.Submit(context.Background(), req)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	data, err := readFile(ws + "/log.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8*2 {
		t.Errorf("log is %d bytes, want %d; appends were lost or interleaved", len(data), 16)
	}
}

func TestScheduler_ClosedRejectsWork(t *testing.T) {
	x := newTestExecutor(t, ExecutorOptions{})
	sched := NewScheduler(x, policy.SchedulerTurbo, 2)
	sched.Close()
	sched.Close() // idempotent

	if _, err := sched.Submit(context.Background(), ExecutionRequest{}); err != ErrSchedulerClosed {
		t.Errorf("Submit() after Close error = %v, want ErrSchedulerClosed", err)
	}
}

func TestScheduler_SubmitRacesClose(t *testing.T) {
	// Submissions racing Close must land as either a handled request or
	// ErrSchedulerClosed, never a send on the closed jobs channel.
	x := newTestExecutor(t, ExecutorOptions{})
	for i := 0; i < 100; i++ {
		sched := NewScheduler(x, policy.SchedulerTurbo, 2)

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := sched.Submit(context.Background(), ExecutionRequest{})
				if err != nil && err != ErrSchedulerClosed && CodeOf(err) != CodeInvalidRequest {
					t.Errorf("Submit() error = %v", err)
				}
			}()
		}
		go sched.Close()
		wg.Wait()
		sched.Close()
	}
}

func TestScheduler_TurboRunsConcurrently(t *testing.T) {
	requireShell(t)
	x := newTestExecutor(t, ExecutorOptions{})
	sched := NewScheduler(x, policy.SchedulerTurbo, 4)
	defer sched.Close()

	req := shellRequest(t, "sleep 0.3")
	start := time.Now()
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := sched.Submit(context.Background(), req)
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("4 x 0.3s sleeps took %v on a 4-worker pool", elapsed)
	}
}
