package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"reprorun/internal/cas"
	"reprorun/internal/digest"
	"reprorun/internal/engine"
	"reprorun/internal/policy"
	"reprorun/internal/replay"
	"reprorun/internal/sandbox"
	"reprorun/pkg/seccomp"
)

// exitDisabled is the kill-switch exit code.
const exitDisabled = 3

var (
	casRoot       string
	allowFallback bool
	workspace     string
	timeout       string
	scheduler     string
	outputs       []string
	noCommit      bool
	driftRuns     int
	serverURL     string
	applyGC       bool
	keepDigests   []string
	outFile       string

	mirrorEndpoint string
	mirrorBucket   string
	mirrorTLS      bool

	permissiveProfile bool
)

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if os.Getenv("REPRORUN_DISABLED") == "1" {
		fmt.Fprintln(os.Stderr, "reprorun: disabled by REPRORUN_DISABLED=1")
		os.Exit(exitDisabled)
	}

	root := &cobra.Command{
		Use:           "reprorun",
		Short:         "Deterministic execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&casRoot, "cas", defaultCASRoot(), "CAS root directory")
	root.PersistentFlags().BoolVar(&allowFallback, "allow-hash-fallback", false, "Permit the SHA-256 fallback when BLAKE3 is unavailable")

	execCmd := &cobra.Command{
		Use:   "exec [command] [args...]",
		Short: "Execute a command deterministically",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (defaults to the current directory)")
	execCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execCmd.Flags().StringVar(&scheduler, "scheduler", policy.SchedulerRepro, "Scheduler mode (repro or turbo)")
	execCmd.Flags().StringArrayVarP(&outputs, "output", "o", nil, "Declared output path, relative to the workspace (repeatable)")
	execCmd.Flags().BoolVar(&noCommit, "no-commit", false, "Skip the CAS commit stage")
	root.AddCommand(execCmd)

	replayCmd := &cobra.Command{Use: "replay", Short: "Replay validation"}
	replayCmd.AddCommand(&cobra.Command{
		Use:   "validate [request.json] [result.json]",
		Short: "Recompute digests from stored artifacts and compare against a recorded result",
		Args:  cobra.ExactArgs(2),
		RunE:  runReplayValidate,
	})
	root.AddCommand(replayCmd)

	driftCmd := &cobra.Command{
		Use:   "drift [request.json]",
		Short: "Run the repeated-execution drift gate",
		Args:  cobra.ExactArgs(1),
		RunE:  runDrift,
	}
	driftCmd.Flags().IntVar(&driftRuns, "runs", replay.DefaultDriftRuns, "Number of repetitions")
	root.AddCommand(driftCmd)

	digestCmd := &cobra.Command{Use: "digest", Short: "Digest helpers"}
	digestCmd.AddCommand(&cobra.Command{
		Use:   "file [path]",
		Short: "Print the digest of a file's contents",
		Args:  cobra.ExactArgs(1),
		RunE:  runDigestFile,
	})
	digestCmd.AddCommand(&cobra.Command{
		Use:   "verify [path] [digest]",
		Short: "Verify a file against an expected digest",
		Args:  cobra.ExactArgs(2),
		RunE:  runDigestVerify,
	})
	root.AddCommand(digestCmd)

	casCmd := &cobra.Command{Use: "cas", Short: "Content-addressable store operations"}
	casCmd.AddCommand(&cobra.Command{
		Use:   "put [file]",
		Short: "Store a file and print its digest",
		Args:  cobra.ExactArgs(1),
		RunE:  runCASPut,
	})
	getCmd := &cobra.Command{
		Use:   "get [digest]",
		Short: "Fetch an object by digest",
		Args:  cobra.ExactArgs(1),
		RunE:  runCASGet,
	}
	getCmd.Flags().StringVarP(&outFile, "out", "o", "", "Write the object to a file instead of stdout")
	casCmd.AddCommand(getCmd)
	casCmd.AddCommand(&cobra.Command{
		Use:   "info [digest]",
		Short: "Print stored metadata for an object",
		Args:  cobra.ExactArgs(1),
		RunE:  runCASInfo,
	})
	casCmd.AddCommand(&cobra.Command{
		Use:   "verify [digest]",
		Short: "Re-hash an object and check both digests",
		Args:  cobra.ExactArgs(1),
		RunE:  runCASVerify,
	})
	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Garbage-collect unreferenced objects (dry run unless --apply)",
		RunE:  runCASGC,
	}
	gcCmd.Flags().BoolVar(&applyGC, "apply", false, "Actually delete candidates")
	gcCmd.Flags().StringArrayVar(&keepDigests, "keep", nil, "Digest to retain (repeatable)")
	casCmd.AddCommand(gcCmd)
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Push committed objects to an S3-compatible mirror",
		RunE:  runCASSync,
	}
	syncCmd.Flags().StringVar(&mirrorEndpoint, "endpoint", "", "Mirror endpoint host:port")
	syncCmd.Flags().StringVar(&mirrorBucket, "bucket", "reprorun-cas", "Mirror bucket name")
	syncCmd.Flags().BoolVar(&mirrorTLS, "tls", false, "Use TLS to reach the mirror")
	casCmd.AddCommand(syncCmd)
	root.AddCommand(casCmd)

	policyCmd := &cobra.Command{Use: "policy", Short: "Policy helpers"}
	policyCmd.AddCommand(&cobra.Command{
		Use:   "check [policy.yaml]",
		Short: "Validate a policy document",
		Args:  cobra.ExactArgs(1),
		RunE:  runPolicyCheck,
	})
	seccompCmd := &cobra.Command{
		Use:   "seccomp",
		Short: "Print an OCI seccomp profile matching the engine's guarantees",
		RunE:  runPolicySeccomp,
	}
	seccompCmd.Flags().BoolVar(&permissiveProfile, "permissive", false, "Allow network syscalls")
	policyCmd.AddCommand(seccompCmd)
	root.AddCommand(policyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Report hash primitive, sandbox capabilities and CAS state",
		RunE:  runDoctor,
	})

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health endpoint",
		RunE:  runHealth,
	}
	healthCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.AddCommand(healthCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultCASRoot() string {
	if root := os.Getenv("REPRORUN_CAS_ROOT"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reprorun/cas"
	}
	return home + "/.reprorun/cas"
}

func newEngine() (*digest.Engine, error) {
	return digest.New(digest.Options{AllowFallback: allowFallback})
}

func openStore(eng *digest.Engine) (*cas.Store, error) {
	return cas.Open(casRoot, eng, cas.Options{})
}

func newExecutor(commit bool) (*engine.Executor, error) {
	eng, err := newEngine()
	if err != nil {
		return nil, err
	}
	store, err := openStore(eng)
	if err != nil {
		return nil, err
	}
	return engine.NewExecutor(eng, engine.ExecutorOptions{Store: store, CommitToCAS: commit}), nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runExec(cmd *cobra.Command, args []string) error {
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return fmt.Errorf("parsing timeout: %w", err)
	}
	if workspace == "" {
		workspace, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	exec, err := newExecutor(!noCommit)
	if err != nil {
		return err
	}

	pol := policy.Default()
	pol.SchedulerMode = scheduler
	req := engine.ExecutionRequest{
		Command:       args[0],
		Argv:          args[1:],
		WorkspaceRoot: workspace,
		Outputs:       outputs,
		TimeoutMS:     d.Milliseconds(),
		Policy:        pol,
	}

	sched := engine.NewScheduler(exec, scheduler, 0)
	defer sched.Close()

	res, err := sched.Submit(cmd.Context(), req)
	if res != nil {
		if printErr := printJSON(res); printErr != nil {
			return printErr
		}
	}
	if err != nil {
		return err
	}
	if !res.OK {
		os.Exit(res.ExitCode)
	}
	return nil
}

func runReplayValidate(cmd *cobra.Command, args []string) error {
	var req engine.ExecutionRequest
	if err := loadJSON(args[0], &req); err != nil {
		return fmt.Errorf("loading request: %w", err)
	}
	var res engine.ExecutionResult
	if err := loadJSON(args[1], &res); err != nil {
		return fmt.Errorf("loading result: %w", err)
	}

	eng, err := newEngine()
	if err != nil {
		return err
	}
	store, err := openStore(eng)
	if err != nil {
		return err
	}

	report, err := replay.NewValidator(eng, store, nil).Validate(req, res)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	return report.Err()
}

func runDrift(cmd *cobra.Command, args []string) error {
	var req engine.ExecutionRequest
	if err := loadJSON(args[0], &req); err != nil {
		return fmt.Errorf("loading request: %w", err)
	}

	exec, err := newExecutor(false)
	if err != nil {
		return err
	}

	report, err := replay.Drift(cmd.Context(), exec, req, driftRuns, nil)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	return report.Err()
}

func runDigestFile(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	dg, err := eng.SumFile(args[0])
	if err != nil {
		return err
	}
	fmt.Println(dg)
	return nil
}

func runDigestVerify(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	dg, err := eng.SumFile(args[0])
	if err != nil {
		return err
	}
	if dg != args[1] {
		return fmt.Errorf("digest mismatch: file is %s, expected %s", dg, args[1])
	}
	fmt.Println("ok")
	return nil
}

func runCASPut(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	store, err := openStore(eng)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0]) // #nosec G304 -- operator-supplied path
	if err != nil {
		return err
	}
	info, err := store.Put(data)
	if err != nil {
		return err
	}
	fmt.Println(info.Digest)
	return nil
}

func runCASGet(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	store, err := openStore(eng)
	if err != nil {
		return err
	}
	data, err := store.Get(args[0])
	if err != nil {
		return err
	}
	if outFile != "" {
		return os.WriteFile(outFile, data, 0600)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runCASInfo(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	store, err := openStore(eng)
	if err != nil {
		return err
	}
	info, err := store.Info(args[0])
	if err != nil {
		return err
	}
	return printJSON(info)
}

func runCASVerify(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	store, err := openStore(eng)
	if err != nil {
		return err
	}
	if err := store.Verify(args[0]); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runCASGC(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	store, err := openStore(eng)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(keepDigests))
	for _, dg := range keepDigests {
		keep[dg] = struct{}{}
	}
	report, err := store.GC(keep, applyGC)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runCASSync(cmd *cobra.Command, args []string) error {
	if mirrorEndpoint == "" {
		return fmt.Errorf("--endpoint is required")
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	store, err := openStore(eng)
	if err != nil {
		return err
	}
	mirror, err := cas.NewMirror(cmd.Context(), cas.MirrorConfig{
		Endpoint:  mirrorEndpoint,
		Bucket:    mirrorBucket,
		AccessKey: os.Getenv("REPRORUN_MIRROR_ACCESS_KEY"),
		SecretKey: os.Getenv("REPRORUN_MIRROR_SECRET_KEY"),
		UseTLS:    mirrorTLS,
	})
	if err != nil {
		return err
	}
	pushed, err := store.Sync(cmd.Context(), mirror)
	if err != nil {
		return err
	}
	fmt.Printf("pushed %d objects\n", pushed)
	return nil
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0]) // #nosec G304 -- operator-supplied path
	if err != nil {
		return err
	}
	var pol policy.Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return fmt.Errorf("parsing policy: %w", err)
	}
	if err := pol.Validate(); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runPolicySeccomp(cmd *cobra.Command, args []string) error {
	if permissiveProfile {
		return printJSON(seccomp.PermissiveProfile())
	}
	return printJSON(seccomp.HermeticProfile())
}

func runDoctor(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}

	doctor := map[string]any{
		"hash":    eng.Runtime(),
		"sandbox": sandbox.Detect(),
	}
	if store, err := openStore(eng); err == nil {
		doctor["cas_root"] = store.Root()
		if objects, listErr := store.List(); listErr == nil {
			doctor["cas_objects"] = len(objects)
		}
	} else {
		doctor["cas_error"] = err.Error()
	}
	return printJSON(doctor)
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("reaching server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
