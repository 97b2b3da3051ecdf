// Package api is the JSON-over-HTTP front end for the engine: execute,
// replay validation, drift, CAS access, and health/doctor introspection.
package api

import (
	"time"

	"reprorun/internal/digest"
	"reprorun/internal/engine"
	"reprorun/internal/replay"
	"reprorun/internal/sandbox"
)

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecuteRequest is the wire form of an execution request. It is the engine
// request plus an optional human-friendly timeout; when Timeout is set it
// overrides TimeoutMS.
type ExecuteRequest struct {
	engine.ExecutionRequest
	Timeout Duration `json:"timeout,omitempty"`
}

// ReplayRequest pairs a recorded result with its original request.
type ReplayRequest struct {
	Request engine.ExecutionRequest `json:"request"`
	Result  engine.ExecutionResult  `json:"result"`
}

// DriftRequest asks for N repeated executions of one request.
type DriftRequest struct {
	Request engine.ExecutionRequest `json:"request"`
	Runs    int                     `json:"runs,omitempty"`
}

// ProofRequest asks for a provenance bundle, or verifies one.
type ProofRequest struct {
	Request engine.ExecutionRequest `json:"request"`
	Result  engine.ExecutionResult  `json:"result"`
	Bundle  *engine.ProofBundle     `json:"bundle,omitempty"`
}

// GCRequest controls garbage collection. Deletion requires Apply; the
// default is a dry run.
type GCRequest struct {
	Keep  []string `json:"keep,omitempty"`
	Apply bool     `json:"apply"`
}

// PutResponse reports a committed CAS object.
type PutResponse struct {
	Digest     string `json:"digest"`
	Size       int64  `json:"size"`
	StoredSize int64  `json:"stored_size"`
	Encoding   string `json:"encoding"`
	Dedup      bool   `json:"dedup"`
}

// ErrorResponse is returned for API errors. Code uses the engine's boundary
// error vocabulary.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status        string `json:"status"`
	Hash          digest.RuntimeInfo `json:"hash"`
	CAS           bool   `json:"cas"`
	Database      bool   `json:"database"`
	CompatWarning bool   `json:"compat_warning"`
	Uptime        string `json:"uptime"`
}

// DoctorResponse is the deep introspection report: active hash primitive
// and backend, truthful sandbox capability sets, scheduler configuration,
// and any compatibility warnings.
type DoctorResponse struct {
	EngineVersion string                   `json:"engine_version"`
	Hash          digest.RuntimeInfo       `json:"hash"`
	Sandbox       sandbox.CapabilityReport `json:"sandbox"`
	SchedulerMode string                   `json:"scheduler_mode"`
	Workers       int                      `json:"workers"`
	CASRoot       string                   `json:"cas_root,omitempty"`
	CASObjects    int                      `json:"cas_objects"`
	DriftRuns     int                      `json:"drift_runs"`
	CompatWarning bool                     `json:"compat_warning"`
}

// ReplayResponse wraps a validation report.
type ReplayResponse struct {
	Report replay.Report `json:"report"`
}

// DriftResponse wraps a drift report.
type DriftResponse struct {
	Report replay.DriftReport `json:"report"`
}
