package engine

import (
	"reprorun/internal/canonical"
	"reprorun/internal/digest"
	"reprorun/internal/policy"
	"reprorun/internal/sandbox"
)

// Termination reasons carried on results.
const (
	ReasonNone    = ""
	ReasonTimeout = "timeout"
	ReasonError   = "error"
)

// Signing status markers. Absence of a signature is an explicit state, not
// an empty string a consumer could mistake for a valid blank signature.
const (
	SignatureUnsigned = "unsigned"
	SignatureSigned   = "signed"
)

// Signature pairs a signing status with the signature value, present only
// when Status is signed.
type Signature struct {
	Status string `json:"status"`
	Value  string `json:"value,omitempty"`
}

// Unsigned is the default signature state for every freshly built result.
func Unsigned() Signature { return Signature{Status: SignatureUnsigned} }

// ExecutionResult is the immutable outcome of one request. It is produced
// exactly once and never mutated after Seal; consumers compare results by
// ResultDigest.
type ExecutionResult struct {
	RequestID         string `json:"request_id"`
	OK                bool   `json:"ok"`
	ExitCode          int    `json:"exit_code"`
	TerminationReason string `json:"termination_reason"`

	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`

	RequestDigest string            `json:"request_digest"`
	StdoutDigest  string            `json:"stdout_digest"`
	StderrDigest  string            `json:"stderr_digest"`
	TraceDigest   string            `json:"trace_digest"`
	ResultDigest  string            `json:"result_digest"`
	OutputDigests map[string]string `json:"output_digests,omitempty"`
	OpaqueDigest  string            `json:"opaque_digest,omitempty"`

	Trace         []TraceEvent             `json:"trace,omitempty"`
	PolicyApplied policy.Applied           `json:"policy_applied"`
	Sandbox       sandbox.CapabilityReport `json:"sandbox"`
	SchedulerMode string                   `json:"scheduler_mode"`

	State          State     `json:"state"`
	ErrorCode      Code      `json:"error_code,omitempty"`
	CompatDegraded bool      `json:"compat_degraded"`
	CASCommitted   bool      `json:"cas_committed"`
	DurationMS     int64     `json:"duration_ms"`
	Signature      Signature `json:"signature"`
}

// CanonicalBytes serializes the digest-bearing subset of the result. Wall
// clock fields (DurationMS), captured output bytes, and presentation fields
// are excluded on purpose: two runs of the same request must produce
// identical canonical results even though their durations differ. The
// opaque digest joins the set only when the caller opted it in.
func (res *ExecutionResult) CanonicalBytes() ([]byte, error) {
	outputs := res.OutputDigests
	if outputs == nil {
		outputs = map[string]string{}
	}
	v := map[string]any{
		"exit_code":          res.ExitCode,
		"ok":                 res.OK,
		"output_digests":     outputs,
		"request_digest":     res.RequestDigest,
		"stderr_digest":      res.StderrDigest,
		"stdout_digest":      res.StdoutDigest,
		"termination_reason": res.TerminationReason,
		"trace_digest":       res.TraceDigest,
	}
	if res.OpaqueDigest != "" {
		v["opaque_digest"] = res.OpaqueDigest
	}
	return canonical.Marshal(v)
}

// Seal computes and stores the result digest. Called once, after every
// other digest field is final.
func (res *ExecutionResult) Seal(eng *digest.Engine) error {
	b, err := res.CanonicalBytes()
	if err != nil {
		return err
	}
	res.ResultDigest = eng.Sum(digest.DomainResult, b)
	return nil
}
