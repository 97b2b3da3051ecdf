// Package engine orchestrates one execution end to end: request validation,
// policy enforcement, the sandboxed spawn, digest assembly, and the optional
// CAS commit. Every request walks an explicit state machine and finishes as
// an immutable ExecutionResult whose digest is reproducible across time,
// machine, and concurrency level.
package engine

import (
	"fmt"
	"regexp"

	"reprorun/internal/canonical"
	"reprorun/internal/digest"
	"reprorun/internal/policy"
)

// requestIDPattern restricts identifiers to characters that are safe in
// filenames and URL segments; anything richer invites path injection in
// downstream consumers.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// generatedIDLen is the hex prefix length for engine-generated request IDs.
const generatedIDLen = 16

// OpaqueOutput is a caller-supplied byte blob outside the determinism
// guarantee. It never participates in the result digest unless the caller
// explicitly opts in.
type OpaqueOutput struct {
	Data            []byte `json:"data"`
	IncludeInDigest bool   `json:"include_in_digest"`
}

// ExecutionRequest describes one command to run. A request is immutable once
// canonicalized; EnsureID is the only mutation and happens before that.
type ExecutionRequest struct {
	RequestID      string            `json:"request_id,omitempty"`
	Command        string            `json:"command"`
	Argv           []string          `json:"argv,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	WorkspaceRoot  string            `json:"workspace_root"`
	Env            map[string]string `json:"env,omitempty"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	Outputs        []string          `json:"outputs,omitempty"`
	Nonce          string            `json:"nonce,omitempty"`
	TimeoutMS      int64             `json:"timeout_ms,omitempty"`
	MaxOutputBytes int               `json:"max_output_bytes,omitempty"`
	Policy         policy.Policy     `json:"policy"`
	Opaque         *OpaqueOutput     `json:"opaque,omitempty"`
}

// Validate rejects structurally broken requests before anything runs.
func (r *ExecutionRequest) Validate() error {
	if r.Command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	if r.WorkspaceRoot == "" {
		return fmt.Errorf("%w: workspace_root is required", ErrInvalidRequest)
	}
	if r.RequestID != "" && !requestIDPattern.MatchString(r.RequestID) {
		return fmt.Errorf("%w: request_id %q contains characters outside [A-Za-z0-9_-]", ErrInvalidRequest, r.RequestID)
	}
	if r.TimeoutMS < 0 {
		return fmt.Errorf("%w: timeout_ms is negative", ErrInvalidRequest)
	}
	for path, dg := range r.Inputs {
		if !digest.Valid(dg) {
			return fmt.Errorf("%w: input %q carries malformed digest %q", ErrInvalidRequest, path, dg)
		}
	}
	return r.Policy.Validate()
}

// EnsureID fills in a missing request ID deterministically from the command
// and nonce, so the same logical request always gets the same identifier.
func (r *ExecutionRequest) EnsureID(eng *digest.Engine) {
	if r.RequestID != "" {
		return
	}
	seed := r.Command + "\x00" + r.Nonce
	r.RequestID = eng.Sum(digest.DomainRequest, []byte(seed))[:generatedIDLen]
}

// CanonicalBytes produces the byte-stable serialization that is the only
// permitted digest input for requests. Field selection is fixed; anything
// not listed here (timeouts, output caps, env values) does not influence the
// request digest.
func (r *ExecutionRequest) CanonicalBytes() ([]byte, error) {
	argv := r.Argv
	if argv == nil {
		argv = []string{}
	}
	outputs := r.Outputs
	if outputs == nil {
		outputs = []string{}
	}
	inputs := r.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	return canonical.Marshal(map[string]any{
		"argv":             argv,
		"command":          r.Command,
		"cwd":              r.Cwd,
		"inputs":           inputs,
		"nonce":            r.Nonce,
		"opaque_in_digest": r.Opaque != nil && r.Opaque.IncludeInDigest,
		"outputs":          outputs,
		"request_id":       r.RequestID,
		"scheduler_mode":   r.Policy.SchedulerMode,
		"workspace_root":   r.WorkspaceRoot,
	})
}

// Digest returns the domain-separated request digest.
func (r *ExecutionRequest) Digest(eng *digest.Engine) (string, error) {
	b, err := r.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return eng.Sum(digest.DomainRequest, b), nil
}
