package engine

import (
	"errors"

	"reprorun/internal/canonical"
	"reprorun/internal/cas"
	"reprorun/internal/digest"
	"reprorun/internal/policy"
	"reprorun/internal/sandbox"
)

// Code is the stable error vocabulary surfaced at the protocol boundary.
type Code string

const (
	CodeNone            Code = ""
	CodeHashUnavailable Code = "hash_unavailable"
	CodePathEscape      Code = "path_escape"
	CodeTimeout         Code = "timeout"
	CodeQuotaExceeded   Code = "quota_exceeded"
	CodeCASIntegrity    Code = "cas_integrity_failed"
	CodeCASNotFound     Code = "cas_not_found"
	CodeReplayMismatch  Code = "replay_mismatch"
	CodeDriftDetected   Code = "drift_detected"
	CodeJSONParse       Code = "json_parse_error"
	CodeJSONDuplicate   Code = "json_duplicate_key"
	CodeInvalidRequest  Code = "invalid_request"
	CodeSpawnFailed     Code = "spawn_failed"
	CodeInternal        Code = "internal_error"
)

var (
	// ErrReplayMismatch means a recorded digest could not be reproduced.
	ErrReplayMismatch = errors.New("replay mismatch")

	// ErrDriftDetected means repeated executions of one request produced
	// divergent result digests.
	ErrDriftDetected = errors.New("drift detected")

	// ErrInvalidRequest covers structural request validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrProofInvalid means a provenance bundle failed re-verification.
	ErrProofInvalid = errors.New("proof verification failed")
)

// IsReplayMismatch returns true for replay and proof verification failures.
func IsReplayMismatch(err error) bool {
	return errors.Is(err, ErrReplayMismatch) || errors.Is(err, ErrProofInvalid)
}

// IsDrift returns true for drift gate failures.
func IsDrift(err error) bool {
	return errors.Is(err, ErrDriftDetected)
}

// CodeOf maps an error anywhere in the pipeline to its boundary code.
// Integrity-class failures never soften into a generic code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeNone
	case digest.IsUnavailable(err):
		return CodeHashUnavailable
	case policy.IsPathEscape(err):
		return CodePathEscape
	case sandbox.IsTimeout(err):
		return CodeTimeout
	case policy.IsQuotaExceeded(err):
		return CodeQuotaExceeded
	case cas.IsIntegrity(err):
		return CodeCASIntegrity
	case cas.IsNotFound(err):
		return CodeCASNotFound
	case errors.Is(err, ErrReplayMismatch), errors.Is(err, ErrProofInvalid):
		return CodeReplayMismatch
	case errors.Is(err, ErrDriftDetected):
		return CodeDriftDetected
	case errors.Is(err, canonical.ErrDuplicateKey):
		return CodeJSONDuplicate
	case errors.Is(err, canonical.ErrParse), errors.Is(err, canonical.ErrNonFinite):
		return CodeJSONParse
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, policy.ErrInvalidPolicy):
		return CodeInvalidRequest
	case sandbox.IsSpawn(err):
		return CodeSpawnFailed
	default:
		return CodeInternal
	}
}
