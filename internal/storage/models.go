// Package storage persists an audit trail of execution results in
// PostgreSQL. Records carry digests, status, and timing only: captured
// output lives in the CAS and environment values never leave the policy
// layer, so neither belongs in the audit log.
package storage

import (
	"time"

	"reprorun/internal/engine"
)

// ExecutionRecord is one audited execution.
type ExecutionRecord struct {
	ID                string    `json:"id" db:"id"`
	RequestID         string    `json:"request_id" db:"request_id"`
	RequestDigest     string    `json:"request_digest" db:"request_digest"`
	ResultDigest      string    `json:"result_digest" db:"result_digest"`
	StdoutDigest      string    `json:"stdout_digest" db:"stdout_digest"`
	StderrDigest      string    `json:"stderr_digest" db:"stderr_digest"`
	TraceDigest       string    `json:"trace_digest" db:"trace_digest"`
	OK                bool      `json:"ok" db:"ok"`
	ExitCode          int       `json:"exit_code" db:"exit_code"`
	TerminationReason string    `json:"termination_reason" db:"termination_reason"`
	State             string    `json:"state" db:"state"`
	ErrorCode         string    `json:"error_code,omitempty" db:"error_code"`
	SchedulerMode     string    `json:"scheduler_mode" db:"scheduler_mode"`
	CompatDegraded    bool      `json:"compat_degraded" db:"compat_degraded"`
	CASCommitted      bool      `json:"cas_committed" db:"cas_committed"`
	DurationMS        int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// RecordOf projects a result into its audit record.
func RecordOf(res *engine.ExecutionResult) *ExecutionRecord {
	return &ExecutionRecord{
		RequestID:         res.RequestID,
		RequestDigest:     res.RequestDigest,
		ResultDigest:      res.ResultDigest,
		StdoutDigest:      res.StdoutDigest,
		StderrDigest:      res.StderrDigest,
		TraceDigest:       res.TraceDigest,
		OK:                res.OK,
		ExitCode:          res.ExitCode,
		TerminationReason: res.TerminationReason,
		State:             string(res.State),
		ErrorCode:         string(res.ErrorCode),
		SchedulerMode:     res.SchedulerMode,
		CompatDegraded:    res.CompatDegraded,
		CASCommitted:      res.CASCommitted,
		DurationMS:        res.DurationMS,
		CreatedAt:         time.Now().UTC(),
	}
}

// RecordFilter provides criteria for querying execution records.
type RecordFilter struct {
	State         string
	SchedulerMode string
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
}
