package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrRecordNotFound is returned when no audit record matches a lookup.
var ErrRecordNotFound = errors.New("execution record not found")

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogRecord inserts an execution record into the audit log.
func (db *DB) LogRecord(ctx context.Context, rec *ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO executions (id, request_id, request_digest, result_digest,
			stdout_digest, stderr_digest, trace_digest, ok, exit_code,
			termination_reason, state, error_code, scheduler_mode,
			compat_degraded, cas_committed, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.RequestID, rec.RequestDigest, rec.ResultDigest,
		rec.StdoutDigest, rec.StderrDigest, rec.TraceDigest,
		rec.OK, rec.ExitCode, rec.TerminationReason,
		rec.State, rec.ErrorCode, rec.SchedulerMode,
		rec.CompatDegraded, rec.CASCommitted, rec.DurationMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution record: %w", err)
	}
	return nil
}

// GetByResultDigest retrieves the audit record for a result digest.
func (db *DB) GetByResultDigest(ctx context.Context, dg string) (*ExecutionRecord, error) {
	query := `
		SELECT id, request_id, request_digest, result_digest,
			stdout_digest, stderr_digest, trace_digest, ok, exit_code,
			termination_reason, state, error_code, scheduler_mode,
			compat_degraded, cas_committed, duration_ms, created_at
		FROM executions WHERE result_digest = $1
		ORDER BY created_at DESC LIMIT 1`

	var rec ExecutionRecord
	err := db.pool.QueryRow(ctx, query, dg).Scan(
		&rec.ID, &rec.RequestID, &rec.RequestDigest, &rec.ResultDigest,
		&rec.StdoutDigest, &rec.StderrDigest, &rec.TraceDigest,
		&rec.OK, &rec.ExitCode, &rec.TerminationReason,
		&rec.State, &rec.ErrorCode, &rec.SchedulerMode,
		&rec.CompatDegraded, &rec.CASCommitted, &rec.DurationMS, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record for %s: %w", dg, err)
	}
	return &rec, nil
}

// ListRecords queries execution records with optional filters.
func (db *DB) ListRecords(ctx context.Context, filter RecordFilter) ([]ExecutionRecord, error) {
	query := `
		SELECT id, request_id, request_digest, result_digest, ok, exit_code,
			termination_reason, state, error_code, scheduler_mode,
			compat_degraded, cas_committed, duration_ms, created_at
		FROM executions
		WHERE ($1 = '' OR state = $1)
		  AND ($2 = '' OR scheduler_mode = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.State, filter.SchedulerMode, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution records: %w", err)
	}
	defer rows.Close()

	var results []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.RequestDigest, &rec.ResultDigest,
			&rec.OK, &rec.ExitCode, &rec.TerminationReason,
			&rec.State, &rec.ErrorCode, &rec.SchedulerMode,
			&rec.CompatDegraded, &rec.CASCommitted, &rec.DurationMS, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}
