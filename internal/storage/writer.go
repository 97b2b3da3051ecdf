package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter decouples the execute path from Postgres latency: records are
// buffered and written by a background loop with bounded retries. A full
// buffer drops the entry rather than blocking an execution.
type AuditWriter struct {
	db   *DB
	ch   chan *ExecutionRecord
	wg   sync.WaitGroup
	done chan struct{}
}

// NewAuditWriter creates a writer with the given buffer size.
func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan *ExecutionRecord, bufferSize),
		done: make(chan struct{}),
	}
}

// Start launches the background write loop.
func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log enqueues one record.
func (w *AuditWriter) Log(rec *ExecutionRecord) {
	select {
	case w.ch <- rec:
	default:
		log.Warn().Str("request_id", rec.RequestID).Msg("audit buffer full, dropping record")
	}
}

// Flush drains buffered records, waiting at most timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(rec *ExecutionRecord) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogRecord(ctx, rec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("request_id", rec.RequestID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("request_id", rec.RequestID).
				Msg("audit write failed permanently after retries")
		}
	}
}
