package engine

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reprorun/internal/policy"
)

// ErrSchedulerClosed is returned for submissions after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

type job struct {
	ctx   context.Context
	req   ExecutionRequest
	reply chan jobResult
}

type jobResult struct {
	res *ExecutionResult
	err error
}

// Scheduler dispatches requests to the executor. In repro mode a single
// worker drains a FIFO queue, so side effects are totally ordered and the
// drift gate measures the pipeline rather than scheduling noise. In turbo
// mode a fixed pool runs executions concurrently; digest semantics are
// identical because concurrent executions share nothing but the CAS, whose
// atomic commit tolerates racing writers.
type Scheduler struct {
	exec    *Executor
	mode    string
	jobs    chan job
	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	log    zerolog.Logger
}

// NewScheduler starts the worker set for the given mode. Workers only
// matters in turbo mode; zero means one worker per CPU.
func NewScheduler(exec *Executor, mode string, workers int) *Scheduler {
	if mode == policy.SchedulerRepro {
		workers = 1
	} else if workers <= 0 {
		workers = runtime.NumCPU()
	}
	s := &Scheduler{
		exec:    exec,
		mode:    mode,
		jobs:    make(chan job),
		workers: workers,
		log:     log.With().Str("component", "scheduler").Str("mode", mode).Logger(),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Mode returns the scheduler mode.
func (s *Scheduler) Mode() string { return s.mode }

// Workers returns the pool size.
func (s *Scheduler) Workers() int { return s.workers }

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		res, err := s.exec.Execute(j.ctx, j.req)
		j.reply <- jobResult{res: res, err: err}
	}
}

// Submit queues a request and blocks until its result is available or ctx
// is cancelled while still waiting for a worker.
func (s *Scheduler) Submit(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	// The read lock is held across the send so Close cannot close the jobs
	// channel between the closed check and the enqueue.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrSchedulerClosed
	}
	j := job{ctx: ctx, req: req, reply: make(chan jobResult, 1)}
	select {
	case s.jobs <- j:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return nil, ctx.Err()
	}
	r := <-j.reply
	return r.res, r.err
}

// Close stops accepting work and waits for in-flight executions to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.jobs)
	s.wg.Wait()
	s.log.Debug().Msg("scheduler drained")
}
