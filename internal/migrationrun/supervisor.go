// Package migrationrun is the Go analogue of pgcopydb's fork()+exit()
// child-process model: supervised goroutines instead of child processes,
// and an atomic quit flag instead of signal-delivered process teardown.
// See spec.md §9.
package migrationrun

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Supervisor runs labelled background goroutines and collects the first
// error from each, mirroring the teacher's snapshot.Copier worker-pool
// shape (WaitGroup + result collection) generalized to heterogeneous
// named units of work instead of one fixed kind of worker.
type Supervisor struct {
	logger zerolog.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	errs    []error
	running int32
}

// NewSupervisor creates a Supervisor that logs under the given logger.
func NewSupervisor(logger zerolog.Logger) *Supervisor {
	return &Supervisor{logger: logger.With().Str("component", "migrationrun").Logger()}
}

// Go starts fn in a new goroutine labelled name. It does not block; the
// caller observes completion and errors via Wait. This is the
// fire-and-forget replacement for copydb_start_extension_data_process's
// fork()+exit(EXIT_CODE_QUIT).
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	atomic.AddInt32(&s.running, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt32(&s.running, -1)
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error().Str("task", name).Interface("panic", p).Msg("supervised task panicked")
				s.mu.Lock()
				s.errs = append(s.errs, fmt.Errorf("%s: panic: %v", name, p))
				s.mu.Unlock()
			}
		}()

		s.logger.Debug().Str("task", name).Msg("starting supervised task")
		if err := fn(context.Background()); err != nil {
			s.logger.Error().Str("task", name).Err(err).Msg("supervised task failed")
			s.mu.Lock()
			s.errs = append(s.errs, fmt.Errorf("%s: %w", name, err))
			s.mu.Unlock()
			return
		}
		s.logger.Debug().Str("task", name).Msg("supervised task finished")
	}()
}

// Wait blocks until every task started via Go has returned, then reports
// the accumulated errors (nil if all succeeded).
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	joined := s.errs[0]
	for _, e := range s.errs[1:] {
		joined = fmt.Errorf("%w; %v", joined, e)
	}
	return joined
}

// Running reports how many tasks are currently in flight.
func (s *Supervisor) Running() int {
	return int(atomic.LoadInt32(&s.running))
}

// QuitFlag is a process-wide shutdown signal that replaces the signal
// handlers pgcopydb installs around each forked child: supervised
// goroutines poll it instead of receiving SIGTERM directly.
type QuitFlag struct {
	quit atomic.Bool
}

// Signal marks the flag as set. Safe to call from any goroutine,
// including a signal handler.
func (q *QuitFlag) Signal() {
	q.quit.Store(true)
}

// ShouldQuit reports whether Signal has been called.
func (q *QuitFlag) ShouldQuit() bool {
	return q.quit.Load()
}

// Quit is the process-wide shutdown flag consulted between iterations of
// the replay main loop, the extension iteration, and the TOC rewriter's
// per-entry loop. cmd/pgmover sets it from a signal.NotifyContext-derived
// cancellation; it is a package-level singleton because every loop that
// needs to observe it runs far from where the signal is received.
var Quit QuitFlag
