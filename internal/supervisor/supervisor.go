// Package supervisor implements the Background-Task Supervisor (C11): a
// per-key single-slot runner for the Autonomous Cycle Engine (C9) and CI
// Status Poller (C10). Starting a task for a key cancels whatever task
// was previously tracked under that key; a task bounded by an overall
// timeout that fires an on-timeout callback if it hasn't finished in
// time.
//
// Grounded on original_source's AgenticOrchestrator._start_background_task
// / _cancel_background_task / _cleanup_background_task (Python): the same
// "cancel any existing task for this key, track the new one, clean up on
// completion" shape, reimplemented with context.CancelFunc plus a done
// channel instead of asyncio.Task, matching the teacher's
// (internal/kanban.Engine) use of goroutines guarded by explicit
// channels rather than a higher-level task abstraction.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgepilot/forgepilot/internal/logging"
	"golang.org/x/sync/errgroup"
)

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor tracks at most one background task per key.
type Supervisor struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *logging.Logger
}

// New creates a Supervisor.
func New(log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.NewNop()
	}
	return &Supervisor{entries: make(map[string]*entry), log: log}
}

// Start cancels any task already tracked under key, then runs fn in a
// new goroutine. If fn has not returned within timeout, onTimeout fires
// and fn's context is canceled; fn itself must observe ctx.Done() to
// unwind, mirroring the cooperative cancellation described in spec §5.
// onError fires for any non-nil, non-cancellation error fn returns.
func (s *Supervisor) Start(key, phaseName string, timeout time.Duration, fn func(ctx context.Context) error, onTimeout func(), onError func(error)) {
	s.Cancel(key)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.entries[key] = &entry{cancel: cancel, done: done}
	s.mu.Unlock()

	s.log.With("key", key, "phase", phaseName).Debug("supervisor starting background task")

	go func() {
		defer close(done)
		defer s.cleanup(key, done)

		errCh := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("%s panicked: %v", phaseName, r)
				}
			}()
			errCh <- fn(ctx)
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case err := <-errCh:
			cancel()
			if err != nil && ctx.Err() == nil {
				s.log.With("key", key, "phase", phaseName).Warn("background task failed", "error", err)
				if onError != nil {
					onError(err)
				}
			}
		case <-timer.C:
			s.log.With("key", key, "phase", phaseName).Error(phaseName + " timed out")
			cancel()
			<-errCh // let fn observe cancellation and exit before we report timeout
			if onTimeout != nil {
				onTimeout()
			}
		}
	}()
}

// Cancel cancels the task tracked under key, if any, and reports
// whether one was found.
func (s *Supervisor) Cancel(key string) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// ActiveCount reports how many tasks are currently tracked.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Shutdown cancels every tracked task and waits for them all to drain in
// parallel, the same fan-out-and-wait shape the teacher's WorkflowRunner
// uses errgroup for when running several agents concurrently: one Go per
// task, Wait returns the first non-context.Canceled error (if any) once
// all have finished. ctx bounds how long Shutdown itself waits.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		e.cancel()
		g.Go(func() error {
			select {
			case <-e.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// cleanup removes the tracked entry for key, but only if it is still
// the one this goroutine started — a newer Start for the same key must
// not be deleted by a stale cleanup.
func (s *Supervisor) cleanup(key string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.done == done {
		delete(s.entries, key)
	}
}
