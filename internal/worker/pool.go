// Package worker implements the Worker Pool (C2): one or more workers
// sharing a single Durable Queue (C1), each running the
// dequeue/dispatch/extend-visibility/complete-or-fail loop of spec §4.2.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
	"github.com/forgepilot/forgepilot/internal/queue"
	"github.com/google/uuid"
)

// Handler processes one leased Job to completion. A returned error that
// satisfies core.IsRetryable is requeued with RetryDelay; any other
// error (or a nil core.DomainError) is treated as permanent failure.
type Handler func(ctx context.Context, job *domain.Job) error

// Config configures a Pool.
type Config struct {
	// PollInterval is how long an idle worker sleeps between empty
	// Dequeue calls. Defaults to 500ms (spec §4.2's T_poll).
	PollInterval time.Duration
	// VisibilityTimeout is the lease duration passed to Dequeue.
	VisibilityTimeout time.Duration
	// Concurrency is the number of worker goroutines sharing the queue.
	Concurrency int
	// DefaultRetryDelay is used when a handler's error carries no
	// explicit delay.
	DefaultRetryDelay time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      500 * time.Millisecond,
		VisibilityTimeout: 2 * time.Minute,
		Concurrency:       1,
		DefaultRetryDelay: 5 * time.Second,
	}
}

// Pool runs Concurrency worker loops against a shared queue.Backend,
// dispatching each leased job to the Handler registered for its kind.
type Pool struct {
	backend  queue.Backend
	cfg      Config
	log      *logging.Logger
	handlers map[domain.JobKind]Handler
	mu       sync.RWMutex

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Pool bound to backend.
func New(backend queue.Backend, cfg Config, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Pool{
		backend:  backend,
		cfg:      cfg,
		log:      log,
		handlers: make(map[domain.JobKind]Handler),
	}
}

// Register binds a Handler to a job kind. Must be called before Start.
func (p *Pool) Register(kind domain.JobKind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Start launches the configured number of worker loops. It recovers any
// jobs orphaned by a prior crash before the first poll (spec §4.1's
// fail_all_running startup recovery).
func (p *Pool) Start(ctx context.Context) error {
	if n, err := p.backend.FailAllRunning(ctx, "worker pool restarted"); err != nil {
		return fmt.Errorf("recovering orphaned jobs: %w", err)
	} else if n > 0 {
		p.log.With("count", n).Warn("failed orphaned running jobs on startup")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString())
		p.wg.Add(1)
		go p.loop(runCtx, workerID)
	}
	return nil
}

// Stop signals every worker loop to exit and waits for in-flight
// handlers to return.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := p.log.With("worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.backend.Dequeue(ctx, workerID, p.cfg.VisibilityTimeout)
		if err != nil {
			log.With("error", err).Error("dequeue failed")
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.dispatch(ctx, workerID, job, log)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pool) dispatch(ctx context.Context, workerID string, job *domain.Job, log *logging.Logger) {
	jobLog := log.WithJob(job.ID)

	p.mu.RLock()
	handler, ok := p.handlers[job.Kind]
	p.mu.RUnlock()
	if !ok {
		jobLog.With("kind", job.Kind).Error("no handler registered for job kind")
		_ = p.backend.Fail(ctx, job.ID, fmt.Sprintf("no handler registered for kind %q", job.Kind), p.cfg.DefaultRetryDelay)
		return
	}

	handlerCtx, stopExtend := context.WithCancel(ctx)
	defer stopExtend()
	p.wg.Add(1)
	go p.extendVisibilityLoop(handlerCtx, job.ID, jobLog)

	err := handler(handlerCtx, job)
	stopExtend()

	if err == nil {
		if err := p.backend.Complete(ctx, job.ID); err != nil {
			jobLog.With("error", err).Error("complete failed")
		}
		return
	}

	if !core.IsRetryable(err) {
		// Precondition-violated / permanent failures: the handler has
		// already set its Run or Review record terminal, so the job
		// itself is completed rather than failed-and-retried (spec §7's
		// chosen propagation strategy).
		if completeErr := p.backend.Complete(ctx, job.ID); completeErr != nil {
			jobLog.With("error", completeErr).Error("completing permanently failed job failed")
		}
		jobLog.With("error", err).Warn("job failed permanently, not retrying")
		return
	}
	retryDelay := p.cfg.DefaultRetryDelay
	if failErr := p.backend.Fail(ctx, job.ID, err.Error(), retryDelay); failErr != nil {
		jobLog.With("error", failErr).Error("requeue after failure failed")
	}
	jobLog.With("error", err).Warn("job failed, will retry")
}

// extendVisibilityLoop periodically extends the job's lease while its
// handler runs, per spec §4.2 step 3 (every T_vis/3).
func (p *Pool) extendVisibilityLoop(ctx context.Context, jobID string, log *logging.Logger) {
	defer p.wg.Done()
	interval := p.cfg.VisibilityTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.backend.ExtendVisibility(ctx, jobID, p.cfg.VisibilityTimeout); err != nil {
				log.With("error", err).Warn("extend visibility failed")
			}
		}
	}
}
