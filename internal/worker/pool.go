// Package worker runs data jobs off the caller's goroutine.
package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull        = errors.New("worker queue is full")
	ErrPoolClosed       = errors.New("worker pool is shut down")
	ErrAlreadySubmitted = errors.New("data job is already queued or running")
)

// Runner executes one data job to completion. *engine.Orchestrator
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, jobID string) error
}

// Dispatcher hands a job to asynchronous execution. The returned channel
// receives the run's result once and is buffered, so callers may ignore it.
type Dispatcher interface {
	Submit(ctx context.Context, jobID string) (<-chan error, error)
}

type PoolConfig struct {
	Concurrency int
	QueueSize   int
}

type task struct {
	jobID  string
	result chan error
}

// Pool is a Dispatcher backed by a bounded queue and a fixed number of
// goroutines.
type Pool struct {
	runner Runner
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	active  map[string]struct{}
	queue   chan task
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewPool(runner Runner, cfg PoolConfig, logger zerolog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:  runner,
		logger:  logger.With().Str("component", "worker_pool").Logger(),
		active:  make(map[string]struct{}),
		queue:   make(chan task, cfg.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
	p.wg.Add(cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		go p.work(i)
	}
	p.logger.Info().Int("concurrency", cfg.Concurrency).Int("queue_size", cfg.QueueSize).Msg("worker pool started")
	return p
}

// Submit enqueues jobID without blocking. It fails with ErrQueueFull when
// every slot is taken and with ErrAlreadySubmitted while the same job is
// still queued or running.
func (p *Pool) Submit(ctx context.Context, jobID string) (<-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if _, ok := p.active[jobID]; ok {
		return nil, errors.Wrap(ErrAlreadySubmitted, jobID)
	}

	t := task{jobID: jobID, result: make(chan error, 1)}
	select {
	case p.queue <- t:
	default:
		return nil, ErrQueueFull
	}
	p.active[jobID] = struct{}{}
	p.logger.Debug().Str("job_id", jobID).Msg("data job queued")
	return t.result, nil
}

func (p *Pool) work(n int) {
	defer p.wg.Done()
	for t := range p.queue {
		logger := p.logger.With().Int("worker", n).Str("job_id", t.jobID).Logger()
		logger.Info().Msg("running data job")

		err := p.run(t.jobID)
		if err != nil {
			logger.Error().Err(err).Msg("data job run failed")
		} else {
			logger.Info().Msg("data job run finished")
		}

		p.mu.Lock()
		delete(p.active, t.jobID)
		p.mu.Unlock()
		t.result <- err
	}
}

func (p *Pool) run(jobID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("data job %s panicked: %v", jobID, r)
		}
	}()
	return p.runner.Execute(p.baseCtx, jobID)
}

// Shutdown stops accepting jobs and waits for queued and running ones. When
// ctx ends first, running jobs are interrupted through their context and
// Shutdown returns ctx's error once the workers exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
