// Package worker polls the build queue with a fixed number of workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/builder/internal/service/deploy"
	"github.com/splax/localvercel/pkg/queue"
)

const (
	defaultErrorBackoff = time.Second
	ackTimeout          = 5 * time.Second
)

// Executor builds one job.
type Executor interface {
	ExecuteJob(ctx context.Context, job queue.Job) deploy.Outcome
}

// Observer is notified after every executed job.
type Observer func(outcome deploy.Outcome, elapsed time.Duration)

// Pool runs exactly size concurrent workers.
type Pool struct {
	queue        queue.Queue
	exec         Executor
	size         int
	logger       *slog.Logger
	observe      Observer
	errorBackoff time.Duration
	active       atomic.Int64
	processed    atomic.Int64
}

// Option customises a Pool.
type Option func(*Pool)

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observe = o }
}

// WithErrorBackoff sets the pause after a failed dequeue.
func WithErrorBackoff(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.errorBackoff = d
		}
	}
}

// New returns a pool of size workers. Size below one is treated as one.
func New(q queue.Queue, exec Executor, size int, logger *slog.Logger, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{queue: q, exec: exec, size: size, logger: logger, errorBackoff: defaultErrorBackoff}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the configured worker count.
func (p *Pool) Size() int { return p.size }

// Active returns the number of jobs currently executing.
func (p *Pool) Active() int64 { return p.active.Load() }

// Processed returns the number of jobs handled since start.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Run re-queues this instance's in-flight jobs and then polls until ctx is
// cancelled. Jobs running at cancellation finish as failed and are acked once
// that status is reported.
func (p *Pool) Run(ctx context.Context) error {
	recovered, err := p.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	}
	if recovered > 0 {
		p.logger.Info("re-queued in-flight jobs", "count", recovered)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	p.logger.Info("worker pool started", "workers", p.size)
	err = g.Wait()
	p.logger.Info("worker pool stopped", "processed", p.processed.Load())
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With("worker", id)
	for ctx.Err() == nil {
		delivery, err := p.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, queue.ErrMalformed):
			log.Error("dropping malformed job", "error", err)
			p.ack(ctx, delivery)
			continue
		case err != nil:
			log.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.errorBackoff):
			}
			continue
		}
		p.handle(ctx, log, delivery)
	}
}

func (p *Pool) handle(ctx context.Context, log *slog.Logger, delivery queue.Delivery) {
	p.active.Add(1)
	start := time.Now()
	outcome := p.exec.ExecuteJob(ctx, delivery.Job)
	elapsed := time.Since(start)
	p.active.Add(-1)
	p.processed.Add(1)

	log.Info("job finished",
		"deployment_id", delivery.Job.DeploymentID,
		"status", outcome.Status,
		"skipped", outcome.Skipped,
		"duration", elapsed,
	)
	if p.observe != nil {
		p.observe(outcome, elapsed)
	}
	if outcome.Unreported {
		// Left in the processing list; Recover hands it out again.
		log.Error("final status not reported, leaving job for redelivery",
			"deployment_id", delivery.Job.DeploymentID,
			"status", outcome.Status,
		)
		return
	}
	p.ack(ctx, delivery)
}

func (p *Pool) ack(ctx context.Context, delivery queue.Delivery) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := p.queue.Ack(ackCtx, delivery); err != nil {
		p.logger.Error("ack failed", "deployment_id", delivery.Job.DeploymentID, "error", err)
	}
}
