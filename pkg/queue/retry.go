package queue

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy decides whether a failed enqueue is attempted again. The queue
// itself never retries; callers pick a policy.
type RetryPolicy interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

type noRetry struct{}

func (noRetry) Do(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

// NoRetry runs the operation exactly once.
var NoRetry RetryPolicy = noRetry{}

// Backoff retries with exponential delays starting at Base, capped at Max,
// for at most Attempts additional tries.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts uint64
}

func (b Backoff) Do(ctx context.Context, fn func(context.Context) error) error {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := retry.NewExponential(base)
	if b.Max > 0 {
		backoff = retry.WithCappedDuration(b.Max, backoff)
	}
	backoff = retry.WithMaxRetries(b.Attempts, backoff)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// EnqueueWithRetry enqueues job under policy. A nil policy means NoRetry.
func EnqueueWithRetry(ctx context.Context, q Queue, job Job, policy RetryPolicy) error {
	if policy == nil {
		policy = NoRetry
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		return q.Enqueue(ctx, job)
	})
}
