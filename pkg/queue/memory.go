package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-process development.
type MemoryQueue struct {
	pollTimeout time.Duration

	mu       sync.Mutex
	pending  []string
	inflight []string
	notify   chan struct{}
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(pollTimeout time.Duration) *MemoryQueue {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &MemoryQueue{pollTimeout: pollTimeout, notify: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	payload, err := encode(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, payload)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	timer := time.NewTimer(q.pollTimeout)
	defer timer.Stop()
	for {
		if raw, ok := q.pop(); ok {
			return decode(raw)
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-timer.C:
			return Delivery{}, ErrEmpty
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, raw := range q.inflight {
		if raw == d.raw {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryQueue) Recover(context.Context) (int, error) {
	q.mu.Lock()
	n := len(q.inflight)
	q.pending = append(append([]string{}, q.inflight...), q.pending...)
	q.inflight = nil
	q.mu.Unlock()
	if n > 0 {
		q.signal()
	}
	return n, nil
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

// InFlight reports deliveries handed out but not yet acked.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	raw := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight = append(q.inflight, raw)
	if len(q.pending) > 0 {
		q.signal()
	}
	return raw, true
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
