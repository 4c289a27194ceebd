package queue

import (
	"context"
	"sync"
)

// MemoryQueue is a bounded in-process queue for single-process deployments
type MemoryQueue struct {
	ch        chan string
	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryQueue creates a queue holding up to size pending ids
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
	}
}

// Enqueue implements Queue
func (q *MemoryQueue) Enqueue(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- taskID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue implements Queue
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrClosed
	case id := <-q.ch:
		return &Delivery{
			TaskID: id,
			ack:    func(context.Context) error { return nil },
			nack: func(ctx context.Context) error {
				return q.Enqueue(ctx, id)
			},
		}, nil
	}
}

// Len implements Queue
func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Ping implements Queue
func (q *MemoryQueue) Ping(context.Context) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
		return nil
	}
}

// Close stops pending Dequeue calls
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
