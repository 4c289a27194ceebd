// Package queue hands task ids from the API to workers
package queue

import (
	"context"
	"errors"
)

var (
	// ErrQueueFull is returned when an in-process queue has no free slot
	ErrQueueFull = errors.New("task queue is full")
	// ErrClosed is returned by Dequeue after Close
	ErrClosed = errors.New("task queue is closed")
)

// Queue delivers task ids at least once
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
	// Dequeue blocks until a task id is available or ctx is done
	Dequeue(ctx context.Context) (*Delivery, error)
	Len(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is one dequeued task id. Exactly one of Ack or Nack must be called.
type Delivery struct {
	TaskID string
	ack    func(ctx context.Context) error
	nack   func(ctx context.Context) error
}

// Ack removes the delivery for good
func (d *Delivery) Ack(ctx context.Context) error {
	return d.ack(ctx)
}

// Nack returns the delivery to the queue
func (d *Delivery) Nack(ctx context.Context) error {
	return d.nack(ctx)
}
