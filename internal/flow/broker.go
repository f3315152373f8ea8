package flow

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job id has no record in the store.
var ErrJobNotFound = errors.New("flow: job not found")

// Delivery identifies one in-flight handoff of a job to a worker. The
// broker message id is needed to acknowledge the delivery.
type Delivery struct {
	MessageID string
	JobID     string
}

// Broker moves job ids between the engine and workers. A delivery is
// handed to exactly one consumer at a time; unacknowledged deliveries
// become eligible for redelivery after the broker's visibility timeout.
type Broker interface {
	Enqueue(ctx context.Context, jobID string) error
	EnqueueAfter(ctx context.Context, jobID string, delay time.Duration) error
	// Dequeue blocks up to the broker's block timeout and returns nil
	// when no job became ready.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, delivery *Delivery) error
	Close() error
}

// Store persists job records. Counter mutations are atomic so several
// workers can report completions for siblings concurrently.
type Store interface {
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	SetState(ctx context.Context, id, state, reason string) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	DecrementPending(ctx context.Context, id string) (int, error)
	Close() error
}
