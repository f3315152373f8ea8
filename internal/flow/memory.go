package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store and Broker used by tests and by
// single-node deployments that do not run Redis.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]Job
	timers   map[*time.Timer]struct{}
	closed   bool
	nextMsg  int
	clock    func() time.Time
	queue    chan string
	blockFor time.Duration
}

// NewMemory returns an empty in-memory backend. The buffer bounds how
// many ready jobs can sit between Enqueue and Dequeue.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 128
	}
	return &Memory{
		jobs:     make(map[string]Job),
		timers:   make(map[*time.Timer]struct{}),
		clock:    time.Now,
		queue:    make(chan string, buffer),
		blockFor: 50 * time.Millisecond,
	}
}

func (m *Memory) SaveJob(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("flow: memory backend closed")
	}
	job.UpdatedAt = m.clock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (m *Memory) SetState(ctx context.Context, id, state, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.State = state
	job.FailedReason = reason
	if state == StateCompleted {
		job.Progress = 100
	}
	job.UpdatedAt = m.clock()
	m.jobs[id] = job
	return nil
}

func (m *Memory) IncrementAttempts(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return 0, ErrJobNotFound
	}
	job.Attempts++
	job.UpdatedAt = m.clock()
	m.jobs[id] = job
	return job.Attempts, nil
}

func (m *Memory) DecrementPending(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return 0, ErrJobNotFound
	}
	if job.Pending > 0 {
		job.Pending--
	}
	job.UpdatedAt = m.clock()
	m.jobs[id] = job
	return job.Pending, nil
}

func (m *Memory) Enqueue(ctx context.Context, jobID string) error {
	select {
	case m.queue <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) EnqueueAfter(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return m.Enqueue(ctx, jobID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("flow: memory backend closed")
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, timer)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		select {
		case m.queue <- jobID:
		default:
		}
	})
	m.timers[timer] = struct{}{}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(m.blockFor)
	defer timer.Stop()
	select {
	case jobID, ok := <-m.queue:
		if !ok {
			return nil, errors.New("flow: memory backend closed")
		}
		m.mu.Lock()
		m.nextMsg++
		msg := m.nextMsg
		m.mu.Unlock()
		return &Delivery{MessageID: fmt.Sprintf("mem-%d", msg), JobID: jobID}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) Ack(ctx context.Context, delivery *Delivery) error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for timer := range m.timers {
		timer.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	return nil
}
