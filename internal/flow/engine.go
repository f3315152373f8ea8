package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/observability/logging"
	"reelforge/internal/observability/metrics"
)

// Engine submits flow trees and settles job outcomes. Jobs are
// dispatched leaf-first: a node reaches the queue only once its pending
// child count hits zero.
type Engine struct {
	store    Store
	broker   Broker
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithLogger overrides the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder overrides the metrics recorder.
func WithRecorder(recorder *metrics.Recorder) EngineOption {
	return func(e *Engine) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// NewEngine wires a job store and broker into an engine.
func NewEngine(store Store, broker Broker, opts ...EngineOption) *Engine {
	engine := &Engine{
		store:    store,
		broker:   broker,
		logger:   logging.WithComponent(slog.Default(), "flow"),
		recorder: metrics.Default(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Task is one delivery of a job to a worker. The worker reports the
// outcome through Complete or Fail.
type Task struct {
	Job      Job
	delivery *Delivery
}

// Submit persists every node of the tree and enqueues its leaves. It
// returns the root job record.
func (e *Engine) Submit(ctx context.Context, root Node) (Job, error) {
	if err := root.Validate(); err != nil {
		return Job{}, err
	}
	var (
		jobs   []Job
		leaves []string
	)
	var build func(node Node, parentID string) string
	build = func(node Node, parentID string) string {
		job := Job{
			ID:          uuid.NewString(),
			Name:        node.Name,
			Payload:     node.Payload,
			ParentID:    parentID,
			Pending:     len(node.Children),
			MaxAttempts: DefaultMaxAttempts,
			State:       StateWaitingChildren,
		}
		if len(node.Children) == 0 {
			job.State = StateWaiting
			leaves = append(leaves, job.ID)
		}
		for _, child := range node.Children {
			build(child, job.ID)
		}
		jobs = append(jobs, job)
		return job.ID
	}
	rootID := build(root, "")
	for _, job := range jobs {
		if err := e.store.SaveJob(ctx, job); err != nil {
			return Job{}, fmt.Errorf("save job %s: %w", job.Name, err)
		}
	}
	for _, id := range leaves {
		if err := e.broker.Enqueue(ctx, id); err != nil {
			return Job{}, fmt.Errorf("enqueue leaf %s: %w", id, err)
		}
	}
	rootJob, err := e.store.GetJob(ctx, rootID)
	if err != nil {
		return Job{}, err
	}
	e.logger.Info("flow submitted", "root", root.Name, "job_id", rootID, "jobs", len(jobs))
	return rootJob, nil
}

// Job returns the persisted record for a job id.
func (e *Engine) Job(ctx context.Context, id string) (Job, error) {
	return e.store.GetJob(ctx, id)
}

// Next blocks for the broker's poll interval and returns the next ready
// task, or nil when none became ready. The job is marked active and its
// attempt counter advanced before it is handed out.
func (e *Engine) Next(ctx context.Context) (*Task, error) {
	delivery, err := e.broker.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, nil
	}
	job, err := e.store.GetJob(ctx, delivery.JobID)
	if err != nil {
		// The record is gone; drop the delivery so it does not recycle.
		e.logger.Warn("dropping delivery for missing job", "job_id", delivery.JobID, "error", err)
		if ackErr := e.broker.Ack(ctx, delivery); ackErr != nil {
			e.logger.Warn("ack failed", "job_id", delivery.JobID, "error", ackErr)
		}
		return nil, nil
	}
	attempts, err := e.store.IncrementAttempts(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	job.Attempts = attempts
	if err := e.store.SetState(ctx, job.ID, StateActive, ""); err != nil {
		return nil, err
	}
	job.State = StateActive
	e.recorder.JobStarted(job.Name)
	return &Task{Job: job, delivery: delivery}, nil
}

// Complete acknowledges the delivery, marks the job completed and, when
// this was the last outstanding child, promotes the parent to the queue.
func (e *Engine) Complete(ctx context.Context, task *Task) error {
	if err := e.broker.Ack(ctx, task.delivery); err != nil {
		e.logger.Warn("ack failed", "job_id", task.Job.ID, "error", err)
	}
	if err := e.store.SetState(ctx, task.Job.ID, StateCompleted, ""); err != nil {
		return err
	}
	e.recorder.JobCompleted(task.Job.Name)
	e.logger.Info("job completed", "job", task.Job.Name, "job_id", task.Job.ID, "attempt", task.Job.Attempts)
	return e.notifyParent(ctx, task.Job.ParentID)
}

func (e *Engine) notifyParent(ctx context.Context, parentID string) error {
	if parentID == "" {
		return nil
	}
	pending, err := e.store.DecrementPending(ctx, parentID)
	if err != nil {
		return fmt.Errorf("decrement pending for %s: %w", parentID, err)
	}
	if pending > 0 {
		return nil
	}
	parent, err := e.store.GetJob(ctx, parentID)
	if err != nil {
		return err
	}
	// A parent whose subtree already failed stays parked.
	if parent.State != StateWaitingChildren {
		return nil
	}
	if err := e.store.SetState(ctx, parentID, StateWaiting, ""); err != nil {
		return err
	}
	return e.broker.Enqueue(ctx, parentID)
}

// Fail acknowledges the delivery and either schedules a retry with
// exponential backoff or, once attempts are exhausted, marks the job
// failed and parks every ancestor so the rest of that subtree never
// dispatches. Sibling subtrees are unaffected.
func (e *Engine) Fail(ctx context.Context, task *Task, cause error) error {
	if err := e.broker.Ack(ctx, task.delivery); err != nil {
		e.logger.Warn("ack failed", "job_id", task.Job.ID, "error", err)
	}
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	if task.Job.Attempts < task.Job.MaxAttempts {
		delay := backoffDelay(task.Job.Attempts)
		if err := e.store.SetState(ctx, task.Job.ID, StateDelayed, reason); err != nil {
			return err
		}
		if err := e.broker.EnqueueAfter(ctx, task.Job.ID, delay); err != nil {
			return err
		}
		e.recorder.JobRetried(task.Job.Name)
		e.logger.Warn("job retry scheduled",
			"job", task.Job.Name,
			"job_id", task.Job.ID,
			"attempt", task.Job.Attempts,
			"delay", delay.String(),
			"error", reason)
		return nil
	}
	if err := e.store.SetState(ctx, task.Job.ID, StateFailed, reason); err != nil {
		return err
	}
	e.recorder.JobFailed(task.Job.Name)
	e.logger.Error("job failed permanently",
		"job", task.Job.Name,
		"job_id", task.Job.ID,
		"attempts", task.Job.Attempts,
		"error", reason)
	return e.failAncestors(ctx, task.Job.ParentID, task.Job.Name)
}

// FailFatal marks the job failed immediately, skipping remaining
// retries. Handlers use it for data errors a retry cannot repair.
func (e *Engine) FailFatal(ctx context.Context, task *Task, cause error) error {
	if err := e.broker.Ack(ctx, task.delivery); err != nil {
		e.logger.Warn("ack failed", "job_id", task.Job.ID, "error", err)
	}
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	if err := e.store.SetState(ctx, task.Job.ID, StateFailed, reason); err != nil {
		return err
	}
	e.recorder.JobFailed(task.Job.Name)
	e.logger.Error("job failed permanently", "job", task.Job.Name, "job_id", task.Job.ID, "error", reason)
	return e.failAncestors(ctx, task.Job.ParentID, task.Job.Name)
}

func (e *Engine) failAncestors(ctx context.Context, parentID, childName string) error {
	for parentID != "" {
		parent, err := e.store.GetJob(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.State == StateFailed {
			return nil
		}
		reason := fmt.Sprintf("descendant job %s failed", childName)
		if err := e.store.SetState(ctx, parentID, StateFailed, reason); err != nil {
			return err
		}
		e.recorder.JobFailed(parent.Name)
		parentID = parent.ParentID
	}
	return nil
}

// BackoffFor reports the retry delay applied after the given attempt
// count. The jobs API surfaces it in status responses.
func BackoffFor(attempts int) time.Duration {
	return backoffDelay(attempts)
}
