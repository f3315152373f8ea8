package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"reelforge/internal/flow"
	"reelforge/internal/observability/logging"
)

// Handler processes one job. Returning an error triggers the retry
// policy; wrapping it with flow.Fatal skips remaining retries.
type Handler func(ctx context.Context, job flow.Job) error

// Registry maps job names to their handlers. It is fixed at startup.
type Registry map[string]Handler

// Validate rejects registries that name jobs the pipeline does not know.
func (r Registry) Validate() error {
	if len(r) == 0 {
		return errors.New("worker: registry is empty")
	}
	for name, handler := range r {
		if !flow.KnownJobName(name) {
			return fmt.Errorf("worker: unknown job name %q in registry", name)
		}
		if handler == nil {
			return fmt.Errorf("worker: nil handler for %q", name)
		}
	}
	return nil
}

// Worker pulls ready jobs from the engine and dispatches them to the
// registered handlers.
type Worker struct {
	engine      *flow.Engine
	registry    Registry
	concurrency int
	logger      *slog.Logger
}

// Option customises a Worker.
type Option func(*Worker)

// WithConcurrency sets how many jobs the worker processes in parallel.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithLogger overrides the worker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New validates the registry and returns a worker bound to the engine.
func New(engine *flow.Engine, registry Registry, opts ...Option) (*Worker, error) {
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	worker := &Worker{
		engine:      engine,
		registry:    registry,
		concurrency: 4,
		logger:      logging.WithComponent(slog.Default(), "worker"),
	}
	for _, opt := range opts {
		opt(worker)
	}
	return worker, nil
}

// Run blocks until ctx is cancelled or the dispatch loop hits an error
// it cannot recover from. Handler errors are reported to the engine and
// never stop the loop; a broken broker connection does, so an external
// supervisor can restart the process.
func (w *Worker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		group.Go(func() error {
			return w.loop(ctx)
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		task, err := w.engine.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("worker: dispatch loop: %w", err)
		}
		if task == nil {
			continue
		}
		w.dispatch(ctx, task)
	}
}

func (w *Worker) dispatch(ctx context.Context, task *flow.Task) {
	jobCtx := logging.ContextWithJobID(ctx, task.Job.ID)
	logger := w.logger.With("job", task.Job.Name, "job_id", task.Job.ID, "attempt", task.Job.Attempts)

	handler, ok := w.registry[task.Job.Name]
	if !ok {
		logger.Error("no handler registered")
		if err := w.engine.FailFatal(jobCtx, task, fmt.Errorf("no handler registered for %s", task.Job.Name)); err != nil {
			logger.Error("record failure", "error", err)
		}
		return
	}

	logger.Info("job started", "upload_id", task.Job.Payload.UploadID)
	if err := handler(jobCtx, task.Job); err != nil {
		if flow.IsFatal(err) {
			if reportErr := w.engine.FailFatal(jobCtx, task, err); reportErr != nil {
				logger.Error("record failure", "error", reportErr)
			}
			return
		}
		if reportErr := w.engine.Fail(jobCtx, task, err); reportErr != nil {
			logger.Error("record failure", "error", reportErr)
		}
		return
	}
	if err := w.engine.Complete(jobCtx, task); err != nil {
		logger.Error("record completion", "error", err)
	}
}
