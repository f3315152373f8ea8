package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reelforge/internal/flow"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func newTestEngine(t *testing.T) *flow.Engine {
	t.Helper()
	backend := flow.NewMemory(32)
	t.Cleanup(func() { backend.Close() })
	return flow.NewEngine(backend, backend)
}

func recordingHandler(log *callLog, name string) Handler {
	return func(ctx context.Context, job flow.Job) error {
		log.record(name)
		return nil
	}
}

func waitForState(t *testing.T, engine *flow.Engine, id, state string) flow.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := engine.Job(context.Background(), id)
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if job.State == state {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := engine.Job(context.Background(), id)
	t.Fatalf("job %s never reached %q, last state %q", id, state, job.State)
	return flow.Job{}
}

func TestRegistryValidation(t *testing.T) {
	if err := (Registry{}).Validate(); err == nil {
		t.Fatal("empty registry accepted")
	}
	if err := (Registry{"mineBitcoin": func(context.Context, flow.Job) error { return nil }}).Validate(); err == nil {
		t.Fatal("unknown job name accepted")
	}
	if err := (Registry{flow.JobMoveUpload: nil}).Validate(); err == nil {
		t.Fatal("nil handler accepted")
	}
	registry := Registry{flow.JobMoveUpload: func(context.Context, flow.Job) error { return nil }}
	if err := registry.Validate(); err != nil {
		t.Fatalf("valid registry rejected: %v", err)
	}
}

func TestWorkerRunsFlowLeafFirst(t *testing.T) {
	engine := newTestEngine(t)
	log := &callLog{}
	registry := Registry{
		flow.JobPostUpload:        recordingHandler(log, flow.JobPostUpload),
		flow.JobMoveUpload:        recordingHandler(log, flow.JobMoveUpload),
		flow.JobTranscodeVideo:    recordingHandler(log, flow.JobTranscodeVideo),
		flow.JobExtractThumbnails: recordingHandler(log, flow.JobExtractThumbnails),
		flow.JobAnalyzeVideo:      recordingHandler(log, flow.JobAnalyzeVideo),
		flow.JobGeneratePreview:   recordingHandler(log, flow.JobGeneratePreview),
		flow.JobGenerateThumbnail: recordingHandler(log, flow.JobGenerateThumbnail),
	}
	w, err := New(engine, registry, WithConcurrency(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	payload := flow.Payload{UploadID: "u1", FileName: "clip.mp4"}
	root, err := engine.Submit(ctx, flow.PostUploadFlow(payload))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForState(t, engine, root.ID, flow.StateCompleted)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := log.snapshot()
	if len(calls) != 7 {
		t.Fatalf("handler calls = %d, want 7: %v", len(calls), calls)
	}
	position := make(map[string]int, len(calls))
	for i, name := range calls {
		position[name] = i
	}
	if position[flow.JobExtractThumbnails] < position[flow.JobAnalyzeVideo] {
		t.Fatalf("extractThumbnails ran before its child analyzeVideo: %v", calls)
	}
	if position[flow.JobMoveUpload] < position[flow.JobTranscodeVideo] {
		t.Fatalf("moveUpload ran before child transcodeVideo: %v", calls)
	}
	if position[flow.JobPostUpload] != len(calls)-1 {
		t.Fatalf("postUpload was not last: %v", calls)
	}
}

func TestWorkerFatalErrorSkipsRetries(t *testing.T) {
	engine := newTestEngine(t)
	attempts := &callLog{}
	registry := Registry{
		flow.JobTranscodeVideo: func(ctx context.Context, job flow.Job) error {
			attempts.record(flow.JobTranscodeVideo)
			return flow.Fatal(errors.New("no video row for upload"))
		},
	}
	w, err := New(engine, registry, WithConcurrency(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	payload := flow.Payload{UploadID: "u2", FileName: "clip.mp4"}
	root, err := engine.Submit(ctx, flow.Node{Name: flow.JobTranscodeVideo, Payload: payload})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForState(t, engine, root.ID, flow.StateFailed)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(attempts.snapshot()); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	if job.FailedReason != "no video row for upload" {
		t.Fatalf("failed reason = %q", job.FailedReason)
	}
}

func TestWorkerFailsJobWithoutHandler(t *testing.T) {
	engine := newTestEngine(t)
	registry := Registry{
		flow.JobGeneratePreview: func(context.Context, flow.Job) error { return nil },
	}
	w, err := New(engine, registry, WithConcurrency(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	root, err := engine.Submit(ctx, flow.Node{Name: flow.JobDeleteVideo, Payload: flow.Payload{VideoID: "v1"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForState(t, engine, root.ID, flow.StateFailed)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.FailedReason == "" {
		t.Fatal("expected a failure reason for unhandled job")
	}
}
