package flow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job names understood by the pipeline. Submitting a flow containing any
// other name is rejected up front so a typo never reaches a worker.
const (
	JobPostUpload        = "postUpload"
	JobMoveUpload        = "moveUpload"
	JobTranscodeVideo    = "transcodeVideo"
	JobExtractThumbnails = "extractThumbnails"
	JobAnalyzeVideo      = "analyzeVideo"
	JobGeneratePreview   = "generatePreview"
	JobGenerateThumbnail = "generateThumbnail"
	JobBackfill          = "backfill"
	JobDeleteVideo       = "deleteVideo"
)

// Job states as persisted in the job store.
const (
	StateWaiting         = "waiting"
	StateWaitingChildren = "waiting-children"
	StateActive          = "active"
	StateDelayed         = "delayed"
	StateCompleted       = "completed"
	StateFailed          = "failed"
)

const (
	// DefaultMaxAttempts bounds how often a job is handed to a worker
	// before it is marked failed.
	DefaultMaxAttempts = 3
	// baseBackoff is the delay before the first retry. Each further
	// retry doubles it.
	baseBackoff = 5 * time.Second
)

var knownJobNames = map[string]struct{}{
	JobPostUpload:        {},
	JobMoveUpload:        {},
	JobTranscodeVideo:    {},
	JobExtractThumbnails: {},
	JobAnalyzeVideo:      {},
	JobGeneratePreview:   {},
	JobGenerateThumbnail: {},
	JobBackfill:          {},
	JobDeleteVideo:       {},
}

// KnownJobName reports whether name is one of the pipeline's job names.
func KnownJobName(name string) bool {
	_, ok := knownJobNames[strings.TrimSpace(name)]
	return ok
}

// Payload carries the identifiers a handler needs to locate its inputs.
// Every job in a flow shares the same payload.
type Payload struct {
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName"`
	VideoID  string `json:"videoId,omitempty"`
}

// Job is the persisted record of a single node in a submitted flow.
type Job struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Payload      Payload   `json:"payload"`
	ParentID     string    `json:"parentId,omitempty"`
	Pending      int       `json:"pending"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"maxAttempts"`
	State        string    `json:"state"`
	Progress     int       `json:"progress"`
	FailedReason string    `json:"failedReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Node describes one job in a flow tree before submission. Children must
// complete before the node itself is dispatched.
type Node struct {
	Name     string
	Payload  Payload
	Children []Node
}

// Validate walks the tree and rejects unknown job names.
func (n Node) Validate() error {
	if !KnownJobName(n.Name) {
		return fmt.Errorf("unknown job name %q", n.Name)
	}
	for _, child := range n.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PostUploadFlow builds the tree submitted once an upload finishes. The
// four derived-media jobs hang off moveUpload and run in any order
// relative to each other; analyzeVideo is dispatched ahead of
// extractThumbnails and tolerates an empty thumbnail set.
func PostUploadFlow(payload Payload) Node {
	return Node{
		Name:    JobPostUpload,
		Payload: payload,
		Children: []Node{
			{
				Name:    JobMoveUpload,
				Payload: payload,
				Children: []Node{
					{
						Name:    JobExtractThumbnails,
						Payload: payload,
						Children: []Node{
							{Name: JobAnalyzeVideo, Payload: payload},
						},
					},
					{Name: JobTranscodeVideo, Payload: payload},
					{Name: JobGeneratePreview, Payload: payload},
					{Name: JobGenerateThumbnail, Payload: payload},
				},
			},
		},
	}
}

// BackfillFlow rebuilds derived media for a video that predates a
// pipeline change. The original object is already in place, so there is
// no moveUpload step, and extractThumbnails runs before analyzeVideo.
func BackfillFlow(payload Payload) Node {
	return Node{
		Name:    JobBackfill,
		Payload: payload,
		Children: []Node{
			{
				Name:    JobAnalyzeVideo,
				Payload: payload,
				Children: []Node{
					{Name: JobExtractThumbnails, Payload: payload},
				},
			},
			{Name: JobTranscodeVideo, Payload: payload},
			{Name: JobGeneratePreview, Payload: payload},
			{Name: JobGenerateThumbnail, Payload: payload},
		},
	}
}

// DeleteVideoFlow tears down every artifact belonging to a video.
func DeleteVideoFlow(payload Payload) Node {
	return Node{Name: JobDeleteVideo, Payload: payload}
}

type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }

func (f *fatalError) Unwrap() error { return f.err }

// Fatal wraps an error so the worker skips remaining retries. Handlers
// use it for data errors a retry cannot repair, such as a missing
// video row.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was wrapped by Fatal.
func IsFatal(err error) bool {
	var fatal *fatalError
	return errors.As(err, &fatal)
}

// backoffDelay returns the wait before retrying a job that has already
// made the given number of attempts.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}
