// Package pipeline implements the job handlers that turn a finished
// upload into playable media: relocation, transcoding, derived images,
// content analysis and artifact teardown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"reelforge/internal/blobstore"
	"reelforge/internal/flow"
	"reelforge/internal/models"
	"reelforge/internal/observability/logging"
	"reelforge/internal/observability/metrics"
	"reelforge/internal/storage"
	"reelforge/internal/vision"
	"reelforge/internal/worker"
)

// Config wires the pipeline's collaborators. Repo, Blobs and Runner are
// required; Classifier and Predictor are optional and analyzeVideo
// degrades gracefully without them.
type Config struct {
	Repo       storage.Repository
	Blobs      blobstore.Store
	Runner     Runner
	Classifier vision.Classifier
	Predictor  vision.Predictor
	Logger     *slog.Logger
	Recorder   *metrics.Recorder
	// WorkDir holds per-job scratch directories. Defaults to the
	// system temp directory.
	WorkDir string
}

// Pipeline hosts the handlers for every pipeline job name.
type Pipeline struct {
	repo       storage.Repository
	blobs      blobstore.Store
	runner     Runner
	classifier vision.Classifier
	predictor  vision.Predictor
	logger     *slog.Logger
	recorder   *metrics.Recorder
	workDir    string
}

// New validates the configuration and returns a ready pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Repo == nil {
		return nil, errors.New("pipeline: repository is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("pipeline: blob store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("pipeline: ffmpeg runner is required")
	}
	p := &Pipeline{
		repo:       cfg.Repo,
		blobs:      cfg.Blobs,
		runner:     cfg.Runner,
		classifier: cfg.Classifier,
		predictor:  cfg.Predictor,
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
		workDir:    cfg.WorkDir,
	}
	if p.logger == nil {
		p.logger = logging.WithComponent(slog.Default(), "pipeline")
	}
	if p.recorder == nil {
		p.recorder = metrics.Default()
	}
	if p.workDir == "" {
		p.workDir = os.TempDir()
	}
	return p, nil
}

// Registry maps every pipeline job name to its handler.
func (p *Pipeline) Registry() worker.Registry {
	return worker.Registry{
		flow.JobPostUpload:        payloadHandler(p.PostUpload),
		flow.JobMoveUpload:        payloadHandler(p.MoveUpload),
		flow.JobTranscodeVideo:    payloadHandler(p.Transcode),
		flow.JobExtractThumbnails: payloadHandler(p.ExtractThumbnails),
		flow.JobAnalyzeVideo:      payloadHandler(p.AnalyzeVideo),
		flow.JobGeneratePreview:   payloadHandler(p.GeneratePreview),
		flow.JobGenerateThumbnail: payloadHandler(p.GenerateThumbnail),
		flow.JobBackfill:          payloadHandler(p.Backfill),
		flow.JobDeleteVideo: func(ctx context.Context, job flow.Job) error {
			if job.Payload.VideoID == "" {
				return flow.Fatal(errors.New("deleteVideo requires a video id"))
			}
			return p.DeleteVideoArtifacts(ctx, job.Payload.VideoID)
		},
	}
}

func payloadHandler(fn func(ctx context.Context, payload flow.Payload) error) worker.Handler {
	return func(ctx context.Context, job flow.Job) error {
		return fn(ctx, job.Payload)
	}
}

// PostUpload is the post-upload flow's root. Its children have done the
// work by the time it dispatches; it records the flow as finished.
func (p *Pipeline) PostUpload(ctx context.Context, payload flow.Payload) error {
	upload, err := p.repo.GetUpload(ctx, payload.UploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return flow.Fatal(fmt.Errorf("upload %s not found", payload.UploadID))
		}
		return err
	}
	p.logger.Info("post-upload processing finished",
		"upload_id", upload.ID,
		"file", payload.FileName,
		"transcoded", upload.Transcoded)
	return nil
}

// Backfill is the backfill flow's root.
func (p *Pipeline) Backfill(ctx context.Context, payload flow.Payload) error {
	p.logger.Info("backfill finished", "upload_id", payload.UploadID, "file", payload.FileName)
	return nil
}

// MoveUpload relocates the raw upload object from its landing key to
// the permanent originals path. Re-runs are no-ops once movedAt is set.
func (p *Pipeline) MoveUpload(ctx context.Context, payload flow.Payload) error {
	upload, err := p.repo.GetUpload(ctx, payload.UploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return flow.Fatal(fmt.Errorf("upload %s not found", payload.UploadID))
		}
		return err
	}
	if upload.MovedAt != nil {
		p.logger.Info("upload already moved", "upload_id", upload.ID, "moved_at", upload.MovedAt)
		return nil
	}
	from := storage.LandingKey(upload.ID)
	to := storage.OriginalKey(upload.ID, payload.FileName)
	if err := p.blobs.Move(ctx, from, to); err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	movedAt := time.Now().UTC()
	if _, err := p.repo.UpdateUpload(ctx, upload.ID, storage.UploadUpdate{MovedAt: &movedAt}); err != nil {
		return fmt.Errorf("record move for %s: %w", upload.ID, err)
	}
	p.logger.Info("upload moved", "upload_id", upload.ID, "key", to)
	return nil
}

// sourceKey resolves where the raw media currently lives. Derived-media
// jobs run as children of moveUpload and therefore usually read from
// the landing key; once movedAt is set the permanent path wins.
func (p *Pipeline) sourceKey(upload models.Upload, fileName string) string {
	if upload.MovedAt != nil {
		return storage.OriginalKey(upload.ID, fileName)
	}
	return storage.LandingKey(upload.ID)
}

// fetchSource downloads the raw media into dir and returns the local
// path.
func (p *Pipeline) fetchSource(ctx context.Context, payload flow.Payload, dir string) (string, error) {
	upload, err := p.repo.GetUpload(ctx, payload.UploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", flow.Fatal(fmt.Errorf("upload %s not found", payload.UploadID))
		}
		return "", err
	}
	key := p.sourceKey(upload, payload.FileName)
	object, err := p.blobs.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("fetch source %s: %w", key, err)
	}
	defer object.Body.Close()

	local, err := os.CreateTemp(dir, "source-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(local, object.Body); err != nil {
		local.Close()
		return "", fmt.Errorf("spool source %s: %w", key, err)
	}
	if err := local.Close(); err != nil {
		return "", err
	}
	return local.Name(), nil
}

// videoFor loads the Video row bound to an upload; absence is a data
// error no retry can repair.
func (p *Pipeline) videoFor(ctx context.Context, uploadID string) (models.Video, error) {
	video, err := p.repo.GetVideoByUploadID(ctx, uploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Video{}, flow.Fatal(fmt.Errorf("no video for upload %s", uploadID))
		}
		return models.Video{}, err
	}
	return video, nil
}
