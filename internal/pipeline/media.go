package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"reelforge/internal/flow"
	"reelforge/internal/models"
	"reelforge/internal/storage"
)

const (
	primaryThumbnailWidth = 720
	previewDuration       = 3 * time.Second
)

// ExtractThumbnails samples one frame per second from the source,
// uploads each frame and bulk-inserts Thumbnail rows. Duplicate
// capture timestamps from a re-run are skipped by the store.
func (p *Pipeline) ExtractThumbnails(ctx context.Context, payload flow.Payload) error {
	video, err := p.videoFor(ctx, payload.UploadID)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(p.workDir, "thumbnails-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	source, err := p.fetchSource(ctx, payload, tmpDir)
	if err != nil {
		return err
	}
	pattern := filepath.Join(tmpDir, "frame-%d.jpg")
	args := []string{
		"-y",
		"-i", source,
		"-vf", "thumbnail,fps=1",
		"-pix_fmt", "yuvj444p",
		"-start_number", "0",
		pattern,
	}
	if err := p.runner.Run(ctx, args...); err != nil {
		return fmt.Errorf("extract thumbnails for %s: %w", payload.UploadID, err)
	}

	frames, err := sampledFrames(tmpDir)
	if err != nil {
		return err
	}
	rows := make([]models.Thumbnail, 0, len(frames))
	for _, frame := range frames {
		key := storage.SampledThumbnailKey(payload.UploadID, frame.index)
		file, err := os.Open(frame.path)
		if err != nil {
			return err
		}
		err = p.blobs.Put(ctx, key, file, "image/jpeg")
		file.Close()
		if err != nil {
			return fmt.Errorf("upload thumbnail %s: %w", key, err)
		}
		rows = append(rows, models.Thumbnail{
			VideoID:          video.ID,
			StorageKey:       key,
			TimestampSeconds: frame.index,
		})
	}
	created, err := p.repo.CreateThumbnails(ctx, rows)
	if err != nil {
		return fmt.Errorf("persist thumbnails: %w", err)
	}
	p.logger.Info("thumbnails extracted",
		"upload_id", payload.UploadID,
		"video_id", video.ID,
		"frames", len(frames),
		"inserted", len(created))
	return nil
}

type sampledFrame struct {
	index int
	path  string
}

// sampledFrames lists the frame-N.jpg files a sampling run produced, in
// capture order.
func sampledFrames(dir string) ([]sampledFrame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var frames []sampledFrame
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "frame-") || !strings.HasSuffix(name, ".jpg") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "frame-"), ".jpg"))
		if err != nil {
			continue
		}
		frames = append(frames, sampledFrame{index: index, path: filepath.Join(dir, name)})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].index < frames[j].index })
	return frames, nil
}

// GenerateThumbnail captures the frame one second in, scales it to the
// primary thumbnail width and records the object key on the Video.
func (p *Pipeline) GenerateThumbnail(ctx context.Context, payload flow.Payload) error {
	video, err := p.videoFor(ctx, payload.UploadID)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(p.workDir, "thumbnail-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	source, err := p.fetchSource(ctx, payload, tmpDir)
	if err != nil {
		return err
	}
	framePath := filepath.Join(tmpDir, "primary.png")
	args := []string{
		"-y",
		"-ss", "1",
		"-i", source,
		"-frames:v", "1",
		framePath,
	}
	if err := p.runner.Run(ctx, args...); err != nil {
		return fmt.Errorf("capture primary frame for %s: %w", payload.UploadID, err)
	}

	frame, err := imaging.Open(framePath)
	if err != nil {
		return fmt.Errorf("decode primary frame: %w", err)
	}
	scaled := imaging.Resize(frame, primaryThumbnailWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return fmt.Errorf("encode primary thumbnail: %w", err)
	}

	key := storage.PrimaryThumbnailKey(payload.UploadID)
	if err := p.blobs.Put(ctx, key, bytes.NewReader(buf.Bytes()), "image/png"); err != nil {
		return fmt.Errorf("upload primary thumbnail %s: %w", key, err)
	}
	if _, err := p.repo.UpdateVideo(ctx, video.ID, storage.VideoUpdate{ThumbnailURL: &key}); err != nil {
		return fmt.Errorf("record primary thumbnail: %w", err)
	}
	p.logger.Info("primary thumbnail generated", "upload_id", payload.UploadID, "key", key)
	return nil
}

// GeneratePreview renders a short animated loop at reduced size and
// frame rate and records the object key on the Video.
func (p *Pipeline) GeneratePreview(ctx context.Context, payload flow.Payload) error {
	video, err := p.videoFor(ctx, payload.UploadID)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(p.workDir, "preview-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	source, err := p.fetchSource(ctx, payload, tmpDir)
	if err != nil {
		return err
	}
	previewPath := filepath.Join(tmpDir, "preview.gif")
	args := []string{
		"-y",
		"-t", strconv.Itoa(int(previewDuration.Seconds())),
		"-i", source,
		"-vf", "fps=10,scale=320:-1:flags=lanczos",
		previewPath,
	}
	if err := p.runner.Run(ctx, args...); err != nil {
		return fmt.Errorf("render preview for %s: %w", payload.UploadID, err)
	}

	file, err := os.Open(previewPath)
	if err != nil {
		return err
	}
	defer file.Close()
	key := storage.PreviewKey(payload.UploadID)
	if err := p.blobs.Put(ctx, key, file, "image/gif"); err != nil {
		return fmt.Errorf("upload preview %s: %w", key, err)
	}
	if _, err := p.repo.UpdateVideo(ctx, video.ID, storage.VideoUpdate{PreviewURL: &key}); err != nil {
		return fmt.Errorf("record preview: %w", err)
	}
	p.logger.Info("preview generated", "upload_id", payload.UploadID, "key", key)
	return nil
}

// AnalyzeVideo classifies every stored thumbnail into content tags and,
// for premium videos, dispatches asynchronous caption requests. An
// empty thumbnail set is fine: the job may run ahead of extraction and
// a backfill picks up the rest.
func (p *Pipeline) AnalyzeVideo(ctx context.Context, payload flow.Payload) error {
	video, err := p.videoFor(ctx, payload.UploadID)
	if err != nil {
		return err
	}
	thumbnails, err := p.repo.ListThumbnails(ctx, video.ID)
	if err != nil {
		return fmt.Errorf("list thumbnails: %w", err)
	}

	tagged := 0
	for _, thumbnail := range thumbnails {
		image, err := p.readObject(ctx, thumbnail.StorageKey)
		if err != nil {
			p.logger.Warn("thumbnail fetch failed",
				"video_id", video.ID,
				"thumbnail_id", thumbnail.ID,
				"error", err)
			continue
		}
		if p.classifier != nil {
			labels, err := p.classifier.Classify(ctx, image)
			if err != nil {
				return fmt.Errorf("classify thumbnail %s: %w", thumbnail.ID, err)
			}
			tags := make([]models.ContentTag, 0, len(labels))
			for _, label := range labels {
				tags = append(tags, models.ContentTag{
					ThumbnailID: thumbnail.ID,
					Name:        label.Name,
					Confidence:  label.Confidence,
				})
			}
			if _, err := p.repo.CreateContentTags(ctx, tags); err != nil {
				return fmt.Errorf("persist content tags: %w", err)
			}
			tagged += len(tags)
		}
		if video.Premium && p.predictor != nil {
			if err := p.predictor.RequestCaption(ctx, thumbnail.ID, image); err != nil {
				p.logger.Warn("caption request failed",
					"thumbnail_id", thumbnail.ID,
					"error", err)
			}
		}
	}

	analyzedAt := time.Now().UTC()
	if _, err := p.repo.UpdateVideo(ctx, video.ID, storage.VideoUpdate{AnalyzedAt: &analyzedAt}); err != nil {
		return fmt.Errorf("record analysis: %w", err)
	}
	p.logger.Info("analysis finished",
		"video_id", video.ID,
		"thumbnails", len(thumbnails),
		"tags", tagged,
		"premium", video.Premium)
	return nil
}

func (p *Pipeline) readObject(ctx context.Context, key string) ([]byte, error) {
	object, err := p.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer object.Body.Close()
	return io.ReadAll(object.Body)
}
