package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"reelforge/internal/flow"
	"reelforge/internal/hls"
	"reelforge/internal/models"
	"reelforge/internal/storage"
)

// segmentUploadConcurrency bounds parallel segment puts per job.
const segmentUploadConcurrency = 4

// Transcode produces the single-rendition HLS output for an upload:
// run the codec, persist playlist and segment rows in manifest order,
// then upload the manifest and segments. Per-segment upload failures
// are logged and skipped; a manifest that cannot be written or rows
// that cannot be persisted fail the job.
func (p *Pipeline) Transcode(ctx context.Context, payload flow.Payload) error {
	video, err := p.videoFor(ctx, payload.UploadID)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(p.workDir, "transcode-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	source, err := p.fetchSource(ctx, payload, tmpDir)
	if err != nil {
		return err
	}
	outDir := filepath.Join(tmpDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	manifestPath := filepath.Join(outDir, "output.m3u8")
	args := []string{
		"-y",
		"-i", source,
		"-c:v", "libx264",
		"-profile:v", "main",
		"-level:v", "3.1",
		"-vf", "scale=720:-2",
		"-b:v", "800k",
		"-maxrate", "1000k",
		"-bufsize", "1200k",
		"-g", "12",
		"-movflags", "+faststart",
		"-start_number", "0",
		"-hls_time", "6",
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_type", "mpegts",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(outDir, "segment-%d.ts"),
		manifestPath,
	}
	if err := p.runner.Run(ctx, args...); err != nil {
		return fmt.Errorf("transcode %s: %w", payload.UploadID, err)
	}

	manifestFile, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("open produced manifest: %w", err)
	}
	manifest, err := hls.Parse(manifestFile)
	manifestFile.Close()
	if err != nil {
		return fmt.Errorf("parse produced manifest: %w", err)
	}

	playlist, segments, err := p.persistManifest(ctx, video, payload.UploadID, manifest)
	if err != nil {
		return err
	}

	if err := p.uploadManifest(ctx, payload.UploadID, manifestPath); err != nil {
		return err
	}
	p.uploadSegments(ctx, payload.UploadID, outDir, segments)

	transcoded := true
	if _, err := p.repo.UpdateUpload(ctx, payload.UploadID, storage.UploadUpdate{Transcoded: &transcoded}); err != nil {
		return fmt.Errorf("mark upload transcoded: %w", err)
	}
	p.logger.Info("transcode finished",
		"upload_id", payload.UploadID,
		"video_id", video.ID,
		"segments", len(segments),
		"duration", playlist.TotalDuration)
	return nil
}

// persistManifest replaces any previous playlist rows for the video so
// a retried job converges instead of duplicating.
func (p *Pipeline) persistManifest(ctx context.Context, video models.Video, uploadID string, manifest hls.Manifest) (models.HlsPlaylist, []models.HlsSegment, error) {
	if err := p.repo.DeleteSegmentsByVideoID(ctx, video.ID); err != nil {
		return models.HlsPlaylist{}, nil, fmt.Errorf("clear previous segments: %w", err)
	}
	if err := p.repo.DeletePlaylistByVideoID(ctx, video.ID); err != nil {
		return models.HlsPlaylist{}, nil, fmt.Errorf("clear previous playlist: %w", err)
	}

	playlist, err := p.repo.CreatePlaylist(ctx, models.HlsPlaylist{
		VideoID:               video.ID,
		StorageKey:            storage.ManifestKey(uploadID),
		TargetDuration:        manifest.TargetDuration,
		MediaSequence:         manifest.MediaSequence,
		DiscontinuitySequence: manifest.DiscontinuitySequence,
		PlaylistType:          manifest.PlaylistType,
		TotalDuration:         manifest.TotalDuration(),
		SegmentCount:          len(manifest.Segments),
	})
	if err != nil {
		return models.HlsPlaylist{}, nil, fmt.Errorf("persist playlist: %w", err)
	}

	rows := make([]models.HlsSegment, 0, len(manifest.Segments))
	for i, segment := range manifest.Segments {
		rows = append(rows, models.HlsSegment{
			PlaylistID:      playlist.ID,
			VideoID:         video.ID,
			SegmentNumber:   i,
			StorageKey:      storage.SegmentKey(uploadID, i),
			DurationSeconds: segment.Duration,
			ByteRangeOffset: segment.ByteRangeOffset,
			ByteRangeLength: segment.ByteRangeLength,
			Discontinuity:   segment.Discontinuity,
			KeyURI:          segment.KeyURI,
		})
	}
	created, err := p.repo.CreateSegments(ctx, rows)
	if err != nil {
		return models.HlsPlaylist{}, nil, fmt.Errorf("persist segments: %w", err)
	}
	return playlist, created, nil
}

func (p *Pipeline) uploadManifest(ctx context.Context, uploadID, manifestPath string) error {
	file, err := os.Open(manifestPath)
	if err != nil {
		return err
	}
	defer file.Close()
	key := storage.ManifestKey(uploadID)
	if err := p.blobs.Put(ctx, key, file, "application/vnd.apple.mpegurl"); err != nil {
		return fmt.Errorf("upload manifest %s: %w", key, err)
	}
	return nil
}

// uploadSegments pushes every produced segment, tolerating individual
// failures. A later re-run or backfill repairs gaps because keys are
// deterministic.
func (p *Pipeline) uploadSegments(ctx context.Context, uploadID, outDir string, segments []models.HlsSegment) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(segmentUploadConcurrency)
	for _, segment := range segments {
		segment := segment
		group.Go(func() error {
			localPath := filepath.Join(outDir, fmt.Sprintf("segment-%d.ts", segment.SegmentNumber))
			file, err := os.Open(localPath)
			if err != nil {
				p.recorder.ObserveSegmentUpload("error")
				p.logger.Warn("segment missing on disk",
					"upload_id", uploadID,
					"segment", segment.SegmentNumber,
					"error", err)
				return nil
			}
			defer file.Close()
			if err := p.blobs.Put(groupCtx, segment.StorageKey, file, "video/mp2t"); err != nil {
				p.recorder.ObserveSegmentUpload("error")
				p.logger.Warn("segment upload failed",
					"upload_id", uploadID,
					"segment", segment.SegmentNumber,
					"key", segment.StorageKey,
					"error", err)
				return nil
			}
			p.recorder.ObserveSegmentUpload("ok")
			return nil
		})
	}
	group.Wait()
}
