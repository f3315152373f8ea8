package pipeline

import (
	"context"
	"errors"
	"fmt"

	"reelforge/internal/blobstore"
	"reelforge/internal/storage"
)

// DeleteVideoArtifacts tears down every object and row belonging to a
// video. Object deletions are best-effort; row deletions run in
// dependency order. A second call on the same id is a quiet no-op.
func (p *Pipeline) DeleteVideoArtifacts(ctx context.Context, videoID string) error {
	video, err := p.repo.GetVideo(ctx, videoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.logger.Info("video already deleted", "video_id", videoID)
			return nil
		}
		return err
	}
	uploadID := video.UploadID

	// Object teardown first, all best-effort. Keys are collected from
	// rows where they exist and derived from the upload id otherwise.
	p.deleteObject(ctx, "original", p.originalKeyFor(ctx, uploadID))
	p.deleteObject(ctx, "landing", storage.LandingKey(uploadID))
	p.deleteObject(ctx, "primary_thumbnail", storage.PrimaryThumbnailKey(uploadID))
	p.deleteObject(ctx, "preview", storage.PreviewKey(uploadID))

	thumbnails, err := p.repo.ListThumbnails(ctx, videoID)
	if err != nil {
		return fmt.Errorf("list thumbnails: %w", err)
	}
	for _, thumbnail := range thumbnails {
		p.deleteObject(ctx, "thumbnail", thumbnail.StorageKey)
	}

	if playlist, err := p.repo.GetPlaylistByVideoID(ctx, videoID); err == nil {
		segments, err := p.repo.ListSegments(ctx, playlist.ID)
		if err != nil {
			return fmt.Errorf("list segments: %w", err)
		}
		for _, segment := range segments {
			p.deleteObject(ctx, "segment", segment.StorageKey)
		}
		p.deleteObject(ctx, "manifest", playlist.StorageKey)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load playlist: %w", err)
	}

	// Row teardown in dependency order.
	if err := p.repo.DeleteContentTagsByVideoID(ctx, videoID); err != nil {
		return fmt.Errorf("delete content tags: %w", err)
	}
	if err := p.repo.DeleteThumbnailsByVideoID(ctx, videoID); err != nil {
		return fmt.Errorf("delete thumbnails: %w", err)
	}
	if err := p.repo.DeleteSegmentsByVideoID(ctx, videoID); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	if err := p.repo.DeletePlaylistByVideoID(ctx, videoID); err != nil {
		return fmt.Errorf("delete playlist: %w", err)
	}
	if err := p.repo.DeleteVideo(ctx, videoID); err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if err := p.repo.DeleteUpload(ctx, uploadID); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	if err := p.repo.DeleteVideoMetadata(ctx, uploadID); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}

	p.logger.Info("video artifacts deleted", "video_id", videoID, "upload_id", uploadID)
	return nil
}

// originalKeyFor rebuilds the permanent media key from the stored
// metadata; an empty string means there is nothing to delete there.
func (p *Pipeline) originalKeyFor(ctx context.Context, uploadID string) string {
	meta, err := p.repo.GetVideoMetadata(ctx, uploadID)
	if err != nil {
		return ""
	}
	return storage.OriginalKey(uploadID, meta.FileName)
}

func (p *Pipeline) deleteObject(ctx context.Context, kind, key string) {
	if key == "" {
		return
	}
	if err := p.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		p.logger.Warn("object delete failed", "kind", kind, "key", key, "error", err)
		return
	}
	p.recorder.ObserveGCDelete(kind)
}
