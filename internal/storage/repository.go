package storage

import (
	"context"
	"errors"
	"time"

	"reelforge/internal/models"
)

// ErrNotFound is returned when a lookup targets a row that does not exist.
// Delete operations treat missing rows as already removed and do not return it.
var ErrNotFound = errors.New("storage: not found")

// CreateUploadParams captures the attributes recorded when a resumable
// transfer is opened.
type CreateUploadParams struct {
	ID        string
	SizeBytes int64
}

// UploadUpdate mutates selected Upload fields. Nil fields are left untouched.
type UploadUpdate struct {
	Offset     *int64
	Transcoded *bool
	MovedAt    *time.Time
}

// CreateVideoParams captures the user-supplied attributes of a new Video.
type CreateVideoParams struct {
	UploadID    string
	Title       string
	Description string
	Category    string
	Premium     bool
}

// VideoUpdate mutates selected Video fields. Nil fields are left untouched.
type VideoUpdate struct {
	Title           *string
	Description     *string
	Category        *string
	DurationSeconds *float64
	Premium         *bool
	ThumbnailURL    *string
	PreviewURL      *string
	AnalyzedAt      *time.Time
}

// Repository exposes the datastore operations required by the upload receiver,
// pipeline job handlers, and the artifact lifecycle manager.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUpload(ctx context.Context, params CreateUploadParams) (models.Upload, error)
	GetUpload(ctx context.Context, id string) (models.Upload, error)
	UpdateUpload(ctx context.Context, id string, update UploadUpdate) (models.Upload, error)
	DeleteUpload(ctx context.Context, id string) error

	CreateVideoMetadata(ctx context.Context, meta models.VideoMetadata) (models.VideoMetadata, error)
	GetVideoMetadata(ctx context.Context, uploadID string) (models.VideoMetadata, error)
	DeleteVideoMetadata(ctx context.Context, uploadID string) error

	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	GetVideoByUploadID(ctx context.Context, uploadID string) (models.Video, error)
	ListVideos(ctx context.Context) ([]models.Video, error)
	UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error)
	DeleteVideo(ctx context.Context, id string) error

	CreatePlaylist(ctx context.Context, playlist models.HlsPlaylist) (models.HlsPlaylist, error)
	GetPlaylistByVideoID(ctx context.Context, videoID string) (models.HlsPlaylist, error)
	DeletePlaylistByVideoID(ctx context.Context, videoID string) error

	CreateSegments(ctx context.Context, segments []models.HlsSegment) ([]models.HlsSegment, error)
	ListSegments(ctx context.Context, playlistID string) ([]models.HlsSegment, error)
	DeleteSegmentsByVideoID(ctx context.Context, videoID string) error

	CreateThumbnails(ctx context.Context, thumbnails []models.Thumbnail) ([]models.Thumbnail, error)
	GetThumbnail(ctx context.Context, id string) (models.Thumbnail, error)
	ListThumbnails(ctx context.Context, videoID string) ([]models.Thumbnail, error)
	UpdateThumbnailCaption(ctx context.Context, id, caption string) (models.Thumbnail, error)
	DeleteThumbnailsByVideoID(ctx context.Context, videoID string) error

	CreateContentTags(ctx context.Context, tags []models.ContentTag) ([]models.ContentTag, error)
	ListContentTags(ctx context.Context, thumbnailID string) ([]models.ContentTag, error)
	DeleteContentTagsByVideoID(ctx context.Context, videoID string) error

	Close()
}

var _ Repository = (*Store)(nil)
