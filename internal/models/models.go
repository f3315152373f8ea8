package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Upload tracks a single resumable transfer session. The row is created when
// the client opens the transfer and mutated as bytes arrive; pipeline jobs
// later flip MovedAt and Transcoded. Only the artifact lifecycle manager
// deletes it.
type Upload struct {
	ID         string     `json:"id"`
	SizeBytes  int64      `json:"sizeBytes"`
	Offset     int64      `json:"offset"`
	Transcoded bool       `json:"transcoded"`
	MovedAt    *time.Time `json:"movedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Complete reports whether every declared byte has been received.
func (u Upload) Complete() bool {
	return u.SizeBytes > 0 && u.Offset >= u.SizeBytes
}

// VideoMetadata is recorded once per upload at completion time and never
// updated afterwards.
type VideoMetadata struct {
	UploadID  string    `json:"uploadId"`
	FileName  string    `json:"fileName"`
	MIMEType  string    `json:"mimeType"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// Video is the user-facing entity. It references an Upload by id; the Upload
// may exist on its own while ingestion is still in flight.
type Video struct {
	ID              string     `json:"id"`
	UploadID        string     `json:"uploadId"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Category        string     `json:"category,omitempty"`
	DurationSeconds float64    `json:"durationSeconds,omitempty"`
	Premium         bool       `json:"premium"`
	ThumbnailURL    string     `json:"thumbnailUrl,omitempty"`
	PreviewURL      string     `json:"previewUrl,omitempty"`
	AnalyzedAt      *time.Time `json:"analyzedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// HlsPlaylist denormalizes the manifest-level fields of a transcoded video.
// Written exactly once after a successful transcode.
type HlsPlaylist struct {
	ID                    string    `json:"id"`
	VideoID               string    `json:"videoId"`
	StorageKey            string    `json:"storageKey"`
	TargetDuration        float64   `json:"targetDuration"`
	MediaSequence         int       `json:"mediaSequence"`
	DiscontinuitySequence int       `json:"discontinuitySequence"`
	PlaylistType          string    `json:"playlistType"`
	TotalDuration         float64   `json:"totalDuration"`
	SegmentCount          int       `json:"segmentCount"`
	CreatedAt             time.Time `json:"createdAt"`
}

// HlsSegment is one chunk of transcoded media. SegmentNumber values for a
// playlist are contiguous integers starting at zero in manifest order.
type HlsSegment struct {
	ID              string    `json:"id"`
	PlaylistID      string    `json:"playlistId"`
	VideoID         string    `json:"videoId"`
	SegmentNumber   int       `json:"segmentNumber"`
	StorageKey      string    `json:"storageKey"`
	DurationSeconds float64   `json:"durationSeconds"`
	ByteRangeOffset *int64    `json:"byteRangeOffset,omitempty"`
	ByteRangeLength *int64    `json:"byteRangeLength,omitempty"`
	Discontinuity   bool      `json:"discontinuity"`
	KeyURI          string    `json:"keyUri,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Thumbnail is one sampled frame. TimestampSeconds is the offset into the
// source the frame was captured at. Caption arrives out-of-band from the
// prediction webhook and may stay empty forever.
type Thumbnail struct {
	ID               string    `json:"id"`
	VideoID          string    `json:"videoId"`
	StorageKey       string    `json:"storageKey"`
	TimestampSeconds int       `json:"timestampSeconds"`
	Caption          string    `json:"caption,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ContentTag is one classifier label attached to a Thumbnail.
type ContentTag struct {
	ID          string    `json:"id"`
	ThumbnailID string    `json:"thumbnailId"`
	Name        string    `json:"name"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"createdAt"`
}

var fileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-_]+(\.[a-zA-Z0-9-_]+)*$`)

var allowedMIMETypes = map[string]struct{}{
	"video/mp4":       {},
	"video/quicktime": {},
}

// ValidateFileName rejects names containing path separators, traversal
// sequences, or characters outside the safe set.
func ValidateFileName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("file name is required")
	}
	if !fileNamePattern.MatchString(trimmed) {
		return fmt.Errorf("file name %q contains unsupported characters", trimmed)
	}
	return nil
}

// ValidateMIMEType enforces the upload allow-list.
func ValidateMIMEType(mimeType string) error {
	trimmed := strings.TrimSpace(strings.ToLower(mimeType))
	if trimmed == "" {
		return fmt.Errorf("mime type is required")
	}
	if _, ok := allowedMIMETypes[trimmed]; !ok {
		return fmt.Errorf("mime type %q is not allowed", trimmed)
	}
	return nil
}
