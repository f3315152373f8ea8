package storage

import "fmt"

// Object key layout shared by the pipeline and the lifecycle manager. Keys are
// deterministic so re-run jobs overwrite instead of duplicating.

// LandingKey is the temporary key raw upload bytes land under.
func LandingKey(uploadID string) string {
	return uploadID
}

// OriginalKey is the permanent location of the source file after moveUpload.
func OriginalKey(uploadID, fileName string) string {
	return fmt.Sprintf("originals/%s/%s", uploadID, fileName)
}

// ManifestKey locates the HLS manifest for a transcoded upload.
func ManifestKey(uploadID string) string {
	return fmt.Sprintf("transcoded/%s/output.m3u8", uploadID)
}

// SegmentKey locates one HLS segment by zero-based index.
func SegmentKey(uploadID string, index int) string {
	return fmt.Sprintf("transcoded/%s/segment-%d.ts", uploadID, index)
}

// PrimaryThumbnailKey locates the single representative frame.
func PrimaryThumbnailKey(uploadID string) string {
	return fmt.Sprintf("thumbnails/%s.png", uploadID)
}

// SampledThumbnailKey locates one per-second analysis frame.
func SampledThumbnailKey(uploadID string, index int) string {
	return fmt.Sprintf("thumbnails/%s-thumbnail-%d.jpg", uploadID, index)
}

// PreviewKey locates the animated preview loop.
func PreviewKey(uploadID string) string {
	return fmt.Sprintf("previews/%s.gif", uploadID)
}
