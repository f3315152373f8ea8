package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reelforge/internal/blobstore"
	"reelforge/internal/flow"
	"reelforge/internal/models"
	"reelforge/internal/storage"
	"reelforge/internal/vision"
)

// fakeRunner stands in for ffmpeg and writes canned output files based
// on the requested output path.
type fakeRunner struct {
	calls [][]string
	fn    func(args []string) error
}

func (r *fakeRunner) Run(ctx context.Context, args ...string) error {
	r.calls = append(r.calls, append([]string(nil), args...))
	if r.fn == nil {
		return nil
	}
	return r.fn(args)
}

type testEnv struct {
	pipeline *Pipeline
	repo     *storage.Store
	blobs    *blobstore.Memory
	runner   *fakeRunner
}

func newTestEnv(t *testing.T, opts func(cfg *Config)) *testEnv {
	t.Helper()
	repo, err := storage.NewStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(repo.Close)
	blobs := blobstore.NewMemory()
	runner := &fakeRunner{}
	cfg := Config{
		Repo:    repo,
		Blobs:   blobs,
		Runner:  runner,
		WorkDir: t.TempDir(),
	}
	if opts != nil {
		opts(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{pipeline: p, repo: repo, blobs: blobs, runner: runner}
}

// seedUpload creates the upload, metadata and video rows plus the raw
// landing object, mirroring a finished resumable transfer.
func (env *testEnv) seedUpload(t *testing.T, uploadID, fileName string, premium bool) models.Video {
	t.Helper()
	ctx := context.Background()
	if _, err := env.repo.CreateUpload(ctx, storage.CreateUploadParams{ID: uploadID, SizeBytes: 1024}); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	if _, err := env.repo.CreateVideoMetadata(ctx, models.VideoMetadata{
		UploadID: uploadID,
		FileName: fileName,
		MIMEType: "video/mp4",
		Path:     storage.OriginalKey(uploadID, fileName),
	}); err != nil {
		t.Fatalf("CreateVideoMetadata: %v", err)
	}
	video, err := env.repo.CreateVideo(ctx, storage.CreateVideoParams{
		UploadID: uploadID,
		Title:    "test clip",
		Premium:  premium,
	})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if err := env.blobs.Put(ctx, storage.LandingKey(uploadID), strings.NewReader("raw-video-bytes"), "video/mp4"); err != nil {
		t.Fatalf("seed landing object: %v", err)
	}
	return video
}

func payloadFor(uploadID, fileName string) flow.Payload {
	return flow.Payload{UploadID: uploadID, FileName: fileName}
}

func TestMoveUploadRelocatesOnceAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUpload(t, "up-1", "clip.mp4", false)
	ctx := context.Background()

	if err := env.pipeline.MoveUpload(ctx, payloadFor("up-1", "clip.mp4")); err != nil {
		t.Fatalf("MoveUpload: %v", err)
	}
	if env.blobs.Exists(storage.LandingKey("up-1")) {
		t.Fatal("landing object still present after move")
	}
	if !env.blobs.Exists(storage.OriginalKey("up-1", "clip.mp4")) {
		t.Fatal("original object missing after move")
	}
	upload, err := env.repo.GetUpload(ctx, "up-1")
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if upload.MovedAt == nil {
		t.Fatal("movedAt not recorded")
	}
	movedAt := *upload.MovedAt

	if err := env.pipeline.MoveUpload(ctx, payloadFor("up-1", "clip.mp4")); err != nil {
		t.Fatalf("second MoveUpload: %v", err)
	}
	upload, _ = env.repo.GetUpload(ctx, "up-1")
	if !upload.MovedAt.Equal(movedAt) {
		t.Fatalf("movedAt changed on re-run: %v != %v", upload.MovedAt, movedAt)
	}
}

const testManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-INDEPENDENT-SEGMENTS
#EXTINF:6.000,
segment-0.ts
#EXTINF:4.000,
segment-1.ts
#EXT-X-ENDLIST
`

func transcodeFixture(args []string) error {
	manifestPath := args[len(args)-1]
	outDir := filepath.Dir(manifestPath)
	for i := 0; i < 2; i++ {
		segPath := filepath.Join(outDir, fmt.Sprintf("segment-%d.ts", i))
		if err := os.WriteFile(segPath, []byte(fmt.Sprintf("segment-%d-bytes", i)), 0o644); err != nil {
			return err
		}
	}
	return os.WriteFile(manifestPath, []byte(testManifest), 0o644)
}

func TestTranscodePersistsRowsAndUploadsObjects(t *testing.T) {
	env := newTestEnv(t, nil)
	video := env.seedUpload(t, "up-2", "clip.mp4", false)
	env.runner.fn = transcodeFixture
	ctx := context.Background()

	if err := env.pipeline.Transcode(ctx, payloadFor("up-2", "clip.mp4")); err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	playlist, err := env.repo.GetPlaylistByVideoID(ctx, video.ID)
	if err != nil {
		t.Fatalf("GetPlaylistByVideoID: %v", err)
	}
	if playlist.TargetDuration != 6 {
		t.Fatalf("target duration = %v, want 6", playlist.TargetDuration)
	}
	if playlist.SegmentCount != 2 {
		t.Fatalf("segment count = %d, want 2", playlist.SegmentCount)
	}
	if diff := playlist.TotalDuration - 10.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("total duration = %v, want 10", playlist.TotalDuration)
	}
	if playlist.PlaylistType != "VOD" {
		t.Fatalf("playlist type = %q, want VOD", playlist.PlaylistType)
	}

	segments, err := env.repo.ListSegments(ctx, playlist.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
	for i, segment := range segments {
		if segment.SegmentNumber != i {
			t.Fatalf("segment[%d].SegmentNumber = %d", i, segment.SegmentNumber)
		}
		wantKey := storage.SegmentKey("up-2", i)
		if segment.StorageKey != wantKey {
			t.Fatalf("segment key = %q, want %q", segment.StorageKey, wantKey)
		}
		if !env.blobs.Exists(wantKey) {
			t.Fatalf("segment object %q not uploaded", wantKey)
		}
	}
	if !env.blobs.Exists(storage.ManifestKey("up-2")) {
		t.Fatal("manifest object not uploaded")
	}

	upload, err := env.repo.GetUpload(ctx, "up-2")
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if !upload.Transcoded {
		t.Fatal("upload not marked transcoded")
	}
}

func TestTranscodeRerunConverges(t *testing.T) {
	env := newTestEnv(t, nil)
	video := env.seedUpload(t, "up-3", "clip.mp4", false)
	env.runner.fn = transcodeFixture
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := env.pipeline.Transcode(ctx, payloadFor("up-3", "clip.mp4")); err != nil {
			t.Fatalf("Transcode run %d: %v", i+1, err)
		}
	}
	playlist, err := env.repo.GetPlaylistByVideoID(ctx, video.ID)
	if err != nil {
		t.Fatalf("GetPlaylistByVideoID: %v", err)
	}
	segments, err := env.repo.ListSegments(ctx, playlist.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("segments after re-run = %d, want 2", len(segments))
	}
}

func TestTranscodeWithoutVideoRowIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.repo.CreateUpload(ctx, storage.CreateUploadParams{ID: "up-4", SizeBytes: 10}); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	err := env.pipeline.Transcode(ctx, payloadFor("up-4", "clip.mp4"))
	if err == nil {
		t.Fatal("expected error for missing video row")
	}
	if !flow.IsFatal(err) {
		t.Fatalf("error not fatal: %v", err)
	}
}

// failingBlobs rejects puts for chosen keys so segment-upload tolerance
// can be exercised.
type failingBlobs struct {
	*blobstore.Memory
	failKeys map[string]bool
}

func (f *failingBlobs) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if f.failKeys[key] {
		return errors.New("injected put failure")
	}
	return f.Memory.Put(ctx, key, body, contentType)
}

func TestTranscodeToleratesSegmentUploadFailure(t *testing.T) {
	blobs := &failingBlobs{
		Memory:   blobstore.NewMemory(),
		failKeys: map[string]bool{storage.SegmentKey("up-5", 1): true},
	}
	env := newTestEnv(t, func(cfg *Config) { cfg.Blobs = blobs })
	env.seedUpload(t, "up-5", "clip.mp4", false)
	if err := blobs.Memory.Put(context.Background(), storage.LandingKey("up-5"), strings.NewReader("raw"), "video/mp4"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env.runner.fn = transcodeFixture
	ctx := context.Background()

	if err := env.pipeline.Transcode(ctx, payloadFor("up-5", "clip.mp4")); err != nil {
		t.Fatalf("Transcode failed despite tolerable segment error: %v", err)
	}
	if !blobs.Memory.Exists(storage.SegmentKey("up-5", 0)) {
		t.Fatal("healthy segment not uploaded")
	}
	upload, err := env.repo.GetUpload(ctx, "up-5")
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if !upload.Transcoded {
		t.Fatal("upload not marked transcoded after tolerated failure")
	}
}

func thumbnailFixture(count int) func(args []string) error {
	return func(args []string) error {
		pattern := args[len(args)-1]
		for i := 0; i < count; i++ {
			path := strings.Replace(pattern, "%d", fmt.Sprintf("%d", i), 1)
			if err := os.WriteFile(path, []byte(fmt.Sprintf("jpg-%d", i)), 0o644); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestExtractThumbnailsUploadsFramesAndSkipsDuplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	video := env.seedUpload(t, "up-6", "clip.mp4", false)
	env.runner.fn = thumbnailFixture(3)
	ctx := context.Background()

	if err := env.pipeline.ExtractThumbnails(ctx, payloadFor("up-6", "clip.mp4")); err != nil {
		t.Fatalf("ExtractThumbnails: %v", err)
	}
	thumbnails, err := env.repo.ListThumbnails(ctx, video.ID)
	if err != nil {
		t.Fatalf("ListThumbnails: %v", err)
	}
	if len(thumbnails) != 3 {
		t.Fatalf("thumbnails = %d, want 3", len(thumbnails))
	}
	for i, thumbnail := range thumbnails {
		if thumbnail.TimestampSeconds != i {
			t.Fatalf("thumbnail[%d] timestamp = %d", i, thumbnail.TimestampSeconds)
		}
		if !env.blobs.Exists(storage.SampledThumbnailKey("up-6", i)) {
			t.Fatalf("thumbnail object %d missing", i)
		}
	}

	if err := env.pipeline.ExtractThumbnails(ctx, payloadFor("up-6", "clip.mp4")); err != nil {
		t.Fatalf("second ExtractThumbnails: %v", err)
	}
	thumbnails, _ = env.repo.ListThumbnails(ctx, video.ID)
	if len(thumbnails) != 3 {
		t.Fatalf("thumbnails after re-run = %d, want 3", len(thumbnails))
	}
}

func TestGenerateThumbnailScalesAndRecordsKey(t *testing.T) {
	env := newTestEnv(t, nil)
	video := env.seedUpload(t, "up-7", "clip.mp4", false)
	env.runner.fn = func(args []string) error {
		framePath := args[len(args)-1]
		img := image.NewRGBA(image.Rect(0, 0, 1440, 810))
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return err
		}
		return os.WriteFile(framePath, buf.Bytes(), 0o644)
	}
	ctx := context.Background()

	if err := env.pipeline.GenerateThumbnail(ctx, payloadFor("up-7", "clip.mp4")); err != nil {
		t.Fatalf("GenerateThumbnail: %v", err)
	}
	key := storage.PrimaryThumbnailKey("up-7")
	data, ok := env.blobs.Data(key)
	if !ok {
		t.Fatal("primary thumbnail not uploaded")
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("uploaded thumbnail is not a png: %v", err)
	}
	if width := decoded.Bounds().Dx(); width != 720 {
		t.Fatalf("thumbnail width = %d, want 720", width)
	}
	updated, err := env.repo.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if updated.ThumbnailURL != key {
		t.Fatalf("thumbnailUrl = %q, want %q", updated.ThumbnailURL, key)
	}
}

func TestGeneratePreviewRecordsKey(t *testing.T) {
	env := newTestEnv(t, nil)
	video := env.seedUpload(t, "up-8", "clip.mp4", false)
	env.runner.fn = func(args []string) error {
		return os.WriteFile(args[len(args)-1], []byte("gif-bytes"), 0o644)
	}
	ctx := context.Background()

	if err := env.pipeline.GeneratePreview(ctx, payloadFor("up-8", "clip.mp4")); err != nil {
		t.Fatalf("GeneratePreview: %v", err)
	}
	key := storage.PreviewKey("up-8")
	if !env.blobs.Exists(key) {
		t.Fatal("preview object missing")
	}
	updated, err := env.repo.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if updated.PreviewURL != key {
		t.Fatalf("previewUrl = %q, want %q", updated.PreviewURL, key)
	}
}

type fakeClassifier struct {
	labels []vision.Label
	calls  int
}

func (c *fakeClassifier) Classify(ctx context.Context, image []byte) ([]vision.Label, error) {
	c.calls++
	return c.labels, nil
}

type fakePredictor struct {
	requests []string
}

func (p *fakePredictor) RequestCaption(ctx context.Context, thumbnailID string, image []byte) error {
	p.requests = append(p.requests, thumbnailID)
	return nil
}

func TestAnalyzeVideoTagsThumbnailsAndGatesPredictor(t *testing.T) {
	classifier := &fakeClassifier{labels: []vision.Label{{Name: "outdoor", Confidence: 0.9}}}
	predictor := &fakePredictor{}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Classifier = classifier
		cfg.Predictor = predictor
	})
	video := env.seedUpload(t, "up-9", "clip.mp4", true)
	ctx := context.Background()

	created, err := env.repo.CreateThumbnails(ctx, []models.Thumbnail{
		{VideoID: video.ID, StorageKey: storage.SampledThumbnailKey("up-9", 0), TimestampSeconds: 0},
		{VideoID: video.ID, StorageKey: storage.SampledThumbnailKey("up-9", 1), TimestampSeconds: 1},
	})
	if err != nil {
		t.Fatalf("CreateThumbnails: %v", err)
	}
	for _, thumbnail := range created {
		if err := env.blobs.Put(ctx, thumbnail.StorageKey, strings.NewReader("jpg"), "image/jpeg"); err != nil {
			t.Fatalf("seed thumbnail object: %v", err)
		}
	}

	if err := env.pipeline.AnalyzeVideo(ctx, payloadFor("up-9", "clip.mp4")); err != nil {
		t.Fatalf("AnalyzeVideo: %v", err)
	}
	if classifier.calls != 2 {
		t.Fatalf("classifier calls = %d, want 2", classifier.calls)
	}
	tags, err := env.repo.ListContentTags(ctx, created[0].ID)
	if err != nil {
		t.Fatalf("ListContentTags: %v", err)
	}
	if len(tags) != 1 || tags[0].Name != "outdoor" {
		t.Fatalf("tags = %+v", tags)
	}
	if len(predictor.requests) != 2 {
		t.Fatalf("predictor requests = %d, want 2 for premium video", len(predictor.requests))
	}
	updated, err := env.repo.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if updated.AnalyzedAt == nil {
		t.Fatal("analyzedAt not set")
	}
}

func TestAnalyzeVideoSkipsPredictorForStandardContent(t *testing.T) {
	predictor := &fakePredictor{}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Classifier = &fakeClassifier{}
		cfg.Predictor = predictor
	})
	video := env.seedUpload(t, "up-10", "clip.mp4", false)
	ctx := context.Background()

	created, err := env.repo.CreateThumbnails(ctx, []models.Thumbnail{
		{VideoID: video.ID, StorageKey: storage.SampledThumbnailKey("up-10", 0)},
	})
	if err != nil {
		t.Fatalf("CreateThumbnails: %v", err)
	}
	if err := env.blobs.Put(ctx, created[0].StorageKey, strings.NewReader("jpg"), "image/jpeg"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := env.pipeline.AnalyzeVideo(ctx, payloadFor("up-10", "clip.mp4")); err != nil {
		t.Fatalf("AnalyzeVideo: %v", err)
	}
	if len(predictor.requests) != 0 {
		t.Fatalf("predictor called for non-premium video: %v", predictor.requests)
	}
}

func TestAnalyzeVideoToleratesEmptyThumbnailSet(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Classifier = &fakeClassifier{}
	})
	video := env.seedUpload(t, "up-11", "clip.mp4", false)
	ctx := context.Background()

	if err := env.pipeline.AnalyzeVideo(ctx, payloadFor("up-11", "clip.mp4")); err != nil {
		t.Fatalf("AnalyzeVideo with no thumbnails: %v", err)
	}
	updated, err := env.repo.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if updated.AnalyzedAt == nil {
		t.Fatal("analyzedAt not set on empty set")
	}
}

func TestDeleteVideoArtifactsIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	video := env.seedUpload(t, "up-12", "clip.mp4", false)
	env.runner.fn = transcodeFixture
	ctx := context.Background()

	if err := env.pipeline.MoveUpload(ctx, payloadFor("up-12", "clip.mp4")); err != nil {
		t.Fatalf("MoveUpload: %v", err)
	}
	if err := env.pipeline.Transcode(ctx, payloadFor("up-12", "clip.mp4")); err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	created, err := env.repo.CreateThumbnails(ctx, []models.Thumbnail{
		{VideoID: video.ID, StorageKey: storage.SampledThumbnailKey("up-12", 0)},
	})
	if err != nil {
		t.Fatalf("CreateThumbnails: %v", err)
	}
	if _, err := env.repo.CreateContentTags(ctx, []models.ContentTag{
		{ThumbnailID: created[0].ID, Name: "outdoor", Confidence: 0.8},
	}); err != nil {
		t.Fatalf("CreateContentTags: %v", err)
	}

	if err := env.pipeline.DeleteVideoArtifacts(ctx, video.ID); err != nil {
		t.Fatalf("DeleteVideoArtifacts: %v", err)
	}

	if _, err := env.repo.GetVideo(ctx, video.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("video row survived teardown: %v", err)
	}
	if _, err := env.repo.GetUpload(ctx, "up-12"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("upload row survived teardown: %v", err)
	}
	if _, err := env.repo.GetVideoMetadata(ctx, "up-12"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("metadata row survived teardown: %v", err)
	}
	if keys := env.blobs.Keys(""); len(keys) != 0 {
		t.Fatalf("objects survived teardown: %v", keys)
	}

	// Second run must be a quiet no-op.
	if err := env.pipeline.DeleteVideoArtifacts(ctx, video.ID); err != nil {
		t.Fatalf("second DeleteVideoArtifacts: %v", err)
	}
}

func TestRegistryCoversEveryJobName(t *testing.T) {
	env := newTestEnv(t, nil)
	registry := env.pipeline.Registry()
	if err := registry.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, name := range []string{
		flow.JobPostUpload, flow.JobMoveUpload, flow.JobTranscodeVideo,
		flow.JobExtractThumbnails, flow.JobAnalyzeVideo, flow.JobGeneratePreview,
		flow.JobGenerateThumbnail, flow.JobBackfill, flow.JobDeleteVideo,
	} {
		if _, ok := registry[name]; !ok {
			t.Fatalf("registry missing handler for %s", name)
		}
	}
}

func TestFlowEndToEndThroughWorkerlikeOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	video := env.seedUpload(t, "up-13", "clip.mp4", false)
	env.runner.fn = func(args []string) error {
		last := args[len(args)-1]
		switch {
		case strings.HasSuffix(last, "output.m3u8"):
			return transcodeFixture(args)
		case strings.HasSuffix(last, ".jpg"):
			return thumbnailFixture(2)(args)
		case strings.HasSuffix(last, ".png"):
			img := image.NewRGBA(image.Rect(0, 0, 720, 405))
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				return err
			}
			return os.WriteFile(last, buf.Bytes(), 0o644)
		default:
			return os.WriteFile(last, []byte("gif"), 0o644)
		}
	}
	ctx := context.Background()
	payload := payloadFor("up-13", "clip.mp4")

	// Leaf-first dispatch order of the post-upload flow.
	steps := []struct {
		name string
		fn   func(context.Context, flow.Payload) error
	}{
		{"analyzeVideo", env.pipeline.AnalyzeVideo},
		{"transcodeVideo", env.pipeline.Transcode},
		{"generatePreview", env.pipeline.GeneratePreview},
		{"generateThumbnail", env.pipeline.GenerateThumbnail},
		{"extractThumbnails", env.pipeline.ExtractThumbnails},
		{"moveUpload", env.pipeline.MoveUpload},
		{"postUpload", env.pipeline.PostUpload},
	}
	for _, step := range steps {
		if err := step.fn(ctx, payload); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
	}

	upload, err := env.repo.GetUpload(ctx, "up-13")
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if !upload.Transcoded || upload.MovedAt == nil {
		t.Fatalf("upload state after flow: transcoded=%v movedAt=%v", upload.Transcoded, upload.MovedAt)
	}
	updated, err := env.repo.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if updated.ThumbnailURL == "" || updated.PreviewURL == "" {
		t.Fatalf("video missing derived media: %+v", updated)
	}
	thumbnails, _ := env.repo.ListThumbnails(ctx, video.ID)
	if len(thumbnails) != 2 {
		t.Fatalf("thumbnails = %d, want 2", len(thumbnails))
	}
}

func TestPipelineWorkDirCleanup(t *testing.T) {
	work := t.TempDir()
	env := newTestEnv(t, func(cfg *Config) { cfg.WorkDir = work })
	env.seedUpload(t, "up-14", "clip.mp4", false)
	env.runner.fn = transcodeFixture

	if err := env.pipeline.Transcode(context.Background(), payloadFor("up-14", "clip.mp4")); err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	entries, err := os.ReadDir(work)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Fatalf("scratch dirs left behind: %v", names)
	}
}
