package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"reelforge/internal/blobstore"
	"reelforge/internal/flow"
	"reelforge/internal/models"
	"reelforge/internal/storage"
)

type countingSubmitter struct {
	mu      sync.Mutex
	submits []flow.Node
	jobs    map[string]flow.Job
	nextID  int
}

func newCountingSubmitter() *countingSubmitter {
	return &countingSubmitter{jobs: make(map[string]flow.Job)}
}

func (c *countingSubmitter) Submit(_ context.Context, root flow.Node) (flow.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits = append(c.submits, root)
	c.nextID++
	job := flow.Job{
		ID:      fmt.Sprintf("flow-%d", c.nextID),
		Name:    root.Name,
		Payload: root.Payload,
		State:   flow.StateWaitingChildren,
	}
	if len(root.Children) == 0 {
		job.State = flow.StateWaiting
	}
	c.jobs[job.ID] = job
	return job, nil
}

func (c *countingSubmitter) Job(_ context.Context, id string) (flow.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok {
		return flow.Job{}, flow.ErrJobNotFound
	}
	return job, nil
}

func (c *countingSubmitter) submitted() []flow.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]flow.Node(nil), c.submits...)
}

type apiEnv struct {
	handler *Handler
	store   *storage.Store
	blobs   *blobstore.Memory
	flows   *countingSubmitter
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)
	blobs := blobstore.NewMemory()
	flows := newCountingSubmitter()
	handler := NewHandler(store, blobs, flows)
	handler.UploadDir = t.TempDir()
	return &apiEnv{handler: handler, store: store, blobs: blobs, flows: flows}
}

func tusMetadata(pairs map[string]string) string {
	parts := make([]string, 0, len(pairs))
	for key, value := range pairs {
		parts = append(parts, key+" "+base64.StdEncoding.EncodeToString([]byte(value)))
	}
	return strings.Join(parts, ",")
}

func createUploadRequest(t *testing.T, env *apiEnv, size int64, fileName, mimeType string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
	req.Header.Set("Tus-Resumable", "1.0.0")
	req.Header.Set("Upload-Length", fmt.Sprintf("%d", size))
	req.Header.Set("Upload-Metadata", tusMetadata(map[string]string{"fileName": fileName, "mimeType": mimeType}))
	rec := httptest.NewRecorder()
	env.handler.Uploads(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create upload status = %d body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Tus-Resumable"); got != "1.0.0" {
		t.Fatalf("Tus-Resumable = %q", got)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "/api/uploads/") {
		t.Fatalf("Location = %q", location)
	}
	return strings.TrimPrefix(location, "/api/uploads/")
}

func patchUpload(t *testing.T, env *apiEnv, id string, offset int64, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPatch, "/api/uploads/"+id, bytes.NewReader(body))
	req.Header.Set("Tus-Resumable", "1.0.0")
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", fmt.Sprintf("%d", offset))
	rec := httptest.NewRecorder()
	env.handler.UploadByID(rec, req)
	return rec
}

func TestUploadTwoPatchesSubmitsOneFlow(t *testing.T) {
	env := newAPIEnv(t)
	payload := []byte("0123456789abcdef")
	id := createUploadRequest(t, env, int64(len(payload)), "clip.mp4", "video/mp4")

	first := patchUpload(t, env, id, 0, payload[:10])
	if first.Code != http.StatusNoContent {
		t.Fatalf("first patch status = %d body %s", first.Code, first.Body.String())
	}
	if got := first.Header().Get("Upload-Offset"); got != "10" {
		t.Fatalf("offset after first patch = %q", got)
	}
	if len(env.flows.submitted()) != 0 {
		t.Fatal("flow submitted before the final byte arrived")
	}

	second := patchUpload(t, env, id, 10, payload[10:])
	if second.Code != http.StatusNoContent {
		t.Fatalf("second patch status = %d body %s", second.Code, second.Body.String())
	}
	if got := second.Header().Get("Upload-Offset"); got != "16" {
		t.Fatalf("offset after second patch = %q", got)
	}

	submits := env.flows.submitted()
	if len(submits) != 1 {
		t.Fatalf("flow submissions = %d, want 1", len(submits))
	}
	root := submits[0]
	if root.Name != flow.JobPostUpload {
		t.Fatalf("submitted flow root = %q", root.Name)
	}
	if root.Payload.UploadID != id || root.Payload.FileName != "clip.mp4" {
		t.Fatalf("flow payload = %+v", root.Payload)
	}

	data, ok := env.blobs.Data(storage.LandingKey(id))
	if !ok {
		t.Fatal("landing object missing after finalize")
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("landing object bytes = %q", data)
	}
}

func TestUploadOffsetConflictReturns409(t *testing.T) {
	env := newAPIEnv(t)
	id := createUploadRequest(t, env, 16, "clip.mp4", "video/mp4")

	if rec := patchUpload(t, env, id, 0, []byte("0123456789")); rec.Code != http.StatusNoContent {
		t.Fatalf("seed patch status = %d", rec.Code)
	}
	rec := patchUpload(t, env, id, 0, []byte("0123456789"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale patch status = %d, want 409", rec.Code)
	}
	if got := rec.Header().Get("Upload-Offset"); got != "10" {
		t.Fatalf("conflict response Upload-Offset = %q", got)
	}
	if len(env.flows.submitted()) != 0 {
		t.Fatal("conflicting patch must not submit a flow")
	}
}

func TestUploadHeadReportsResumeOffset(t *testing.T) {
	env := newAPIEnv(t)
	id := createUploadRequest(t, env, 16, "clip.mp4", "video/mp4")
	patchUpload(t, env, id, 0, []byte("0123456"))

	req := httptest.NewRequest(http.MethodHead, "/api/uploads/"+id, nil)
	rec := httptest.NewRecorder()
	env.handler.UploadByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("head status = %d", rec.Code)
	}
	if got := rec.Header().Get("Upload-Offset"); got != "7" {
		t.Fatalf("Upload-Offset = %q", got)
	}
	if got := rec.Header().Get("Upload-Length"); got != "16" {
		t.Fatalf("Upload-Length = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}

	unknown := httptest.NewRecorder()
	env.handler.UploadByID(unknown, httptest.NewRequest(http.MethodHead, "/api/uploads/no-such-id", nil))
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("unknown upload head status = %d", unknown.Code)
	}
}

func TestUploadCreationRejectsBadInput(t *testing.T) {
	env := newAPIEnv(t)
	cases := []struct {
		name     string
		length   string
		metadata map[string]string
		want     int
	}{
		{"missing length", "", map[string]string{"fileName": "a.mp4", "mimeType": "video/mp4"}, http.StatusBadRequest},
		{"traversal filename", "10", map[string]string{"fileName": "../etc/passwd", "mimeType": "video/mp4"}, http.StatusBadRequest},
		{"disallowed mime", "10", map[string]string{"fileName": "a.mp4", "mimeType": "application/x-msdownload"}, http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
			if tc.length != "" {
				req.Header.Set("Upload-Length", tc.length)
			}
			req.Header.Set("Upload-Metadata", tusMetadata(tc.metadata))
			rec := httptest.NewRecorder()
			env.handler.Uploads(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestUploadPatchRequiresOffsetContentType(t *testing.T) {
	env := newAPIEnv(t)
	id := createUploadRequest(t, env, 4, "clip.mp4", "video/mp4")

	req := httptest.NewRequest(http.MethodPatch, "/api/uploads/"+id, strings.NewReader("data"))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Upload-Offset", "0")
	rec := httptest.NewRecorder()
	env.handler.UploadByID(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestUploadOptionsAdvertisesTus(t *testing.T) {
	env := newAPIEnv(t)
	rec := httptest.NewRecorder()
	env.handler.Uploads(rec, httptest.NewRequest(http.MethodOptions, "/api/uploads", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("options status = %d", rec.Code)
	}
	if got := rec.Header().Get("Tus-Version"); got != "1.0.0" {
		t.Fatalf("Tus-Version = %q", got)
	}
	if got := rec.Header().Get("Tus-Extension"); got != "creation" {
		t.Fatalf("Tus-Extension = %q", got)
	}
	if rec.Header().Get("Tus-Max-Size") == "" {
		t.Fatal("Tus-Max-Size missing")
	}
}

func seedVideo(t *testing.T, env *apiEnv, uploadID string) models.Video {
	t.Helper()
	video, err := env.store.CreateVideo(context.Background(), storage.CreateVideoParams{
		UploadID: uploadID,
		Title:    "launch recap",
		Category: "events",
	})
	if err != nil {
		t.Fatalf("seed video: %v", err)
	}
	return video
}

func TestVideoCRUD(t *testing.T) {
	env := newAPIEnv(t)
	id := createUploadRequest(t, env, 4, "clip.mp4", "video/mp4")

	duration := 42.5
	body, _ := json.Marshal(map[string]interface{}{
		"uploadId":        id,
		"title":           "launch recap",
		"category":        "events",
		"premium":         true,
		"durationSeconds": duration,
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/videos", bytes.NewReader(body))
	env.handler.Videos(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create video status = %d body %s", rec.Code, rec.Body.String())
	}
	var video models.Video
	if err := json.Unmarshal(rec.Body.Bytes(), &video); err != nil {
		t.Fatalf("decode video: %v", err)
	}
	if !video.Premium || video.DurationSeconds != duration {
		t.Fatalf("created video = %+v", video)
	}

	get := httptest.NewRecorder()
	env.handler.VideoByID(get, httptest.NewRequest(http.MethodGet, "/api/videos/"+video.ID, nil))
	if get.Code != http.StatusOK {
		t.Fatalf("get video status = %d", get.Code)
	}

	patchBody := []byte(`{"title":"launch recap, day two","premium":false}`)
	patch := httptest.NewRecorder()
	env.handler.VideoByID(patch, httptest.NewRequest(http.MethodPatch, "/api/videos/"+video.ID, bytes.NewReader(patchBody)))
	if patch.Code != http.StatusOK {
		t.Fatalf("patch video status = %d body %s", patch.Code, patch.Body.String())
	}
	var updated models.Video
	if err := json.Unmarshal(patch.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode updated video: %v", err)
	}
	if updated.Title != "launch recap, day two" || updated.Premium {
		t.Fatalf("updated video = %+v", updated)
	}

	list := httptest.NewRecorder()
	env.handler.Videos(list, httptest.NewRequest(http.MethodGet, "/api/videos", nil))
	if list.Code != http.StatusOK {
		t.Fatalf("list videos status = %d", list.Code)
	}
	var videos []models.Video
	if err := json.Unmarshal(list.Body.Bytes(), &videos); err != nil {
		t.Fatalf("decode video list: %v", err)
	}
	if len(videos) != 1 {
		t.Fatalf("video list length = %d", len(videos))
	}
}

func TestVideoDeleteSubmitsCleanupFlow(t *testing.T) {
	env := newAPIEnv(t)
	id := createUploadRequest(t, env, 4, "clip.mp4", "video/mp4")
	video := seedVideo(t, env, id)

	rec := httptest.NewRecorder()
	env.handler.VideoByID(rec, httptest.NewRequest(http.MethodDelete, "/api/videos/"+video.ID, nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delete status = %d body %s", rec.Code, rec.Body.String())
	}
	submits := env.flows.submitted()
	if len(submits) != 1 || submits[0].Name != flow.JobDeleteVideo {
		t.Fatalf("submitted flows = %+v", submits)
	}
	if submits[0].Payload.VideoID != video.ID || submits[0].Payload.UploadID != id {
		t.Fatalf("cleanup payload = %+v", submits[0].Payload)
	}

	if _, err := env.store.GetVideo(context.Background(), video.ID); err != nil {
		t.Fatalf("video row must survive until the cleanup job runs: %v", err)
	}
}

func TestVideoPlaylistRendersPresignedManifest(t *testing.T) {
	env := newAPIEnv(t)
	id := createUploadRequest(t, env, 4, "clip.mp4", "video/mp4")
	video := seedVideo(t, env, id)

	ctx := context.Background()
	playlist, err := env.store.CreatePlaylist(ctx, models.HlsPlaylist{
		VideoID:        video.ID,
		StorageKey:     storage.ManifestKey(id),
		TargetDuration: 6,
		PlaylistType:   "VOD",
		TotalDuration:  10,
		SegmentCount:   2,
	})
	if err != nil {
		t.Fatalf("seed playlist: %v", err)
	}
	segments := []models.HlsSegment{
		{PlaylistID: playlist.ID, VideoID: video.ID, SegmentNumber: 0, StorageKey: storage.SegmentKey(id, 0), DurationSeconds: 6},
		{PlaylistID: playlist.ID, VideoID: video.ID, SegmentNumber: 1, StorageKey: storage.SegmentKey(id, 1), DurationSeconds: 4},
	}
	if _, err := env.store.CreateSegments(ctx, segments); err != nil {
		t.Fatalf("seed segments: %v", err)
	}
	for _, segment := range segments {
		if err := env.blobs.Put(ctx, segment.StorageKey, strings.NewReader("ts"), "video/mp2t"); err != nil {
			t.Fatalf("seed segment object: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	env.handler.VideoByID(rec, httptest.NewRequest(http.MethodGet, "/api/videos/"+video.ID+"/playlist.m3u8", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("playlist status = %d body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Fatalf("Content-Type = %q", got)
	}
	manifest := rec.Body.String()
	for _, want := range []string{
		"#EXTM3U",
		"#EXT-X-TARGETDURATION:6",
		"#EXT-X-PLAYLIST-TYPE:VOD",
		"#EXT-X-INDEPENDENT-SEGMENTS",
		"#EXT-X-ENDLIST",
		storage.SegmentKey(id, 0),
		storage.SegmentKey(id, 1),
	} {
		if !strings.Contains(manifest, want) {
			t.Fatalf("manifest missing %q:\n%s", want, manifest)
		}
	}
	if strings.Index(manifest, storage.SegmentKey(id, 0)) > strings.Index(manifest, storage.SegmentKey(id, 1)) {
		t.Fatal("segments rendered out of order")
	}
}

func TestVideoPlaylistMissingReturns404(t *testing.T) {
	env := newAPIEnv(t)
	id := createUploadRequest(t, env, 4, "clip.mp4", "video/mp4")
	video := seedVideo(t, env, id)

	rec := httptest.NewRecorder()
	env.handler.VideoByID(rec, httptest.NewRequest(http.MethodGet, "/api/videos/"+video.ID+"/playlist.m3u8", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestJobSubmissionAndStatus(t *testing.T) {
	env := newAPIEnv(t)
	id := createUploadRequest(t, env, 4, "clip.mp4", "video/mp4")

	body := []byte(`{"name":"backfill","uploadId":"` + id + `"}`)
	rec := httptest.NewRecorder()
	env.handler.Jobs(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("job submit status = %d body %s", rec.Code, rec.Body.String())
	}
	var job flow.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Name != flow.JobBackfill || job.Payload.FileName != "clip.mp4" {
		t.Fatalf("submitted job = %+v", job)
	}

	status := httptest.NewRecorder()
	env.handler.JobByID(status, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil))
	if status.Code != http.StatusOK {
		t.Fatalf("job status = %d", status.Code)
	}

	missing := httptest.NewRecorder()
	env.handler.JobByID(missing, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", missing.Code)
	}

	interior := httptest.NewRecorder()
	env.handler.Jobs(interior, httptest.NewRequest(http.MethodPost, "/api/jobs",
		strings.NewReader(`{"name":"transcodeVideo","uploadId":"`+id+`"}`)))
	if interior.Code != http.StatusBadRequest {
		t.Fatalf("interior job submit status = %d, want 400", interior.Code)
	}
}

func TestCaptionWebhookUpdatesThumbnail(t *testing.T) {
	env := newAPIEnv(t)
	id := createUploadRequest(t, env, 4, "clip.mp4", "video/mp4")
	video := seedVideo(t, env, id)

	thumbs, err := env.store.CreateThumbnails(context.Background(), []models.Thumbnail{
		{VideoID: video.ID, StorageKey: storage.SampledThumbnailKey(id, 0), TimestampSeconds: 0},
	})
	if err != nil {
		t.Fatalf("seed thumbnail: %v", err)
	}

	rec := httptest.NewRecorder()
	env.handler.CaptionWebhook(rec, httptest.NewRequest(http.MethodPost,
		"/api/webhooks/captions/"+thumbs[0].ID, strings.NewReader(`{"caption":"a crowd at dusk"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d body %s", rec.Code, rec.Body.String())
	}
	var updated models.Thumbnail
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if updated.Caption != "a crowd at dusk" {
		t.Fatalf("caption = %q", updated.Caption)
	}

	missing := httptest.NewRecorder()
	env.handler.CaptionWebhook(missing, httptest.NewRequest(http.MethodPost,
		"/api/webhooks/captions/unknown", strings.NewReader(`{"caption":"x"}`)))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing thumbnail status = %d", missing.Code)
	}
}

func TestHealthReportsDatastore(t *testing.T) {
	env := newAPIEnv(t)
	rec := httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health body = %s", rec.Body.String())
	}
}
