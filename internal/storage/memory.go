package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/models"
)

type dataset struct {
	Uploads     map[string]models.Upload        `json:"uploads"`
	Metadata    map[string]models.VideoMetadata `json:"metadata"`
	Videos      map[string]models.Video         `json:"videos"`
	Playlists   map[string]models.HlsPlaylist   `json:"playlists"`
	Segments    map[string]models.HlsSegment    `json:"segments"`
	Thumbnails  map[string]models.Thumbnail     `json:"thumbnails"`
	ContentTags map[string]models.ContentTag    `json:"contentTags"`
}

func newDataset() dataset {
	return dataset{
		Uploads:     make(map[string]models.Upload),
		Metadata:    make(map[string]models.VideoMetadata),
		Videos:      make(map[string]models.Video),
		Playlists:   make(map[string]models.HlsPlaylist),
		Segments:    make(map[string]models.HlsSegment),
		Thumbnails:  make(map[string]models.Thumbnail),
		ContentTags: make(map[string]models.ContentTag),
	}
}

// Store is an in-memory Repository backed by an optional JSON file. An empty
// path keeps the dataset purely in memory, which tests rely on.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	clock           func() time.Time
}

// NewStore constructs a Store, loading state from path when it exists.
func NewStore(path string, opts ...Option) (*Store, error) {
	store := &Store{
		filePath: path,
		data:     newDataset(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMemory(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) load() error {
	if s.filePath == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Store) ensureDatasetInitializedLocked() {
	if s.data.Uploads == nil {
		s.data.Uploads = make(map[string]models.Upload)
	}
	if s.data.Metadata == nil {
		s.data.Metadata = make(map[string]models.VideoMetadata)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
	if s.data.Playlists == nil {
		s.data.Playlists = make(map[string]models.HlsPlaylist)
	}
	if s.data.Segments == nil {
		s.data.Segments = make(map[string]models.HlsSegment)
	}
	if s.data.Thumbnails == nil {
		s.data.Thumbnails = make(map[string]models.Thumbnail)
	}
	if s.data.ContentTags == nil {
		s.data.ContentTags = make(map[string]models.ContentTag)
	}
}

func (s *Store) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

// Ping reports whether the store is usable. The in-memory store is always
// reachable.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases store resources. The in-memory store holds none.
func (s *Store) Close() {}

func (s *Store) CreateUpload(_ context.Context, params CreateUploadParams) (models.Upload, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if params.SizeBytes <= 0 {
		return models.Upload{}, errors.New("upload size must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Uploads[id]; exists {
		return models.Upload{}, fmt.Errorf("upload %s already exists", id)
	}

	now := s.now()
	upload := models.Upload{
		ID:        id,
		SizeBytes: params.SizeBytes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.Uploads[id] = upload
	if err := s.persist(); err != nil {
		delete(s.data.Uploads, id)
		return models.Upload{}, err
	}
	return upload, nil
}

func (s *Store) GetUpload(_ context.Context, id string) (models.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	upload, ok := s.data.Uploads[id]
	if !ok {
		return models.Upload{}, ErrNotFound
	}
	return upload, nil
}

func (s *Store) UpdateUpload(_ context.Context, id string, update UploadUpdate) (models.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.data.Uploads[id]
	if !ok {
		return models.Upload{}, ErrNotFound
	}
	previous := upload

	if update.Offset != nil {
		if *update.Offset < upload.Offset {
			return models.Upload{}, fmt.Errorf("upload %s offset cannot shrink from %d to %d", id, upload.Offset, *update.Offset)
		}
		upload.Offset = *update.Offset
	}
	if update.Transcoded != nil {
		upload.Transcoded = *update.Transcoded
	}
	if update.MovedAt != nil {
		moved := update.MovedAt.UTC()
		upload.MovedAt = &moved
	}
	upload.UpdatedAt = s.now()

	s.data.Uploads[id] = upload
	if err := s.persist(); err != nil {
		s.data.Uploads[id] = previous
		return models.Upload{}, err
	}
	return upload, nil
}

func (s *Store) DeleteUpload(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.data.Uploads[id]
	if !ok {
		return nil
	}
	delete(s.data.Uploads, id)
	if err := s.persist(); err != nil {
		s.data.Uploads[id] = previous
		return err
	}
	return nil
}

func (s *Store) CreateVideoMetadata(_ context.Context, meta models.VideoMetadata) (models.VideoMetadata, error) {
	if strings.TrimSpace(meta.UploadID) == "" {
		return models.VideoMetadata{}, errors.New("uploadId is required")
	}
	if err := models.ValidateFileName(meta.FileName); err != nil {
		return models.VideoMetadata{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Metadata[meta.UploadID]; exists {
		return models.VideoMetadata{}, fmt.Errorf("metadata for upload %s already exists", meta.UploadID)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now()
	}
	s.data.Metadata[meta.UploadID] = meta
	if err := s.persist(); err != nil {
		delete(s.data.Metadata, meta.UploadID)
		return models.VideoMetadata{}, err
	}
	return meta, nil
}

func (s *Store) GetVideoMetadata(_ context.Context, uploadID string) (models.VideoMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.data.Metadata[uploadID]
	if !ok {
		return models.VideoMetadata{}, ErrNotFound
	}
	return meta, nil
}

func (s *Store) DeleteVideoMetadata(_ context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.data.Metadata[uploadID]
	if !ok {
		return nil
	}
	delete(s.data.Metadata, uploadID)
	if err := s.persist(); err != nil {
		s.data.Metadata[uploadID] = previous
		return err
	}
	return nil
}

func (s *Store) CreateVideo(_ context.Context, params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.UploadID) == "" {
		return models.Video{}, errors.New("uploadId is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Video{}, errors.New("title is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, video := range s.data.Videos {
		if video.UploadID == params.UploadID {
			return models.Video{}, fmt.Errorf("upload %s already has a video", params.UploadID)
		}
	}

	now := s.now()
	video := models.Video{
		ID:          uuid.NewString(),
		UploadID:    params.UploadID,
		Title:       title,
		Description: strings.TrimSpace(params.Description),
		Category:    strings.TrimSpace(params.Category),
		Premium:     params.Premium,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.data.Videos[video.ID] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, video.ID)
		return models.Video{}, err
	}
	return video, nil
}

func (s *Store) GetVideo(_ context.Context, id string) (models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	return video, nil
}

func (s *Store) GetVideoByUploadID(_ context.Context, uploadID string) (models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, video := range s.data.Videos {
		if video.UploadID == uploadID {
			return video, nil
		}
	}
	return models.Video{}, ErrNotFound
}

func (s *Store) ListVideos(_ context.Context) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, video)
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.Before(videos[j].CreatedAt)
	})
	return videos, nil
}

func (s *Store) UpdateVideo(_ context.Context, id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	previous := video

	if update.Title != nil {
		trimmed := strings.TrimSpace(*update.Title)
		if trimmed == "" {
			return models.Video{}, errors.New("title cannot be empty")
		}
		video.Title = trimmed
	}
	if update.Description != nil {
		video.Description = strings.TrimSpace(*update.Description)
	}
	if update.Category != nil {
		video.Category = strings.TrimSpace(*update.Category)
	}
	if update.DurationSeconds != nil {
		video.DurationSeconds = *update.DurationSeconds
	}
	if update.Premium != nil {
		video.Premium = *update.Premium
	}
	if update.ThumbnailURL != nil {
		video.ThumbnailURL = *update.ThumbnailURL
	}
	if update.PreviewURL != nil {
		video.PreviewURL = *update.PreviewURL
	}
	if update.AnalyzedAt != nil {
		analyzed := update.AnalyzedAt.UTC()
		video.AnalyzedAt = &analyzed
	}
	video.UpdatedAt = s.now()

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = previous
		return models.Video{}, err
	}
	return video, nil
}

func (s *Store) DeleteVideo(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.data.Videos[id]
	if !ok {
		return nil
	}
	delete(s.data.Videos, id)
	if err := s.persist(); err != nil {
		s.data.Videos[id] = previous
		return err
	}
	return nil
}

func (s *Store) CreatePlaylist(_ context.Context, playlist models.HlsPlaylist) (models.HlsPlaylist, error) {
	if strings.TrimSpace(playlist.VideoID) == "" {
		return models.HlsPlaylist{}, errors.New("videoId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Playlists {
		if existing.VideoID == playlist.VideoID {
			return models.HlsPlaylist{}, fmt.Errorf("video %s already has a playlist", playlist.VideoID)
		}
	}

	if playlist.ID == "" {
		playlist.ID = uuid.NewString()
	}
	if playlist.CreatedAt.IsZero() {
		playlist.CreatedAt = s.now()
	}
	s.data.Playlists[playlist.ID] = playlist
	if err := s.persist(); err != nil {
		delete(s.data.Playlists, playlist.ID)
		return models.HlsPlaylist{}, err
	}
	return playlist, nil
}

func (s *Store) GetPlaylistByVideoID(_ context.Context, videoID string) (models.HlsPlaylist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, playlist := range s.data.Playlists {
		if playlist.VideoID == videoID {
			return playlist, nil
		}
	}
	return models.HlsPlaylist{}, ErrNotFound
}

func (s *Store) DeletePlaylistByVideoID(_ context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]models.HlsPlaylist)
	for id, playlist := range s.data.Playlists {
		if playlist.VideoID == videoID {
			removed[id] = playlist
			delete(s.data.Playlists, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.persist(); err != nil {
		for id, playlist := range removed {
			s.data.Playlists[id] = playlist
		}
		return err
	}
	return nil
}

func (s *Store) CreateSegments(_ context.Context, segments []models.HlsSegment) ([]models.HlsSegment, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	created := make([]models.HlsSegment, 0, len(segments))
	for _, segment := range segments {
		if strings.TrimSpace(segment.PlaylistID) == "" {
			return nil, errors.New("playlistId is required on every segment")
		}
		if segment.ID == "" {
			segment.ID = uuid.NewString()
		}
		if segment.CreatedAt.IsZero() {
			segment.CreatedAt = now
		}
		created = append(created, segment)
	}

	for _, segment := range created {
		s.data.Segments[segment.ID] = segment
	}
	if err := s.persist(); err != nil {
		for _, segment := range created {
			delete(s.data.Segments, segment.ID)
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) ListSegments(_ context.Context, playlistID string) ([]models.HlsSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segments := make([]models.HlsSegment, 0)
	for _, segment := range s.data.Segments {
		if segment.PlaylistID == playlistID {
			segments = append(segments, segment)
		}
	}
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].SegmentNumber < segments[j].SegmentNumber
	})
	return segments, nil
}

func (s *Store) DeleteSegmentsByVideoID(_ context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]models.HlsSegment)
	for id, segment := range s.data.Segments {
		if segment.VideoID == videoID {
			removed[id] = segment
			delete(s.data.Segments, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.persist(); err != nil {
		for id, segment := range removed {
			s.data.Segments[id] = segment
		}
		return err
	}
	return nil
}

func (s *Store) CreateThumbnails(_ context.Context, thumbnails []models.Thumbnail) ([]models.Thumbnail, error) {
	if len(thumbnails) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]struct{}, len(s.data.Thumbnails))
	for _, thumb := range s.data.Thumbnails {
		existing[thumbKey(thumb.VideoID, thumb.TimestampSeconds)] = struct{}{}
	}

	now := s.now()
	created := make([]models.Thumbnail, 0, len(thumbnails))
	for _, thumb := range thumbnails {
		if strings.TrimSpace(thumb.VideoID) == "" {
			return nil, errors.New("videoId is required on every thumbnail")
		}
		key := thumbKey(thumb.VideoID, thumb.TimestampSeconds)
		if _, dup := existing[key]; dup {
			continue
		}
		existing[key] = struct{}{}
		if thumb.ID == "" {
			thumb.ID = uuid.NewString()
		}
		if thumb.CreatedAt.IsZero() {
			thumb.CreatedAt = now
		}
		created = append(created, thumb)
	}

	for _, thumb := range created {
		s.data.Thumbnails[thumb.ID] = thumb
	}
	if err := s.persist(); err != nil {
		for _, thumb := range created {
			delete(s.data.Thumbnails, thumb.ID)
		}
		return nil, err
	}
	return created, nil
}

func thumbKey(videoID string, timestamp int) string {
	return fmt.Sprintf("%s@%d", videoID, timestamp)
}

func (s *Store) GetThumbnail(_ context.Context, id string) (models.Thumbnail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thumb, ok := s.data.Thumbnails[id]
	if !ok {
		return models.Thumbnail{}, ErrNotFound
	}
	return thumb, nil
}

func (s *Store) ListThumbnails(_ context.Context, videoID string) ([]models.Thumbnail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thumbnails := make([]models.Thumbnail, 0)
	for _, thumb := range s.data.Thumbnails {
		if thumb.VideoID == videoID {
			thumbnails = append(thumbnails, thumb)
		}
	}
	sort.Slice(thumbnails, func(i, j int) bool {
		return thumbnails[i].TimestampSeconds < thumbnails[j].TimestampSeconds
	})
	return thumbnails, nil
}

func (s *Store) UpdateThumbnailCaption(_ context.Context, id, caption string) (models.Thumbnail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thumb, ok := s.data.Thumbnails[id]
	if !ok {
		return models.Thumbnail{}, ErrNotFound
	}
	previous := thumb
	thumb.Caption = strings.TrimSpace(caption)
	s.data.Thumbnails[id] = thumb
	if err := s.persist(); err != nil {
		s.data.Thumbnails[id] = previous
		return models.Thumbnail{}, err
	}
	return thumb, nil
}

func (s *Store) DeleteThumbnailsByVideoID(_ context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]models.Thumbnail)
	for id, thumb := range s.data.Thumbnails {
		if thumb.VideoID == videoID {
			removed[id] = thumb
			delete(s.data.Thumbnails, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.persist(); err != nil {
		for id, thumb := range removed {
			s.data.Thumbnails[id] = thumb
		}
		return err
	}
	return nil
}

func (s *Store) CreateContentTags(_ context.Context, tags []models.ContentTag) ([]models.ContentTag, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	created := make([]models.ContentTag, 0, len(tags))
	for _, tag := range tags {
		if strings.TrimSpace(tag.ThumbnailID) == "" {
			return nil, errors.New("thumbnailId is required on every tag")
		}
		if strings.TrimSpace(tag.Name) == "" {
			return nil, errors.New("tag name is required")
		}
		if tag.ID == "" {
			tag.ID = uuid.NewString()
		}
		if tag.CreatedAt.IsZero() {
			tag.CreatedAt = now
		}
		created = append(created, tag)
	}

	for _, tag := range created {
		s.data.ContentTags[tag.ID] = tag
	}
	if err := s.persist(); err != nil {
		for _, tag := range created {
			delete(s.data.ContentTags, tag.ID)
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) ListContentTags(_ context.Context, thumbnailID string) ([]models.ContentTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make([]models.ContentTag, 0)
	for _, tag := range s.data.ContentTags {
		if tag.ThumbnailID == thumbnailID {
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Name == tags[j].Name {
			return tags[i].ID < tags[j].ID
		}
		return tags[i].Name < tags[j].Name
	})
	return tags, nil
}

func (s *Store) DeleteContentTagsByVideoID(_ context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thumbnailIDs := make(map[string]struct{})
	for id, thumb := range s.data.Thumbnails {
		if thumb.VideoID == videoID {
			thumbnailIDs[id] = struct{}{}
		}
	}

	removed := make(map[string]models.ContentTag)
	for id, tag := range s.data.ContentTags {
		if _, ok := thumbnailIDs[tag.ThumbnailID]; ok {
			removed[id] = tag
			delete(s.data.ContentTags, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.persist(); err != nil {
		for id, tag := range removed {
			s.data.ContentTags[id] = tag
		}
		return err
	}
	return nil
}
