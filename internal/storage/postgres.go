package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reelforge/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:   dsn,
		Clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository, creating the
// schema when it does not exist yet.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS uploads (
			id TEXT PRIMARY KEY,
			size_bytes BIGINT NOT NULL,
			byte_offset BIGINT NOT NULL DEFAULT 0,
			transcoded BOOLEAN NOT NULL DEFAULT FALSE,
			moved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS video_metadata (
			upload_id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			upload_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			premium BOOLEAN NOT NULL DEFAULT FALSE,
			thumbnail_url TEXT NOT NULL DEFAULT '',
			preview_url TEXT NOT NULL DEFAULT '',
			analyzed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hls_playlists (
			id TEXT PRIMARY KEY,
			video_id TEXT NOT NULL UNIQUE,
			storage_key TEXT NOT NULL,
			target_duration DOUBLE PRECISION NOT NULL,
			media_sequence INTEGER NOT NULL DEFAULT 0,
			discontinuity_sequence INTEGER NOT NULL DEFAULT 0,
			playlist_type TEXT NOT NULL DEFAULT 'VOD',
			total_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			segment_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hls_segments (
			id TEXT PRIMARY KEY,
			playlist_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			segment_number INTEGER NOT NULL,
			storage_key TEXT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			byte_range_offset BIGINT,
			byte_range_length BIGINT,
			discontinuity BOOLEAN NOT NULL DEFAULT FALSE,
			key_uri TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (playlist_id, segment_number)
		)`,
		`CREATE TABLE IF NOT EXISTS thumbnails (
			id TEXT PRIMARY KEY,
			video_id TEXT NOT NULL,
			storage_key TEXT NOT NULL,
			timestamp_seconds INTEGER NOT NULL,
			caption TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (video_id, timestamp_seconds)
		)`,
		`CREATE TABLE IF NOT EXISTS content_tags (
			id TEXT PRIMARY KEY,
			thumbnail_id TEXT NOT NULL,
			name TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hls_segments_video ON hls_segments (video_id)`,
		`CREATE INDEX IF NOT EXISTS idx_thumbnails_video ON thumbnails (video_id)`,
		`CREATE INDEX IF NOT EXISTS idx_content_tags_thumbnail ON content_tags (thumbnail_id)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) now() time.Time {
	return r.cfg.Clock()
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close() {
	r.pool.Close()
}

const uploadColumns = "id, size_bytes, byte_offset, transcoded, moved_at, created_at, updated_at"

func scanUpload(row pgx.Row) (models.Upload, error) {
	var upload models.Upload
	err := row.Scan(&upload.ID, &upload.SizeBytes, &upload.Offset, &upload.Transcoded, &upload.MovedAt, &upload.CreatedAt, &upload.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Upload{}, ErrNotFound
	}
	if err != nil {
		return models.Upload{}, fmt.Errorf("scan upload: %w", err)
	}
	return upload, nil
}

func (r *postgresRepository) CreateUpload(ctx context.Context, params CreateUploadParams) (models.Upload, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if params.SizeBytes <= 0 {
		return models.Upload{}, errors.New("upload size must be positive")
	}
	now := r.now()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO uploads (id, size_bytes, byte_offset, transcoded, created_at, updated_at)
		 VALUES ($1, $2, 0, FALSE, $3, $3)
		 RETURNING `+uploadColumns, id, params.SizeBytes, now)
	return scanUpload(row)
}

func (r *postgresRepository) GetUpload(ctx context.Context, id string) (models.Upload, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
	return scanUpload(row)
}

func (r *postgresRepository) UpdateUpload(ctx context.Context, id string, update UploadUpdate) (models.Upload, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Upload{}, fmt.Errorf("begin update upload: %w", err)
	}
	defer tx.Rollback(ctx)

	upload, err := scanUpload(tx.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Upload{}, err
	}

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
	upload.UpdatedAt = r.now()

	if _, err := tx.Exec(ctx,
		`UPDATE uploads SET byte_offset = $2, transcoded = $3, moved_at = $4, updated_at = $5 WHERE id = $1`,
		id, upload.Offset, upload.Transcoded, upload.MovedAt, upload.UpdatedAt); err != nil {
		return models.Upload{}, fmt.Errorf("update upload: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Upload{}, fmt.Errorf("commit update upload: %w", err)
	}
	return upload, nil
}

func (r *postgresRepository) DeleteUpload(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM uploads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}

func (r *postgresRepository) CreateVideoMetadata(ctx context.Context, meta models.VideoMetadata) (models.VideoMetadata, error) {
	if strings.TrimSpace(meta.UploadID) == "" {
		return models.VideoMetadata{}, errors.New("uploadId is required")
	}
	if err := models.ValidateFileName(meta.FileName); err != nil {
		return models.VideoMetadata{}, err
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = r.now()
	}
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO video_metadata (upload_id, file_name, mime_type, path, created_at) VALUES ($1, $2, $3, $4, $5)`,
		meta.UploadID, meta.FileName, meta.MIMEType, meta.Path, meta.CreatedAt); err != nil {
		return models.VideoMetadata{}, fmt.Errorf("insert video metadata: %w", err)
	}
	return meta, nil
}

func (r *postgresRepository) GetVideoMetadata(ctx context.Context, uploadID string) (models.VideoMetadata, error) {
	var meta models.VideoMetadata
	err := r.pool.QueryRow(ctx,
		`SELECT upload_id, file_name, mime_type, path, created_at FROM video_metadata WHERE upload_id = $1`, uploadID).
		Scan(&meta.UploadID, &meta.FileName, &meta.MIMEType, &meta.Path, &meta.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VideoMetadata{}, ErrNotFound
	}
	if err != nil {
		return models.VideoMetadata{}, fmt.Errorf("scan video metadata: %w", err)
	}
	return meta, nil
}

func (r *postgresRepository) DeleteVideoMetadata(ctx context.Context, uploadID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM video_metadata WHERE upload_id = $1`, uploadID); err != nil {
		return fmt.Errorf("delete video metadata: %w", err)
	}
	return nil
}

const videoColumns = "id, upload_id, title, description, category, duration_seconds, premium, thumbnail_url, preview_url, analyzed_at, created_at, updated_at"

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	err := row.Scan(&video.ID, &video.UploadID, &video.Title, &video.Description, &video.Category,
		&video.DurationSeconds, &video.Premium, &video.ThumbnailURL, &video.PreviewURL, &video.AnalyzedAt, &video.CreatedAt, &video.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("scan video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.UploadID) == "" {
		return models.Video{}, errors.New("uploadId is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Video{}, errors.New("title is required")
	}
	now := r.now()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO videos (id, upload_id, title, description, category, premium, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING `+videoColumns,
		uuid.NewString(), params.UploadID, title, strings.TrimSpace(params.Description), strings.TrimSpace(params.Category), params.Premium, now)
	return scanVideo(row)
}

func (r *postgresRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	return scanVideo(r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
}

func (r *postgresRepository) GetVideoByUploadID(ctx context.Context, uploadID string) (models.Video, error) {
	return scanVideo(r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE upload_id = $1`, uploadID))
}

func (r *postgresRepository) ListVideos(ctx context.Context) ([]models.Video, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, video)
	}
	return videos, rows.Err()
}

func (r *postgresRepository) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Video{}, fmt.Errorf("begin update video: %w", err)
	}
	defer tx.Rollback(ctx)

	video, err := scanVideo(tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Video{}, err
	}

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
	video.UpdatedAt = r.now()

	if _, err := tx.Exec(ctx,
		`UPDATE videos SET title = $2, description = $3, category = $4, duration_seconds = $5,
		 premium = $6, thumbnail_url = $7, preview_url = $8, analyzed_at = $9, updated_at = $10 WHERE id = $1`,
		id, video.Title, video.Description, video.Category, video.DurationSeconds,
		video.Premium, video.ThumbnailURL, video.PreviewURL, video.AnalyzedAt, video.UpdatedAt); err != nil {
		return models.Video{}, fmt.Errorf("update video: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit update video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) DeleteVideo(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	return nil
}

const playlistColumns = "id, video_id, storage_key, target_duration, media_sequence, discontinuity_sequence, playlist_type, total_duration, segment_count, created_at"

func scanPlaylist(row pgx.Row) (models.HlsPlaylist, error) {
	var playlist models.HlsPlaylist
	err := row.Scan(&playlist.ID, &playlist.VideoID, &playlist.StorageKey, &playlist.TargetDuration,
		&playlist.MediaSequence, &playlist.DiscontinuitySequence, &playlist.PlaylistType,
		&playlist.TotalDuration, &playlist.SegmentCount, &playlist.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.HlsPlaylist{}, ErrNotFound
	}
	if err != nil {
		return models.HlsPlaylist{}, fmt.Errorf("scan playlist: %w", err)
	}
	return playlist, nil
}

func (r *postgresRepository) CreatePlaylist(ctx context.Context, playlist models.HlsPlaylist) (models.HlsPlaylist, error) {
	if strings.TrimSpace(playlist.VideoID) == "" {
		return models.HlsPlaylist{}, errors.New("videoId is required")
	}
	if playlist.ID == "" {
		playlist.ID = uuid.NewString()
	}
	if playlist.CreatedAt.IsZero() {
		playlist.CreatedAt = r.now()
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO hls_playlists (id, video_id, storage_key, target_duration, media_sequence, discontinuity_sequence, playlist_type, total_duration, segment_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+playlistColumns,
		playlist.ID, playlist.VideoID, playlist.StorageKey, playlist.TargetDuration, playlist.MediaSequence,
		playlist.DiscontinuitySequence, playlist.PlaylistType, playlist.TotalDuration, playlist.SegmentCount, playlist.CreatedAt)
	return scanPlaylist(row)
}

func (r *postgresRepository) GetPlaylistByVideoID(ctx context.Context, videoID string) (models.HlsPlaylist, error) {
	return scanPlaylist(r.pool.QueryRow(ctx, `SELECT `+playlistColumns+` FROM hls_playlists WHERE video_id = $1`, videoID))
}

func (r *postgresRepository) DeletePlaylistByVideoID(ctx context.Context, videoID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM hls_playlists WHERE video_id = $1`, videoID); err != nil {
		return fmt.Errorf("delete playlist: %w", err)
	}
	return nil
}

const segmentColumns = "id, playlist_id, video_id, segment_number, storage_key, duration_seconds, byte_range_offset, byte_range_length, discontinuity, key_uri, created_at"

func scanSegment(row pgx.Row) (models.HlsSegment, error) {
	var segment models.HlsSegment
	err := row.Scan(&segment.ID, &segment.PlaylistID, &segment.VideoID, &segment.SegmentNumber,
		&segment.StorageKey, &segment.DurationSeconds, &segment.ByteRangeOffset, &segment.ByteRangeLength,
		&segment.Discontinuity, &segment.KeyURI, &segment.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.HlsSegment{}, ErrNotFound
	}
	if err != nil {
		return models.HlsSegment{}, fmt.Errorf("scan segment: %w", err)
	}
	return segment, nil
}

func (r *postgresRepository) CreateSegments(ctx context.Context, segments []models.HlsSegment) ([]models.HlsSegment, error) {
	if len(segments) == 0 {
		return nil, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert segments: %w", err)
	}
	defer tx.Rollback(ctx)

	now := r.now()
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO hls_segments (id, playlist_id, video_id, segment_number, storage_key, duration_seconds, byte_range_offset, byte_range_length, discontinuity, key_uri, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (playlist_id, segment_number) DO NOTHING`,
			segment.ID, segment.PlaylistID, segment.VideoID, segment.SegmentNumber, segment.StorageKey,
			segment.DurationSeconds, segment.ByteRangeOffset, segment.ByteRangeLength, segment.Discontinuity,
			segment.KeyURI, segment.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert segment %d: %w", segment.SegmentNumber, err)
		}
		created = append(created, segment)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert segments: %w", err)
	}
	return created, nil
}

func (r *postgresRepository) ListSegments(ctx context.Context, playlistID string) ([]models.HlsSegment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+segmentColumns+` FROM hls_segments WHERE playlist_id = $1 ORDER BY segment_number`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]models.HlsSegment, 0)
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}
	return segments, rows.Err()
}

func (r *postgresRepository) DeleteSegmentsByVideoID(ctx context.Context, videoID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM hls_segments WHERE video_id = $1`, videoID); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	return nil
}

const thumbnailColumns = "id, video_id, storage_key, timestamp_seconds, caption, created_at"

func scanThumbnail(row pgx.Row) (models.Thumbnail, error) {
	var thumb models.Thumbnail
	err := row.Scan(&thumb.ID, &thumb.VideoID, &thumb.StorageKey, &thumb.TimestampSeconds, &thumb.Caption, &thumb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Thumbnail{}, ErrNotFound
	}
	if err != nil {
		return models.Thumbnail{}, fmt.Errorf("scan thumbnail: %w", err)
	}
	return thumb, nil
}

func (r *postgresRepository) CreateThumbnails(ctx context.Context, thumbnails []models.Thumbnail) ([]models.Thumbnail, error) {
	if len(thumbnails) == 0 {
		return nil, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert thumbnails: %w", err)
	}
	defer tx.Rollback(ctx)

	now := r.now()
	created := make([]models.Thumbnail, 0, len(thumbnails))
	for _, thumb := range thumbnails {
		if strings.TrimSpace(thumb.VideoID) == "" {
			return nil, errors.New("videoId is required on every thumbnail")
		}
		if thumb.ID == "" {
			thumb.ID = uuid.NewString()
		}
		if thumb.CreatedAt.IsZero() {
			thumb.CreatedAt = now
		}
		res, err := tx.Exec(ctx,
			`INSERT INTO thumbnails (id, video_id, storage_key, timestamp_seconds, caption, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (video_id, timestamp_seconds) DO NOTHING`,
			thumb.ID, thumb.VideoID, thumb.StorageKey, thumb.TimestampSeconds, thumb.Caption, thumb.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert thumbnail at %ds: %w", thumb.TimestampSeconds, err)
		}
		if res.RowsAffected() > 0 {
			created = append(created, thumb)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert thumbnails: %w", err)
	}
	return created, nil
}

func (r *postgresRepository) GetThumbnail(ctx context.Context, id string) (models.Thumbnail, error) {
	return scanThumbnail(r.pool.QueryRow(ctx, `SELECT `+thumbnailColumns+` FROM thumbnails WHERE id = $1`, id))
}

func (r *postgresRepository) ListThumbnails(ctx context.Context, videoID string) ([]models.Thumbnail, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+thumbnailColumns+` FROM thumbnails WHERE video_id = $1 ORDER BY timestamp_seconds`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list thumbnails: %w", err)
	}
	defer rows.Close()

	thumbnails := make([]models.Thumbnail, 0)
	for rows.Next() {
		thumb, err := scanThumbnail(rows)
		if err != nil {
			return nil, err
		}
		thumbnails = append(thumbnails, thumb)
	}
	return thumbnails, rows.Err()
}

func (r *postgresRepository) UpdateThumbnailCaption(ctx context.Context, id, caption string) (models.Thumbnail, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE thumbnails SET caption = $2 WHERE id = $1 RETURNING `+thumbnailColumns,
		id, strings.TrimSpace(caption))
	return scanThumbnail(row)
}

func (r *postgresRepository) DeleteThumbnailsByVideoID(ctx context.Context, videoID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM thumbnails WHERE video_id = $1`, videoID); err != nil {
		return fmt.Errorf("delete thumbnails: %w", err)
	}
	return nil
}

func (r *postgresRepository) CreateContentTags(ctx context.Context, tags []models.ContentTag) ([]models.ContentTag, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert tags: %w", err)
	}
	defer tx.Rollback(ctx)

	now := r.now()
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO content_tags (id, thumbnail_id, name, confidence, created_at) VALUES ($1, $2, $3, $4, $5)`,
			tag.ID, tag.ThumbnailID, tag.Name, tag.Confidence, tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert content tag %s: %w", tag.Name, err)
		}
		created = append(created, tag)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert tags: %w", err)
	}
	return created, nil
}

func (r *postgresRepository) ListContentTags(ctx context.Context, thumbnailID string) ([]models.ContentTag, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, thumbnail_id, name, confidence, created_at FROM content_tags WHERE thumbnail_id = $1 ORDER BY name, id`, thumbnailID)
	if err != nil {
		return nil, fmt.Errorf("list content tags: %w", err)
	}
	defer rows.Close()

	tags := make([]models.ContentTag, 0)
	for rows.Next() {
		var tag models.ContentTag
		if err := rows.Scan(&tag.ID, &tag.ThumbnailID, &tag.Name, &tag.Confidence, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan content tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (r *postgresRepository) DeleteContentTagsByVideoID(ctx context.Context, videoID string) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM content_tags WHERE thumbnail_id IN (SELECT id FROM thumbnails WHERE video_id = $1)`, videoID); err != nil {
		return fmt.Errorf("delete content tags: %w", err)
	}
	return nil
}

var _ Repository = (*postgresRepository)(nil)
