package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"reelforge/internal/flow"
	"reelforge/internal/hls"
	"reelforge/internal/storage"
)

type createVideoRequest struct {
	UploadID        string   `json:"uploadId"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Category        string   `json:"category"`
	Premium         bool     `json:"premium"`
	DurationSeconds *float64 `json:"durationSeconds"`
}

type updateVideoRequest struct {
	Title           *string  `json:"title"`
	Description     *string  `json:"description"`
	Category        *string  `json:"category"`
	Premium         *bool    `json:"premium"`
	DurationSeconds *float64 `json:"durationSeconds"`
}

// Videos handles the collection routes on /api/videos.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createVideo(w, r)
	case http.MethodGet:
		h.listVideos(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// VideoByID handles /api/videos/{id} and the nested playlist route.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/videos/")
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, errors.New("video not found"))
		return
	}
	if tail == "playlist.m3u8" {
		h.videoPlaylist(w, r, id)
		return
	}
	if tail != "" {
		writeError(w, http.StatusNotFound, errors.New("video not found"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.getVideo(w, r, id)
	case http.MethodPatch:
		h.updateVideo(w, r, id)
	case http.MethodDelete:
		h.deleteVideo(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createVideo(w http.ResponseWriter, r *http.Request) {
	var req createVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.UploadID = strings.TrimSpace(req.UploadID)
	req.Title = strings.TrimSpace(req.Title)
	if req.UploadID == "" {
		writeError(w, http.StatusBadRequest, errors.New("uploadId is required"))
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	if _, err := h.Store.GetUpload(r.Context(), req.UploadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("upload %s not found", req.UploadID))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	video, err := h.Store.CreateVideo(r.Context(), storage.CreateVideoParams{
		UploadID:    req.UploadID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Premium:     req.Premium,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if req.DurationSeconds != nil {
		video, err = h.Store.UpdateVideo(r.Context(), video.ID, storage.VideoUpdate{DurationSeconds: req.DurationSeconds})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, video)
}

func (h *Handler) listVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.Store.ListVideos(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, videos)
}

func (h *Handler) getVideo(w http.ResponseWriter, r *http.Request, id string) {
	video, err := h.Store.GetVideo(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

func (h *Handler) updateVideo(w http.ResponseWriter, r *http.Request, id string) {
	var req updateVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		writeError(w, http.StatusBadRequest, errors.New("title cannot be empty"))
		return
	}
	video, err := h.Store.UpdateVideo(r.Context(), id, storage.VideoUpdate{
		Title:           req.Title,
		Description:     req.Description,
		Category:        req.Category,
		Premium:         req.Premium,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

// deleteVideo does not remove anything inline. It submits the cleanup
// flow and reports acceptance so slow object deletions never stall the
// request.
func (h *Handler) deleteVideo(w http.ResponseWriter, r *http.Request, id string) {
	video, err := h.Store.GetVideo(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	job, err := h.Flows.Submit(r.Context(), flow.DeleteVideoFlow(flow.Payload{
		UploadID: video.UploadID,
		VideoID:  video.ID,
	}))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger().Info("video deletion scheduled", "video_id", id, "flow_job_id", job.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"videoId": id,
		"jobId":   job.ID,
		"state":   job.State,
	})
}

// videoPlaylist rebuilds the media playlist from rows and swaps each
// segment URI for a short-lived presigned link.
func (h *Handler) videoPlaylist(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	playlist, err := h.Store.GetPlaylistByVideoID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("no playlist for video %s", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	segments, err := h.Store.ListSegments(r.Context(), playlist.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	manifest := hls.Manifest{
		Version:               3,
		TargetDuration:        playlist.TargetDuration,
		MediaSequence:         playlist.MediaSequence,
		DiscontinuitySequence: playlist.DiscontinuitySequence,
		PlaylistType:          playlist.PlaylistType,
		IndependentSegments:   true,
		EndList:               true,
	}
	for _, segment := range segments {
		uri, err := h.Blobs.Presign(r.Context(), segment.StorageKey, h.presignTTL())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("presign segment %d: %w", segment.SegmentNumber, err))
			return
		}
		manifest.Segments = append(manifest.Segments, hls.Segment{
			URI:             uri,
			Duration:        segment.DurationSeconds,
			Discontinuity:   segment.Discontinuity,
			ByteRangeLength: segment.ByteRangeLength,
			ByteRangeOffset: segment.ByteRangeOffset,
			KeyURI:          segment.KeyURI,
		})
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	if err := hls.Encode(w, manifest); err != nil {
		h.logger().Warn("playlist encode failed", "video_id", id, "error", err)
	}
}
