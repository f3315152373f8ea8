package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"reelforge/internal/storage"
)

type captionWebhookRequest struct {
	Caption string `json:"caption"`
}

// CaptionWebhook receives asynchronous caption results on
// /api/webhooks/captions/{thumbnailId}. The predictor calls back here
// after the analysis job has already completed.
func (h *Handler) CaptionWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	thumbnailID := strings.TrimPrefix(r.URL.Path, "/api/webhooks/captions/")
	if thumbnailID == "" || strings.Contains(thumbnailID, "/") {
		writeError(w, http.StatusNotFound, errors.New("thumbnail not found"))
		return
	}
	var req captionWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caption := strings.TrimSpace(req.Caption)
	if caption == "" {
		writeError(w, http.StatusBadRequest, errors.New("caption is required"))
		return
	}
	thumbnail, err := h.Store.UpdateThumbnailCaption(r.Context(), thumbnailID, caption)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("thumbnail %s not found", thumbnailID))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger().Info("caption recorded", "thumbnail_id", thumbnailID, "video_id", thumbnail.VideoID)
	writeJSON(w, http.StatusOK, thumbnail)
}
