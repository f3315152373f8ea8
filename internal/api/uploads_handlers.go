package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/flow"
	"reelforge/internal/models"
	"reelforge/internal/storage"
)

const (
	tusVersion         = "1.0.0"
	tusContentType     = "application/offset+octet-stream"
	tusExtensions      = "creation"
	uploadSpoolSuffix  = ".part"
	defaultMaxUpload   = int64(8) << 30
	uploadResponseTime = time.RFC3339Nano
)

type uploadStatusResponse struct {
	ID         string  `json:"id"`
	SizeBytes  int64   `json:"sizeBytes"`
	Offset     int64   `json:"offset"`
	Transcoded bool    `json:"transcoded"`
	MovedAt    *string `json:"movedAt,omitempty"`
	CreatedAt  string  `json:"createdAt"`
	UpdatedAt  string  `json:"updatedAt"`
}

func newUploadStatusResponse(upload models.Upload) uploadStatusResponse {
	resp := uploadStatusResponse{
		ID:         upload.ID,
		SizeBytes:  upload.SizeBytes,
		Offset:     upload.Offset,
		Transcoded: upload.Transcoded,
		CreatedAt:  upload.CreatedAt.Format(uploadResponseTime),
		UpdatedAt:  upload.UpdatedAt.Format(uploadResponseTime),
	}
	if upload.MovedAt != nil {
		moved := upload.MovedAt.Format(uploadResponseTime)
		resp.MovedAt = &moved
	}
	return resp
}

func setTusHeaders(w http.ResponseWriter) {
	w.Header().Set("Tus-Resumable", tusVersion)
}

// Uploads handles creation of resumable transfers on /api/uploads.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	setTusHeaders(w)
	switch r.Method {
	case http.MethodPost:
		h.createUpload(w, r)
	case http.MethodOptions:
		h.uploadOptions(w)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// UploadByID handles offset probes and data appends on
// /api/uploads/{id}.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	setTusHeaders(w)
	id := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, errors.New("upload not found"))
		return
	}
	switch r.Method {
	case http.MethodHead:
		h.uploadOffset(w, r, id)
	case http.MethodPatch:
		h.appendUpload(w, r, id)
	case http.MethodOptions:
		h.uploadOptions(w)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) uploadOptions(w http.ResponseWriter) {
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Extension", tusExtensions)
	w.Header().Set("Tus-Max-Size", strconv.FormatInt(h.maxUploadBytes(), 10))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return defaultMaxUpload
}

func (h *Handler) createUpload(w http.ResponseWriter, r *http.Request) {
	length, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("Upload-Length")), 10, 64)
	if err != nil || length <= 0 {
		h.recorder().UploadRejected()
		writeError(w, http.StatusBadRequest, errors.New("Upload-Length header is required and must be positive"))
		return
	}
	if length > h.maxUploadBytes() {
		h.recorder().UploadRejected()
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds the %d byte limit", h.maxUploadBytes()))
		return
	}
	meta := parseUploadMetadata(r.Header.Get("Upload-Metadata"))
	fileName := firstNonEmpty(meta["fileName"], meta["filename"])
	mimeType := firstNonEmpty(meta["mimeType"], meta["filetype"])
	if err := models.ValidateFileName(fileName); err != nil {
		h.recorder().UploadRejected()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := models.ValidateMIMEType(mimeType); err != nil {
		h.recorder().UploadRejected()
		writeError(w, http.StatusUnsupportedMediaType, err)
		return
	}

	id := uuid.NewString()
	upload, err := h.Store.CreateUpload(r.Context(), storage.CreateUploadParams{ID: id, SizeBytes: length})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := h.Store.CreateVideoMetadata(r.Context(), models.VideoMetadata{
		UploadID: id,
		FileName: fileName,
		MIMEType: mimeType,
		Path:     storage.OriginalKey(id, fileName),
	}); err != nil {
		_ = h.Store.DeleteUpload(r.Context(), id)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := h.createSpool(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.recorder().UploadStarted()
	w.Header().Set("Location", "/api/uploads/"+id)
	w.Header().Set("Upload-Offset", "0")
	writeJSON(w, http.StatusCreated, newUploadStatusResponse(upload))
}

func (h *Handler) uploadOffset(w http.ResponseWriter, r *http.Request, id string) {
	upload, err := h.Store.GetUpload(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(upload.Offset, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(upload.SizeBytes, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) appendUpload(w http.ResponseWriter, r *http.Request, id string) {
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != tusContentType {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Errorf("Content-Type must be %s", tusContentType))
		return
	}
	claimedOffset, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("Upload-Offset")), 10, 64)
	if err != nil || claimedOffset < 0 {
		writeError(w, http.StatusBadRequest, errors.New("Upload-Offset header is required"))
		return
	}
	upload, err := h.Store.GetUpload(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("upload %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if claimedOffset != upload.Offset {
		w.Header().Set("Upload-Offset", strconv.FormatInt(upload.Offset, 10))
		writeError(w, http.StatusConflict, fmt.Errorf("offset mismatch: client %d, server %d", claimedOffset, upload.Offset))
		return
	}

	spoolPath, err := h.spoolPath(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	written, err := appendToSpool(spoolPath, upload.Offset, r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	newOffset := upload.Offset + written
	if newOffset > upload.SizeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("body overruns declared length %d", upload.SizeBytes))
		return
	}
	upload, err = h.Store.UpdateUpload(r.Context(), id, storage.UploadUpdate{Offset: &newOffset})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if upload.Complete() {
		if err := h.finalizeUpload(r, upload, spoolPath); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(upload.Offset, 10))
	w.WriteHeader(http.StatusNoContent)
}

// finalizeUpload lands the spooled bytes in object storage and kicks
// off the post-upload flow. Re-runs converge: the landing key is
// deterministic and a missing spool means a previous run already
// finished.
func (h *Handler) finalizeUpload(r *http.Request, upload models.Upload, spoolPath string) error {
	ctx := r.Context()
	meta, err := h.Store.GetVideoMetadata(ctx, upload.ID)
	if err != nil {
		return fmt.Errorf("load upload metadata: %w", err)
	}
	spool, err := os.Open(spoolPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	err = h.Blobs.Put(ctx, storage.LandingKey(upload.ID), spool, meta.MIMEType)
	spool.Close()
	if err != nil {
		return fmt.Errorf("land upload object: %w", err)
	}

	payload := flow.Payload{UploadID: upload.ID, FileName: meta.FileName}
	root, err := h.Flows.Submit(ctx, flow.PostUploadFlow(payload))
	if err != nil {
		return fmt.Errorf("submit post-upload flow: %w", err)
	}
	if err := os.Remove(spoolPath); err != nil && !os.IsNotExist(err) {
		h.logger().Warn("remove upload spool failed", "upload_id", upload.ID, "error", err)
	}
	h.recorder().UploadCompleted()
	h.logger().Info("upload finished",
		"upload_id", upload.ID,
		"file", meta.FileName,
		"size_bytes", upload.SizeBytes,
		"flow_job_id", root.ID)
	return nil
}

func (h *Handler) spoolPath(id string) (string, error) {
	dir, err := h.uploadDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, id+uploadSpoolSuffix), nil
}

func (h *Handler) createSpool(id string) (string, error) {
	path, err := h.spoolPath(id)
	if err != nil {
		return "", err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	return path, file.Close()
}

func appendToSpool(path string, offset int64, body io.Reader) (int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	written, err := io.Copy(file, body)
	if err != nil {
		return 0, err
	}
	return written, file.Sync()
}

// parseUploadMetadata decodes the comma-separated "key base64value"
// pairs of an Upload-Metadata header.
func parseUploadMetadata(header string) map[string]string {
	meta := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, " ", 2)
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		if len(parts) == 1 {
			meta[key] = ""
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		meta[key] = string(decoded)
	}
	return meta
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
