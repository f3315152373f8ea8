package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"reelforge/internal/blobstore"
	"reelforge/internal/flow"
	"reelforge/internal/observability/metrics"
	"reelforge/internal/storage"
)

// FlowSubmitter enqueues flow trees and reads job records back. The
// flow engine satisfies it; tests substitute fakes.
type FlowSubmitter interface {
	Submit(ctx context.Context, root flow.Node) (flow.Job, error)
	Job(ctx context.Context, id string) (flow.Job, error)
}

// Handler fronts the pipeline's REST API.
type Handler struct {
	Store    storage.Repository
	Blobs    blobstore.Store
	Flows    FlowSubmitter
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	// UploadDir is the local spool for in-flight resumable uploads.
	UploadDir string
	// MaxUploadBytes caps the declared length of a new upload. Zero
	// means unlimited.
	MaxUploadBytes int64
	// PresignTTL bounds the lifetime of playback URLs.
	PresignTTL time.Duration
}

// NewHandler wires the repository, object store and flow engine into a
// handler with sane defaults.
func NewHandler(store storage.Repository, blobs blobstore.Store, flows FlowSubmitter) *Handler {
	return &Handler{
		Store: store,
		Blobs: blobs,
		Flows: flows,
	}
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Recorder == nil {
		h.Recorder = metrics.Default()
	}
	return h.Recorder
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	return h.Logger
}

func (h *Handler) uploadDir() (string, error) {
	dir := h.UploadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "reelforge-uploads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (h *Handler) presignTTL() time.Duration {
	if h.PresignTTL <= 0 {
		return 15 * time.Minute
	}
	return h.PresignTTL
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 1)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(r.Context())))
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":     overallStatus,
		"components": components,
	})
}
