package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"reelforge/internal/flow"
	"reelforge/internal/storage"
)

type createJobRequest struct {
	Name     string `json:"name"`
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName"`
	VideoID  string `json:"videoId"`
}

// Jobs accepts manually triggered flows on /api/jobs. Only flow roots
// may be submitted here; interior jobs are created by the orchestrator.
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.UploadID = strings.TrimSpace(req.UploadID)
	if req.UploadID == "" {
		writeError(w, http.StatusBadRequest, errors.New("uploadId is required"))
		return
	}

	payload := flow.Payload{UploadID: req.UploadID, FileName: req.FileName, VideoID: req.VideoID}
	var node flow.Node
	switch req.Name {
	case flow.JobPostUpload:
		node = flow.PostUploadFlow(payload)
	case flow.JobBackfill:
		node = flow.BackfillFlow(payload)
	case flow.JobDeleteVideo:
		node = flow.DeleteVideoFlow(payload)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("job %q cannot be submitted directly", req.Name))
		return
	}
	if payload.FileName == "" && req.Name != flow.JobDeleteVideo {
		meta, err := h.Store.GetVideoMetadata(r.Context(), req.UploadID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Errorf("no metadata for upload %s", req.UploadID))
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		payload.FileName = meta.FileName
		node = applyPayload(node, payload)
	}

	job, err := h.Flows.Submit(r.Context(), node)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger().Info("flow submitted", "job", job.Name, "flow_job_id", job.ID, "upload_id", req.UploadID)
	writeJSON(w, http.StatusAccepted, job)
}

// JobByID reports flow status on /api/jobs/{id}.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	job, err := h.Flows.Job(r.Context(), id)
	if err != nil {
		if errors.Is(err, flow.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// applyPayload rewrites the payload of every node in a template tree.
func applyPayload(node flow.Node, payload flow.Payload) flow.Node {
	node.Payload = payload
	for i := range node.Children {
		node.Children[i] = applyPayload(node.Children[i], payload)
	}
	return node
}
