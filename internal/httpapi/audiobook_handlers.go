package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/storyloom/backend/internal/orchestrator"
	"github.com/storyloom/backend/internal/segment"
	"github.com/storyloom/backend/internal/store"
	"github.com/storyloom/backend/internal/voices"
)

// handleCreateAudiobook queues a new audiobook job. The response carries the
// pending job; clients poll GET /api/audiobooks/{id} or subscribe to
// /api/audiobooks/{id}/events for progress.
func (r *Router) handleCreateAudiobook(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var body struct {
		ProjectID   string  `json:"project_id"`
		Scope       string  `json:"scope"`
		ChapterID   *string `json:"chapter_id,omitempty"`
		VoiceID     string  `json:"voice_id"`
		QualityTier string  `json:"quality_tier"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if body.ProjectID == "" {
		http.Error(w, `{"error": "project_id is required"}`, http.StatusBadRequest)
		return
	}

	job, err := r.orch.CreateJob(req.Context(), orchestrator.CreateJobParams{
		UserID:      user.ID,
		ProjectID:   body.ProjectID,
		Scope:       body.Scope,
		ChapterID:   body.ChapterID,
		VoiceID:     body.VoiceID,
		QualityTier: body.QualityTier,
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidRequest),
			errors.Is(err, voices.ErrUnknownVoice),
			errors.Is(err, segment.ErrNoContent):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrForbidden):
			http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, `{"error": "project or chapter not found"}`, http.StatusNotFound)
		case errors.Is(err, store.ErrNoSubscription):
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "no active subscription"})
		default:
			r.logger.Printf("audiobooks: failed to create job: %v", err)
			captureError(req, err, "creating audiobook job")
			http.Error(w, `{"error": "failed to create job"}`, http.StatusInternalServerError)
		}
		return
	}

	r.logger.Printf("audiobooks: user %s queued job %s (%s)", user.ID, job.ID, job.Scope)
	writeJSON(w, http.StatusAccepted, job)
}

// handleGetAudiobook returns one job, scoped to the requesting user.
func (r *Router) handleGetAudiobook(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	job, err := r.store.GetAudiobookJobForUser(req.Context(), req.PathValue("id"), user.ID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "job not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		captureError(req, err, "fetching audiobook job")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleListAudiobooks returns the user's jobs, newest first. An optional
// project_id query parameter narrows to one project.
func (r *Router) handleListAudiobooks(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	limit := 50
	if s := req.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	jobs, err := r.store.ListAudiobookJobs(req.Context(), user.ID, req.URL.Query().Get("project_id"), limit)
	if err != nil {
		captureError(req, err, "listing audiobook jobs")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleDownloadAudiobook streams a completed job's final artifact.
func (r *Router) handleDownloadAudiobook(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	job, err := r.store.GetAudiobookJobForUser(req.Context(), req.PathValue("id"), user.ID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "job not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		captureError(req, err, "fetching audiobook job for download")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	if job.Status != store.JobCompleted || job.FinalPath == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "audiobook is not ready",
			"status": string(job.Status),
		})
		return
	}

	f, err := r.artifacts.Open(*job.FinalPath)
	if err != nil {
		r.logger.Printf("audiobooks: artifact %s missing for job %s: %v", *job.FinalPath, job.ID, err)
		captureError(req, err, "opening audiobook artifact")
		http.Error(w, `{"error": "artifact unavailable"}`, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", `attachment; filename="audiobook-`+job.ID+`.mp3"`)
	if job.FileSizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(job.FileSizeBytes, 10))
	}
	_, _ = io.Copy(w, f)
}
