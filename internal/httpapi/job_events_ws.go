package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/storyloom/backend/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// jobProgressFrame is one websocket message on the job events feed.
type jobProgressFrame struct {
	JobID             string          `json:"job_id"`
	Status            store.JobStatus `json:"status"`
	CompletedChapters int             `json:"completed_chapters"`
	TotalChapters     int             `json:"total_chapters"`
	DurationSeconds   int             `json:"duration_seconds"`
	ErrorDetail       *string         `json:"error_detail,omitempty"`
	FinalPath         *string         `json:"final_path,omitempty"`
}

const progressPollInterval = time.Second

// handleAudiobookEvents streams job progress over a websocket. A frame is
// sent whenever the job's status or chapter count changes; the connection
// closes after the terminal frame.
func (r *Router) handleAudiobookEvents(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	jobID := req.PathValue("id")
	job, err := r.store.GetAudiobookJobForUser(req.Context(), jobID, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "job not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		captureError(req, err, "fetching job for event stream")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("events: websocket upgrade failed for job %s: %v", jobID, err)
		return
	}
	defer conn.Close()

	// Read pump so client-initiated closes unblock the write loop.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(j *store.AudiobookJob) error {
		return conn.WriteJSON(jobProgressFrame{
			JobID:             j.ID,
			Status:            j.Status,
			CompletedChapters: j.CompletedChapters,
			TotalChapters:     j.TotalChapters,
			DurationSeconds:   j.DurationSeconds,
			ErrorDetail:       j.ErrorDetail,
			FinalPath:         j.FinalPath,
		})
	}

	if err := send(job); err != nil {
		return
	}
	if job.Status == store.JobCompleted || job.Status == store.JobFailed {
		return
	}

	last := *job
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-req.Context().Done():
			return
		case <-ticker.C:
		}

		job, err := r.store.GetAudiobookJob(req.Context(), jobID)
		if err != nil {
			r.logger.Printf("events: polling job %s: %v", jobID, err)
			return
		}

		if job.Status == last.Status && job.CompletedChapters == last.CompletedChapters {
			continue
		}
		if err := send(job); err != nil {
			return
		}
		last = *job

		if job.Status == store.JobCompleted || job.Status == store.JobFailed {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)),
				time.Now().Add(time.Second))
			return
		}
	}
}
