package httpapi

import (
	"net/http"
	"strconv"
)

// handleAdminListJobs returns the most recent jobs across all users, for the
// ops dashboard.
func (r *Router) handleAdminListJobs(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if s := req.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	jobs, err := r.store.ListRecentAudiobookJobs(req.Context(), limit)
	if err != nil {
		captureError(req, err, "listing recent jobs")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleAdminGetJobEvents returns a job's event history for debugging.
func (r *Router) handleAdminGetJobEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.eventLog.ListJobEvents(req.Context(), req.PathValue("id"), 500)
	if err != nil {
		captureError(req, err, "listing job events")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
