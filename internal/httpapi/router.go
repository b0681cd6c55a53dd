package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/storyloom/backend/internal/artifacts"
	"github.com/storyloom/backend/internal/eventlog"
	"github.com/storyloom/backend/internal/orchestrator"
	"github.com/storyloom/backend/internal/store"
)

type RouterConfig struct {
	// JWT Authentication. Tokens are issued by the main writing app; this
	// service only verifies them.
	JWTSecret string
	JWTExpiry time.Duration

	// Admin access (user ids with admin privileges)
	AdminUserIDs []string
}

type Router struct {
	cfg       RouterConfig
	logger    *log.Logger
	store     *store.Store
	eventLog  *eventlog.Logger
	orch      *orchestrator.Orchestrator
	artifacts artifacts.Store
	mux       *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, s *store.Store, eventLog *eventlog.Logger, orch *orchestrator.Orchestrator, art artifacts.Store) http.Handler {
	r := &Router{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		eventLog:  eventLog,
		orch:      orch,
		artifacts: art,
		mux:       http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Voice catalog (public, the web picker loads it before login)
	r.mux.HandleFunc("GET /api/voices", r.handleListVoices)

	// Audiobook jobs (protected)
	r.mux.HandleFunc("POST /api/audiobooks", r.withAuth(r.handleCreateAudiobook))
	r.mux.HandleFunc("GET /api/audiobooks", r.withAuth(r.handleListAudiobooks))
	r.mux.HandleFunc("GET /api/audiobooks/{id}", r.withAuth(r.handleGetAudiobook))
	r.mux.HandleFunc("GET /api/audiobooks/{id}/download", r.withAuth(r.handleDownloadAudiobook))
	r.mux.HandleFunc("GET /api/audiobooks/{id}/events", r.withAuth(r.handleAudiobookEvents))

	// Usage and quota (protected)
	r.mux.HandleFunc("GET /api/usage", r.withAuth(r.handleGetUsage))

	// Push notifications (protected)
	r.mux.HandleFunc("POST /api/push/register", r.withAuth(r.handlePushRegister))
	r.mux.HandleFunc("POST /api/push/unregister", r.withAuth(r.handlePushUnregister))

	// Admin endpoints (requires admin user id)
	r.mux.HandleFunc("GET /admin/jobs", r.withAdmin(r.handleAdminListJobs))
	r.mux.HandleFunc("GET /admin/jobs/{id}/events", r.withAdmin(r.handleAdminGetJobEvents))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
