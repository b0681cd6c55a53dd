package app

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/backend/internal/artifacts"
	"github.com/storyloom/backend/internal/assembler"
	"github.com/storyloom/backend/internal/billing"
	"github.com/storyloom/backend/internal/eventlog"
	"github.com/storyloom/backend/internal/httpapi"
	"github.com/storyloom/backend/internal/jobs"
	"github.com/storyloom/backend/internal/notifications"
	"github.com/storyloom/backend/internal/orchestrator"
	"github.com/storyloom/backend/internal/store"
	"github.com/storyloom/backend/internal/tts"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	art      *artifacts.FS
	orch     *orchestrator.Orchestrator
	reaper   *jobs.StuckJobReaper
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.GoogleTTSAPIKey == "" {
		return nil, errors.New("GOOGLE_TTS_API_KEY is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := store.New(db)
	el := eventlog.New(db)

	// Migrations are applied externally by the CI deploy job (docker exec psql).
	// No automatic migration runner at startup.

	art, err := artifacts.NewFS(cfg.ArtifactDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Shared HTTP client with connection pooling for TTS. A chapter fans out
	// into many synthesis requests against one host; keeping connections
	// alive is what makes that fan-out cheap.
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10, // Google TTS is single host
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	ttsClient := tts.NewGoogleClient(tts.GoogleConfig{
		APIKey:     cfg.GoogleTTSAPIKey,
		HTTPClient: httpClient,
	})
	asm := assembler.New(ttsClient, cfg.TTSMaxChunkBytes, cfg.SynthesisConcurrency, logger)

	discord := notifications.NewDiscord(cfg.DiscordWebhookURL, logger)
	apnsClient, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		BundleID:   cfg.APNsBundleID,
		Production: cfg.APNsProduction,
	}, logger)
	if err != nil {
		logger.Printf("Warning: APNs client initialization failed: %v", err)
	}

	var charger billing.OverageCharger
	if cfg.StripeSecretKey != "" {
		charger = billing.NewStripeCharger(cfg.StripeSecretKey, logger)
	} else {
		logger.Println("billing: STRIPE_SECRET_KEY not set, overage invoicing disabled")
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:             s,
		Assembler:         asm,
		Artifacts:         art,
		Events:            el,
		Charger:           charger,
		APNs:              apnsClient,
		Discord:           discord,
		Logger:            logger,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		SpeakingRate:      cfg.TTSSpeakingRate,
	})

	reaper := jobs.NewStuckJobReaper(s, discord, logger, cfg.ReaperInterval, cfg.JobStuckAfter)

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    s,
		eventLog: el,
		art:      art,
		orch:     orch,
		reaper:   reaper,
	}, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		JWTSecret:    a.cfg.JWTSecret,
		JWTExpiry:    a.cfg.JWTExpiry,
		AdminUserIDs: a.cfg.AdminUserIDs,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.store, a.eventLog, a.orch, a.art)
}

// StartBackground starts the stuck-job reaper.
func (a *App) StartBackground() {
	a.reaper.Start()
}

// Shutdown stops background workers, lets running jobs settle, and closes
// the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.reaper.Stop()
	err := a.orch.Shutdown(ctx)
	if a.db != nil {
		a.db.Close()
	}
	return err
}
