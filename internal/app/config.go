package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	SentryDSN   string
	LogLevel    string

	// Synthesis provider
	GoogleTTSAPIKey      string
	TTSMaxChunkBytes     int     // provider request ceiling, in bytes of UTF-8 text
	TTSSpeakingRate      float64 // 1.0 is natural pace
	SynthesisConcurrency int     // parallel segment requests per chapter
	MaxConcurrentJobs    int     // jobs generating at once per process

	// Artifact storage
	ArtifactDir string

	// JWT Authentication (tokens are minted by the main app)
	JWTSecret string
	JWTExpiry time.Duration

	// Admin access
	AdminUserIDs []string

	// Notifications
	DiscordWebhookURL string
	APNsKeyPath       string
	APNsKeyID         string
	APNsTeamID        string
	APNsBundleID      string
	APNsProduction    bool

	// Billing
	StripeSecretKey string

	// Background jobs
	ReaperInterval time.Duration
	JobStuckAfter  time.Duration
}

func LoadConfigFromEnv() Config {
	jwtExpiry, err := time.ParseDuration(getenv("JWT_EXPIRY", "24h"))
	if err != nil {
		jwtExpiry = 24 * time.Hour
	}

	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SentryDSN:   getenv("SENTRY_DSN", ""),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		GoogleTTSAPIKey:      getenv("GOOGLE_TTS_API_KEY", ""),
		TTSMaxChunkBytes:     getenvIntClamped("TTS_MAX_CHUNK_BYTES", 4500, 500, 5000),
		TTSSpeakingRate:      getenvFloatClamped("TTS_SPEAKING_RATE", 1.0, 0.25, 4.0),
		SynthesisConcurrency: getenvIntClamped("TTS_SYNTHESIS_CONCURRENCY", 4, 1, 16),
		MaxConcurrentJobs:    getenvIntClamped("MAX_CONCURRENT_JOBS", 2, 1, 32),

		ArtifactDir: getenv("ARTIFACT_DIR", "/var/lib/storyloom/audio"),

		JWTSecret: os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry: jwtExpiry,

		AdminUserIDs: parseAdminUserIDs(os.Getenv("ADMIN_USER_IDS")),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
		APNsKeyPath:       getenv("APNS_KEY_PATH", ""),
		APNsKeyID:         getenv("APNS_KEY_ID", ""),
		APNsTeamID:        getenv("APNS_TEAM_ID", ""),
		APNsBundleID:      getenv("APNS_BUNDLE_ID", ""),
		APNsProduction:    getenv("APNS_PRODUCTION", "") == "true",

		StripeSecretKey: getenv("STRIPE_SECRET_KEY", ""),

		ReaperInterval: getenvDuration("REAPER_INTERVAL", 5*time.Minute),
		JobStuckAfter:  getenvDuration("JOB_STUCK_AFTER", 30*time.Minute),
	}
}

func parseAdminUserIDs(s string) []string {
	if s == "" {
		return nil
	}
	var ids []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
