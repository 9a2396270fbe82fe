package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Upstream vision API (Gemini-style generateContent endpoint)
	VisionAPIURL string
	VisionKeys   []string
	VisionMaxRPM int

	// Upstream places/traffic API
	PlacesAPIURL string
	PlacesKeys   []string
	PlacesMaxRPM int

	// HTTP client
	HTTPTimeout time.Duration

	// Circuit breaker
	BreakerMaxFailures int
	BreakerCooldown    time.Duration

	// Retry / bulkhead
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Multi-level cache tiers
	CacheFreshTTL  time.Duration
	CacheMediumTTL time.Duration
	CacheLongTTL   time.Duration

	// Batching
	BatchEnabled bool
	BatchMaxSize int
	BatchTimeout time.Duration

	// Key rotation
	KeyBlacklistDuration time.Duration

	// Optional history archive (Supabase PostgREST)
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
// Quota defaults follow the upstream free tiers: 10 req/min for the vision
// API, 20 req/min for places.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		VisionAPIURL: getEnv("VISION_API_URL", "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"),
		VisionKeys:   getEnvList("VISION_API_KEYS"),
		VisionMaxRPM: getEnvInt("VISION_MAX_RPM", 10),

		PlacesAPIURL: getEnv("PLACES_API_URL", "https://maps.googleapis.com/maps/api/place/nearbysearch/json"),
		PlacesKeys:   getEnvList("PLACES_API_KEYS"),
		PlacesMaxRPM: getEnvInt("PLACES_MAX_RPM", 20),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 15*time.Second),

		BreakerMaxFailures: getEnvInt("BREAKER_MAX_FAILURES", 3),
		BreakerCooldown:    getEnvDuration("BREAKER_COOLDOWN", 300*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 1),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 500*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 4),

		CacheFreshTTL:  getEnvDuration("CACHE_FRESH_TTL", 5*time.Minute),
		CacheMediumTTL: getEnvDuration("CACHE_MEDIUM_TTL", 15*time.Minute),
		CacheLongTTL:   getEnvDuration("CACHE_LONG_TTL", 60*time.Minute),

		BatchEnabled: getEnv("BATCH_ENABLED", "true") == "true",
		BatchMaxSize: getEnvInt("BATCH_MAX_SIZE", 5),
		BatchTimeout: getEnvDuration("BATCH_TIMEOUT", 2*time.Second),

		KeyBlacklistDuration: getEnvDuration("KEY_BLACKLIST_DURATION", 5*time.Minute),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList parses a comma-separated env var, trimming whitespace and
// dropping empty entries.
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
