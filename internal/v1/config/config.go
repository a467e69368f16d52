package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret        string
	Port             string
	RedisAddr        string
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// Storage selection
	StorageProvider  string // "mongodb" or "s3"
	MongoURI         string
	MongoDB          string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3KeyPrefix      string
	S3ForcePathStyle bool
	S3AccessKey      string
	S3SecretKey      string

	// Redis extras
	RedisPassword string
	RedisDB       int

	// Token lifetimes
	AccessTokenExpiration      time.Duration
	RefreshTokenExpiration     time.Duration
	ParticipantTokenExpiration time.Duration

	// Room lifecycle
	RoomGCInterval            time.Duration
	MinFutureAutoDeletionDate time.Duration
	MeetingEmptyTimeout       time.Duration
	MeetingDepartureTimeout   time.Duration

	// Recording lifecycle
	RecordingLockTTL                 time.Duration
	RecordingStartedTimeout          time.Duration
	RecordingStaleAfter              time.Duration
	RecordingStaleCleanupInterval    time.Duration
	RecordingLockGCInterval          time.Duration
	RecordingOrphanedLockGracePeriod time.Duration

	// Participant names
	ParticipantNameReservationTTL        time.Duration
	ParticipantMaxConcurrentNameRequests int

	// Webhook delivery
	WebhookMaxAttempts int
	WebhookBaseBackoff time.Duration

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate Limits
	RateLimitAPIGlobal string
	RateLimitAPIPublic string

	// Tracing
	OTLPEndpoint string

	// Admin bootstrap
	InitialAdminUser     string
	InitialAdminPassword string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Optional: OVMEET_PORT (defaults to 8080)
	cfg.Port = getEnvOrDefault("OVMEET_PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("OVMEET_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Required: LIVEKIT_URL / LIVEKIT_API_KEY / LIVEKIT_API_SECRET
	cfg.LiveKitURL = os.Getenv("LIVEKIT_URL")
	if cfg.LiveKitURL == "" {
		errs = append(errs, "LIVEKIT_URL is required")
	}
	cfg.LiveKitAPIKey = os.Getenv("LIVEKIT_API_KEY")
	if cfg.LiveKitAPIKey == "" {
		errs = append(errs, "LIVEKIT_API_KEY is required")
	}
	cfg.LiveKitAPISecret = os.Getenv("LIVEKIT_API_SECRET")
	if cfg.LiveKitAPISecret == "" {
		errs = append(errs, "LIVEKIT_API_SECRET is required")
	}

	// REDIS_ADDR defaults to localhost:6379; the coordination store is not optional
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
		slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
	} else if !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getIntOrDefault("REDIS_DB", 0, &errs)

	// Storage: both blocks are read so the legacy migration can reach the old
	// bucket even when mongodb is the active provider
	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	cfg.S3Region = getEnvOrDefault("S3_REGION", "us-east-1")
	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
	cfg.S3KeyPrefix = os.Getenv("S3_KEY_PREFIX")
	cfg.S3ForcePathStyle = os.Getenv("S3_FORCE_PATH_STYLE") == "true"
	// Empty keys fall back to the ambient AWS credential chain
	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")

	cfg.StorageProvider = getEnvOrDefault("STORAGE_PROVIDER", "mongodb")
	switch cfg.StorageProvider {
	case "mongodb":
		cfg.MongoURI = os.Getenv("MONGO_URI")
		if cfg.MongoURI == "" {
			cfg.MongoURI = "mongodb://localhost:27017"
			slog.Warn("MONGO_URI not set, using default", "uri", cfg.MongoURI)
		}
		cfg.MongoDB = getEnvOrDefault("MONGO_DB", "ovmeet")
	case "s3":
		if cfg.S3Bucket == "" {
			errs = append(errs, "S3_BUCKET is required when STORAGE_PROVIDER=s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_PROVIDER must be 'mongodb' or 's3' (got '%s')", cfg.StorageProvider))
	}

	// Token lifetimes
	cfg.AccessTokenExpiration = getDurationOrDefault("ACCESS_TOKEN_EXPIRATION", 2*time.Hour, &errs)
	cfg.RefreshTokenExpiration = getDurationOrDefault("REFRESH_TOKEN_EXPIRATION", 24*time.Hour, &errs)
	cfg.ParticipantTokenExpiration = getDurationOrDefault("PARTICIPANT_TOKEN_EXPIRATION", 2*time.Hour, &errs)

	// Room lifecycle
	cfg.RoomGCInterval = getDurationOrDefault("ROOM_GC_INTERVAL", time.Hour, &errs)
	cfg.MinFutureAutoDeletionDate = getDurationOrDefault("MIN_FUTURE_TIME_FOR_ROOM_AUTODELETION_DATE", time.Hour, &errs)
	cfg.MeetingEmptyTimeout = getDurationOrDefault("MEETING_EMPTY_TIMEOUT", 20*time.Second, &errs)
	cfg.MeetingDepartureTimeout = getDurationOrDefault("MEETING_DEPARTURE_TIMEOUT", 20*time.Second, &errs)

	// Recording lifecycle
	cfg.RecordingLockTTL = getDurationOrDefault("RECORDING_LOCK_TTL", 6*time.Hour, &errs)
	cfg.RecordingStartedTimeout = getDurationOrDefault("RECORDING_STARTED_TIMEOUT", 20*time.Second, &errs)
	cfg.RecordingStaleAfter = getDurationOrDefault("RECORDING_STALE_AFTER", 5*time.Minute, &errs)
	cfg.RecordingStaleCleanupInterval = getDurationOrDefault("RECORDING_STALE_CLEANUP_INTERVAL", 15*time.Minute, &errs)
	cfg.RecordingLockGCInterval = getDurationOrDefault("RECORDING_LOCK_GC_INTERVAL", 30*time.Minute, &errs)
	cfg.RecordingOrphanedLockGracePeriod = getDurationOrDefault("RECORDING_ORPHANED_LOCK_GRACE_PERIOD", time.Minute, &errs)

	// Participant names
	cfg.ParticipantNameReservationTTL = getDurationOrDefault("PARTICIPANT_NAME_RESERVATION_TTL", 12*time.Hour, &errs)
	cfg.ParticipantMaxConcurrentNameRequests = getIntOrDefault("PARTICIPANT_MAX_CONCURRENT_NAME_REQUESTS", 20, &errs)

	// Webhook delivery
	cfg.WebhookMaxAttempts = getIntOrDefault("WEBHOOK_MAX_ATTEMPTS", 5, &errs)
	cfg.WebhookBaseBackoff = getDurationOrDefault("WEBHOOK_BASE_BACKOFF", time.Second, &errs)

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")

	// Tracing endpoint; tracing stays off when empty
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Admin bootstrap
	cfg.InitialAdminUser = getEnvOrDefault("INITIAL_ADMIN_USER", "admin")
	cfg.InitialAdminPassword = os.Getenv("INITIAL_ADMIN_PASSWORD")
	if cfg.InitialAdminPassword == "" {
		cfg.InitialAdminPassword = "admin"
		slog.Warn("INITIAL_ADMIN_PASSWORD not set, using default; the seeded admin must change it on first login")
	}

	// If there are validation errors, return them
	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// Origins returns the CORS allow-list parsed from ALLOWED_ORIGINS. An empty
// variable admits only the local development frontend.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return []string{"http://localhost:5080"}
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"livekit_url", cfg.LiveKitURL,
		"livekit_api_key", redactSecret(cfg.LiveKitAPIKey),
		"redis_addr", cfg.RedisAddr,
		"storage_provider", cfg.StorageProvider,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"room_gc_interval", cfg.RoomGCInterval.String(),
		"recording_lock_ttl", cfg.RecordingLockTTL.String(),
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getDurationOrDefault parses a duration env var, accumulating an error on bad syntax
func getDurationOrDefault(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a valid duration like '30s' or '2h' (got '%s')", key, raw))
		return defaultValue
	}
	if d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive (got '%s')", key, raw))
		return defaultValue
	}
	return d
}

// getIntOrDefault parses an integer env var, accumulating an error on bad syntax
func getIntOrDefault(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return defaultValue
	}
	return n
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
