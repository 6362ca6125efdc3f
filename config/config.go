package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Sync     SyncConfig
	Auth     AuthConfig
	Redis    RedisConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Archive  ArchiveConfig
	Log      LogConfig
}

// ServerConfig holds console HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// BackendConfig points at the external clipping backend.
type BackendConfig struct {
	BaseURL        string        // e.g. http://localhost:8000
	WSURL          string        // e.g. ws://localhost:8000; derived from BaseURL when empty
	RequestTimeout time.Duration // status/clip fetches
	CacheTTL       time.Duration // response cache TTL for list endpoints
}

// SyncConfig tunes the live session controller.
type SyncConfig struct {
	Strategy             string // "push" or "poll"
	PollInterval         time.Duration
	HealthProbeTimeout   time.Duration
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// AuthConfig selects the credential provider used against the backend.
type AuthConfig struct {
	Mode      string // "demo", "jwt" or "static"
	Token     string // static mode
	JWTSecret string // jwt mode
	Subject   string // jwt mode subject (user id)
	TokenTTL  time.Duration
}

// RedisConfig holds Redis connection settings. Empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig holds PostgreSQL connection settings. Empty URL disables the clip gallery.
type DatabaseConfig struct {
	URL string
}

// AWSConfig holds AWS credentials and the clip archive bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ClipsBucket          string
	PresignExpireMinutes int
}

// ArchiveConfig controls copying clip binaries to S3.
type ArchiveConfig struct {
	Auto bool // enqueue an archive job for every ready clip
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	baseURL := strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8000"), "/")
	wsURL := strings.TrimRight(getEnv("BACKEND_WS_URL", ""), "/")
	if wsURL == "" {
		wsURL = DeriveWSURL(baseURL)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Backend: BackendConfig{
			BaseURL:        baseURL,
			WSURL:          wsURL,
			RequestTimeout: getEnvDuration("BACKEND_REQUEST_TIMEOUT", 8*time.Second),
			CacheTTL:       getEnvDuration("BACKEND_CACHE_TTL", 10*time.Second),
		},
		Sync: SyncConfig{
			Strategy:             strings.ToLower(getEnv("SYNC_STRATEGY", "push")),
			PollInterval:         getEnvDuration("POLL_INTERVAL", 30*time.Second),
			HealthProbeTimeout:   getEnvDuration("HEALTH_PROBE_TIMEOUT", 3*time.Second),
			ConnectTimeout:       getEnvDuration("WS_CONNECT_TIMEOUT", 5*time.Second),
			ReconnectDelay:       getEnvDuration("WS_RECONNECT_DELAY", 3*time.Second),
			MaxReconnectAttempts: getEnvInt("WS_MAX_RECONNECT_ATTEMPTS", 3),
		},
		Auth: AuthConfig{
			Mode:      strings.ToLower(getEnv("AUTH_MODE", "demo")),
			Token:     getEnv("AUTH_TOKEN", ""),
			JWTSecret: getEnv("JWT_SECRET", ""),
			Subject:   getEnv("AUTH_SUBJECT", "console"),
			TokenTTL:  getEnvDuration("TOKEN_TTL", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ClipsBucket:          getEnv("AWS_S3_CLIPS_BUCKET", "zclipper-clips"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Archive: ArchiveConfig{
			Auto: getEnv("ARCHIVE_AUTO", "") == "1",
		},
		Log: LogConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the bounds the live session controller depends on.
func (c *Config) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("BACKEND_URL: %w", err))
	}
	if c.Sync.Strategy != "push" && c.Sync.Strategy != "poll" {
		errs = append(errs, fmt.Errorf("SYNC_STRATEGY must be push or poll, got %q", c.Sync.Strategy))
	}
	if c.Sync.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.Sync.HealthProbeTimeout <= 0 || c.Sync.HealthProbeTimeout > 3*time.Second {
		errs = append(errs, errors.New("HEALTH_PROBE_TIMEOUT must be in (0, 3s]"))
	}
	if c.Sync.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("WS_CONNECT_TIMEOUT must be positive"))
	}
	if c.Sync.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("WS_RECONNECT_DELAY must be positive"))
	}
	if c.Sync.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("WS_MAX_RECONNECT_ATTEMPTS must be at least 1"))
	}
	if c.Backend.RequestTimeout < 5*time.Second || c.Backend.RequestTimeout > 10*time.Second {
		errs = append(errs, errors.New("BACKEND_REQUEST_TIMEOUT must be between 5s and 10s"))
	}
	switch c.Auth.Mode {
	case "demo":
	case "static":
		if c.Auth.Token == "" {
			errs = append(errs, errors.New("AUTH_TOKEN required when AUTH_MODE=static"))
		}
	case "jwt":
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET required when AUTH_MODE=jwt"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE must be demo, jwt or static, got %q", c.Auth.Mode))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// DeriveWSURL maps an http(s) base URL onto its ws(s) counterpart.
func DeriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
