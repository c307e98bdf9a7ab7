// Package config loads the process-wide settings once at startup. The
// returned Config is handed to constructors and never mutated afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"

	MediaDriverCloudinary = "cloudinary"
	MediaDriverS3         = "s3"
)

// ErrMissingSecret is returned when a token signing secret is not configured.
var ErrMissingSecret = errors.New("missing token signing secret")

type Config struct {
	Port          string
	AppEnv        string
	SentryDSN     string
	SentryRelease string
	LogLevel      string
	LogDev        bool

	StoreDriver    string
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	MongoURI       string
	MongoDatabase  string
	RunMigrations  bool

	AccessTokenSecret  string
	AccessTokenTTL     time.Duration
	RefreshTokenSecret string
	RefreshTokenTTL    time.Duration
	CookieSecure       bool

	MediaDriver      string
	CloudinaryURL    string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3PublicBaseURL  string
	MaxBodyBytes     int64
	MaxUploadBytes   int64
	RedisURL         string
	LoginRateMax     int
	LoginRateWindow  time.Duration
	CronSecret       string
	CleanupBatchSize int

	// TrustProxyHeaders makes X-Forwarded-For the client address for rate
	// limiting and request logs. Only safe behind a proxy that overwrites it.
	TrustProxyHeaders bool
}

// Options select per entry point defaults. Serverless deployments sit behind
// the platform proxy and skip migrations on cold start unless told otherwise.
type Options struct {
	LoadDotEnv bool
	Serverless bool
}

// Load reads the configuration from the environment. Token secrets and the
// settings of the selected store and media drivers are required.
func Load(options Options) (*Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Port:          envOrDefault("PORT", "8000"),
		AppEnv:        envOrDefault("APP_ENV", "development"),
		SentryDSN:     strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		SentryRelease: strings.TrimSpace(os.Getenv("SENTRY_RELEASE")),
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),
		LogDev:        EnvBoolOrDefault("LOG_DEV", false),

		StoreDriver:    strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxOpenConns: envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns: envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		MongoURI:       strings.TrimSpace(os.Getenv("MONGODB_URI")),
		MongoDatabase:  envOrDefault("MONGODB_DATABASE", "videotube"),
		RunMigrations:  EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", !options.Serverless),

		AccessTokenSecret:  strings.TrimSpace(os.Getenv("ACCESS_TOKEN_SECRET")),
		RefreshTokenSecret: strings.TrimSpace(os.Getenv("REFRESH_TOKEN_SECRET")),
		CookieSecure:       EnvBoolOrDefault("COOKIE_SECURE", true),

		MediaDriver:      strings.ToLower(envOrDefault("MEDIA_DRIVER", MediaDriverCloudinary)),
		CloudinaryURL:    strings.TrimSpace(os.Getenv("CLOUDINARY_URL")),
		S3Bucket:         strings.TrimSpace(os.Getenv("S3_BUCKET")),
		S3Region:         envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:       strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		S3AccessKey:      strings.TrimSpace(os.Getenv("S3_ACCESS_KEY")),
		S3SecretKey:      strings.TrimSpace(os.Getenv("S3_SECRET_KEY")),
		S3PublicBaseURL:  strings.TrimSpace(os.Getenv("S3_PUBLIC_BASE_URL")),
		MaxBodyBytes:     int64(envIntOrDefault("MAX_BODY_BYTES", 16<<10)),
		MaxUploadBytes:   int64(envIntOrDefault("MAX_UPLOAD_BYTES", 10<<20)),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		LoginRateMax:     envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		CronSecret:       strings.TrimSpace(os.Getenv("CRON_SECRET")),
		CleanupBatchSize: envIntOrDefault("CLEANUP_BATCH_SIZE", 500),

		TrustProxyHeaders: EnvBoolOrDefault("TRUST_PROXY_HEADERS", options.Serverless),
	}

	var err error
	if cfg.AccessTokenTTL, err = envDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RefreshTokenTTL, err = envDuration("REFRESH_TOKEN_EXPIRY", 10*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LoginRateWindow, err = envDuration("LOGIN_RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AccessTokenSecret == "" {
		return fmt.Errorf("%w: ACCESS_TOKEN_SECRET", ErrMissingSecret)
	}
	if c.RefreshTokenSecret == "" {
		return fmt.Errorf("%w: REFRESH_TOKEN_SECRET", ErrMissingSecret)
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return errors.New("REFRESH_TOKEN_EXPIRY must be longer than ACCESS_TOKEN_EXPIRY")
	}

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("missing required env: DATABASE_URL")
		}
	case StoreDriverMongo:
		if c.MongoURI == "" {
			return errors.New("missing required env: MONGODB_URI")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.MediaDriver {
	case MediaDriverCloudinary:
		if c.CloudinaryURL == "" {
			return errors.New("missing required env: CLOUDINARY_URL")
		}
	case MediaDriverS3:
		if c.S3Bucket == "" {
			return errors.New("missing required env: S3_BUCKET")
		}
	default:
		return fmt.Errorf("unsupported MEDIA_DRIVER %q", c.MediaDriver)
	}

	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return parsed, nil
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
