// Package app wires configuration, stores, services and routes into a single
// http.Handler shared by the long-running server and the serverless entry.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tube-backend/internal/auth"
	"tube-backend/internal/config"
	"tube-backend/internal/db"
	"tube-backend/internal/maintenance"
	"tube-backend/internal/media"
	"tube-backend/internal/observability"
	"tube-backend/internal/password"
	"tube-backend/internal/token"
)

const mediaFolder = "videotube"

type Options struct {
	LoadDotEnv bool
	Serverless bool
}

type Runtime struct {
	Config  *config.Config
	Logger  *observability.Logger
	Handler http.Handler
	Close   func() error
}

// Build loads the configuration from the environment and assembles the
// application.
func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv, Serverless: options.Serverless})
	if err != nil {
		return nil, err
	}
	return BuildWithConfig(context.Background(), cfg)
}

func BuildWithConfig(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv, cfg.SentryRelease); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err})
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		observability.FlushSentry()
		logger.Sync()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	mediaStore, err := openMediaStore(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("init media store: %w", err))
	}

	counter, closeCounter, err := newHitCounter(cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeCounter)

	tokens, err := token.NewManager(token.Config{
		AccessSecret:  []byte(cfg.AccessTokenSecret),
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshSecret: []byte(cfg.RefreshTokenSecret),
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("init token manager: %w", err))
	}

	authService := auth.NewService(store, tokens, password.NewHasher(password.DefaultCost), mediaStore, logger)
	limiter := auth.NewLoginRateLimiter(counter, cfg.LoginRateMax, cfg.LoginRateWindow, logger).
		TrustProxyHeaders(cfg.TrustProxyHeaders)

	return &Runtime{
		Config:  cfg,
		Logger:  logger,
		Handler: NewHandler(cfg, authService, limiter, logger),
		Close:   closeAll,
	}, nil
}

// NewHandler mounts every route and wraps the mux in request logging and
// panic recovery.
func NewHandler(cfg *config.Config, authService *auth.Service, limiter *auth.LoginRateLimiter, logger *observability.Logger) http.Handler {
	mux := http.NewServeMux()

	auth.NewHandler(authService, auth.HandlerConfig{
		CookieSecure:   cfg.CookieSecure,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}).Routes(mux, limiter)

	maintenance.NewCleanupHandler(authService, logger, cfg.CronSecret, cfg.CleanupBatchSize).Routes(mux)

	mux.HandleFunc("GET /health", healthHandler(authService))

	return observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, cfg.TrustProxyHeaders, mux))
}

func openStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) (auth.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMongo:
		return openMongo(ctx, cfg, logger)
	default:
		return openPostgres(ctx, cfg, logger)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *observability.Logger) (auth.Store, func() error, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(30 * time.Minute)
	database.SetConnMaxIdleTime(10 * time.Minute)

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("migrations_applied", nil)
	}

	return auth.NewRepository(database), database.Close, nil
}

func openMongo(ctx context.Context, cfg *config.Config, logger *observability.Logger) (auth.Store, func() error, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	disconnect := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Disconnect(ctx)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = disconnect()
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	database := client.Database(cfg.MongoDatabase)
	if err := db.EnsureMongoIndexes(ctx, database.Collection(auth.UsersCollection)); err != nil {
		_ = disconnect()
		return nil, nil, err
	}
	logger.Info("mongo_indexes_ensured", map[string]any{"database": cfg.MongoDatabase})

	return auth.NewMongoRepository(database), disconnect, nil
}

func openMediaStore(ctx context.Context, cfg *config.Config) (media.Store, error) {
	if cfg.MediaDriver == config.MediaDriverS3 {
		return media.NewS3Store(ctx, media.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PublicBaseURL: cfg.S3PublicBaseURL,
			Prefix:        mediaFolder + "/",
		})
	}
	return media.NewCloudinary(cfg.CloudinaryURL, mediaFolder)
}

// newHitCounter picks the shared Redis counter when REDIS_URL is set, and the
// per-instance memory counter otherwise.
func newHitCounter(cfg *config.Config) (auth.HitCounter, func() error, error) {
	if cfg.RedisURL == "" {
		return auth.NewMemoryHitCounter(), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	return auth.NewRedisHitCounter(client), client.Close, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(store pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
