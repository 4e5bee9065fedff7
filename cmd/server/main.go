// Package main is the entry point for the flagscope server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply goose migrations.
//  3. Optionally connect to Redis for the shared cache tier.
//  4. Create the repository, flag cache, and service.
//  5. Wire up the API key token validator and request middleware.
//  6. Start the HTTP server and wait for SIGINT/SIGTERM, then shut down
//     gracefully.
//
// Running with an "apikey" subcommand instead performs key administration
// against the configured database and exits:
//
//	server apikey create <tenant-id>
//	server apikey list <tenant-id>
//	server apikey revoke <tenant-id> <key-id>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flagscope/flagscope/internal/cache"
	"github.com/flagscope/flagscope/internal/config"
	"github.com/flagscope/flagscope/internal/logging"
	"github.com/flagscope/flagscope/internal/metrics"
	"github.com/flagscope/flagscope/internal/middleware"
	"github.com/flagscope/flagscope/internal/repository"
	"github.com/flagscope/flagscope/internal/server"
	"github.com/flagscope/flagscope/internal/service"
	"github.com/flagscope/flagscope/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if len(os.Args) > 1 && os.Args[1] == "apikey" {
		return runAPIKeyCommand(ctx, repository.NewPostgresRepository(pool), os.Args[2:])
	}

	shutdownTracer, err := tracing.Init(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	if err := runMigrations(pool); err != nil {
		return err
	}

	var sharedStore cache.SharedStore
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		sharedStore = cache.NewRedisStore(redisClient)
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)
	if redisClient != nil {
		metrics.RegisterRedisPoolMetrics(m.Registry, redisClient)
	}

	flagCache := cache.New(sharedStore,
		cache.WithLogger(log),
		cache.WithMemoryTTL(cfg.MemoryCacheTTL),
		cache.WithMemoryMaxItems(cfg.MemoryCacheMaxItems),
		cache.WithSharedTTL(cfg.SharedCacheTTL),
		cache.WithTierMetrics(m.RecordCacheHit, m.RecordCacheMiss, m.IncCacheInvalidations),
	)

	repo := repository.NewPostgresRepository(pool)
	svc, err := service.New(ctx, repo, flagCache,
		service.WithLogger(log),
		service.WithEvaluationMetric(m.RecordEvaluation),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	tokenValidator := &apiKeyTokenValidator{lookup: repo}
	apiHandler := server.NewHTTPHandler(svc, server.WithMaxJSONBodyBytes(cfg.MaxJSONBodySize))
	httpHandler := newHTTPHandler(apiHandler, m, log, tokenValidator,
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "flagscope-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "shared_cache", sharedStore != nil)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

func newHTTPHandler(apiHandler http.Handler, m *metrics.Metrics, log *slog.Logger, tokenValidator middleware.TokenValidator, authOpts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.BearerAuth(tokenValidator, authOpts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	mux.Handle("GET /metrics", m.Handler())

	return middleware.RequestLogging(log)(m.HTTPMiddleware(mux))
}

type apiKeyAdmin interface {
	CreateAPIKey(ctx context.Context, tenantID string) (string, string, error)
	RevokeAPIKey(ctx context.Context, tenantID, keyID string) error
	ListAPIKeys(ctx context.Context, tenantID string) ([]repository.APIKeyMeta, error)
}

func runAPIKeyCommand(ctx context.Context, admin apiKeyAdmin, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: server apikey {create|list|revoke} <tenant-id> [key-id]")
	}

	command, tenantID := args[0], strings.TrimSpace(args[1])
	if tenantID == "" {
		return errors.New("tenant id is required")
	}

	switch command {
	case "create":
		keyID, secret, err := admin.CreateAPIKey(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("create api key: %w", err)
		}
		// The bearer token is id.secret; the secret is not recoverable later.
		fmt.Printf("%s.%s\n", keyID, secret)
		return nil
	case "list":
		keys, err := admin.ListAPIKeys(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("list api keys: %w", err)
		}
		for _, key := range keys {
			fmt.Printf("%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.Format(time.RFC3339))
		}
		return nil
	case "revoke":
		if len(args) < 3 {
			return errors.New("usage: server apikey revoke <tenant-id> <key-id>")
		}
		if err := admin.RevokeAPIKey(ctx, tenantID, strings.TrimSpace(args[2])); err != nil {
			return fmt.Errorf("revoke api key: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown apikey command %q", command)
	}
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, string, error)
}

type apiKeyTokenValidator struct {
	lookup apiKeyHashLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return "", errors.New("invalid token format")
	}

	keyHash, tenantID, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errors.New("invalid token")
	}

	return tenantID, nil
}
