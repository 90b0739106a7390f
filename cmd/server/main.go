// Command server starts the Observatory analysis service: HTTP API,
// dispatcher worker pool and TTL reaper in one process.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/observatory-hq/observatory/internal/adapter/backend"
	"github.com/observatory-hq/observatory/internal/adapter/dispatch"
	"github.com/observatory-hq/observatory/internal/adapter/httpserver"
	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/internal/adapter/repo/postgres"
	"github.com/observatory-hq/observatory/internal/app"
	"github.com/observatory-hq/observatory/internal/config"
	"github.com/observatory-hq/observatory/internal/domain"
	"github.com/observatory-hq/observatory/internal/service/credential"
	"github.com/observatory-hq/observatory/internal/service/ratelimit"
	"github.com/observatory-hq/observatory/internal/usecase"
)

func main() {
	issueTier := flag.String("issue-key", "", "issue a new API key for the given tier (api_key or partner) and exit")
	issueLabel := flag.String("label", "", "label for the issued key")
	revokeToken := flag.String("revoke-key", "", "deactivate the API key for the given token and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	credRepo := postgres.NewCredentialRepo(pool)
	resolver := credential.NewResolver(credRepo, cfg.FingerprintKey, cfg.CredentialCacheSize, cfg.CredentialCacheTTL)

	if *issueTier != "" {
		if err := issueKey(ctx, resolver, credRepo, *issueTier, *issueLabel); err != nil {
			slog.Error("key issuance failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if *revokeToken != "" {
		if err := resolver.Revoke(ctx, *revokeToken); err != nil {
			slog.Error("key revocation failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Println("key revoked")
		return
	}

	jobRepo := postgres.NewJobRepo(pool, cfg.PendingTTL, cfg.ResultTTL, cfg.CancelledTTL)

	policies, err := config.LoadTierPolicies(cfg)
	if err != nil {
		slog.Error("tier policy load failed", slog.Any("error", err))
		os.Exit(1)
	}
	var store ratelimit.Store
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		store = ratelimit.NewRedisStore(redis.NewClient(opt))
		slog.Info("rate limiting backed by redis")
	} else {
		store = ratelimit.NewMemoryStore()
		slog.Info("rate limiting backed by in-process store")
	}
	limiter := ratelimit.New(store, policies)

	llm := backend.New(cfg.BackendURL, cfg.BackendTimeout)

	notifier := dispatch.NewNotifier(cfg.CallbackSecret)
	dispatcher := dispatch.NewPool(dispatch.Config{
		WorkerCount:    cfg.WorkerCount,
		QueueDepth:     cfg.QueueDepth,
		BackendTimeout: cfg.BackendTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryInitial:   cfg.RetryInitialDelay,
		RetryMultiple:  cfg.RetryMultiplier,
	}, jobRepo, llm, notifier)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	go func() {
		dispatcher.Run(workerCtx)
		close(workersDone)
	}()

	reaper := postgres.NewReaper(jobRepo, cfg.ReaperInterval)
	go reaper.Run(workerCtx)

	submitSvc := usecase.NewSubmitService(jobRepo, dispatcher, policies, cfg.MaxInputChars, cfg.PendingTTL)
	querySvc := usecase.NewQueryService(jobRepo)
	healthSvc := usecase.NewHealthService(app.StoreCheck(pool), llm)

	srv := httpserver.NewServer(cfg, submitSvc, querySvc, healthSvc)
	handler := app.BuildRouter(cfg, srv, resolver, limiter)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	stopWorkers()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		slog.Warn("workers did not drain before shutdown deadline")
	}
}

// issueKey mints a fresh API token, persists its fingerprint and prints the
// token to stdout exactly once. The raw token is never stored.
func issueKey(ctx context.Context, resolver *credential.Resolver, repo domain.CredentialRepository, tier, label string) error {
	t := domain.Tier(tier)
	if t != domain.TierAPIKey && t != domain.TierPartner {
		return fmt.Errorf("op=issueKey: unknown tier %q", tier)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("op=issueKey: %w", err)
	}
	token := "obs_" + hex.EncodeToString(raw)
	cred := domain.Credential{
		Fingerprint: resolver.Fingerprint(token),
		Tier:        t,
		Label:       label,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := repo.Create(ctx, cred); err != nil {
		return fmt.Errorf("op=issueKey: %w", err)
	}
	fmt.Printf("tier=%s label=%q\ntoken: %s\n", tier, label, token)
	return nil
}
