package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"labmapa/internal/app"
	"labmapa/internal/archive"
	"labmapa/internal/config"
	"labmapa/internal/export"
	"labmapa/internal/logging"
	"labmapa/internal/metrics"
	"labmapa/internal/notify"
	"labmapa/internal/search"
	"labmapa/internal/session"
	"labmapa/internal/store"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		return err
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	dataStore := store.NewPostgresStore(db)
	registry := metrics.New()
	opts := []app.Option{
		app.WithLogger(logger),
		app.WithObserver(registry),
		app.WithPolicy(policy.SelfSignoff()),
		app.WithExporter(export.NewService(dataStore, logger.Named("export"))),
	}
	var redisPing func(context.Context) error

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger.Named("search"))
	searchService.Reindex()
	opts = append(opts, app.WithSearch(searchService))

	if strings.TrimSpace(cfg.RedisURL) != "" {
		revocations, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer revocations.Close()
		feed, err := notify.NewRedisFeed(cfg.RedisURL, logger.Named("notify"))
		if err != nil {
			return err
		}
		defer feed.Close()
		opts = append(opts, app.WithRevoker(revocations), app.WithPublisher(feed))
		redisPing = revocations.Ping
		logger.Info("redis enabled for revocation and change feed")
	} else {
		logger.Warn("REDIS_URL is empty; logout is client side only and change notifications are disabled")
	}

	objects, err := archive.New(archive.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return err
	}
	if objects != nil {
		if err := objects.EnsureBucket(ctx); err != nil {
			return err
		}
		opts = append(opts, app.WithArchive(objects))
	}

	service := app.New(cfg, dataStore, opts...)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.Named("http"))
	httpServer.SetMetricsHandler(registry.Handler())
	if redisPing != nil {
		httpServer.AddReadinessCheck("redis", redisPing)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mapa api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
