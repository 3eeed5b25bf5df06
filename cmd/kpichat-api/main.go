package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kpichat/kpichat/internal/api"
	"github.com/kpichat/kpichat/internal/auth"
	"github.com/kpichat/kpichat/internal/catalog"
	"github.com/kpichat/kpichat/internal/config"
	"github.com/kpichat/kpichat/internal/dialogue"
	"github.com/kpichat/kpichat/internal/dispatch"
	"github.com/kpichat/kpichat/internal/export"
	"github.com/kpichat/kpichat/internal/nlu"
	"github.com/kpichat/kpichat/internal/observability"
	"github.com/kpichat/kpichat/internal/session"
	s3store "github.com/kpichat/kpichat/internal/storage/s3"
	"github.com/kpichat/kpichat/internal/warehouse/postgres"
)

func main() {
	cfg, err := config.LoadFromEnv("kpichat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	kpiCatalog, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		logger.Error("failed to load kpi catalog", slog.Any("error", err))
		os.Exit(1)
	}

	warehouseDB, err := postgres.Open(context.Background(), postgres.DBConfig{
		DSN:             cfg.Warehouse.DSN,
		MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
		MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
		ConnMaxIdleTime: cfg.Warehouse.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open warehouse db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = warehouseDB.Close() }()
	repo := postgres.NewRepository(warehouseDB)

	objectStore, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.Export.Endpoint,
		Region:           cfg.Export.Region,
		Bucket:           cfg.Export.Bucket,
		AccessKeyID:      cfg.Export.AccessKeyID,
		SecretAccessKey:  cfg.Export.SecretAccessKey,
		UseSSL:           cfg.Export.UseSSL,
		Prefix:           cfg.Export.Prefix,
		AutoCreateBucket: cfg.Export.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	var extractor nlu.Extractor = nlu.NewRuleExtractor(kpiCatalog, time.Now, repo)
	var summarizer api.ResultSummarizer
	if cfg.AI.Enabled {
		aiOpts := nlu.OpenAIOptions{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: float32(cfg.AI.Temperature),
			Timeout:     cfg.AI.Timeout,
		}
		extractor = nlu.NewComposite(extractor, nlu.NewOpenAIExtractor(aiOpts, kpiCatalog), logger)
		summarizer = nlu.NewOpenAISummarizer(aiOpts)
	}

	resolver := dialogue.NewResolver(kpiCatalog, extractor, logger)
	dispatcher := dispatch.NewDispatcher(kpiCatalog, repo)
	publisher := export.NewPublisher(dispatcher, objectStore, cfg.Export.PresignTTL, logger)
	sessions := session.NewStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go purgeIdleSessions(ctx, sessions, cfg.Session, logger)

	deps := api.Dependencies{
		Logger:            logger,
		Catalog:           kpiCatalog,
		Sessions:          sessions,
		Resolver:          resolver,
		Dispatcher:        dispatcher,
		Dimensions:        repo,
		Audit:             repo,
		Exporter:          publisher,
		Summarizer:        summarizer,
		DimensionLimit:    cfg.Dimension.ValueLimit,
		Readiness:         api.CombineReadinessChecks(repo.HealthCheck, api.CheckExportConfig(cfg)),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func purgeIdleSessions(ctx context.Context, sessions *session.Store, cfg config.SessionConfig, logger *slog.Logger) {
	interval := cfg.PurgeInterval
	if interval <= 0 || cfg.MaxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged := sessions.PurgeIdle(cfg.MaxIdle); purged > 0 {
				logger.Info("purged idle conversations", slog.Int("count", purged))
			}
		}
	}
}
