package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nattyright/grail-kun/internal/app"
	"github.com/nattyright/grail-kun/internal/archive"
	"github.com/nattyright/grail-kun/internal/chat"
	"github.com/nattyright/grail-kun/internal/config"
	"github.com/nattyright/grail-kun/internal/email"
	"github.com/nattyright/grail-kun/internal/gdocs"
	"github.com/nattyright/grail-kun/internal/gitrepo"
	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/metrics"
	"github.com/nattyright/grail-kun/internal/queue"
	"github.com/nattyright/grail-kun/internal/report"
	"github.com/nattyright/grail-kun/internal/search"
	"github.com/nattyright/grail-kun/internal/store"
	"github.com/nattyright/grail-kun/internal/watch"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the watcher and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", logger.Strings("versions", applied))
	}
	dataStore := store.NewPostgresStore(db)

	var baselineQueue watch.BaselineQueue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisQueue, err := queue.NewRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisQueue.Close()
		baselineQueue = redisQueue
		log.Info("using redis baseline queue")
	} else {
		baselineQueue = queue.NewMemory()
		log.Info("using in-process baseline queue")
	}

	recorder := metrics.New()
	fetcher := gdocs.New(gdocs.Config{ExportURL: cfg.ExportURL, Timeout: cfg.FetchTimeout}).WithObserver(recorder)
	chatClient := chat.New(chat.Config{BaseURL: cfg.ChatAPIBase, Token: cfg.ChatBotToken})
	if cfg.ChatBotToken == "" {
		log.Warn("CHAT_BOT_TOKEN is empty; alerts and rescans will fail")
	}

	deps := watch.Deps{
		Repo:     dataStore,
		Fetcher:  fetcher,
		Queue:    baselineQueue,
		Alerter:  chatClient,
		Messages: chatClient,
		Metrics:  recorder,
		Logger:   log,
	}

	if cfg.MinioEnabled() {
		archiver, err := archive.New(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, log)
		if err != nil {
			return fmt.Errorf("archive setup failed: %w", err)
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("archive bucket: %w", err)
		}
		deps.Archive = archiver
	}

	var history *gitrepo.Service
	if cfg.ReposDir != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return fmt.Errorf("failed to create repos dir: %w", err)
		}
		history = gitrepo.New(cfg.ReposDir)
		deps.History = history
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, log)
	deps.Indexer = searchService

	if cfg.SMTPHost != "" {
		mailer := email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			Notify:   cfg.SMTPNotify,
		})
		if mailer.IsConfigured() {
			deps.Notifier = mailer
		}
	}

	engine := watch.New(deps, watch.Config{BaselineBatch: cfg.BaselineBatch})
	scheduler := watch.NewScheduler(engine, watch.SchedulerConfig{
		BaselineTick:  cfg.BaselineTick,
		ReconcileTick: cfg.SchedulerTick,
	})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if meiliClient != nil {
		go reindex(runCtx, dataStore, searchService, log)
	}
	if err := scheduler.Start(runCtx); err != nil {
		return err
	}

	appDeps := app.Deps{
		Store:       dataStore,
		Engine:      engine,
		Search:      searchService,
		Reports:     report.NewService(),
		TokenSecret: cfg.TokenSecret,
		Logger:      log,
	}
	if history != nil {
		appDeps.History = history
	}
	httpServer := app.NewHTTPServer(app.New(appDeps), recorder.Handler(), cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("sheetwatch listening", logger.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-runCtx.Done():
		log.Info("shutting down")
	case runErr = <-serveErr:
		log.Error("server failed", logger.Err(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", logger.Err(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler did not stop in time", logger.Err(err))
	}
	return runErr
}

// reindex pushes every approved sheet once the index answers.
func reindex(ctx context.Context, st *store.PostgresStore, svc *search.Service, log logger.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Second):
	}
	communities, err := st.ListCommunities(ctx)
	if err != nil {
		log.Warn("reindex: list communities failed", logger.Err(err))
		return
	}
	var sheets []store.Sheet
	for _, communityID := range communities {
		approved, err := st.ListApprovedSheets(ctx, communityID)
		if err != nil {
			log.Warn("reindex: list sheets failed", logger.String("community_id", communityID), logger.Err(err))
			continue
		}
		sheets = append(sheets, approved...)
	}
	svc.Reindex(sheets)
	log.Info("search index refreshed", logger.Int("sheets", len(sheets)))
}
