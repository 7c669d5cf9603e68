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
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/sftp_sync/internal/archive"
	"github.com/italolelis/sftp_sync/internal/cleanup"
	"github.com/italolelis/sftp_sync/internal/config"
	"github.com/italolelis/sftp_sync/internal/http/rest"
	"github.com/italolelis/sftp_sync/internal/logctx"
	"github.com/italolelis/sftp_sync/internal/notifier"
	"github.com/italolelis/sftp_sync/internal/progress"
	"github.com/italolelis/sftp_sync/internal/remote/sftp"
	"github.com/italolelis/sftp_sync/internal/storage"
	"github.com/italolelis/sftp_sync/internal/storage/jsonfile"
	"github.com/italolelis/sftp_sync/internal/storage/sqlite"
	"github.com/italolelis/sftp_sync/internal/telemetry"
	"github.com/italolelis/sftp_sync/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// version is set at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("sftp sync starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, cfg.TelemetryConfig(version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Progress Store
	store, closeStore, err := buildProgressStore(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build progress store: %w", err)
	}
	defer closeStore()

	// =========================================================================
	// Start Transfer Engine
	dialer := transfer.NewInstrumentedDialer(sftp.NewDialer(cfg.DialerConfig()), tel)
	creds := cfg.Credentials()
	reporter := logReporter(ctx)

	sessionOpts := []transfer.Option{
		transfer.WithMaxAttempts(cfg.MaxAttempts),
		transfer.WithBackoff(cfg.RetryBackoff),
		transfer.WithTelemetry(tel),
		transfer.WithReporter(reporter),
	}

	session := transfer.NewSession(dialer, creds, store, sessionOpts...)

	pipeline := archive.NewPipeline(dialer, creds,
		archive.WithLocalDir(cfg.ArchiveDir),
		archive.WithRemoteDir(cfg.RemoteArchiveDir),
		archive.WithTelemetry(tel),
		archive.WithReporter(reporter),
	)

	testConnection := func(ctx context.Context) error {
		return transfer.TestConnection(ctx, dialer, creds, sessionOpts...)
	}

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	// =========================================================================
	// Start API Service
	handler := rest.NewTransferHandler(cfg.Web.Username, cfg.Web.Password, session, pipeline, testConnection, notif)
	server := setupServer(ctx, cfg, tel, handler)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	sweeper := &cleanup.Sweeper{
		Dir:          cfg.ArchiveDir,
		KeepDuration: cfg.ArchiveRetention,
		Interval:     cfg.CleanupInterval,
	}

	g.Go(func() error {
		return sweeper.Run(ctx)
	})

	logger.Info("ready for transfers",
		"host", creds.Address(),
		"progress_backend", cfg.ProgressBackend,
		"archive_dir", cfg.ArchiveDir,
		"retention", cfg.ArchiveRetention.String(),
	)

	return g.Wait()
}

// buildProgressStore is an abstract factory for the progress store.
func buildProgressStore(cfg *config.Config, tel *telemetry.Telemetry) (storage.ProgressStore, func(), error) {
	switch cfg.ProgressBackend {
	case config.BackendSQLite:
		database, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}

		closeDB := func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", "err", err)
			}
		}

		return sqlite.NewInstrumentedProgressRepository(database, tel), closeDB, nil
	case config.BackendJSON:
		store, err := jsonfile.New(cfg.ProgressDir)
		if err != nil {
			return nil, nil, err
		}

		return store, func() {}, nil
	}

	return nil, nil, fmt.Errorf("invalid progress backend: %s", cfg.ProgressBackend)
}

// logReporter turns progress updates into debug logs for headless runs.
func logReporter(ctx context.Context) progress.Reporter {
	logger := logctx.LoggerFromContext(ctx)

	return progress.ReporterFunc(func(fraction float64, label string) {
		logger.Debug("progress", "percent", int(fraction*100), "label", label)
	})
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, handler *rest.TransferHandler) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "sftp_sync"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
