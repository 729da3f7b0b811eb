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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/multi_downloader/internal/cleanup"
	"github.com/italolelis/multi_downloader/internal/config"
	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/http/rest"
	"github.com/italolelis/multi_downloader/internal/logctx"
	"github.com/italolelis/multi_downloader/internal/manager"
	"github.com/italolelis/multi_downloader/internal/notifier"
	"github.com/italolelis/multi_downloader/internal/storage"
	"github.com/italolelis/multi_downloader/internal/storage/sqlite"
	"github.com/italolelis/multi_downloader/internal/telemetry"
	"github.com/italolelis/multi_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.NewJSONLogger(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("multi downloader starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	// =========================================================================
	// Start Download Managers
	fg, bg, err := buildTransports(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build transports: %w", err)
	}

	observers := download.NewSerialExecutor()
	opts := []download.Option{
		download.WithRecorder(tel),
		download.WithObserver(observers, storage.HistoryObserver(ctx, history, storage.GenerateInstanceID())),
		download.WithObserver(observers, manager.ProgressLogger(ctx, cfg.ProgressInterval)),
	}

	if cfg.DiscordWebhookURL != "" {
		notif := &notifier.DiscordNotifier{
			WebhookURL: cfg.DiscordWebhookURL,
			Client:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		}
		opts = append(opts, download.WithObserver(observers, notifier.Observer(ctx, notif, cfg.HTTPTimeout)))
	}

	coord, err := manager.NewFromConfig(cfg, fg, bg, opts...)
	if err != nil {
		return err
	}

	coord.SetDrainHandler(func() {
		st := coord.Background().Stats()
		logger.Info("background downloads drained", "paused", st.Paused, "failed", st.Failed)
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, coord, history, tel)

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"background_target_dir", cfg.BackgroundTargetDir,
		"max_concurrent", cfg.MaxConcurrent,
		"background_max_concurrent", cfg.BackgroundMaxConcurrent,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.New(history, cfg.KeepDownloadedFor, cfg.CleanupInterval, tel).Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		var errs []error

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				errs = append(errs, fmt.Errorf("could not stop server gracefully: %w", err))
			}
		}

		if err := coord.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}

		if err := observers.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush observers: %w", err))
		}

		return errors.Join(errs...)
	})

	return g.Wait()
}

// buildTransports creates one HTTP transport per target directory. Both share a
// client whose requests are traced.
func buildTransports(cfg *config.Config, tel *telemetry.Telemetry) (download.Transport, download.Transport, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = cfg.HTTPTimeout

	client := &http.Client{Transport: otelhttp.NewTransport(base)}

	fg, err := transfer.NewHTTPTransport(cfg.TargetDir, transfer.WithClient(client))
	if err != nil {
		return nil, nil, err
	}

	bg, err := transfer.NewHTTPTransport(cfg.BackgroundTargetDir, transfer.WithClient(client))
	if err != nil {
		return nil, nil, err
	}

	return transfer.NewInstrumentedTransport(fg, tel, "http"),
		transfer.NewInstrumentedTransport(bg, tel, "http_background"), nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	coord *manager.Coordinator,
	history storage.HistoryReadRepository,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewDownloadsHandler(coord, history, rest.WithBasicAuth(cfg.Web.Username, cfg.Web.Password))

	r := chi.NewRouter()
	r.Use(telemetry.RequestID, telemetry.HTTPLogging, telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "multi-downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
