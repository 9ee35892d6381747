package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"nemtdispatch/internal/api"
	"nemtdispatch/internal/buildinfo"
	"nemtdispatch/internal/config"
	"nemtdispatch/internal/integrations"
	"nemtdispatch/internal/integrations/csvdrop"
	"nemtdispatch/internal/logging"
	"nemtdispatch/internal/model"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("IDS_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	srvDeps, err := api.NewServer(cfg, log)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	defer func() { _ = srvDeps.Close() }()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           logMiddleware(log, srvDeps.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Live dispatch deliveries only exist when an endpoint is configured.
	if srvDeps.Live != nil {
		worker := srvDeps.NewWebhookWorker()
		worker.Start()
		defer worker.Stop()
	}

	if cfg.Ingest.DropDir != "" {
		solve := func(ctx context.Context, req model.SolveRequest) (model.ShadowRun, error) {
			return srvDeps.Service.Solve(ctx, req, cfg)
		}
		poller := integrations.NewPoller(csvdrop.New(cfg.Ingest.DropDir), solve, srvDeps.Store,
			time.Duration(cfg.Ingest.DropPollSeconds)*time.Second, log)
		poller.Start()
		defer poller.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("version", buildinfo.Version),
			zap.Bool("enabled", cfg.Dispatch.Enabled),
			zap.Bool("shadowMode", cfg.Dispatch.ShadowMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info("request",
			zap.String("remote", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
