package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrav/go-guardrail/infrastructure/middleware"
	"github.com/ahrav/go-guardrail/internal/api"
	"github.com/ahrav/go-guardrail/internal/application"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serves POST /scan, POST /aggregate/results, GET / and GET /metrics
until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *application.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := middleware.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	rt, err := newRuntime(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.Close(flushCtx)
	}()

	if cfg.WatchRules {
		watcher, err := application.NewRuleWatcher(cfg.RulesDir, rt.loader, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("rule watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(&api.Dependencies{
			Scanner:        rt.orch,
			Aggregator:     rt.aggregator,
			DefaultUseCase: cfg.DefaultUseCase,
			Metrics:        promhttp.Handler(),
			Logger:         logger.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		// Scans wait on the LLM for up to the request timeout.
		WriteTimeout: cfg.RequestTimeout() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", srv.Addr),
			zap.String("provider", cfg.LLM.Provider),
			zap.String("model", rt.llm.GetModel()),
			zap.Strings("use_cases", rt.catalog.IDs()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	logger.Info("guardrail server stopped")
	return nil
}
