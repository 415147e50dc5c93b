// TeleVault server.
//
// Serves the HTTP API: uploads with dedup, ranged content downloads,
// namespace browsing, and Prometheus metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/televault/televault/internal/api"
	"github.com/televault/televault/internal/config"
	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/metrics"
	"github.com/televault/televault/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.InitDefault()
		logging.Fatal("configuration error", zap.Error(err))
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.InitDefault()
		logging.Fatal("logging init failed", zap.Error(err))
	}
	defer logging.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := vault.Open(cfg)
	if err != nil {
		logging.Fatal("vault init failed", zap.Error(err))
	}
	defer v.Close()

	if err := v.RefreshNamespace(ctx); err != nil {
		logging.Fatal("initial namespace build failed", zap.Error(err))
	}
	go v.Refresher.Run(ctx)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logging.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logging.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	srv := api.NewServer(v, cfg.MaxFileSize, os.TempDir())
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down")
		cancel()
		httpServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
