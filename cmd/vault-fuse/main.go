// TeleVault FUSE client.
//
// Mounts the vault namespace as a read-only filesystem. Reads stream
// through the tiered cache; only requested byte ranges are fetched.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/televault/televault/internal/config"
	"github.com/televault/televault/internal/fusefs"
	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/vault"
)

func main() {
	mountPoint := flag.String("mount", "", "mount point (required)")
	flag.Parse()

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

	if *mountPoint == "" {
		logging.Fatal("-mount is required")
	}

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

	server, err := fusefs.New(v).Mount(*mountPoint)
	if err != nil {
		logging.Fatal("mount failed", zap.Error(err))
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("unmounting")
		cancel()
		server.Unmount()
	}()

	server.Wait()
}
