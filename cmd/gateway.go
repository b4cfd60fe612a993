package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/convogate/convogate/internal/config"
	"github.com/convogate/convogate/internal/gateway"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (also the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	svc, err := gateway.New(cfg)
	if err != nil {
		slog.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		slog.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}

	// Hot reload: admission settings follow config file edits; credential
	// and binding changes still require a restart.
	watcher, err := config.NewWatcher(cfgPath, cfg, func(next *config.Config) {
		svc.ApplyConfig(next)
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	slog.Info("shutting down", "signal", got.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
