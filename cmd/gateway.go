package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nibot/nibot/internal/app"
	"github.com/nibot/nibot/internal/config"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopWatch, err := config.Watch(cfgPath, func(reloaded *config.Config) {
		cfg.ReplaceFrom(reloaded)
		slog.Info("configuration reloaded", "path", cfgPath)
	}, func(watchErr error) {
		slog.Warn("config reload failed, keeping current configuration", "error", watchErr)
	})
	if err != nil {
		slog.Warn("config hot-reload unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("nibot starting", "version", Version, "model", cfg.Agent.Model)
	if err := a.Run(ctx); err != nil {
		slog.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
}
