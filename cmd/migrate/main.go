// Mailroom migration CLI
//
// Creates the store schema and indexes. Can also run the retention sweeps
// once and exit, for cronjob deployments, and write a starter config file.

package main

import (
	"context"
	"flag"
	"os"
	"time"

	"log/slog"

	"go.mailroom.tech/internal/cleanup"
	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/common/secrets"
	"go.mailroom.tech/internal/config"
)

func main() {
	inboxName := flag.String("inbox", "", "limit the sweep to one inbox (migration always covers the shared schema)")
	sweep := flag.Bool("sweep", false, "run the retention sweeps once after migrating")
	exampleConfig := flag.String("example-config", "", "write a starter config file to the given path and exit")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall timeout")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *exampleConfig != "" {
		if err := config.WriteExampleConfig(*exampleConfig); err != nil {
			slog.Error("Failed to write example config", "path", *exampleConfig, "error", err)
			os.Exit(1)
		}
		slog.Info("Example config written", "path", *exampleConfig)
		return
	}

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	provider, err := secrets.NewProvider(cfg.Secrets)
	if err != nil {
		slog.Error("Failed to create secrets provider", "error", err)
		os.Exit(1)
	}
	if err := cfg.ResolveSecrets(ctx, provider); err != nil {
		slog.Error("Failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	clk := clock.System{}
	store, closeStore, err := buildStore(ctx, cfg, clk)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	slog.Info("Migrating", "store", store.Name())
	if err := store.Migrate(ctx); err != nil {
		slog.Error("Migration failed", "store", store.Name(), "error", err)
		os.Exit(1)
	}
	slog.Info("Migration complete", "store", store.Name())

	if !*sweep {
		return
	}

	defs, err := cfg.Definitions()
	if err != nil {
		slog.Error("Invalid inbox configuration", "error", err)
		os.Exit(1)
	}
	if *inboxName != "" {
		filtered := defs[:0]
		for _, def := range defs {
			if def.Name == *inboxName {
				filtered = append(filtered, def)
			}
		}
		if len(filtered) == 0 {
			slog.Error("Inbox not found in configuration", "inbox", *inboxName)
			os.Exit(1)
		}
		defs = filtered
	}

	cleanupCfg := cleanup.DefaultConfig()
	if cfg.Cleanup.BatchLimit > 0 {
		cleanupCfg.BatchLimit = cfg.Cleanup.BatchLimit
	}
	if cfg.Cleanup.RoundsPerSecond > 0 {
		cleanupCfg.RoundsPerSecond = cfg.Cleanup.RoundsPerSecond
	}

	manager := cleanup.NewManager(store, clk, cleanupCfg, defs, nil)
	if err := manager.RunOnce(ctx); err != nil {
		slog.Error("Sweep failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Sweep complete")
}
