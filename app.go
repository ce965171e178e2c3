package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"clipscribe/config"
	"clipscribe/fetcher"
	"clipscribe/ffmpeg"
	"clipscribe/store"
	"clipscribe/task"
	"clipscribe/transcriber"
)

// app holds the wired pipeline shared by every subcommand.
type app struct {
	cfg     *config.Config
	store   task.Store
	manager *task.Manager
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	if cfg.StoreDriver == "postgres" {
		pg, err := store.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// newApp loads configuration and wires store, fetcher, transcriber and notifier into a manager.
// A store that cannot be opened is logged, and the manager then reports it as unavailable.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.LogLevel)

	if err := ffmpeg.LookupBinaries(cfg.YTDLPBin, cfg.FFBin, cfg.FFProbeBin); err != nil {
		slog.Warn("external tool missing; affected stages will fail", "error", err)
	}
	if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("task store unavailable", "driver", cfg.StoreDriver, "error", err)
	}

	f, err := fetcher.New(cfg, ffmpeg.OSRunner{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize media fetcher: %w", err)
	}
	tool := ffmpeg.NewTool(cfg, ffmpeg.OSRunner{})
	tr := transcriber.NewFromConfig(cfg, tool)

	mgr, err := task.NewManager(cfg, st, f, tr, task.NewHTTPNotifier(cfg.CallbackTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task manager: %w", err)
	}
	return &app{cfg: cfg, store: st, manager: mgr}, nil
}

func (a *app) Close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing task store", "error", err)
	}
}
