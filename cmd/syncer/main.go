package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/magabrotheeeer/simulation-quota/internal/app/syncer"
	"github.com/magabrotheeeer/simulation-quota/internal/config"
)

func main() {
	username := flag.String("user", "", "sync only this user's subscription")
	flag.Parse()

	cfg := config.MustLoad()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger.Info("starting syncer", slog.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := syncer.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize syncer", slog.Any("err", err))
		os.Exit(1)
	}

	if err := app.Run(ctx, *username); err != nil {
		logger.Error("sync run failed", slog.Any("err", err))
		os.Exit(1)
	}

	logger.Info("syncer finished")
}
