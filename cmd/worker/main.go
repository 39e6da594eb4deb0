package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	applog "github.com/garnizeh/trainflow/internal/log"
	"github.com/garnizeh/trainflow/internal/worker"
)

func main() {
	cfg, err := worker.LoadConfig()
	if err != nil {
		base := applog.Base()
		base.Fatal().Err(err).Msg("failed to load worker config")
	}
	applog.Configure(applog.Config{Service: "trainflow-worker"})
	log := applog.WithComponent("worker")

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := worker.NewClient(cfg)
	runner := worker.NewRunner(cfg, client, nil, log)
	if err := runner.Run(sigCtx); err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("worker exited cleanly")
}
