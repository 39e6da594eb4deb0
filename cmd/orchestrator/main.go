package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/garnizeh/trainflow/internal/config"
	"github.com/garnizeh/trainflow/internal/jobs"
	applog "github.com/garnizeh/trainflow/internal/log"
	"github.com/garnizeh/trainflow/internal/outbox"
	"github.com/garnizeh/trainflow/internal/registry"
	"github.com/garnizeh/trainflow/internal/scheduler"
	"github.com/garnizeh/trainflow/internal/server"
	"github.com/garnizeh/trainflow/internal/store"
	"github.com/garnizeh/trainflow/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		base := applog.Base()
		base.Fatal().Err(err).Msg("failed to load config")
	}
	applog.Configure(applog.Config{Level: cfg.LogLevel})
	log := applog.WithComponent("main")

	ctx := context.Background()
	db, err := store.InitDB(ctx, cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() {
		if err := store.CloseDB(db); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}()

	st := store.New(db)
	ctrl := jobs.NewController(st, cfg, applog.WithComponent("jobs"))
	reg := registry.New(st, cfg.HeartbeatTTL, applog.WithComponent("registry"))

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		scheduler.New(st, ctrl, reg, cfg, applog.WithComponent("scheduler")).Run(sigCtx)
	}()
	go func() {
		defer wg.Done()
		sweeper.New(st, cfg, applog.WithComponent("sweeper")).Run(sigCtx)
	}()
	go func() {
		defer wg.Done()
		outbox.New(st, cfg, applog.WithComponent("outbox")).Run(sigCtx)
	}()

	srv := server.New(cfg, st, ctrl, reg, applog.WithComponent("server"))
	srv.RegisterRoutes()

	if err := srv.Start(sigCtx); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}
	wg.Wait()
	log.Info().Msg("orchestrator exited cleanly")
}
