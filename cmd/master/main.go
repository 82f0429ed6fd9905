package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"xray-control/internal/app/master"
	"xray-control/internal/config"
	"xray-control/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadMasterConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, File: cfg.LogFile})

	app, err := master.New(ctx, cfg)
	if err != nil {
		logger.Errorf("init: %v", err)
		log.Fatal(err)
	}
	if err := app.Start(ctx); err != nil {
		logger.Errorf("start: %v", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = app.Shutdown(shutdownCtx)
		cancel()
		log.Fatal(err)
	}

	logger.Noticef("master listening on :%s", cfg.HTTPPort)
	<-ctx.Done()
	logger.Notice("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
