package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"xray-control/internal/agent"
	agentconfig "xray-control/internal/agent/config"
	"xray-control/internal/logger"
)

func main() {
	configPath := flag.String("config", "/etc/xray-node/config.json", "Path to agent configuration file")
	flag.Parse()

	cfg, err := agentconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, File: cfg.LogFile})

	a, err := agent.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("agent stopped with error: %v", err)
	}
}
