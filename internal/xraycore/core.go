package xraycore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xray-control/internal/xrayapi"
	"xray-control/internal/xrayconf"
)

// Core is the master's own xray process together with its API client.
type Core struct {
	runner       *Runner
	apiAddr      string
	readyTimeout time.Duration

	mu  sync.RWMutex
	api *xrayapi.Client
}

func NewCore(runner *Runner, apiAddr string, readyTimeout time.Duration) *Core {
	if readyTimeout <= 0 {
		readyTimeout = 10 * time.Second
	}
	return &Core{runner: runner, apiAddr: apiAddr, readyTimeout: readyTimeout}
}

func (c *Core) Runner() *Runner {
	return c.runner
}

func (c *Core) Version(ctx context.Context) (string, error) {
	return c.runner.Version(ctx)
}

// Start launches the process with cfg and waits for its API to answer.
func (c *Core) Start(ctx context.Context, cfg *xrayconf.Config) error {
	data, err := cfg.JSON()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := c.runner.Start(ctx, data); err != nil {
		return err
	}
	return c.connectAPI(ctx)
}

// Restart replaces the running process with one using cfg.
func (c *Core) Restart(ctx context.Context, cfg *xrayconf.Config) error {
	data, err := cfg.JSON()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	c.closeAPI()
	if err := c.runner.Restart(ctx, data); err != nil {
		return err
	}
	return c.connectAPI(ctx)
}

func (c *Core) Stop() error {
	c.closeAPI()
	return c.runner.Stop()
}

func (c *Core) Started() bool {
	return c.runner.Started()
}

// API returns the client of the running core, or nil.
func (c *Core) API() xrayapi.API {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.api == nil || !c.runner.Started() {
		return nil
	}
	return c.api
}

func (c *Core) connectAPI(ctx context.Context) error {
	client, err := xrayapi.Dial(c.apiAddr, nil)
	if err != nil {
		return err
	}
	readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()
	if err := client.WaitReady(readyCtx, 200*time.Millisecond); err != nil {
		_ = client.Close()
		return err
	}
	c.mu.Lock()
	c.api = client
	c.mu.Unlock()
	return nil
}

func (c *Core) closeAPI() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		_ = c.api.Close()
		c.api = nil
	}
}
