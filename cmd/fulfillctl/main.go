package main

import (
	"context"
	"fmt"
	"os"

	"fulfillment/internal/app"
	"fulfillment/internal/config"
	"fulfillment/internal/logging"
)

var Version = "dev"

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openApp 与 server 使用同一份配置。
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return app.New(ctx, cfg, logger)
}
