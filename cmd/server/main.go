package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fulfillment/internal/app"
	"fulfillment/internal/config"
	"fulfillment/internal/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 配置与日志
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. 连接数据库 / Redis / Kafka，组装引擎
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// 3. HTTP + 派发 worker + 周期任务，收到信号后优雅退出
	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped with error", "err", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("server stopped")
}
