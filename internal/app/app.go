// Package app 按配置组装各组件，供 server 与运维命令共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"fulfillment/internal/config"
	"fulfillment/internal/engine"
	"fulfillment/internal/fx"
	"fulfillment/internal/metrics"
	"fulfillment/internal/model"
	"fulfillment/internal/provider"
	"fulfillment/internal/queue"
	"fulfillment/internal/router"
	"fulfillment/internal/routing"
	"fulfillment/internal/runner"
	"fulfillment/internal/store"
	rds "fulfillment/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// 周期任务的默认间隔，可被 schedules 表覆盖。
const (
	sweepEvery    = 30 * time.Second
	relayEvery    = 5 * time.Second
	finalizeEvery = time.Minute
)

type App struct {
	Config   config.AppConfig
	Log      *slog.Logger
	Store    *store.Store
	Redis    *rd.Client // 未配置时为 nil
	Metrics  *metrics.Metrics
	Registry *provider.Registry
	Routes   *routing.Table
	Engine   *engine.Engine
	Relay    *queue.Relay
	Runner   *runner.Runner

	consumer *queue.Consumer
	closers  []func() error
}

// New 打开数据库（并迁移）、连接可选的 Redis/Kafka，组装引擎与任务。
func New(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: logger, Metrics: metrics.New("fulfillment")}

	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a.Store = store.New(db)
	if err := a.Store.Migrate(); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	var locker engine.Locker = engine.NewLocalLocker()
	static := fx.NewStatic()
	if cfg.FXUSDRate.IsPositive() {
		static.Set("USD", cfg.ReportCurrency, cfg.FXUSDRate)
	}
	var rates fx.Source = static
	if cfg.RedisAddr != "" {
		a.Redis = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		a.closers = append(a.closers, a.Redis.Close)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := a.Redis.Ping(pctx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		locker = rds.NewOrderLocker(a.Redis, cfg.LockTTL)
		rates = fx.NewRedisOverride(a.Redis, static, logger)
	}

	a.Registry = provider.NewRegistry(a.Store, provider.NewCodesAdapter(a.Store, nil), cfg.AdapterTimeout, cfg.RouteCacheTTL)
	a.Routes = routing.NewTable(a.Store, cfg.RouteCacheTTL, logger)
	a.Engine = engine.New(engine.Deps{
		Store:    a.Store,
		Routes:   a.Routes,
		Adapters: a.Registry,
		Locker:   locker,
		FX:       rates,
		Metrics:  a.Metrics,
		Logger:   logger,
		Options: engine.Options{
			ReportCurrency:    cfg.ReportCurrency,
			AdapterTimeout:    cfg.AdapterTimeout,
			PollInterval:      cfg.PollInterval,
			PollBatch:         cfg.PollBatch,
			StaleAfter:        cfg.StaleAfter,
			StalePollInterval: cfg.StalePollInterval,
			LoopMaxDepth:      cfg.LoopMaxDepth,
			SweepAge:          cfg.SweepAge,
		},
	})

	propagate := func(ctx context.Context, ev queue.PropagationEvent) error {
		return a.Engine.PropagateChild(ctx, ev.ParentOrderID, ev.ChildOrderID)
	}
	var sink queue.Sink
	if len(cfg.KafkaBrokers) > 0 {
		ks := queue.NewKafkaSink(
			queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaWalletTopic, model.OutboxWallet),
			queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaPropagationTopic, model.OutboxPropagate),
		)
		a.closers = append(a.closers, ks.Close)
		sink = ks
		a.consumer = queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaPropagationTopic, cfg.KafkaGroupID, a.Redis, propagate, logger)
		a.closers = append(a.closers, a.consumer.Close)
	} else {
		sink = queue.NewLocalSink(logger, propagate)
	}
	a.Relay = queue.NewRelay(a.Store, sink, cfg.OutboxBatch, logger, a.Metrics)

	a.Runner = runner.New(runner.Config{Workers: cfg.Workers, QueueSize: cfg.QueueSize}, a.Engine.Dispatch, a.Store, logger, a.Metrics)
	a.Runner.Register(runner.TaskStatusPoll, cfg.PollInterval, func(ctx context.Context) error {
		_, err := a.Engine.PollDue(ctx)
		return err
	})
	a.Runner.Register(runner.TaskPendingSweep, sweepEvery, a.sweep)
	a.Runner.Register(runner.TaskOutboxRelay, relayEvery, func(ctx context.Context) error {
		_, err := a.Relay.RunOnce(ctx)
		return err
	})
	a.Runner.Register(runner.TaskFinalizeSweep, finalizeEvery, func(ctx context.Context) error {
		_, err := a.Engine.FinalizeDue(ctx)
		return err
	})
	return a, nil
}

// sweep 把丢失即时投递或退避到期的 pending 订单重新入队。
func (a *App) sweep(ctx context.Context) error {
	ids, err := a.Engine.SweepPending(ctx)
	if err != nil {
		return err
	}
	dropped := 0
	for _, id := range ids {
		if !a.Runner.Enqueue(id) {
			dropped++
		}
	}
	if dropped > 0 {
		a.Log.Warn("dispatch queue full, sweep will retry", "dropped", dropped, "due", len(ids))
	}
	return nil
}

// Handler 返回挂好全部路由的 gin 引擎。
func (a *App) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Engine:     a.Engine,
		Store:      a.Store,
		Redis:      a.Redis,
		Metrics:    a.Metrics,
		Enqueue:    a.Runner.Enqueue,
		AdminToken: a.Config.AdminToken,
		RateLimit:  a.Config.IngestRateLimit,
		RateWindow: a.Config.IngestRateWindow,
	})
	return r
}

// Run 启动 HTTP 服务、派发 worker、周期任务和传播消费者，ctx 取消后优雅退出。
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{Addr: a.Config.HTTPAddr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Log.Info("http server listening", "addr", a.Config.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return a.Runner.Run(gctx) })
	if a.consumer != nil {
		g.Go(func() error {
			a.consumer.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Close 依次释放外部连接。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
