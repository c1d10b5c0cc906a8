// Package runner 是单进程内的任务调度：即时队列 + 周期任务。
//
// 即时队列承接 ingest 新建的订单，由 K 个 worker 并行派发；
// 周期任务（轮询、pending 清扫、outbox 外发）的间隔从 schedules 表读取，运营可在线调整。
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fulfillment/internal/metrics"
	"fulfillment/internal/model"

	"golang.org/x/sync/errgroup"
)

// 内置周期任务名。
const (
	TaskStatusPoll    = "status-poll"
	TaskPendingSweep  = "pending-sweep"
	TaskOutboxRelay   = "outbox-relay"
	TaskFinalizeSweep = "finalize-sweep"
)

// DispatchFunc 处理一个即时队列里的订单。
type DispatchFunc func(ctx context.Context, orderID string) error

// Task 周期任务的一次执行。
type Task func(ctx context.Context) error

// ScheduleStore 周期配置的读写。
type ScheduleStore interface {
	EnsureSchedule(ctx context.Context, name string, interval time.Duration) error
	Schedules(ctx context.Context) ([]model.Schedule, error)
}

type Config struct {
	Workers   int
	QueueSize int
}

type periodic struct {
	name string
	def  time.Duration
	fn   Task
}

type Runner struct {
	queue    chan string
	workers  int
	dispatch DispatchFunc
	store    ScheduleStore
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	tasks []periodic
}

func New(cfg Config, dispatch DispatchFunc, store ScheduleStore, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		queue:    make(chan string, cfg.QueueSize),
		workers:  cfg.Workers,
		dispatch: dispatch,
		store:    store,
		log:      logger,
		metrics:  m,
	}
}

// Register 注册周期任务，def 是 schedules 表没有配置时的默认间隔。须在 Run 之前调用。
func (r *Runner) Register(name string, def time.Duration, fn Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, periodic{name: name, def: def, fn: fn})
}

// Enqueue 非阻塞投递；队列满时返回 false，由 pending 清扫兜底。
func (r *Runner) Enqueue(orderID string) bool {
	select {
	case r.queue <- orderID:
		r.metrics.SetQueueDepth(len(r.queue))
		return true
	default:
		r.log.Warn("immediate queue full, order left for sweep", "order_id", orderID)
		return false
	}
}

// Run 启动 worker 与周期任务，阻塞直到 ctx 取消。
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	tasks := append([]periodic(nil), r.tasks...)
	r.mu.Unlock()

	for _, t := range tasks {
		if err := r.store.EnsureSchedule(ctx, t.name, t.def); err != nil {
			return fmt.Errorf("seed schedule %s: %w", t.name, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			r.work(gctx)
			return nil
		})
	}
	for _, t := range tasks {
		g.Go(func() error {
			r.loop(gctx, t)
			return nil
		})
	}
	r.log.Info("task runner started", "workers", r.workers, "tasks", len(tasks))
	err := g.Wait()
	r.log.Info("task runner stopped")
	return err
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.metrics.SetQueueDepth(len(r.queue))
			if err := r.dispatch(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("dispatch failed", "order_id", id, "err", err)
			}
		}
	}
}

func (r *Runner) loop(ctx context.Context, t periodic) {
	for {
		interval, enabled := r.interval(ctx, t.name, t.def)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if !enabled {
			continue
		}
		if err := r.runTask(ctx, t); err != nil && ctx.Err() == nil {
			r.log.Warn("periodic task failed", "task", t.name, "err", err)
		}
	}
}

// interval 读取任务当前的间隔与开关；读取失败时沿用默认值。
func (r *Runner) interval(ctx context.Context, name string, def time.Duration) (time.Duration, bool) {
	list, err := r.store.Schedules(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("load schedules", "err", err)
		}
		return def, true
	}
	for _, s := range list {
		if s.TaskName != name {
			continue
		}
		if s.IntervalSeconds <= 0 {
			return def, s.Enabled
		}
		return time.Duration(s.IntervalSeconds) * time.Second, s.Enabled
	}
	return def, true
}

// RunTask 立即执行一次指定的周期任务（运维工具用）。
func (r *Runner) RunTask(ctx context.Context, name string) error {
	r.mu.Lock()
	var found *periodic
	for i := range r.tasks {
		if r.tasks[i].name == name {
			found = &r.tasks[i]
			break
		}
	}
	r.mu.Unlock()
	if found == nil {
		return fmt.Errorf("unknown task %q", name)
	}
	return r.runTask(ctx, *found)
}

func (r *Runner) runTask(ctx context.Context, t periodic) error {
	start := time.Now()
	err := t.fn(ctx)
	r.log.Debug("periodic task done", "task", t.name, "elapsed", time.Since(start), "err", err)
	return err
}
