// Package engine 实现订单的派发、转发、轮询、终态冻结与环路保护。
//
// 所有状态迁移都经由 store.Mutate 在行锁事务内完成，并以订单当前状态为前提条件；
// 同一订单的派发与轮询由 Locker 串行化。
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"fulfillment/internal/fx"
	"fulfillment/internal/metrics"
	"fulfillment/internal/model"
	"fulfillment/internal/provider"
	"fulfillment/internal/routing"
	"fulfillment/internal/store"
)

var (
	ErrTerminal           = errors.New("order already terminal")
	ErrNotPending         = errors.New("order is not pending")
	ErrPackageUnavailable = errors.New("package unavailable")
	ErrInvalidQuantity    = errors.New("quantity must be > 0")
)

// hold_reason 取值。
const (
	HoldAuth      = "auth-error"
	HoldLoopBreak = "loop-break"
)

// Locker 订单级咨询锁；拿不到锁时 ok=false。
type Locker interface {
	TryLock(ctx context.Context, orderID string) (release func(), ok bool, err error)
}

// Routes 路由表查询。
type Routes interface {
	Lookup(ctx context.Context, tenantID, packageID uint) (routing.Route, error)
}

// Adapters 适配器注册表。
type Adapters interface {
	Resolve(ctx context.Context, id uint) (provider.Adapter, provider.Credentials, *model.ProviderBinding, error)
	Codes() provider.Adapter
	Invalidate(id uint)
}

// Options 引擎参数，零值字段取默认值。
type Options struct {
	ReportCurrency    string
	AdapterTimeout    time.Duration
	PollInterval      time.Duration
	PollBatch         int
	StaleAfter        int
	StalePollInterval time.Duration
	LoopMaxDepth      int
	SweepAge          time.Duration
	MaxAttempts       int
	MaxInvalid        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReportCurrency == "" {
		o.ReportCurrency = "TRY"
	}
	if o.AdapterTimeout <= 0 {
		o.AdapterTimeout = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.PollBatch <= 0 {
		o.PollBatch = 100
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 20
	}
	if o.StalePollInterval <= 0 {
		o.StalePollInterval = 5 * time.Minute
	}
	if o.LoopMaxDepth <= 0 {
		o.LoopMaxDepth = 5
	}
	if o.SweepAge <= 0 {
		o.SweepAge = 60 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 6
	}
	if o.MaxInvalid <= 0 {
		o.MaxInvalid = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Minute
	}
	return o
}

// Deps 引擎依赖。Metrics 可为 nil。
type Deps struct {
	Store    *store.Store
	Routes   Routes
	Adapters Adapters
	Locker   Locker
	FX       fx.Source
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	Options  Options
}

type Engine struct {
	store    *store.Store
	routes   Routes
	adapters Adapters
	locker   Locker
	fx       fx.Source
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    func() time.Time
	opts     Options
}

func New(d Deps) *Engine {
	e := &Engine{
		store:    d.Store,
		routes:   d.Routes,
		adapters: d.Adapters,
		locker:   d.Locker,
		fx:       d.FX,
		metrics:  d.Metrics,
		log:      d.Logger,
		clock:    d.Now,
		opts:     d.Options.withDefaults(),
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// Options 返回生效的参数。
func (e *Engine) Options() Options { return e.opts }

// backoff 第 n 次失败后的等待时间：base·2^(n-1)，封顶 max。
func (e *Engine) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := e.opts.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= e.opts.BackoffMax {
			return e.opts.BackoffMax
		}
	}
	return d
}

// idempotencyKey = hash(order_id, attempt)，同一次尝试重放时保持不变。
func idempotencyKey(orderID string, attempt int) string {
	sum := sha256.Sum256([]byte(orderID + ":" + strconv.Itoa(attempt)))
	return hex.EncodeToString(sum[:16])
}

// appendLog 写派发日志；日志失败不影响主流程。
func (e *Engine) appendLog(ctx context.Context, orderID, action, outcome string, attempt int, payload []byte, detail string) {
	entry := &model.DispatchLog{
		OrderID:   orderID,
		CreatedAt: e.now(),
		Action:    action,
		Outcome:   outcome,
		Attempt:   attempt,
		Detail:    detail,
	}
	if len(payload) > 0 {
		entry.PayloadDigest = model.Digest(payload)
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.log.Warn("append dispatch log failed", "order_id", orderID, "action", action, "err", err)
	}
}

// withLock 拿到订单锁后执行 fn；锁被占用时直接返回。
func (e *Engine) withLock(ctx context.Context, orderID string, fn func() error) error {
	release, ok, err := e.locker.TryLock(ctx, orderID)
	if err != nil {
		return err
	}
	if !ok {
		e.log.Debug("order locked by another worker", "order_id", orderID)
		return nil
	}
	defer release()
	return fn()
}

// LocalLocker 单进程内的订单锁，未配置 Redis 时使用。
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, orderID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[orderID]; busy {
		return nil, false, nil
	}
	l.held[orderID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, orderID)
			l.mu.Unlock()
		})
	}, true, nil
}
