// Package routing 把 (tenant, package) 解析成唯一的履约决策。
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"fulfillment/internal/model"
	"fulfillment/internal/store"

	"github.com/shopspring/decimal"
)

// Kind 路由决策类型。
type Kind int

const (
	Manual Kind = iota
	AutoCodes
	AutoExternal
	AutoPeer
)

func (k Kind) String() string {
	switch k {
	case AutoCodes:
		return "AUTO_CODES"
	case AutoExternal:
		return "AUTO_EXTERNAL"
	case AutoPeer:
		return "AUTO_PEER"
	default:
		return "MANUAL"
	}
}

// Route 是 Lookup 的结果，只有与 Kind 对应的字段有意义。
type Route struct {
	Kind Kind

	CodeGroupID         uint
	BindingID           uint
	DownstreamTenantID  uint
	DownstreamAPIUserID uint
	PackageRef          string

	Cost         decimal.Decimal
	CostCurrency string

	// Misconfigured 非空时表示配置有误被降级为 MANUAL。
	Misconfigured string
}

// Source 路由表的数据来源。
type Source interface {
	RoutingEntry(ctx context.Context, tenantID, packageID uint) (*model.RoutingEntry, error)
}

type cacheKey struct{ tenant, pkg uint }

type cacheEntry struct {
	route     Route
	expiresAt time.Time
}

// Table 带 TTL 缓存的路由表，容忍秒级陈旧。
type Table struct {
	src    Source
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	items map[cacheKey]cacheEntry
}

// NewTable ttl<=0 表示不缓存。
func NewTable(src Source, ttl time.Duration, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		src:    src,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		items:  make(map[cacheKey]cacheEntry),
	}
}

// Lookup 返回 (tenant, package) 的路由；无条目即 MANUAL。
func (t *Table) Lookup(ctx context.Context, tenantID, packageID uint) (Route, error) {
	key := cacheKey{tenantID, packageID}
	if r, ok := t.cached(key); ok {
		return r, nil
	}

	entry, err := t.src.RoutingEntry(ctx, tenantID, packageID)
	if errors.Is(err, store.ErrNotFound) {
		r := Route{Kind: Manual}
		t.put(key, r)
		return r, nil
	}
	if err != nil {
		return Route{}, fmt.Errorf("routing lookup tenant=%d package=%d: %w", tenantID, packageID, err)
	}

	r := Resolve(entry)
	if r.Misconfigured != "" {
		t.logger.Warn("routing entry misconfigured",
			"tenant_id", tenantID, "package_id", packageID, "reason", r.Misconfigured)
	}
	t.put(key, r)
	return r, nil
}

// Invalidate 丢弃某条缓存（运营修改路由后调用）。
func (t *Table) Invalidate(tenantID, packageID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, cacheKey{tenantID, packageID})
}

func (t *Table) cached(key cacheKey) (Route, bool) {
	if t.ttl <= 0 {
		return Route{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.items[key]
	if !ok {
		return Route{}, false
	}
	if t.now().After(e.expiresAt) {
		delete(t.items, key)
		return Route{}, false
	}
	return e.route, true
}

func (t *Table) put(key cacheKey, r Route) {
	if t.ttl <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[key] = cacheEntry{route: r, expiresAt: t.now().Add(t.ttl)}
}

// Resolve 把路由条目翻译成决策；不完整的 auto 配置降级为 MANUAL。
func Resolve(e *model.RoutingEntry) Route {
	r := Route{
		Cost:         e.Cost,
		CostCurrency: e.CostCurrency,
		PackageRef:   e.DownstreamPackage,
	}
	if r.PackageRef == "" {
		r.PackageRef = strconv.FormatUint(uint64(e.PackageID), 10)
	}
	if e.Mode != string(model.ModeAuto) {
		r.Kind = Manual
		return r
	}

	switch e.ProviderType {
	case model.ProviderTypeCodes:
		if e.CodeGroupID == nil {
			return misconfigured(r, "auto codes route without code group")
		}
		r.Kind = AutoCodes
		r.CodeGroupID = *e.CodeGroupID
	case model.ProviderTypeExternal:
		if e.ProviderBindingID == nil {
			return misconfigured(r, "auto external route without provider binding")
		}
		r.Kind = AutoExternal
		r.BindingID = *e.ProviderBindingID
	case model.ProviderTypePeer:
		if e.DownstreamTenantID == nil || e.ProviderBindingID == nil {
			return misconfigured(r, "auto peer route without downstream tenant or binding")
		}
		r.Kind = AutoPeer
		r.DownstreamTenantID = *e.DownstreamTenantID
		r.BindingID = *e.ProviderBindingID
		if e.DownstreamAPIUserID != nil {
			r.DownstreamAPIUserID = *e.DownstreamAPIUserID
		}
	case model.ProviderTypeManual:
		return misconfigured(r, "mode auto with provider_type manual")
	default:
		return misconfigured(r, "unknown provider_type "+e.ProviderType)
	}
	return r
}

func misconfigured(r Route, reason string) Route {
	r.Kind = Manual
	r.Misconfigured = reason
	return r
}
