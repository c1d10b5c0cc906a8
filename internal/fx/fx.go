// Package fx 提供终态冻结时使用的汇率。
package fx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	predis "fulfillment/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var ErrNoRate = errors.New("fx: no rate")

// Source 返回 1 单位 from 兑换多少 to。
type Source interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Static 配置文件给出的固定汇率。
type Static struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

func NewStatic() *Static {
	return &Static{rates: make(map[string]decimal.Decimal)}
}

func pair(from, to string) string {
	return strings.ToUpper(from) + "/" + strings.ToUpper(to)
}

// Set 同时登记反向汇率。
func (s *Static) Set(from, to string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pair(from, to)] = rate
	if !rate.IsZero() {
		s.rates[pair(to, from)] = decimal.NewFromInt(1).DivRound(rate, 8)
	}
}

func (s *Static) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[pair(from, to)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoRate, pair(from, to))
	}
	return r, nil
}

// RedisOverride 优先读 Redis 中运营手工写入的汇率，缺失或出错时回落到 fallback。
type RedisOverride struct {
	rdb      *rd.Client
	fallback Source
	logger   *slog.Logger
}

func NewRedisOverride(rdb *rd.Client, fallback Source, logger *slog.Logger) *RedisOverride {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisOverride{rdb: rdb, fallback: fallback, logger: logger}
}

func (r *RedisOverride) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), nil
	}
	q, found, err := predis.GetFXQuote(ctx, r.rdb, strings.ToUpper(from), strings.ToUpper(to))
	if err != nil {
		r.logger.Warn("fx override read failed, using fallback", "pair", pair(from, to), "err", err)
	}
	if err == nil && found && q.Rate.IsPositive() {
		return q.Rate, nil
	}
	return r.fallback.Rate(ctx, from, to)
}

// Convert 把 amount 从 currency 换算到 to；币种为空视为已是 to。
func Convert(ctx context.Context, src Source, amount decimal.Decimal, currency, to string) (decimal.Decimal, error) {
	if currency == "" || strings.EqualFold(currency, to) {
		return amount, nil
	}
	rate, err := src.Rate(ctx, currency, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).Round(8), nil
}
