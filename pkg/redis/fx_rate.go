package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// FXQuote 对应 Redis 内的汇率覆盖结构。
type FXQuote struct {
	Rate      decimal.Decimal
	Source    string
	UpdatedAt time.Time
}

// GetFXQuote 查询覆盖汇率。found=false 表示 key 不存在。
func GetFXQuote(ctx context.Context, rdb *rd.Client, base, quote string) (FXQuote, bool, error) {
	m, err := rdb.HGetAll(ctx, FXRateKey(base, quote)).Result()
	if errors.Is(err, rd.Nil) {
		return FXQuote{}, false, nil
	}
	if err != nil {
		return FXQuote{}, false, err
	}
	if len(m) == 0 || m["rate"] == "" {
		return FXQuote{}, false, nil
	}
	rate, err := decimal.NewFromString(m["rate"])
	if err != nil {
		return FXQuote{}, false, err
	}
	out := FXQuote{Rate: rate, Source: m["source"]}
	if ts, err := time.Parse(time.RFC3339, m["updated_at"]); err == nil {
		out.UpdatedAt = ts
	}
	return out, true, nil
}

// PutFXQuote 写入覆盖汇率，ttl>0 时刷新过期时间。
func PutFXQuote(ctx context.Context, rdb *rd.Client, base, quote string, q FXQuote, ttl time.Duration) error {
	key := FXRateKey(base, quote)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"rate", q.Rate.String(),
		"source", q.Source,
		"updated_at", q.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
