package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch 仅当锁值匹配持有者 token 时才删除，避免误删他人在过期后重新拿到的锁。
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// OrderLocker 基于 SET NX PX 的订单级咨询锁，多进程部署时使用。
type OrderLocker struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewOrderLocker(rdb *rd.Client, ttl time.Duration) *OrderLocker {
	return &OrderLocker{rdb: rdb, ttl: ttl}
}

// TryLock 拿不到锁时 ok=false 且 err=nil；release 只释放自己持有的锁。
func (l *OrderLocker) TryLock(ctx context.Context, orderID string) (release func(), ok bool, err error) {
	key := OrderLockKey(orderID)
	token := uuid.NewString()
	ok, err = l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release = func() {
		// 调用方 ctx 可能已超时，释放时单独给一个短超时
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ReleaseLockIfMatch(rctx, l.rdb, key, token)
	}
	return release, true, nil
}

// ReleaseLockIfMatch 安全释放锁。
func ReleaseLockIfMatch(ctx context.Context, rdb *rd.Client, key, token string) error {
	_, err := rdb.Eval(ctx, luaReleaseLockIfMatch, []string{key}, token).Int()
	if errors.Is(err, rd.Nil) {
		return nil
	}
	return err
}
