package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	rediskey "fulfillment/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// 滑动窗口：ZSET 里每个成员是一次请求，score 为毫秒时间戳。
// KEYS[1]=key ARGV: now(ms) window(ms) limit member
// 返回 {放行?1:0, 窗口内计数, 最早一条的 score}
var slidingWindow = rd.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local n = redis.call('ZCARD', KEYS[1])
if n >= limit then
  local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, n, tonumber(first[2] or now)}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, n + 1, now}
`)

// RedisRateLimit 限制 ingest 频率，按 api-token 计数，没带 token 的按 IP。
// rdb 为 nil 时不限流。
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration) gin.HandlerFunc {
	if window < time.Millisecond {
		window = time.Second
	}
	windowMs := window.Milliseconds()
	return func(c *gin.Context) {
		if rdb == nil || limit <= 0 {
			c.Next()
			return
		}
		key := rediskey.RateLimitKey("ip", c.ClientIP())
		if token := strings.TrimSpace(c.GetHeader(HeaderAPIToken)); token != "" {
			key = rediskey.RateLimitKey("token", token)
		}

		nowMs := time.Now().UnixMilli()
		res, err := slidingWindow.Run(c.Request.Context(), rdb, []string{key},
			nowMs, windowMs, limit, uuid.NewString()).Int64Slice()
		if err != nil || len(res) != 3 {
			// Redis 不可用时放行
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		if res[0] == 1 {
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(max(int64(limit)-res[1], 0), 10))
			c.Next()
			return
		}
		wait := res[2] + windowMs - nowMs
		c.Header("X-RateLimit-Remaining", "0")
		c.Header("Retry-After", strconv.FormatInt(max((wait+999)/1000, 1), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code": 429,
			"msg":  "rate limit exceeded",
			"data": gin.H{"reason": "rate-limited"},
		})
	}
}
