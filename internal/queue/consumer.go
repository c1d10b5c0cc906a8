package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	rds "fulfillment/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Consumer 消费传播主题，为父订单触发一次即时轮询。
// rdb 非空时用 SETNX 标记去重，同一 (子订单, 状态) 只处理一次。
type Consumer struct {
	r      *kafka.Reader
	rdb    *rd.Client
	handle PropagateFunc
	log    *slog.Logger
	seen   time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, rdb *rd.Client, handle PropagateFunc, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		rdb:    rdb,
		handle: handle,
		log:    logger,
		seen:   24 * time.Hour,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 阻塞直到 ctx 取消。处理完成后才提交 offset。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("propagation consumer stopped", "err", err)
			}
			return
		}
		c.process(ctx, m.Value)
		if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("commit propagation offset", "offset", m.Offset, "err", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, value []byte) {
	var ev PropagationEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		c.log.Warn("propagation consumer unmarshal", "err", err)
		return
	}
	if err := ev.Validate(); err != nil {
		c.log.Warn("drop invalid propagation event", "err", err)
		return
	}
	if c.rdb != nil {
		first, err := rds.MarkOnce(ctx, c.rdb, rds.PropagationSeenKey(ev.ChildOrderID, ev.Status), c.seen)
		if err != nil {
			c.log.Warn("propagation dedupe unavailable", "child_order_id", ev.ChildOrderID, "err", err)
		} else if !first {
			return
		}
	}
	// 失败只记日志：周期轮询兜底
	if err := c.handle(ctx, ev); err != nil {
		c.log.Warn("propagate to parent failed", "parent_order_id", ev.ParentOrderID, "child_order_id", ev.ChildOrderID, "err", err)
	}
}
