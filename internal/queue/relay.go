package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fulfillment/internal/metrics"
	"fulfillment/internal/model"
)

// OutboxStore relay 需要的 outbox 读写。
type OutboxStore interface {
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uint, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id uint, reason string) error
}

// Sink 外发目的地。Deliver 返回 nil 后事件才会被标记为已发送。
type Sink interface {
	Deliver(ctx context.Context, ev model.OutboxEvent) error
}

// Relay 把终态冻结时写入的 outbox 事件异步外发。
// 语义：Sink 成功后才标记 sent，失败则保留 pending 等待下一轮，至少投递一次。
type Relay struct {
	store   OutboxStore
	sink    Sink
	batch   int
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewRelay(s OutboxStore, sink Sink, batch int, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:   s,
		sink:    sink,
		batch:   batch,
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger,
		metrics: m,
	}
}

// RunOnce 处理一批 pending 事件，返回成功条数。单条失败不影响其余事件。
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.PendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}
	sent := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := r.deliver(ctx, ev); err != nil {
			r.metrics.Outbox(ev.Kind, "failed")
			r.log.Warn("outbox delivery failed", "event_id", ev.ID, "kind", ev.Kind, "order_id", ev.OrderID, "attempts", ev.Attempts+1, "err", err)
			if mErr := r.store.MarkOutboxFailed(ctx, ev.ID, err.Error()); mErr != nil {
				return sent, mErr
			}
			continue
		}
		if err := r.store.MarkOutboxSent(ctx, ev.ID, r.now()); err != nil {
			// 已外发但未标记：下一轮会重发，消费方按 order id 去重
			return sent, fmt.Errorf("mark outbox %d sent: %w", ev.ID, err)
		}
		r.metrics.Outbox(ev.Kind, "sent")
		sent++
	}
	return sent, nil
}

func (r *Relay) deliver(ctx context.Context, ev model.OutboxEvent) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.sink.Deliver(cctx, ev)
}
