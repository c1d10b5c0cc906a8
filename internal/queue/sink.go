package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"fulfillment/internal/model"
)

// PropagateFunc 处理一条子订单终态传播，通常是立即轮询父订单。
type PropagateFunc func(ctx context.Context, ev PropagationEvent) error

// KafkaSink 钱包事件和传播记录分别写入各自的主题。
type KafkaSink struct {
	wallet    *Producer
	propagate *Producer
}

func NewKafkaSink(wallet, propagate *Producer) *KafkaSink {
	return &KafkaSink{wallet: wallet, propagate: propagate}
}

func (s *KafkaSink) Deliver(ctx context.Context, ev model.OutboxEvent) error {
	switch ev.Kind {
	case model.OutboxWallet:
		return s.wallet.Publish(ctx, ev.OrderID, []byte(ev.Payload))
	case model.OutboxPropagate:
		return s.propagate.Publish(ctx, ev.OrderID, []byte(ev.Payload))
	default:
		return fmt.Errorf("unknown outbox kind %q", ev.Kind)
	}
}

// Close 关闭两个 writer。
func (s *KafkaSink) Close() error {
	return errors.Join(s.wallet.Close(), s.propagate.Close())
}

// LocalSink 未配置 Kafka 时使用：钱包事件只写日志，传播记录直接在进程内处理。
type LocalSink struct {
	log       *slog.Logger
	propagate PropagateFunc
}

func NewLocalSink(logger *slog.Logger, propagate PropagateFunc) *LocalSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSink{log: logger, propagate: propagate}
}

func (s *LocalSink) Deliver(ctx context.Context, ev model.OutboxEvent) error {
	switch ev.Kind {
	case model.OutboxWallet:
		var w WalletEvent
		if err := json.Unmarshal([]byte(ev.Payload), &w); err != nil {
			return fmt.Errorf("decode wallet event %d: %w", ev.ID, err)
		}
		s.log.Info("wallet event", "order_id", w.OrderID, "tenant_id", w.TenantID, "user_id", w.UserID,
			"outcome", w.Outcome, "sell", w.Sell.String(), "currency", w.Currency, "rate", w.Rate.String())
		return nil
	case model.OutboxPropagate:
		var p PropagationEvent
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return fmt.Errorf("decode propagation event %d: %w", ev.ID, err)
		}
		if err := p.Validate(); err != nil {
			s.log.Warn("drop invalid propagation event", "event_id", ev.ID, "err", err)
			return nil
		}
		if s.propagate == nil {
			return nil
		}
		return s.propagate(ctx, p)
	default:
		return fmt.Errorf("unknown outbox kind %q", ev.Kind)
	}
}
