package queue

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

const headerKind = "event-kind"

// Producer 一个 topic 一个 writer。
type Producer struct {
	w    *kafka.Writer
	kind string
}

// NewProducer 按订单 id 做 Hash 分区，同一订单的事件保持有序；
// 等 ISR 全部确认后才算写成功，失败交给 outbox 下一轮重投。
func NewProducer(brokers []string, topic, kind string) *Producer {
	return &Producer{
		kind: kind,
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
			MaxAttempts:            3,
			WriteTimeout:           10 * time.Second,
			BatchSize:              1,
		},
	}
}

func (p *Producer) Topic() string { return p.w.Topic }

func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入，key 为订单 id。
func (p *Producer) Publish(ctx context.Context, key string, payload []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: []kafka.Header{{Key: headerKind, Value: []byte(p.kind)}},
		Time:    time.Now().UTC(),
	})
}
