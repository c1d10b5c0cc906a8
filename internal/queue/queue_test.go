package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/logging"
	"fulfillment/internal/model"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type memOutbox struct {
	events []model.OutboxEvent
}

func (m *memOutbox) PendingOutbox(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	for _, ev := range m.events {
		if ev.Status == "pending" && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memOutbox) MarkOutboxSent(_ context.Context, id uint, at time.Time) error {
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Status = "sent"
			m.events[i].SentAt = &at
		}
	}
	return nil
}

func (m *memOutbox) MarkOutboxFailed(_ context.Context, id uint, reason string) error {
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Attempts++
			m.events[i].LastError = reason
		}
	}
	return nil
}

type flakySink struct {
	fail map[string]bool
	got  []string
}

func (s *flakySink) Deliver(_ context.Context, ev model.OutboxEvent) error {
	if s.fail[ev.OrderID] {
		return errors.New("broker down")
	}
	s.got = append(s.got, ev.Kind+":"+ev.OrderID)
	return nil
}

func payload(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestRelayKeepsFailedEventsPending(t *testing.T) {
	store := &memOutbox{events: []model.OutboxEvent{
		{ID: 1, Kind: model.OutboxWallet, OrderID: "o-1", Status: "pending"},
		{ID: 2, Kind: model.OutboxWallet, OrderID: "o-2", Status: "pending"},
		{ID: 3, Kind: model.OutboxPropagate, OrderID: "o-3", Status: "pending"},
	}}
	sink := &flakySink{fail: map[string]bool{"o-2": true}}
	r := NewRelay(store, sink, 10, logging.Discard(), nil)

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 2 {
		t.Fatalf("sent = %d, want 2", n)
	}
	if store.events[1].Status != "pending" || store.events[1].Attempts != 1 || store.events[1].LastError == "" {
		t.Fatalf("failed event = %+v", store.events[1])
	}

	sink.fail = nil
	n, err = r.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("second run: n=%d err=%v", n, err)
	}
	for _, ev := range store.events {
		if ev.Status != "sent" {
			t.Fatalf("event %d still %s", ev.ID, ev.Status)
		}
	}
}

func TestLocalSinkRoutesPropagation(t *testing.T) {
	var got []PropagationEvent
	sink := NewLocalSink(logging.Discard(), func(_ context.Context, ev PropagationEvent) error {
		got = append(got, ev)
		return nil
	})
	ctx := context.Background()

	wallet := WalletEvent{OrderID: "o-1", TenantID: 1, Outcome: "approved", Sell: decimal.NewFromInt(5), Rate: decimal.NewFromInt(32)}
	if err := sink.Deliver(ctx, model.OutboxEvent{Kind: model.OutboxWallet, Payload: payload(t, wallet)}); err != nil {
		t.Fatalf("wallet: %v", err)
	}
	prop := PropagationEvent{ChildOrderID: "c-1", ParentOrderID: "p-1", Status: "approved"}
	if err := sink.Deliver(ctx, model.OutboxEvent{Kind: model.OutboxPropagate, Payload: payload(t, prop)}); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if len(got) != 1 || got[0].ParentOrderID != "p-1" {
		t.Fatalf("propagations = %+v", got)
	}
	if err := sink.Deliver(ctx, model.OutboxEvent{Kind: "bogus", Payload: "{}"}); err == nil {
		t.Fatal("unknown kind should fail")
	}
}

func TestConsumerDedupesPropagation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	defer rdb.Close()

	calls := 0
	c := &Consumer{
		rdb:    rdb,
		handle: func(context.Context, PropagationEvent) error { calls++; return nil },
		log:    logging.Discard(),
		seen:   time.Hour,
	}
	ctx := context.Background()
	msg := []byte(payload(t, PropagationEvent{ChildOrderID: "c-1", ParentOrderID: "p-1", Status: "approved"}))
	c.process(ctx, msg)
	c.process(ctx, msg)
	c.process(ctx, []byte("not json"))
	c.process(ctx, []byte(payload(t, PropagationEvent{ChildOrderID: "c-1"})))
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
}

func TestWalletEventValidate(t *testing.T) {
	cases := []struct {
		name string
		ev   WalletEvent
		ok   bool
	}{
		{"valid", WalletEvent{OrderID: "o", TenantID: 1, Outcome: "rejected"}, true},
		{"missing order", WalletEvent{TenantID: 1, Outcome: "approved"}, false},
		{"missing tenant", WalletEvent{OrderID: "o", Outcome: "approved"}, false},
		{"bad outcome", WalletEvent{OrderID: "o", TenantID: 1, Outcome: "sent"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.ev.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, ok=%v", err, tc.ok)
			}
		})
	}
}
