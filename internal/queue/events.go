package queue

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WalletEvent 终态时发给钱包方的事件，至少投递一次，消费方按 order_id 去重。
type WalletEvent struct {
	OrderID      string          `json:"orderId"`
	TenantID     uint            `json:"tenantId"`
	UserID       uint            `json:"userId"`
	Outcome      string          `json:"outcome"` // approved / rejected
	Reason       string          `json:"reason,omitempty"`
	Cost         decimal.Decimal `json:"cost"`
	CostCurrency string          `json:"costCurrency"`
	Sell         decimal.Decimal `json:"sell"`
	Currency     string          `json:"currency"`
	Rate         decimal.Decimal `json:"rate"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Validate 做最小字段校验，防止下游处理脏消息。
func (m WalletEvent) Validate() error {
	if m.OrderID == "" {
		return fmt.Errorf("orderId is required")
	}
	if m.TenantID == 0 {
		return fmt.Errorf("tenantId is required")
	}
	if m.Outcome != "approved" && m.Outcome != "rejected" {
		return fmt.Errorf("outcome must be approved or rejected, got %q", m.Outcome)
	}
	return nil
}

// PropagationEvent 子订单到达终态，通知父订单所在租户尽快轮询。
type PropagationEvent struct {
	ChildOrderID   string    `json:"childOrderId"`
	ParentOrderID  string    `json:"parentOrderId"`
	ParentTenantID uint      `json:"parentTenantId,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (m PropagationEvent) Validate() error {
	if m.ChildOrderID == "" {
		return fmt.Errorf("childOrderId is required")
	}
	if m.ParentOrderID == "" {
		return fmt.Errorf("parentOrderId is required")
	}
	if m.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}
