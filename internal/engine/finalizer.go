package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/fx"
	"fulfillment/internal/model"
	"fulfillment/internal/queue"
	"fulfillment/internal/store"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Finalize 冻结终态订单的汇率与成本/售价/利润，同一事务内写出钱包事件与向上传播记录。
// fx_locked 已置位时为空操作。
func (e *Engine) Finalize(ctx context.Context, orderID string) error {
	_, err := e.finalize(ctx, orderID, true)
	return err
}

func (e *Engine) finalize(ctx context.Context, orderID string, emit bool) (bool, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !o.Status.Terminal() || o.FXLocked {
		return false, nil
	}

	report := e.opts.ReportCurrency
	rate, err := e.fx.Rate(ctx, "USD", report)
	if err != nil {
		return false, fmt.Errorf("finalize %s: usd rate: %w", orderID, err)
	}
	// 拒绝的订单没有成交，冻结为 0
	cost, sell := decimal.Zero, decimal.Zero
	if o.Status == model.StatusApproved {
		if cost, err = fx.Convert(ctx, e.fx, o.CostAmount, o.CostCurrency, report); err != nil {
			return false, fmt.Errorf("finalize %s: cost: %w", orderID, err)
		}
		if sell, err = fx.Convert(ctx, e.fx, o.SellAmount, o.SellCurrency, report); err != nil {
			return false, fmt.Errorf("finalize %s: sell: %w", orderID, err)
		}
	}

	now := e.now()
	froze := false
	o, err = e.store.Mutate(ctx, orderID, func(tx *gorm.DB, o *model.Order) error {
		if o.FXLocked || !o.Status.Terminal() {
			return store.ErrSkip
		}
		o.FXLocked = true
		o.FXUSDRate = decimal.NewNullDecimal(rate)
		o.ReportCurrency = report
		o.CostAtFinalize = decimal.NewNullDecimal(cost)
		o.SellAtFinalize = decimal.NewNullDecimal(sell)
		o.ProfitAtFinalize = decimal.NewNullDecimal(sell.Sub(cost))
		if o.Status == model.StatusApproved && o.ApprovedAt == nil {
			o.ApprovedAt = &now
		}
		if o.Status == model.StatusRejected && o.RejectedAt == nil {
			o.RejectedAt = &now
		}
		if emit {
			if err := writeOutbox(tx, o, rate, now); err != nil {
				return err
			}
		}
		froze = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !froze {
		return false, nil
	}
	e.appendLog(ctx, orderID, model.ActionFinalize, string(o.Status), 0, nil,
		fmt.Sprintf("rate=%s cost=%s sell=%s %s", rate, cost, sell, report))
	e.metrics.Finalize(string(o.Status))
	e.log.Info("order finalized", "order_id", orderID, "tenant_id", o.TenantID, "status", o.Status,
		"profit", o.ProfitAtFinalize.Decimal.String(), "currency", report)
	return true, nil
}

func writeOutbox(tx *gorm.DB, o *model.Order, rate decimal.Decimal, now time.Time) error {
	wallet := queue.WalletEvent{
		OrderID:      o.ID,
		TenantID:     o.TenantID,
		UserID:       o.UserID,
		Outcome:      string(o.Status),
		Reason:       o.Reason,
		Cost:         o.CostAmount,
		CostCurrency: o.CostCurrency,
		Sell:         o.SellAmount,
		Currency:     o.SellCurrency,
		Rate:         rate,
		Timestamp:    now,
	}
	b, err := json.Marshal(wallet)
	if err != nil {
		return err
	}
	if err := store.AddOutbox(tx, &model.OutboxEvent{
		CreatedAt: now, Kind: model.OutboxWallet, OrderID: o.ID, Payload: string(b), Status: "pending",
	}); err != nil {
		return err
	}

	if o.ParentOrderID == nil {
		return nil
	}
	// 父订单在别的部署上时查不到，租户留空
	var parentTenant uint
	if err := tx.Model(&model.Order{}).Select("tenant_id").
		Where("id = ?", *o.ParentOrderID).Limit(1).Scan(&parentTenant).Error; err != nil {
		return err
	}
	prop := queue.PropagationEvent{
		ChildOrderID:   o.ID,
		ParentOrderID:  *o.ParentOrderID,
		ParentTenantID: parentTenant,
		Status:         string(o.Status),
		Reason:         o.Reason,
		Timestamp:      now,
	}
	b, err = json.Marshal(prop)
	if err != nil {
		return err
	}
	return store.AddOutbox(tx, &model.OutboxEvent{
		CreatedAt: now, Kind: model.OutboxPropagate, OrderID: o.ID, Payload: string(b), Status: "pending",
	})
}

// FreezeHistorical 补冻结历史终态订单（fx_locked=false），返回冻结条数。
// emit=false 时不产生钱包事件与传播记录。遇到第一条失败即返回。
func (e *Engine) FreezeHistorical(ctx context.Context, status model.OrderStatus, emit bool) (int, error) {
	return e.freezeUnlocked(ctx, status, emit, false)
}

// FinalizeDue 周期补偿：终态已写入但 Finalize 没成功（汇率缺失、存储出错）的订单，
// 重新冻结并写出钱包事件与传播记录。单条失败不影响其余订单。
func (e *Engine) FinalizeDue(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, st := range []model.OrderStatus{model.StatusApproved, model.StatusRejected} {
		n, err := e.freezeUnlocked(ctx, st, true, true)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (e *Engine) freezeUnlocked(ctx context.Context, status model.OrderStatus, emit, keepGoing bool) (int, error) {
	total, failed := 0, 0
	var lastErr error
	after := ""
	for {
		ids, err := e.store.UnfrozenTerminal(ctx, status, after, e.opts.PollBatch)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			after = id
			froze, err := e.finalize(ctx, id, emit)
			if err != nil {
				if !keepGoing {
					return total, err
				}
				failed++
				lastErr = err
				e.log.Warn("order still not finalized", "order_id", id, "status", status, "err", err)
				continue
			}
			if froze {
				total++
			}
		}
		if len(ids) < e.opts.PollBatch {
			break
		}
	}
	if failed > 0 {
		return total, fmt.Errorf("%d %s orders left unfrozen: %w", failed, status, lastErr)
	}
	return total, nil
}
