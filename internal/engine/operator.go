package engine

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/model"
	"fulfillment/internal/provider"

	"gorm.io/gorm"
)

// Cancel 把非终态订单迁移到 rejected，并级联取消本平台上的子订单。
// 不持有订单锁：与在途派发竞争时由 markSent 的状态前提兜底。
func (e *Engine) Cancel(ctx context.Context, orderID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	now := e.now()
	o, err := e.store.Mutate(ctx, orderID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status.Terminal() {
			return ErrTerminal
		}
		o.Status = model.StatusRejected
		o.Reason = reason
		o.RejectedAt = &now
		o.NextDispatchAt = nil
		o.NextPollAt = nil
		o.AddNote("operator", "cancelled: "+reason, now)
		return nil
	})
	if err != nil {
		return err
	}
	e.appendLog(ctx, orderID, model.ActionCancel, string(model.StatusRejected), 0, nil, reason)
	e.log.Info("order cancelled", "order_id", orderID, "tenant_id", o.TenantID, "reason", reason)

	children, err := e.store.ChildrenOf(ctx, orderID)
	if err != nil {
		e.log.Warn("load children for cancel", "order_id", orderID, "err", err)
	}
	for _, c := range children {
		if err := e.Cancel(ctx, c.ID, "parent "+reason); err != nil && !errors.Is(err, ErrTerminal) {
			e.log.Warn("cascade cancel failed", "order_id", orderID, "child_id", c.ID, "err", err)
		}
	}
	return e.Finalize(ctx, orderID)
}

// RefreshBalance 拉取接入余额。成功时解除鉴权失败标记，并释放因该接入挂起的订单。
func (e *Engine) RefreshBalance(ctx context.Context, bindingID uint) (provider.BalanceResult, error) {
	e.adapters.Invalidate(bindingID)
	a, creds, b, err := e.adapters.Resolve(ctx, bindingID)
	if err != nil {
		return provider.BalanceResult{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.AdapterTimeout)
	defer cancel()
	res, err := a.Balance(cctx, creds)
	if err != nil {
		if provider.KindOf(err) == provider.KindAuth {
			e.markAuthFailed(ctx, b)
		}
		return provider.BalanceResult{}, fmt.Errorf("balance %s: %w", b.Name, err)
	}
	if err := e.store.UpdateBindingBalance(ctx, b.ID, res.Balance, res.Debt, e.now()); err != nil {
		return res, err
	}
	e.adapters.Invalidate(b.ID)

	if b.AuthFailedAt != nil {
		n, err := e.store.ReleaseHeld(ctx, HoldAuth, b.ID)
		if err != nil {
			return res, err
		}
		e.log.Info("integration credentials recovered", "binding_id", b.ID, "released", n)
	}
	e.log.Info("integration balance refreshed", "binding_id", b.ID, "balance", res.Balance.String())
	return res, nil
}

// ListProducts 拉取接入的上游目录（运营配置路由用）。
func (e *Engine) ListProducts(ctx context.Context, bindingID uint) ([]provider.Product, error) {
	a, creds, b, err := e.adapters.Resolve(ctx, bindingID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.AdapterTimeout)
	defer cancel()
	list, err := a.ListProducts(cctx, creds)
	if err != nil {
		return nil, fmt.Errorf("list products %s: %w", b.Name, err)
	}
	return list, nil
}

// Order 读取订单。
func (e *Engine) Order(ctx context.Context, orderID string) (*model.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// Logs 订单的派发日志。
func (e *Engine) Logs(ctx context.Context, orderID string) ([]model.DispatchLog, error) {
	if _, err := e.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return e.store.Logs(ctx, orderID)
}
