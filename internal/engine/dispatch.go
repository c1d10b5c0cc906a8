package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment/internal/model"
	"fulfillment/internal/provider"
	"fulfillment/internal/routing"
	"fulfillment/internal/store"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Dispatch 对 pending 订单执行一次派发尝试。订单锁被占用时直接返回。
func (e *Engine) Dispatch(ctx context.Context, orderID string) error {
	return e.withLock(ctx, orderID, func() error {
		return e.dispatch(ctx, orderID)
	})
}

func (e *Engine) dispatch(ctx context.Context, orderID string) error {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != model.StatusPending || o.Mode == model.ModeManual || o.HoldReason != "" {
		return nil
	}

	route, err := e.routes.Lookup(ctx, o.TenantID, o.PackageID)
	if err != nil {
		return err
	}
	if route.Misconfigured != "" {
		e.appendLog(ctx, o.ID, model.ActionDispatch, "misconfigured", 0, nil, route.Misconfigured)
	}
	if route.Kind == routing.Manual {
		e.metrics.Dispatch(route.Kind.String(), "manual")
		return e.toManual(ctx, o.ID, route.Misconfigured)
	}

	if route.Kind == routing.AutoPeer {
		reason, err := e.checkLoop(ctx, o, route)
		if err != nil {
			return err
		}
		if reason != "" {
			return e.loopBreak(ctx, o.ID, reason)
		}
	}

	attempt := o.DispatchAttempts + 1
	costCurrency := route.CostCurrency
	if costCurrency == "" {
		costCurrency = o.SellCurrency
	}
	req := provider.PlaceRequest{
		OrderID:        o.ID,
		PackageRef:     route.PackageRef,
		Quantity:       o.Quantity,
		UserIdentifier: o.UserIdentifier,
		IdempotencyKey: idempotencyKey(o.ID, attempt),
		Cost:           route.Cost.Mul(decimal.NewFromInt(int64(o.Quantity))),
		CostCurrency:   costCurrency,
	}

	switch route.Kind {
	case routing.AutoCodes:
		req.CodeGroupID = route.CodeGroupID
		return e.dispatchCodes(ctx, o, route, req, attempt)
	case routing.AutoExternal:
		return e.dispatchExternal(ctx, o, route, req, attempt)
	case routing.AutoPeer:
		return e.forward(ctx, o, route, req, attempt)
	}
	return nil
}

func (e *Engine) callPlace(ctx context.Context, a provider.Adapter, creds provider.Credentials, req provider.PlaceRequest) (provider.PlaceResult, error) {
	cctx, cancel := context.WithTimeout(ctx, e.opts.AdapterTimeout)
	defer cancel()
	start := time.Now()
	res, err := a.PlaceOrder(cctx, creds, req)
	e.metrics.ObserveAdapter("place_order", time.Since(start).Seconds())
	return res, err
}

func (e *Engine) dispatchCodes(ctx context.Context, o *model.Order, route routing.Route, req provider.PlaceRequest, attempt int) error {
	res, err := e.callPlace(ctx, e.adapters.Codes(), provider.Credentials{}, req)
	if err != nil {
		return e.dispatchFailed(ctx, o.ID, route, attempt, err)
	}
	e.appendLog(ctx, o.ID, model.ActionDispatch, string(model.StatusApproved), attempt, []byte(res.ExternalID), "")
	e.metrics.Dispatch(route.Kind.String(), string(model.StatusApproved))
	e.log.Info("order fulfilled from inventory", "order_id", o.ID, "tenant_id", o.TenantID, "external_id", res.ExternalID)
	return e.Finalize(ctx, o.ID)
}

func (e *Engine) dispatchExternal(ctx context.Context, o *model.Order, route routing.Route, req provider.PlaceRequest, attempt int) error {
	a, creds, b, err := e.adapters.Resolve(ctx, route.BindingID)
	if err != nil {
		return e.dispatchFailed(ctx, o.ID, route, attempt, err)
	}
	if b.AuthFailedAt != nil {
		return e.holdAuth(ctx, o.ID, b.ID, 0, fmt.Sprintf("integration %s has failing credentials, not dispatched", b.Name))
	}
	res, err := e.callPlace(ctx, a, creds, req)
	if err != nil {
		if provider.KindOf(err) == provider.KindAuth {
			e.markAuthFailed(ctx, b)
		}
		return e.dispatchFailed(ctx, o.ID, route, attempt, err)
	}
	return e.markSent(ctx, o.ID, sentUpdate{
		action:       model.ActionDispatch,
		route:        route.Kind,
		attempt:      attempt,
		bindingID:    b.ID,
		res:          res,
		cost:         req.Cost,
		costCurrency: req.CostCurrency,
		mode:         model.ModeAuto,
		pollEvery:    b.PollInterval(e.opts.PollInterval),
	})
}

type sentUpdate struct {
	action       string
	route        routing.Kind
	attempt      int
	bindingID    uint
	res          provider.PlaceResult
	cost         decimal.Decimal
	costCurrency string
	mode         model.OrderMode
	pollEvery    time.Duration
	appendChain  string
}

// markSent 记录上游受理结果。订单已不在 pending（例如被取消）时只把 external id 记为备注。
func (e *Engine) markSent(ctx context.Context, orderID string, u sentUpdate) error {
	now := e.now()
	ext := u.res.ExternalID
	var discarded, terminal bool
	o, err := e.store.Mutate(ctx, orderID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status != model.StatusPending {
			o.AddNote("system", fmt.Sprintf("late external id %s ignored, order already %s", ext, o.Status), now)
			discarded = true
			return nil
		}
		bid := u.bindingID
		o.ExternalOrderID = &ext
		o.ProviderID = &bid
		o.Status = model.StatusSent
		o.Mode = u.mode
		o.SentAt = &now
		o.CostAmount = u.cost
		o.CostCurrency = u.costCurrency
		o.DispatchAttempts = u.attempt
		o.NextDispatchAt = nil
		next := now.Add(u.pollEvery)
		o.NextPollAt = &next
		if u.appendChain != "" && !o.InChain(u.appendChain) {
			o.ChainPath = append(o.ChainPath, u.appendChain)
		}
		o.AddNote("provider", fmt.Sprintf("%s accepted as %s", u.route, ext), now)
		terminal = applyExternal(o, u.res.Status, u.res.Payload, "", now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record external id %s on %s: %w", ext, orderID, err)
	}

	if discarded {
		e.appendLog(ctx, orderID, u.action, "discarded", u.attempt, []byte(ext), "order status "+string(o.Status))
		e.metrics.Dispatch(u.route.String(), "discarded")
		e.log.Warn("adapter result arrived after order left pending", "order_id", orderID, "external_id", ext, "status", o.Status)
		// 子订单已建好但父订单已终态：让子订单跟随
		if strings.HasPrefix(ext, model.StubPrefix) && o.Status == model.StatusRejected {
			childID := strings.TrimPrefix(ext, model.StubPrefix)
			if err := e.Cancel(ctx, childID, "parent "+o.Reason); err != nil && !errors.Is(err, ErrTerminal) {
				e.log.Warn("cancel orphan child failed", "order_id", orderID, "child_id", childID, "err", err)
			}
		}
		return nil
	}

	e.appendLog(ctx, orderID, u.action, string(model.StatusSent), u.attempt, []byte(ext), "")
	e.metrics.Dispatch(u.route.String(), string(model.StatusSent))
	e.log.Info("order sent", "order_id", orderID, "tenant_id", o.TenantID, "route", u.route.String(), "external_id", ext)
	if terminal {
		return e.Finalize(ctx, orderID)
	}
	return nil
}

// applyExternal 把归一化的上游状态写到订单上，返回是否进入终态。
func applyExternal(o *model.Order, st model.ExternalStatus, payload, message string, now time.Time) bool {
	o.ExternalStatus = st
	switch st {
	case model.ExtDelivered:
		o.Status = model.StatusApproved
		o.ApprovedAt = &now
		if payload != "" {
			o.DeliveredPayload = payload
			o.AddNote("provider", "delivered: "+payload, now)
		}
		return true
	case model.ExtFailed:
		reason := message
		if reason == "" {
			reason = "provider-failed"
		}
		o.Status = model.StatusRejected
		o.RejectedAt = &now
		o.Reason = reason
		o.AddNote("provider", "rejected upstream: "+reason, now)
		return true
	}
	return false
}

// dispatchFailed 按错误类型决定：挂起、拒绝或退避重试。
func (e *Engine) dispatchFailed(ctx context.Context, orderID string, route routing.Route, attempt int, err error) error {
	if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotPending) {
		e.appendLog(ctx, orderID, model.ActionDispatch, "discarded", attempt, nil, err.Error())
		return nil
	}
	kind := provider.KindOf(err)
	e.appendLog(ctx, orderID, model.ActionDispatch, string(kind), attempt, nil, err.Error())
	e.metrics.Dispatch(route.Kind.String(), string(kind))

	switch kind {
	case provider.KindAuth:
		return e.holdAuth(ctx, orderID, route.BindingID, attempt, "credentials rejected: "+err.Error())
	case provider.KindBusiness:
		return e.reject(ctx, orderID, provider.ReasonOf(err), "dispatch failed: "+err.Error())
	}

	now := e.now()
	var exhausted string
	tries := attempt
	_, mErr := e.store.Mutate(ctx, orderID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status != model.StatusPending {
			return store.ErrSkip
		}
		o.DispatchAttempts = attempt
		tries = attempt - o.RetryBase
		if kind == provider.KindInvalidResponse {
			o.InvalidResponses++
		}
		switch {
		case kind == provider.KindInvalidResponse && o.InvalidResponses >= e.opts.MaxInvalid:
			exhausted = string(provider.KindInvalidResponse)
		case tries >= e.opts.MaxAttempts:
			exhausted = string(provider.KindTransport)
		default:
			next := now.Add(e.backoff(tries))
			o.NextDispatchAt = &next
			o.AddNote("system", fmt.Sprintf("attempt %d failed (%s), next try at %s", attempt, kind, next.Format(time.RFC3339)), now)
		}
		return nil
	})
	if mErr != nil {
		return mErr
	}
	if exhausted != "" {
		return e.reject(ctx, orderID, exhausted, fmt.Sprintf("giving up after %d attempts: %v", tries, err))
	}
	e.log.Warn("dispatch attempt failed, will retry", "order_id", orderID, "attempt", attempt, "kind", kind, "err", err)
	return nil
}

// holdAuth 因接入凭证失效挂起 pending 订单，记下接入 id；该接入恢复或运营 Retry 后解除。
// attempt 为已发出的请求序号，未调用上游时传 0。
func (e *Engine) holdAuth(ctx context.Context, orderID string, bindingID uint, attempt int, note string) error {
	now := e.now()
	_, err := e.store.Mutate(ctx, orderID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status != model.StatusPending {
			return store.ErrSkip
		}
		o.HoldReason = HoldAuth
		o.ProviderID = &bindingID
		if attempt > o.DispatchAttempts {
			o.DispatchAttempts = attempt
		}
		o.AddNote("system", note, now)
		return nil
	})
	if err == nil {
		e.log.Warn("order held", "order_id", orderID, "hold_reason", HoldAuth, "binding_id", bindingID)
	}
	return err
}

// reject 迁移到 rejected 并冻结。已终态时为空操作。
func (e *Engine) reject(ctx context.Context, orderID, reason, note string) error {
	now := e.now()
	changed := false
	o, err := e.store.Mutate(ctx, orderID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status.Terminal() {
			return store.ErrSkip
		}
		o.Status = model.StatusRejected
		o.Reason = reason
		o.RejectedAt = &now
		o.NextDispatchAt = nil
		o.AddNote("system", note, now)
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		e.log.Info("order rejected", "order_id", orderID, "tenant_id", o.TenantID, "reason", reason)
	}
	return e.Finalize(ctx, orderID)
}

// toManual 路由为 MANUAL：订单保持 pending，等运营处理。
func (e *Engine) toManual(ctx context.Context, orderID, why string) error {
	now := e.now()
	_, err := e.store.Mutate(ctx, orderID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status != model.StatusPending || o.Mode == model.ModeManual {
			return store.ErrSkip
		}
		o.Mode = model.ModeManual
		if why != "" {
			o.AddNote("system", "routing misconfigured, left for operator: "+why, now)
		} else {
			o.AddNote("system", "manual route, left for operator", now)
		}
		return nil
	})
	return err
}

func (e *Engine) markAuthFailed(ctx context.Context, b *model.ProviderBinding) {
	if err := e.store.MarkBindingAuthFailed(ctx, b.ID, e.now()); err != nil {
		e.log.Warn("mark integration auth failure", "binding_id", b.ID, "err", err)
	}
	e.adapters.Invalidate(b.ID)
	e.log.Warn("integration credentials rejected", "binding_id", b.ID, "binding", b.Name)
}

// Retry 运营重试：解除挂起/手工标记后立即派发。
func (e *Engine) Retry(ctx context.Context, orderID string) error {
	now := e.now()
	_, err := e.store.Mutate(ctx, orderID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status.Terminal() {
			return ErrTerminal
		}
		if o.Status != model.StatusPending {
			return ErrNotPending
		}
		o.Mode = model.ModeAuto
		o.HoldReason = ""
		o.NextDispatchAt = nil
		o.RetryBase = o.DispatchAttempts
		o.InvalidResponses = 0
		o.AddNote("operator", "retry requested", now)
		return nil
	})
	if err != nil {
		return err
	}
	e.appendLog(ctx, orderID, model.ActionDispatch, "retry", 0, nil, "operator retry")
	return e.Dispatch(ctx, orderID)
}

// SweepPending 返回应重新入队的 pending 订单（即时投递丢失或退避到期）。
func (e *Engine) SweepPending(ctx context.Context) ([]string, error) {
	return e.store.DuePending(ctx, e.now(), e.opts.SweepAge, e.opts.PollBatch)
}
