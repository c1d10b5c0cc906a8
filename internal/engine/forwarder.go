package engine

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/model"
	"fulfillment/internal/provider"
	"fulfillment/internal/routing"
	"fulfillment/internal/store"
)

// forward 在下游租户创建子订单（AUTO_PEER）。不等待子订单完成，结果由轮询拉取。
func (e *Engine) forward(ctx context.Context, o *model.Order, route routing.Route, req provider.PlaceRequest, attempt int) error {
	a, creds, b, err := e.adapters.Resolve(ctx, route.BindingID)
	if err != nil {
		return e.dispatchFailed(ctx, o.ID, route, attempt, err)
	}
	if b.AuthFailedAt != nil {
		return e.holdAuth(ctx, o.ID, b.ID, 0, fmt.Sprintf("peer integration %s has failing credentials, not forwarded", b.Name))
	}

	downstream, err := e.store.Tenant(ctx, route.DownstreamTenantID)
	if errors.Is(err, store.ErrNotFound) {
		err = &provider.Error{Kind: provider.KindBusiness, Code: "downstream-tenant-missing",
			Message: fmt.Sprintf("tenant %d", route.DownstreamTenantID)}
	}
	if err != nil {
		return e.dispatchFailed(ctx, o.ID, route, attempt, err)
	}

	req.ParentOrderID = o.ID
	req.ChainPath = append([]string(nil), o.ChainPath...)
	res, err := e.callPlace(ctx, a, creds, req)
	if err != nil {
		if provider.KindOf(err) == provider.KindAuth {
			e.markAuthFailed(ctx, b)
		}
		return e.dispatchFailed(ctx, o.ID, route, attempt, err)
	}

	// 下游售价即本单成本
	cost, currency := req.Cost, req.CostCurrency
	if res.Sell.IsPositive() {
		cost = res.Sell
		if res.SellCurrency != "" {
			currency = res.SellCurrency
		}
	}
	return e.markSent(ctx, o.ID, sentUpdate{
		action:       model.ActionForward,
		route:        route.Kind,
		attempt:      attempt,
		bindingID:    b.ID,
		res:          res,
		cost:         cost,
		costCurrency: currency,
		mode:         model.ModeChainForward,
		pollEvery:    b.PollInterval(e.opts.PollInterval),
		appendChain:  downstream.Name,
	})
}
