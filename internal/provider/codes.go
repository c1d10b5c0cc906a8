package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fulfillment/internal/model"
	"fulfillment/internal/store"
)

// CodeStore codes 适配器依赖的库存操作。
type CodeStore interface {
	ClaimCode(ctx context.Context, orderID string, groupID uint, now time.Time,
		apply func(o *model.Order, item *model.CodeItem)) (*model.CodeItem, error)
	CodeItem(ctx context.Context, id uint) (*model.CodeItem, error)
}

// CodesAdapter 从本地卡密库存交付，不发网络请求。
// 认领卡密与订单迁移到 approved 在同一事务内完成。
type CodesAdapter struct {
	store CodeStore
	now   func() time.Time
}

func NewCodesAdapter(s CodeStore, now func() time.Time) *CodesAdapter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CodesAdapter{store: s, now: now}
}

func (a *CodesAdapter) PlaceOrder(ctx context.Context, _ Credentials, req PlaceRequest) (PlaceResult, error) {
	if req.CodeGroupID == 0 {
		return PlaceResult{}, businessErr("no-code-group", "")
	}
	now := a.now()
	item, err := a.store.ClaimCode(ctx, req.OrderID, req.CodeGroupID, now, func(o *model.Order, item *model.CodeItem) {
		ext := model.CodePrefix + strconv.FormatUint(uint64(item.ID), 10)
		o.ExternalOrderID = &ext
		o.ExternalStatus = model.ExtDelivered
		o.Status = model.StatusApproved
		o.Mode = model.ModeAuto
		o.SentAt = &now
		o.ApprovedAt = &now
		o.CostAmount = req.Cost
		o.CostCurrency = req.CostCurrency
		o.DeliveredPayload = item.Value
		o.AddNote("provider", "code delivered: "+item.Value, now)
	})
	switch {
	case errors.Is(err, store.ErrOutOfStock):
		return PlaceResult{}, &Error{Kind: KindBusiness, Code: "out-of-stock", Err: err}
	case err != nil:
		return PlaceResult{}, err
	}
	return PlaceResult{
		ExternalID: model.CodePrefix + strconv.FormatUint(uint64(item.ID), 10),
		RawStatus:  string(model.ExtDelivered),
		Status:     model.ExtDelivered,
		Payload:    item.Value,
		Completed:  true,
	}, nil
}

// QueryStatus code:<id> 的状态只取决于该行是否已被认领。
func (a *CodesAdapter) QueryStatus(ctx context.Context, _ Credentials, externalID string) (StatusResult, error) {
	raw := strings.TrimPrefix(externalID, model.CodePrefix)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || raw == externalID {
		return StatusResult{}, invalidResponse("bad code id %q", externalID)
	}
	item, err := a.store.CodeItem(ctx, uint(id))
	if err != nil {
		return StatusResult{}, fmt.Errorf("load code %d: %w", id, err)
	}
	if item.ClaimedByOrderID == nil {
		return StatusResult{RawStatus: "unclaimed", Status: model.ExtUnknown}, nil
	}
	return StatusResult{RawStatus: string(model.ExtDelivered), Status: model.ExtDelivered, Payload: item.Value}, nil
}

func (a *CodesAdapter) Balance(context.Context, Credentials) (BalanceResult, error) {
	return BalanceResult{}, ErrUnsupported
}

func (a *CodesAdapter) ListProducts(context.Context, Credentials) ([]Product, error) {
	return nil, ErrUnsupported
}
