package engine

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/model"
	"fulfillment/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SubmitRequest 一次 ingest 请求（已完成 api-token 鉴权）。
type SubmitRequest struct {
	Tenant         *model.Tenant
	UserID         uint
	PackageID      uint
	Quantity       int
	UserIdentifier string

	// 由对等租户转发时携带
	ParentOrderID string
	ChainPath     []string
}

// Submit 持久化一个 pending 订单。created=false 表示同一父订单的子订单已存在，直接返回它。
// 本租户已出现在 chain_path 中时订单照常落库，但标记为 MANUAL，不进入派发。
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (o *model.Order, created bool, err error) {
	if req.Quantity <= 0 {
		return nil, false, ErrInvalidQuantity
	}
	tenant := req.Tenant
	if req.ParentOrderID != "" {
		existing, err := e.store.ChildByParent(ctx, tenant.ID, req.ParentOrderID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	pkg, err := e.store.Package(ctx, tenant.ID, req.PackageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !pkg.Enabled) {
		return nil, false, fmt.Errorf("%w: package %d on tenant %s", ErrPackageUnavailable, req.PackageID, tenant.Name)
	}
	if err != nil {
		return nil, false, err
	}

	now := e.now()
	id := uuid.NewString()
	o = &model.Order{
		ID:             id,
		Code:           model.ShortCode(id),
		CreatedAt:      now,
		TenantID:       tenant.ID,
		UserID:         req.UserID,
		PackageID:      pkg.PackageID,
		ProductID:      pkg.ProductID,
		Quantity:       req.Quantity,
		UserIdentifier: req.UserIdentifier,
		SellAmount:     pkg.Price.Mul(decimal.NewFromInt(int64(req.Quantity))),
		SellCurrency:   pkg.Currency,
		CostCurrency:   pkg.Currency,
		Mode:           model.ModeAuto,
		RootOrderID:    id,
		Status:         model.StatusPending,
	}

	chain := append([]string(nil), req.ChainPath...)
	loop := ""
	if req.ParentOrderID != "" {
		parentID := req.ParentOrderID
		o.ParentOrderID = &parentID
		o.RootOrderID = parentID
		if parent, err := e.store.GetOrder(ctx, parentID); err == nil {
			o.RootOrderID = parent.RootOrderID
			if parent.TenantID == tenant.ID {
				loop = "parent order is on the same tenant"
			}
		}
	}
	for _, name := range chain {
		if name == tenant.Name {
			loop = fmt.Sprintf("tenant %s already in chain %v", tenant.Name, chain)
			break
		}
	}
	if loop == "" {
		chain = append(chain, tenant.Name)
	}
	o.ChainPath = datatypes.JSONSlice[string](chain)

	if loop != "" {
		o.Mode = model.ModeManual
		o.AddNote("loop-guard", "loop-break: "+loop, now)
	}
	o.AddNote("system", "order received", now)

	if err := e.store.CreateOrder(ctx, o); err != nil {
		// 同一父订单并发转发：唯一索引冲突后返回已存在的子订单
		if req.ParentOrderID != "" {
			if existing, lookupErr := e.store.ChildByParent(ctx, tenant.ID, req.ParentOrderID); lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("create order: %w", err)
	}

	e.appendLog(ctx, o.ID, model.ActionIngest, string(model.StatusPending), 0, nil, "")
	if loop != "" {
		e.appendLog(ctx, o.ID, model.ActionLoopBreak, string(model.ModeManual), 0, nil, loop)
		e.metrics.LoopBreak()
		e.log.Warn("ingest loop fence, order left for operator", "order_id", o.ID, "tenant_id", tenant.ID, "reason", loop)
	}
	e.log.Info("order received", "order_id", o.ID, "tenant_id", tenant.ID, "package_id", o.PackageID, "parent_order_id", req.ParentOrderID)
	return o, true, nil
}
