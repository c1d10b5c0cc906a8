package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fulfillment/internal/model"
	"fulfillment/internal/routing"
	"fulfillment/internal/store"

	"gorm.io/gorm"
)

// checkLoop 在转发前检查环路，返回非空原因表示应中断。
// 直接环：下游租户就是自己，或已出现在 chain_path 中。
// 配置环：沿下游租户的路由表最多走 LoopMaxDepth 跳，遇到重复租户即中断。
func (e *Engine) checkLoop(ctx context.Context, o *model.Order, route routing.Route) (string, error) {
	if route.DownstreamTenantID == o.TenantID {
		return "route points back at its own tenant", nil
	}
	visited := map[uint]bool{o.TenantID: true}
	cur, ref := route.DownstreamTenantID, route.PackageRef
	for depth := 1; depth <= e.opts.LoopMaxDepth; depth++ {
		if visited[cur] {
			return fmt.Sprintf("configuration cycle: tenant %d repeats at hop %d", cur, depth), nil
		}
		visited[cur] = true

		t, err := e.store.Tenant(ctx, cur)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if t != nil && o.InChain(t.Name) {
			return fmt.Sprintf("tenant %s already in chain %s", t.Name, strings.Join(o.ChainPath, ">")), nil
		}

		// 非数字包引用说明下游不按本平台包 id 路由，无法继续展开
		pkg, err := strconv.ParseUint(ref, 10, 64)
		if err != nil {
			return "", nil
		}
		next, err := e.routes.Lookup(ctx, cur, uint(pkg))
		if err != nil {
			return "", err
		}
		if next.Kind != routing.AutoPeer {
			return "", nil
		}
		cur, ref = next.DownstreamTenantID, next.PackageRef
	}
	return "", nil
}

// loopBreak 把订单降级为 MANUAL。已 sent 的订单保持 sent 但挂起，不再轮询。
func (e *Engine) loopBreak(ctx context.Context, orderID, reason string) error {
	now := e.now()
	_, err := e.store.Mutate(ctx, orderID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status.Terminal() {
			return store.ErrSkip
		}
		o.Mode = model.ModeManual
		if o.Status == model.StatusSent {
			o.HoldReason = HoldLoopBreak
		}
		o.NextDispatchAt = nil
		o.AddNote("loop-guard", "loop-break: "+reason, now)
		return nil
	})
	if err != nil {
		return err
	}
	e.appendLog(ctx, orderID, model.ActionLoopBreak, string(model.ModeManual), 0, nil, reason)
	e.metrics.LoopBreak()
	e.log.Warn("loop detected, order downgraded to manual", "order_id", orderID, "reason", reason)
	return nil
}
