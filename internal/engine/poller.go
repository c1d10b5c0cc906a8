package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment/internal/model"
	"fulfillment/internal/provider"
	"fulfillment/internal/store"

	"gorm.io/gorm"
)

// PollDue 依次轮询一批到期的 sent 订单，返回处理条数。单条失败只记日志。
func (e *Engine) PollDue(ctx context.Context) (int, error) {
	ids, err := e.store.DuePolls(ctx, e.now(), e.opts.PollBatch)
	if err != nil {
		return 0, fmt.Errorf("select due polls: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := e.PollOrder(ctx, id); err != nil {
			e.log.Warn("poll order failed", "order_id", id, "err", err)
		}
		n++
	}
	return n, nil
}

// PollOrder 查询一个 sent 订单的上游状态并推进。与派发共用订单锁。
func (e *Engine) PollOrder(ctx context.Context, orderID string) error {
	return e.withLock(ctx, orderID, func() error {
		return e.poll(ctx, orderID)
	})
}

type loopError struct{ reason string }

func (l *loopError) Error() string { return "loop: " + l.reason }

func (e *Engine) poll(ctx context.Context, orderID string) error {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != model.StatusSent || o.HoldReason != "" {
		return nil
	}

	ext := o.ExternalID()
	interval := e.opts.PollInterval
	var st provider.StatusResult
	switch {
	case strings.HasPrefix(ext, model.StubPrefix):
		// 子订单在本平台：直接读库，不走 HTTP
		st, err = e.childStatus(ctx, o)
		var le *loopError
		if errors.As(err, &le) {
			return e.loopBreak(ctx, o.ID, le.reason)
		}
	case strings.HasPrefix(ext, model.CodePrefix):
		st, err = e.queryStatus(ctx, e.adapters.Codes(), provider.Credentials{}, ext)
	case o.ProviderID != nil:
		a, creds, b, rerr := e.adapters.Resolve(ctx, *o.ProviderID)
		if rerr != nil {
			err = rerr
			break
		}
		interval = b.PollInterval(interval)
		st, err = e.queryStatus(ctx, a, creds, ext)
	default:
		err = fmt.Errorf("sent order has no provider")
	}
	if err != nil {
		return e.pollFailed(ctx, o.ID, interval, err)
	}
	return e.pollSucceeded(ctx, o, interval, st)
}

func (e *Engine) queryStatus(ctx context.Context, a provider.Adapter, creds provider.Credentials, ext string) (provider.StatusResult, error) {
	cctx, cancel := context.WithTimeout(ctx, e.opts.AdapterTimeout)
	defer cancel()
	start := time.Now()
	st, err := a.QueryStatus(cctx, creds, ext)
	e.metrics.ObserveAdapter("query_status", time.Since(start).Seconds())
	return st, err
}

// childStatus 把子订单的状态映射为父订单视角的上游状态。
func (e *Engine) childStatus(ctx context.Context, o *model.Order) (provider.StatusResult, error) {
	childID := strings.TrimPrefix(o.ExternalID(), model.StubPrefix)
	if childID == o.ID || childID == o.RootOrderID || (o.ParentOrderID != nil && childID == *o.ParentOrderID) {
		return provider.StatusResult{}, &loopError{reason: fmt.Sprintf("stub %s points back into its own chain", childID)}
	}
	child, err := e.store.GetOrder(ctx, childID)
	if err != nil {
		return provider.StatusResult{}, fmt.Errorf("load child %s: %w", childID, err)
	}
	if child.TenantID == o.TenantID {
		return provider.StatusResult{}, &loopError{reason: fmt.Sprintf("child %s is on the same tenant", childID)}
	}

	res := provider.StatusResult{RawStatus: string(child.Status)}
	switch child.Status {
	case model.StatusApproved:
		res.Status = model.ExtDelivered
		res.Payload = child.DeliveredPayload
	case model.StatusRejected:
		res.Status = model.ExtFailed
		res.Message = child.Reason
	case model.StatusSent:
		res.Status = model.ExtInProgress
	default:
		res.Status = model.ExtAccepted
	}
	return res, nil
}

func (e *Engine) pollFailed(ctx context.Context, orderID string, interval time.Duration, cause error) error {
	now := e.now()
	var failures int
	var becameStale bool
	_, err := e.store.Mutate(ctx, orderID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status != model.StatusSent {
			return store.ErrSkip
		}
		o.PollFailures++
		o.LastPollAt = &now
		failures = o.PollFailures
		if o.PollFailures >= e.opts.StaleAfter && !o.Stale {
			o.Stale = true
			becameStale = true
			o.AddNote("system", fmt.Sprintf("marked stale after %d failed polls", o.PollFailures), now)
		}
		wait := interval
		if o.Stale {
			wait = e.opts.StalePollInterval
		}
		next := now.Add(wait)
		o.NextPollAt = &next
		return nil
	})
	if err != nil {
		return err
	}
	kind := provider.KindOf(cause)
	e.metrics.Poll(string(kind))
	if becameStale {
		e.appendLog(ctx, orderID, model.ActionPoll, "stale", failures, nil, cause.Error())
	}
	e.log.Warn("poll failed", "order_id", orderID, "failures", failures, "kind", kind, "err", cause)
	return nil
}

func (e *Engine) pollSucceeded(ctx context.Context, prev *model.Order, interval time.Duration, st provider.StatusResult) error {
	now := e.now()
	var terminal bool
	o, err := e.store.Mutate(ctx, prev.ID, func(_ *gorm.DB, o *model.Order) error {
		if o.Status != model.StatusSent {
			return store.ErrSkip
		}
		o.LastPollAt = &now
		o.PollFailures = 0
		o.Stale = false
		terminal = applyExternal(o, st.Status, st.Payload, st.Message, now)
		if !terminal {
			next := now.Add(interval)
			o.NextPollAt = &next
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.metrics.Poll(string(st.Status))
	// 状态无变化时不写日志，避免长期 in-progress 的订单刷屏
	if st.Status != prev.ExternalStatus || terminal {
		e.appendLog(ctx, prev.ID, model.ActionPoll, string(st.Status), 0, []byte(st.RawStatus), st.Message)
	}
	if terminal {
		e.log.Info("order reached terminal state by poll", "order_id", o.ID, "tenant_id", o.TenantID, "status", o.Status)
		return e.Finalize(ctx, o.ID)
	}
	return nil
}

// PropagateChild 子订单到达终态后立即轮询父订单，不必等下一次周期轮询。
// 父订单不在本平台或已不指向该子订单时为空操作。
func (e *Engine) PropagateChild(ctx context.Context, parentID, childID string) error {
	parent, err := e.store.GetOrder(ctx, parentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if parent.Status != model.StatusSent || parent.ExternalID() != model.StubPrefix+childID {
		return nil
	}
	return e.PollOrder(ctx, parentID)
}
