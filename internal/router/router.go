package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fulfillment/internal/engine"
	"fulfillment/internal/metrics"
	"fulfillment/internal/middleware"
	"fulfillment/internal/model"
	"fulfillment/internal/provider"
	"fulfillment/internal/store"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// Deps 路由依赖。Redis 与 Metrics 可为 nil。
type Deps struct {
	Engine     *engine.Engine
	Store      *store.Store
	Redis      *rd.Client
	Metrics    *metrics.Metrics
	Enqueue    func(orderID string) bool
	AdminToken string
	RateLimit  int
	RateWindow time.Duration
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	auth := middleware.TenantAuth(d.Store)
	r.POST("/orders", middleware.RedisRateLimit(d.Redis, d.RateLimit, d.RateWindow), auth, submitOrder(d))
	r.GET("/orders/:id", auth, getOrder(d.Engine))
	r.GET("/packages", auth, listPackages(d.Store))

	admin := r.Group("/admin", middleware.AdminToken(d.AdminToken))
	admin.POST("/orders/:id/cancel", cancelOrder(d.Engine))
	admin.POST("/orders/:id/retry", retryOrder(d.Engine))
	admin.GET("/orders/:id/logs", orderLogs(d.Engine))
}

type ingestRequest struct {
	PackageID      json.RawMessage `json:"packageId"`
	Quantity       int             `json:"quantity"`
	UserIdentifier string          `json:"userIdentifier"`
	ParentOrderID  string          `json:"parentOrderId"`
	ChainPath      []string        `json:"chainPath"`
}

// parsePackageID 兼容数字与字符串形式的 packageId（对等转发发送字符串）。
func parsePackageID(raw json.RawMessage) (uint, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return 0, errors.New("packageId is required")
	}
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("packageId must be a positive integer")
	}
	return uint(id), nil
}

// submitOrder 是 ingest 入口：落 pending 订单后投递即时队列，不等待派发结果。
// 同一父订单重复转发时返回已存在的子订单。
func submitOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			d.Metrics.Ingest("bad-request")
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error(), "reason": "bad-request"})
			return
		}
		pkgID, err := parsePackageID(req.PackageID)
		if err != nil {
			d.Metrics.Ingest("bad-request")
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error(), "reason": "bad-request"})
			return
		}
		if req.Quantity == 0 {
			req.Quantity = 1
		}
		// 对等转发时链路信息走请求头
		parent := strings.TrimSpace(c.GetHeader(provider.HeaderParentOrder))
		if parent == "" {
			parent = req.ParentOrderID
		}
		chain := req.ChainPath
		if h := c.GetHeader(provider.HeaderChainPath); h != "" {
			chain = provider.SplitChain(h)
		}

		o, created, err := d.Engine.Submit(c.Request.Context(), engine.SubmitRequest{
			Tenant:         middleware.TenantFrom(c),
			UserID:         middleware.UserFrom(c),
			PackageID:      pkgID,
			Quantity:       req.Quantity,
			UserIdentifier: req.UserIdentifier,
			ParentOrderID:  parent,
			ChainPath:      chain,
		})
		switch {
		case errors.Is(err, engine.ErrInvalidQuantity):
			d.Metrics.Ingest("bad-request")
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error(), "reason": "invalid-quantity"})
			return
		case errors.Is(err, engine.ErrPackageUnavailable):
			d.Metrics.Ingest("package-unavailable")
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error(), "reason": "package-unavailable"})
			return
		case err != nil:
			d.Metrics.Ingest("error")
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		if created {
			d.Metrics.Ingest("created")
			if o.Mode != model.ModeManual && d.Enqueue != nil {
				d.Enqueue(o.ID)
			}
		} else {
			d.Metrics.Ingest("duplicate")
		}
		c.JSON(http.StatusAccepted, gin.H{
			"code": 0,
			"data": gin.H{
				"id":       o.ID,
				"code":     o.Code,
				"status":   o.Status,
				"sell":     o.SellAmount,
				"currency": o.SellCurrency,
			},
		})
	}
}

// getOrder 订单投影；只能查询本租户的订单。
func getOrder(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := eng.Order(c.Request.Context(), c.Param("id"))
		if errors.Is(err, store.ErrNotFound) || (err == nil && o.TenantID != middleware.TenantFrom(c).ID) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": projection(o)})
	}
}

func projection(o *model.Order) gin.H {
	h := gin.H{
		"id":                o.ID,
		"code":              o.Code,
		"status":            o.Status,
		"mode":              o.Mode,
		"external_status":   o.ExternalStatus,
		"reason":            o.Reason,
		"delivered_payload": o.DeliveredPayload,
		"package_id":        o.PackageID,
		"quantity":          o.Quantity,
		"sell":              o.SellAmount,
		"currency":          o.SellCurrency,
		"chain_path":        o.ChainPath,
		"created_at":        o.CreatedAt,
	}
	if o.ParentOrderID != nil {
		h["parent_order_id"] = *o.ParentOrderID
	}
	return h
}

// listPackages 发布租户目录，对等方的 list_products 由此发现包引用。
func listPackages(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.ListPackages(c.Request.Context(), middleware.TenantFrom(c).ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		out := make([]gin.H, 0, len(list))
		for _, p := range list {
			out = append(out, gin.H{
				"package_id": strconv.FormatUint(uint64(p.PackageID), 10),
				"name":       p.Name,
				"price":      p.Price,
				"currency":   p.Currency,
			})
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

// cancelOrder 运营取消：非终态订单迁移到 rejected(cancelled)。
func cancelOrder(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := eng.Cancel(c.Request.Context(), id, "cancelled")
		if !writeOperatorError(c, err) {
			return
		}
		o, err := eng.Order(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": projection(o)})
	}
}

// retryOrder 解除挂起/手工标记并立即派发一次。
func retryOrder(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := eng.Retry(c.Request.Context(), id)
		if !writeOperatorError(c, err) {
			return
		}
		o, err := eng.Order(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": projection(o)})
	}
}

func orderLogs(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		logs, err := eng.Logs(c.Request.Context(), c.Param("id"))
		if !writeOperatorError(c, err) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": logs})
	}
}

// writeOperatorError 把引擎错误映射为响应，返回 true 表示无错误。
func writeOperatorError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
	case errors.Is(err, engine.ErrTerminal), errors.Is(err, engine.ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
	}
	return false
}
