package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"fulfillment/internal/model"
	"fulfillment/internal/store"

	"github.com/gin-gonic/gin"
)

// ingest 请求头。
const (
	HeaderTenantHost = "X-Tenant-Host"
	HeaderAPIToken   = "api-token"
	HeaderAdminToken = "X-Admin-Token"
)

// gin 上下文键。
const (
	CtxTenant = "tenant"
	CtxUserID = "api_user_id"
)

// Directory 租户与 api-token 查找。
type Directory interface {
	TenantByHost(ctx context.Context, host string) (*model.Tenant, error)
	Token(ctx context.Context, token string) (*model.APIToken, error)
}

// TenantAuth 按 X-Tenant-Host 解析租户，并校验 api-token 属于该租户。
func TenantAuth(dir Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := strings.TrimSpace(c.GetHeader(HeaderTenantHost))
		if host == "" {
			host = c.Request.Host
		}
		token := strings.TrimSpace(c.GetHeader(HeaderAPIToken))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "api-token required"})
			return
		}

		ctx := c.Request.Context()
		tenant, err := dir.TenantByHost(ctx, host)
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": 404, "msg": "unknown tenant host " + host})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		tok, err := dir.Token(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid api-token"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if tok.TenantID != tenant.ID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": 403, "msg": "api-token does not belong to tenant"})
			return
		}
		c.Set(CtxTenant, tenant)
		c.Set(CtxUserID, tok.UserID)
		c.Next()
	}
}

// TenantFrom 取出 TenantAuth 写入的租户。
func TenantFrom(c *gin.Context) *model.Tenant {
	v, ok := c.Get(CtxTenant)
	if !ok {
		return nil
	}
	t, _ := v.(*model.Tenant)
	return t
}

// UserFrom 取出 api-token 对应的用户。
func UserFrom(c *gin.Context) uint {
	return c.GetUint(CtxUserID)
}

// AdminToken 运营接口的简单令牌校验；未配置令牌时一律拒绝。
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token invalid"})
			return
		}
		c.Next()
	}
}
