// Package provider 为外部 HTTP 上游、本平台对等租户和本地卡密库存提供统一的适配器接口。
package provider

import (
	"context"
	"strings"

	"fulfillment/internal/model"

	"github.com/shopspring/decimal"
)

// Credentials 从 ProviderBinding 解析出的调用凭据。
type Credentials struct {
	BindingID  uint
	BaseURL    string
	AuthStyle  string
	APIToken   string
	Kod        string
	Sifre      string
	TenantHost string
}

// CredentialsOf 由接入配置构造凭据。
func CredentialsOf(b *model.ProviderBinding) Credentials {
	style := b.AuthStyle
	if style == "" {
		style = model.AuthBearer
	}
	return Credentials{
		BindingID:  b.ID,
		BaseURL:    strings.TrimRight(b.BaseURL, "/"),
		AuthStyle:  style,
		APIToken:   b.APIToken,
		Kod:        b.Kod,
		Sifre:      b.Sifre,
		TenantHost: b.TenantHost,
	}
}

// PlaceRequest 下单参数。
type PlaceRequest struct {
	OrderID        string
	PackageRef     string
	Quantity       int
	UserIdentifier string
	IdempotencyKey string

	// 对等转发时携带的链路信息
	ParentOrderID string
	ChainPath     []string

	// 仅 codes 适配器使用，Cost 为整单成本
	CodeGroupID  uint
	Cost         decimal.Decimal
	CostCurrency string
}

// PlaceResult 下单结果。
type PlaceResult struct {
	ExternalID string
	RawStatus  string
	Status     model.ExternalStatus
	Payload    string

	// 对等租户返回的子订单售价，作为父订单成本
	Sell         decimal.Decimal
	SellCurrency string

	// Completed 为 true 表示适配器已在同一事务内完成订单迁移（codes）。
	Completed bool
}

// StatusResult 查询结果。
type StatusResult struct {
	RawStatus string
	Status    model.ExternalStatus
	Payload   string
	Message   string
}

// BalanceResult 余额结果，Debt 可选。
type BalanceResult struct {
	Balance decimal.Decimal
	Debt    *decimal.Decimal
}

// Product 上游目录中的一个包。
type Product struct {
	ExternalID string          `json:"external_id"`
	Name       string          `json:"name"`
	BasePrice  decimal.Decimal `json:"base_price"`
	Currency   string          `json:"currency"`
}

// Adapter 所有上游的统一能力集。
type Adapter interface {
	PlaceOrder(ctx context.Context, creds Credentials, req PlaceRequest) (PlaceResult, error)
	QueryStatus(ctx context.Context, creds Credentials, externalID string) (StatusResult, error)
	Balance(ctx context.Context, creds Credentials) (BalanceResult, error)
	ListProducts(ctx context.Context, creds Credentials) ([]Product, error)
}

// Normalize 把上游原始状态映射到 {accepted, in-progress, delivered, failed, unknown}。
func Normalize(raw string) model.ExternalStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "received", "queued", "new", "created", "pending", "beklemede":
		return model.ExtAccepted
	case "in-progress", "in_progress", "processing", "sent", "running", "isleniyor", "hazirlaniyor":
		return model.ExtInProgress
	case "delivered", "completed", "complete", "success", "successful", "done", "approved", "tamamlandi", "onaylandi":
		return model.ExtDelivered
	case "failed", "fail", "error", "rejected", "cancelled", "canceled", "refunded", "iptal", "reddedildi":
		return model.ExtFailed
	default:
		return model.ExtUnknown
	}
}
