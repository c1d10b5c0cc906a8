package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 路由条目上的 provider_type。
const (
	ProviderTypeManual   = "manual"
	ProviderTypeCodes    = "codes"
	ProviderTypeExternal = "external"
	ProviderTypePeer     = "internal_peer"
)

// RoutingEntry (tenant, package) → 履约决策。由运营维护，引擎只读。
type RoutingEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID     uint   `gorm:"not null;uniqueIndex:idx_routing_tenant_package,priority:1" json:"tenant_id"`
	PackageID    uint   `gorm:"not null;uniqueIndex:idx_routing_tenant_package,priority:2" json:"package_id"`
	Mode         string `gorm:"size:16;not null;default:manual" json:"mode"` // auto / manual
	ProviderType string `gorm:"size:16;not null;default:manual" json:"provider_type"`

	CodeGroupID         *uint  `json:"code_group_id,omitempty"`
	ProviderBindingID   *uint  `json:"provider_binding_id,omitempty"`
	DownstreamTenantID  *uint  `json:"downstream_tenant_id,omitempty"`
	DownstreamAPIUserID *uint  `json:"downstream_api_user_id,omitempty"`
	DownstreamPackage   string `gorm:"size:64" json:"downstream_package_ref,omitempty"`

	// 派发时记录到订单上的成本
	Cost         decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"cost"`
	CostCurrency string          `gorm:"size:8" json:"cost_currency"`
}

func (RoutingEntry) TableName() string { return "routing_entries" }

// 适配器实现类型。
const (
	BindingExternalHTTP = "external_http"
	BindingInternalPeer = "internal_peer"
	BindingCodes        = "codes"
)

// 凭据风格：token header 或表单 kod/sifre。
const (
	AuthBearer = "bearer"
	AuthForm   = "form"
)

// ProviderBinding 上游或对等租户的接入配置（Integration）。
type ProviderBinding struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID   uint   `gorm:"not null;index" json:"tenant_id"`
	Name       string `gorm:"size:128;not null" json:"name"`
	Kind       string `gorm:"size:32;not null" json:"kind"`
	BaseURL    string `gorm:"size:255" json:"base_url"`
	AuthStyle  string `gorm:"size:16;default:bearer" json:"auth_style"`
	APIToken   string `gorm:"size:255" json:"-"`
	Kod        string `gorm:"size:128" json:"-"`
	Sifre      string `gorm:"size:128" json:"-"`
	TenantHost string `gorm:"size:255" json:"tenant_host"` // 对等租户的 X-Tenant-Host
	Enabled    bool   `gorm:"not null;default:true" json:"enabled"`

	// 余额与欠款由 get_balance 顺带刷新
	Balance   decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"balance"`
	Debt      decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"debt"`
	BalanceAt *time.Time      `json:"balance_at,omitempty"`

	PollIntervalSeconds int        `gorm:"not null;default:0" json:"poll_interval_seconds"`
	AuthFailedAt        *time.Time `json:"auth_failed_at,omitempty"`
}

func (ProviderBinding) TableName() string { return "provider_bindings" }

// PollInterval 未配置时使用默认值。
func (b *ProviderBinding) PollInterval(def time.Duration) time.Duration {
	if b == nil || b.PollIntervalSeconds <= 0 {
		return def
	}
	return time.Duration(b.PollIntervalSeconds) * time.Second
}
