package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tenant 独立的经销商组织。
type Tenant struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Host      string    `gorm:"size:255;uniqueIndex;not null" json:"host"`
	Name      string    `gorm:"size:128;uniqueIndex;not null" json:"name"` // chain_path 中使用的展示名
}

func (Tenant) TableName() string { return "tenants" }

// APIToken 由外部签发，引擎只做查找。
type APIToken struct {
	Token     string    `gorm:"primaryKey;size:128" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	TenantID  uint      `gorm:"not null;index" json:"tenant_id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
}

func (APIToken) TableName() string { return "api_tokens" }

// TenantPackage 租户目录中的可售 SKU（只读）。
type TenantPackage struct {
	ID        uint            `gorm:"primarykey" json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	TenantID  uint            `gorm:"not null;uniqueIndex:idx_tenant_packages,priority:1" json:"tenant_id"`
	PackageID uint            `gorm:"not null;uniqueIndex:idx_tenant_packages,priority:2" json:"package_id"`
	ProductID uint            `gorm:"not null" json:"product_id"`
	Name      string          `gorm:"size:128;not null" json:"name"`
	Price     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"price"`
	Currency  string          `gorm:"size:8;not null" json:"currency"`
	Enabled   bool            `gorm:"not null;default:true" json:"enabled"`
}

func (TenantPackage) TableName() string { return "tenant_packages" }
