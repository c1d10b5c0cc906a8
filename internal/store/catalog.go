package store

import (
	"context"
	"time"

	"fulfillment/internal/model"

	"github.com/shopspring/decimal"
)

// Tenant 按 id 读取租户。
func (s *Store) Tenant(ctx context.Context, id uint) (*model.Tenant, error) {
	var t model.Tenant
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// TenantByHost 按 X-Tenant-Host 解析租户。
func (s *Store) TenantByHost(ctx context.Context, host string) (*model.Tenant, error) {
	var t model.Tenant
	if err := s.db.WithContext(ctx).Where("host = ?", host).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// Token 查找 api-token。
func (s *Store) Token(ctx context.Context, token string) (*model.APIToken, error) {
	var t model.APIToken
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// Package 读取租户目录中的 SKU。
func (s *Store) Package(ctx context.Context, tenantID, packageID uint) (*model.TenantPackage, error) {
	var p model.TenantPackage
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND package_id = ?", tenantID, packageID).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ListPackages 列出租户已启用的 SKU。
func (s *Store) ListPackages(ctx context.Context, tenantID uint) ([]model.TenantPackage, error) {
	var list []model.TenantPackage
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Order("package_id").
		Find(&list).Error
	return list, err
}

// RoutingEntry 读取 (tenant, package) 的路由；不存在返回 ErrNotFound。
func (s *Store) RoutingEntry(ctx context.Context, tenantID, packageID uint) (*model.RoutingEntry, error) {
	var e model.RoutingEntry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND package_id = ?", tenantID, packageID).
		First(&e).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// Binding 读取接入配置。
func (s *Store) Binding(ctx context.Context, id uint) (*model.ProviderBinding, error) {
	var b model.ProviderBinding
	if err := s.db.WithContext(ctx).First(&b, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// UpdateBindingBalance 记录余额/欠款，同时解除鉴权失败标记。
func (s *Store) UpdateBindingBalance(ctx context.Context, id uint, balance decimal.Decimal, debt *decimal.Decimal, at time.Time) error {
	updates := map[string]any{
		"balance":        balance,
		"balance_at":     at,
		"auth_failed_at": nil,
	}
	if debt != nil {
		updates["debt"] = *debt
	}
	return s.db.WithContext(ctx).Model(&model.ProviderBinding{}).Where("id = ?", id).Updates(updates).Error
}

// MarkBindingAuthFailed 标记接入鉴权失败，路由在修复前视为停用。
func (s *Store) MarkBindingAuthFailed(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.ProviderBinding{}).
		Where("id = ?", id).
		Update("auth_failed_at", at).Error
}
