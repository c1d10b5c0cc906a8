package store

import (
	"context"
	"errors"
	"time"

	"fulfillment/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClaimCode 在同一事务内认领一条未使用卡密并由 apply 完成订单状态迁移。
// 同一订单重复调用时返回已认领的那条，不会认领第二条。
func (s *Store) ClaimCode(ctx context.Context, orderID string, groupID uint, now time.Time,
	apply func(o *model.Order, item *model.CodeItem)) (*model.CodeItem, error) {

	var item model.CodeItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o model.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", orderID).First(&o).Error; err != nil {
			return notFound(err)
		}

		// 已认领过：直接返回，保证每单至多一条
		err := tx.Where("claimed_by_order_id = ?", orderID).First(&item).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if o.Status.Terminal() {
			return ErrTerminal
		}
		if o.Status != model.StatusPending {
			return ErrNotPending
		}

		// SKIP LOCKED：并发认领时跳过他人已锁定的行
		err = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("group_id = ? AND claimed_by_order_id IS NULL", groupID).
			Order("id").
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOutOfStock
		}
		if err != nil {
			return err
		}

		res := tx.Model(&model.CodeItem{}).
			Where("id = ? AND claimed_by_order_id IS NULL", item.ID).
			Updates(map[string]any{"claimed_by_order_id": orderID, "claimed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOutOfStock
		}
		item.ClaimedByOrderID = &orderID
		item.ClaimedAt = &now

		apply(&o, &item)
		return tx.Save(&o).Error
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CodeItem 按 id 读取。
func (s *Store) CodeItem(ctx context.Context, id uint) (*model.CodeItem, error) {
	var item model.CodeItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// CountUnclaimed 统计分组剩余卡密数。
func (s *Store) CountUnclaimed(ctx context.Context, groupID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.CodeItem{}).
		Where("group_id = ? AND claimed_by_order_id IS NULL", groupID).
		Count(&n).Error
	return n, err
}

// ImportCodes 批量导入卡密（导入工具和测试用）。
func (s *Store) ImportCodes(ctx context.Context, groupID uint, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	items := make([]model.CodeItem, 0, len(values))
	for _, v := range values {
		items = append(items, model.CodeItem{GroupID: groupID, Value: v})
	}
	return s.db.WithContext(ctx).Create(&items).Error
}
