package model

import "time"

// CodeGroup 预置卡密分组。
type CodeGroup struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	TenantID  uint      `gorm:"not null;index" json:"tenant_id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
}

func (CodeGroup) TableName() string { return "code_groups" }

// CodeItem 一条卡密，只能被一个订单认领一次。
type CodeItem struct {
	ID               uint       `gorm:"primarykey" json:"id"`
	CreatedAt        time.Time  `json:"created_at"`
	GroupID          uint       `gorm:"not null;index;index:idx_code_items_unclaimed,where:claimed_by_order_id IS NULL" json:"group_id"`
	Value            string     `gorm:"size:512;not null" json:"-"`
	ClaimedByOrderID *string    `gorm:"size:36;uniqueIndex" json:"claimed_by_order_id,omitempty"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
}

func (CodeItem) TableName() string { return "code_items" }
