package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// 派发日志动作。
const (
	ActionDispatch  = "dispatch"
	ActionPoll      = "poll"
	ActionForward   = "forward"
	ActionFinalize  = "finalize"
	ActionLoopBreak = "loop-break"
	ActionIngest    = "ingest"
	ActionCancel    = "cancel"
)

// DispatchLog 只追加，不截断（运维工具除外）。
type DispatchLog struct {
	ID            uint      `gorm:"primarykey" json:"id"`
	OrderID       string    `gorm:"size:36;not null;index:idx_dispatch_logs_order_time,priority:1" json:"order_id"`
	CreatedAt     time.Time `gorm:"index:idx_dispatch_logs_order_time,priority:2" json:"created_at"`
	Action        string    `gorm:"size:16;not null" json:"action"`
	Outcome       string    `gorm:"size:32;not null" json:"outcome"`
	Attempt       int       `gorm:"not null;default:0" json:"attempt"`
	PayloadDigest string    `gorm:"size:64" json:"payload_digest"`
	Detail        string    `gorm:"size:512" json:"detail,omitempty"`
}

func (DispatchLog) TableName() string { return "dispatch_logs" }

// Digest 对负载做摘要，日志里不落明文。
func Digest(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}

// Schedule 周期任务配置，Task Runner 是唯一读取方。
type Schedule struct {
	TaskName        string    `gorm:"primaryKey;size:64" json:"task_name"`
	IntervalSeconds int       `gorm:"not null" json:"interval_seconds"`
	Enabled         bool      `gorm:"not null;default:true" json:"enabled"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Schedule) TableName() string { return "schedules" }

// 外发事件类型。
const (
	OutboxWallet    = "wallet"
	OutboxPropagate = "propagate"
)

// OutboxEvent 与终态冻结同事务写入，Relay 异步外发。
type OutboxEvent struct {
	ID        uint       `gorm:"primarykey" json:"id"`
	CreatedAt time.Time  `gorm:"index" json:"created_at"`
	Kind      string     `gorm:"size:16;not null;uniqueIndex:idx_outbox_kind_order,priority:1" json:"kind"`
	OrderID   string     `gorm:"size:36;not null;uniqueIndex:idx_outbox_kind_order,priority:2" json:"order_id"`
	Payload   string     `gorm:"type:text;not null" json:"payload"`
	Status    string     `gorm:"size:16;not null;default:pending;index" json:"status"` // pending / sent
	Attempts  int        `gorm:"not null;default:0" json:"attempts"`
	LastError string     `gorm:"size:255" json:"last_error,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }
