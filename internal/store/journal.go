package store

import (
	"context"
	"time"

	"fulfillment/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AppendLog 追加一条派发日志。
func (s *Store) AppendLog(ctx context.Context, entry *model.DispatchLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// Logs 按时间顺序返回订单的派发日志。
func (s *Store) Logs(ctx context.Context, orderID string) ([]model.DispatchLog, error) {
	var list []model.DispatchLog
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at, id").
		Find(&list).Error
	return list, err
}

// CountLogs 统计某动作的日志条数。
func (s *Store) CountLogs(ctx context.Context, orderID, action string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.DispatchLog{}).
		Where("order_id = ? AND action = ?", orderID, action).
		Count(&n).Error
	return n, err
}

// EnsureSchedule 首次启动时写入默认周期，已存在则保留运营配置。
func (s *Store) EnsureSchedule(ctx context.Context, name string, interval time.Duration) error {
	row := model.Schedule{TaskName: name, IntervalSeconds: int(interval / time.Second), Enabled: true}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Schedules 读取全部周期任务配置。
func (s *Store) Schedules(ctx context.Context) ([]model.Schedule, error) {
	var list []model.Schedule
	err := s.db.WithContext(ctx).Order("task_name").Find(&list).Error
	return list, err
}

// SetSchedule 修改任务周期（运维调参）。
func (s *Store) SetSchedule(ctx context.Context, name string, interval time.Duration, enabled bool) error {
	row := model.Schedule{TaskName: name, IntervalSeconds: int(interval / time.Second), Enabled: enabled}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"interval_seconds", "enabled", "updated_at"}),
	}).Create(&row).Error
}

// AddOutbox 在调用方事务内写入外发事件；同 (kind, order) 已存在时忽略。
func AddOutbox(tx *gorm.DB, ev *model.OutboxEvent) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ev).Error
}

// PendingOutbox 取待外发事件。
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var list []model.OutboxEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", "pending").
		Order("id").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// MarkOutboxSent 外发成功。
func (s *Store) MarkOutboxSent(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": "sent", "sent_at": at}).Error
}

// MarkOutboxFailed 外发失败，保留 pending 等待下一轮。
func (s *Store) MarkOutboxFailed(ctx context.Context, id uint, reason string) error {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	return s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
}

// OutboxFor 返回订单的外发事件（测试与排查用）。
func (s *Store) OutboxFor(ctx context.Context, orderID string) ([]model.OutboxEvent, error) {
	var list []model.OutboxEvent
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&list).Error
	return list, err
}
