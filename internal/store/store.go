// Package store 是订单存储（唯一事实来源），封装所有 gorm 访问。
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"fulfillment/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrTerminal      = errors.New("order is terminal")
	ErrOutOfStock    = errors.New("code group out of stock")
	ErrNotPending    = errors.New("order is not pending")
	ErrUnknownDriver = errors.New("unknown db driver")

	// ErrSkip 由 Mutate 的回调返回，表示无需写入；Mutate 回滚并返回当前订单。
	ErrSkip = errors.New("skip mutation")
)

// Store 持有 gorm 连接。
type Store struct {
	db *gorm.DB
}

// Open 按驱动名打开数据库。sqlite 只允许单连接，避免 database is locked。
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger(log.New(os.Stdout, "\r\n", log.LstdFlags)),
		// 统一 UTC，sqlite 以字符串比较时间
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if driver == "" || driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// gormLogger 只输出慢查询和真正的错误；查不到记录是正常分支，不打印。
func gormLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// New 包装已打开的连接。
func New(db *gorm.DB) *Store { return &Store{db: db} }

// DB 暴露底层连接（运维工具和测试数据准备用）。
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate 自动建表。
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&model.Tenant{},
		&model.APIToken{},
		&model.TenantPackage{},
		&model.RoutingEntry{},
		&model.ProviderBinding{},
		&model.CodeGroup{},
		&model.CodeItem{},
		&model.Order{},
		&model.DispatchLog{},
		&model.Schedule{},
		&model.OutboxEvent{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateOrder 新订单入库。
func (s *Store) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.db.WithContext(ctx).Create(o).Error
}

// GetOrder 按 id 读取。
func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// Mutate 在事务内加行锁读取订单，fn 修改后整体保存。
// fn 返回错误时回滚，不落任何变更。
func (s *Store) Mutate(ctx context.Context, id string, fn func(tx *gorm.DB, o *model.Order) error) (*model.Order, error) {
	var out model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&out).Error; err != nil {
			return notFound(err)
		}
		if err := fn(tx, &out); err != nil {
			return err
		}
		return tx.Save(&out).Error
	})
	if errors.Is(err, ErrSkip) {
		return &out, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindByExternalID 按 external id 查找（stub 子订单反查等）。
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*model.Order, error) {
	var o model.Order
	if err := s.db.WithContext(ctx).Where("external_order_id = ?", externalID).First(&o).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// ChildrenOf 返回直接子订单。
func (s *Store) ChildrenOf(ctx context.Context, parentID string) ([]model.Order, error) {
	var list []model.Order
	err := s.db.WithContext(ctx).Where("parent_order_id = ?", parentID).Order("created_at").Find(&list).Error
	return list, err
}

// ChildByParent 查找某租户上由 parentID 转发而来的子订单（ingest 去重）。
func (s *Store) ChildByParent(ctx context.Context, tenantID uint, parentID string) (*model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND parent_order_id = ?", tenantID, parentID).
		First(&o).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// ReleaseHeld 解除某个接入上指定原因的 pending 挂起，返回受影响条数。
func (s *Store) ReleaseHeld(ctx context.Context, reason string, bindingID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("status = ? AND hold_reason = ? AND provider_id = ?", model.StatusPending, reason, bindingID).
		Updates(map[string]any{"hold_reason": "", "next_dispatch_at": nil})
	return res.RowsAffected, res.Error
}

// DuePolls 选出需要轮询的 sent 订单。
func (s *Store) DuePolls(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("status = ?", model.StatusSent).
		Where("external_status NOT IN ?", []model.ExternalStatus{model.ExtDelivered, model.ExtFailed}).
		Where("hold_reason = ''").
		Where("(next_poll_at IS NULL OR next_poll_at <= ?)", now).
		Order("next_poll_at").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// DuePending 选出退避到期、或从未失败过但已超过 olderThan 仍在 pending 的订单。
func (s *Store) DuePending(ctx context.Context, now time.Time, olderThan time.Duration, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("status = ?", model.StatusPending).
		Where("mode <> ?", model.ModeManual).
		Where("hold_reason = ''").
		Where("((next_dispatch_at IS NULL AND created_at <= ?) OR next_dispatch_at <= ?)", now.Add(-olderThan), now).
		Order("created_at").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// UnfrozenTerminal 返回终态但尚未冻结汇率的订单，按 id 翻页，after 为上一页最后一个 id。
func (s *Store) UnfrozenTerminal(ctx context.Context, status model.OrderStatus, after string, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("status = ? AND fx_locked = ?", status, false).
		Where("id > ?", after).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
