package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderStatus 描述订单生命周期：pending → sent → approved/rejected。
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"  // 已入库，等待派发
	StatusSent     OrderStatus = "sent"     // 已交给上游/下游租户，等待结果
	StatusApproved OrderStatus = "approved" // 终态：已交付
	StatusRejected OrderStatus = "rejected" // 终态：已拒绝
)

// Terminal 终态不可再变更（幂等的状态传播写除外）。
func (s OrderStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// OrderMode 派发方式。
type OrderMode string

const (
	ModeAuto         OrderMode = "auto"
	ModeManual       OrderMode = "manual"
	ModeChainForward OrderMode = "chain-forward"
)

// ExternalStatus 是各路由归一化后的上游状态。
type ExternalStatus string

const (
	ExtAccepted   ExternalStatus = "accepted"
	ExtInProgress ExternalStatus = "in-progress"
	ExtDelivered  ExternalStatus = "delivered"
	ExtFailed     ExternalStatus = "failed"
	ExtUnknown    ExternalStatus = "unknown"
)

// StubPrefix 标记指向本平台下游租户子订单的 external id。
const StubPrefix = "stub-"

// CodePrefix 标记本地库存交付的 external id（code:<row-id>）。
const CodePrefix = "code:"

// MaxNotes 订单备注上限，超出后丢弃最旧的。
const MaxNotes = 50

// Note 是订单上的一条审计备注。
type Note struct {
	At    time.Time `json:"at"`
	Actor string    `json:"actor"` // system / provider / operator / loop-guard
	Text  string    `json:"text"`
}

// Order 履约订单，引擎只修改，不删除。
type Order struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Code      string    `gorm:"size:16;index" json:"code"`
	CreatedAt time.Time `gorm:"index:idx_orders_tenant_status_created,priority:3" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID       uint            `gorm:"not null;index:idx_orders_tenant_status_created,priority:1;uniqueIndex:idx_orders_tenant_parent,priority:1" json:"tenant_id"`
	UserID         uint            `gorm:"not null;index" json:"user_id"`
	PackageID      uint            `gorm:"not null" json:"package_id"`
	ProductID      uint            `gorm:"not null" json:"product_id"`
	Quantity       int             `gorm:"not null;default:1" json:"quantity"`
	UserIdentifier string          `gorm:"size:255" json:"user_identifier"`
	SellAmount     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"sell_amount"`
	SellCurrency   string          `gorm:"size:8;not null" json:"sell_currency"`
	CostAmount     decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"cost_amount"`
	CostCurrency   string          `gorm:"size:8" json:"cost_currency"`

	Mode            OrderMode      `gorm:"size:16;not null;default:auto" json:"mode"`
	ProviderID      *uint          `gorm:"uniqueIndex:idx_orders_provider_external,priority:1" json:"provider_id,omitempty"`
	ExternalOrderID *string        `gorm:"size:128;uniqueIndex:idx_orders_provider_external,priority:2;index" json:"external_order_id,omitempty"`
	ExternalStatus  ExternalStatus `gorm:"size:16" json:"external_status"`

	RootOrderID   string                      `gorm:"size:36;index;not null" json:"root_order_id"`
	ParentOrderID *string                     `gorm:"size:36;uniqueIndex:idx_orders_tenant_parent,priority:2" json:"parent_order_id,omitempty"`
	ChainPath     datatypes.JSONSlice[string] `json:"chain_path"`

	Status     OrderStatus `gorm:"size:16;not null;index:idx_orders_tenant_status_created,priority:2" json:"status"`
	Reason     string      `gorm:"size:128" json:"reason,omitempty"`
	SentAt     *time.Time  `json:"sent_at,omitempty"`
	ApprovedAt *time.Time  `json:"approved_at,omitempty"`
	RejectedAt *time.Time  `json:"rejected_at,omitempty"`

	// 终态冻结：fx_locked=true 后以下字段不可变。
	FXLocked         bool                `gorm:"not null;default:false;index" json:"fx_locked"`
	FXUSDRate        decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"fx_usd_rate"`
	ReportCurrency   string              `gorm:"size:8" json:"report_currency,omitempty"`
	CostAtFinalize   decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"cost_at_finalize"`
	SellAtFinalize   decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"sell_at_finalize"`
	ProfitAtFinalize decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"profit_at_finalize"`

	// 派发重试状态
	// DispatchAttempts 只增不减，参与幂等键；RetryBase 为上次运营重试时的序号，重试预算从它起算。
	DispatchAttempts int        `gorm:"not null;default:0" json:"dispatch_attempts"`
	RetryBase        int        `gorm:"not null;default:0" json:"retry_base"`
	InvalidResponses int        `gorm:"not null;default:0" json:"invalid_responses"`
	NextDispatchAt   *time.Time `gorm:"index" json:"next_dispatch_at,omitempty"`
	HoldReason       string     `gorm:"size:32" json:"hold_reason,omitempty"`

	// 轮询状态
	LastPollAt   *time.Time `json:"last_poll_at,omitempty"`
	NextPollAt   *time.Time `gorm:"index" json:"next_poll_at,omitempty"`
	PollFailures int        `gorm:"not null;default:0" json:"poll_failures"`
	Stale        bool       `gorm:"not null;default:false" json:"stale"`

	DeliveredPayload string                    `gorm:"type:text" json:"delivered_payload,omitempty"`
	Notes            datatypes.JSONSlice[Note] `json:"notes"`
}

func (Order) TableName() string { return "orders" }

// ShortCode 取 id 尾部 8 位作为人类可读编号。
func ShortCode(id string) string {
	s := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return s
}

// AddNote 追加备注并保持上限。
func (o *Order) AddNote(actor, text string, at time.Time) {
	o.Notes = append(o.Notes, Note{At: at, Actor: actor, Text: text})
	if len(o.Notes) > MaxNotes {
		o.Notes = append(datatypes.JSONSlice[Note]{}, o.Notes[len(o.Notes)-MaxNotes:]...)
	}
}

// IsOrigin 链路起点订单的 root 指向自身。
func (o *Order) IsOrigin() bool {
	return o.ParentOrderID == nil
}

// ExternalID 返回 external_order_id（未设置时为空串）。
func (o *Order) ExternalID() string {
	if o.ExternalOrderID == nil {
		return ""
	}
	return *o.ExternalOrderID
}

// InChain 判断租户名是否已出现在 chain_path 中。
func (o *Order) InChain(name string) bool {
	for _, n := range o.ChainPath {
		if n == name {
			return true
		}
	}
	return false
}
