package model

import (
	"time"
)

// NotificationKind 通知类型标签。
type NotificationKind string

const (
	KindPriceDrop   NotificationKind = "price_drop"   // 降价聚合通知
	KindSheetUpdate NotificationKind = "sheet_update" // 表格数据更新
	KindSystem      NotificationKind = "system"       // 系统消息
)

// Notification 表示一条持久化通知。
//
// 一条 price_drop 通知可能聚合了去重窗口内同一供应商的多次降价事件：
// AggregateCount 记录被折叠的事件数，只增不减。CreatedAt 在合并时保持
// 不变（用于稳定的 FIFO 展示顺序），UpdatedAt 跟随最近一次合并。
type Notification struct {
	ID        uint      `gorm:"primaryKey"` // 单调递增主键
	CreatedAt time.Time `gorm:"index:idx_notifications_cursor,priority:1"`
	UpdatedAt time.Time

	Kind           NotificationKind `gorm:"type:varchar(32);index;not null"` // price_drop / sheet_update / system
	SupplierName   *string          `gorm:"type:varchar(191);index"`         // 聚合键（system 通知为空）
	Payload        string           `gorm:"type:json"`                       // 类型对应的载荷（JSON）
	AggregateCount int              `gorm:"default:1"`                       // 折叠的事件数 (>= 1)
	ExpiresAt      *time.Time       // 软过期时间（为空表示不过期）
}

// NotificationRead 通知-用户已读关联表。
//
// 已读状态按用户独立（多个管理员互不影响），因此用关联表而非记录上的布尔位。
type NotificationRead struct {
	NotificationID uint `gorm:"primaryKey"`
	UserID         uint `gorm:"primaryKey"`

	ReadAt time.Time
}

// User 表示系统用户（由外部登录服务创建，这里只读）。
type User struct {
	ID        uint      `gorm:"primaryKey"` // 用户 ID
	Email     string    `gorm:"type:varchar(191);uniqueIndex"`
	Role      string    `gorm:"type:varchar(16);default:admin"` // 角色: admin / user
	CreatedAt time.Time
}
