package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pricewatch/internal/model"
)

// ErrNotFound 目标通知不存在。
var ErrNotFound = errors.New("notification not found")

// defaultPageSize 游标分页的默认与最大页大小。
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// NotificationStore 通知的持久层。写入路径由单一的同步循环驱动，
// 读取路径来自 HTTP 接口。
type NotificationStore struct {
	db *gorm.DB
}

// NewNotificationStore 创建通知存储。
func NewNotificationStore(db *gorm.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// AppendPriceDrop 持久化一条降价通知。
func (s *NotificationStore) AppendPriceDrop(ctx context.Context, payload model.PriceDropPayload) (*model.Notification, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	n := &model.Notification{
		Kind:           model.KindPriceDrop,
		SupplierName:   &payload.SupplierName,
		Payload:        string(data),
		AggregateCount: 1,
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return n, nil
}

// AppendSheetUpdate 持久化一条表格更新通知。
func (s *NotificationStore) AppendSheetUpdate(ctx context.Context, payload model.SheetUpdatePayload) (*model.Notification, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	n := &model.Notification{
		Kind:           model.KindSheetUpdate,
		SupplierName:   &payload.SupplierName,
		Payload:        string(data),
		AggregateCount: 1,
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return n, nil
}

// AppendSystem 持久化一条系统通知，expiresAt 可为 nil（永不过期）。
func (s *NotificationStore) AppendSystem(ctx context.Context, payload model.SystemPayload, expiresAt *time.Time) (*model.Notification, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	n := &model.Notification{
		Kind:           model.KindSystem,
		Payload:        string(data),
		AggregateCount: 1,
		ExpiresAt:      expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return n, nil
}

// Merge 把去重窗口内的重复事件并进已有通知：计数 +1，UpdatedAt 前移，
// CreatedAt 保持首次出现的时间，这样分页游标不会因为合并而漂移。
func (s *NotificationStore) Merge(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"aggregate_count": gorm.Expr("aggregate_count + 1"),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("merge notification %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRead 给某个查看者标记单条已读。重复标记是 no-op。
func (s *NotificationStore) MarkRead(ctx context.Context, notificationID, userID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ?", notificationID).Count(&count).Error; err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	read := model.NotificationRead{
		NotificationID: notificationID,
		UserID:         userID,
		ReadAt:         time.Now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&read).Error
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead 把当前所有未读通知对某个查看者标记为已读。
func (s *NotificationStore) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id NOT IN (?)",
			s.db.Model(&model.NotificationRead{}).Select("notification_id").Where("user_id = ?", userID)).
		Where(s.db.Where("expires_at IS NULL").Or("expires_at > ?", time.Now())).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("list unread: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now()
	reads := make([]model.NotificationRead, 0, len(ids))
	for _, id := range ids {
		reads = append(reads, model.NotificationRead{NotificationID: id, UserID: userID, ReadAt: now})
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&reads)
	if res.Error != nil {
		return 0, fmt.Errorf("mark all read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UnreadCount 某个查看者的未读数，过期通知不计入。
func (s *NotificationStore) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id NOT IN (?)",
			s.db.Model(&model.NotificationRead{}).Select("notification_id").Where("user_id = ?", userID)).
		Where(s.db.Where("expires_at IS NULL").Or("expires_at > ?", time.Now())).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ListOptions 通知列表查询参数。
type ListOptions struct {
	Kind     model.NotificationKind // 空值表示全部
	Cursor   string                 // 上一页返回的 nextCursor
	PageSize int
	UserID   uint // 查看者，用于标注 read 字段
}

// Item 列表中的一条通知及其针对查看者的已读状态。
type Item struct {
	model.Notification
	Read bool `json:"read"`
}

// Page 一页通知。NextCursor 为空表示没有更多。
type Page struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// cursor 按 (created_at, id) 双键定位，避免 OFFSET 在高频写入下漂移。
type cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        uint      `json:"i"`
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return c, fmt.Errorf("decode cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse cursor: %w", err)
	}
	return c, nil
}

// List 按创建时间倒序返回一页通知。
func (s *NotificationStore) List(ctx context.Context, opts ListOptions) (*Page, error) {
	size := opts.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	q := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where(s.db.Where("expires_at IS NULL").Or("expires_at > ?", time.Now()))
	if opts.Kind != "" {
		q = q.Where("kind = ?", opts.Kind)
	}
	if opts.Cursor != "" {
		c, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", c.CreatedAt, c.CreatedAt, c.ID)
	}

	var rows []model.Notification
	// 多取一条用来判断是否还有下一页。
	if err := q.Order("created_at DESC, id DESC").Limit(size + 1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	hasMore := len(rows) > size
	if hasMore {
		rows = rows[:size]
	}

	readSet := make(map[uint]bool)
	if opts.UserID != 0 && len(rows) > 0 {
		ids := make([]uint, 0, len(rows))
		for _, n := range rows {
			ids = append(ids, n.ID)
		}
		var readIDs []uint
		err := s.db.WithContext(ctx).Model(&model.NotificationRead{}).
			Where("user_id = ? AND notification_id IN ?", opts.UserID, ids).
			Pluck("notification_id", &readIDs).Error
		if err != nil {
			return nil, fmt.Errorf("load read state: %w", err)
		}
		for _, id := range readIDs {
			readSet[id] = true
		}
	}

	page := &Page{Items: make([]Item, 0, len(rows))}
	for _, n := range rows {
		page.Items = append(page.Items, Item{Notification: n, Read: readSet[n.ID]})
	}
	if hasMore {
		last := rows[len(rows)-1]
		page.NextCursor = encodeCursor(cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// Delete 管理端硬删除一条通知，连带清掉已读记录。
func (s *NotificationStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&model.Notification{})
		if res.Error != nil {
			return fmt.Errorf("delete notification: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("notification_id = ?", id).Delete(&model.NotificationRead{}).Error; err != nil {
			return fmt.Errorf("delete read records: %w", err)
		}
		return nil
	})
}

// PurgeExpired 清理已过期的系统通知，返回删除数量。
func (s *NotificationStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now()).
		Delete(&model.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}
