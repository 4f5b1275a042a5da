package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const heartbeatHashKey = "presence:heartbeats"

// Entry 某个用户的在线视图，按查询即时拼装，不落库。
type Entry struct {
	UserID         uint      `json:"userId"`
	IPAddress      string    `json:"ipAddress"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	SocketIDs      []string  `json:"socketIds"`
	IsAdmin        bool      `json:"isAdmin"`
}

// Snapshot 某一时刻的在线用户全景。
type Snapshot struct {
	OnlineUsers   []Entry `json:"onlineUsers"`
	TotalOnline   int     `json:"totalOnline"`
	WSConnections int     `json:"wsConnections"`
}

// heartbeatRecord Redis 中存储的心跳载荷。
type heartbeatRecord struct {
	IPAddress    string `json:"ip"`
	LastActivity int64  `json:"last_activity"` // Unix 毫秒
	IsAdmin      bool   `json:"is_admin"`
}

// Tracker 把两路独立信号拼成统一的“谁在线”视图。
//
// 心跳写在 Redis（跨进程重启存活），socket 注册表在内存（进程重启即空）。
// 两路信号各有各的写者，只在 Snapshot 读取时做一次按用户的集合并集；
// 不存在合并后的持久对象。
type Tracker struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu      sync.RWMutex
	sockets map[string]uint // socketID -> userID
}

// NewTracker 创建在线状态跟踪器。
func NewTracker(rdb *redis.Client, logger *slog.Logger) *Tracker {
	return &Tracker{
		rdb:     rdb,
		logger:  logger,
		sockets: make(map[string]uint),
	}
}

// OnConnect 登记一条 socket 连接。
func (t *Tracker) OnConnect(userID uint, socketID string) {
	t.mu.Lock()
	t.sockets[socketID] = userID
	t.mu.Unlock()
}

// OnDisconnect 注销一条 socket 连接。未知 socketID 是 no-op：
// 断开事件可能与进程重启竞争。
func (t *Tracker) OnDisconnect(socketID string) {
	t.mu.Lock()
	delete(t.sockets, socketID)
	t.mu.Unlock()
}

// Heartbeat 记录一次持久心跳（任何已认证请求都会触发）。
func (t *Tracker) Heartbeat(ctx context.Context, userID uint, ipAddress string, isAdmin bool) error {
	rec := heartbeatRecord{
		IPAddress:    ipAddress,
		LastActivity: time.Now().UnixMilli(),
		IsAdmin:      isAdmin,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	field := strconv.FormatUint(uint64(userID), 10)
	if err := t.rdb.HSet(ctx, heartbeatHashKey, field, string(data)).Err(); err != nil {
		return fmt.Errorf("store heartbeat: %w", err)
	}
	return nil
}

// Snapshot 读取时合并两路信号。
//
// totalOnline 是两路信号中用户 ID 的并集大小：同一用户开三个标签页
// （三个 socket）只算一次；socket 注册表为空（刚重启）时，计数退回
// 心跳信号而不是错误地报 0。窗口外的心跳字段顺手清掉。
func (t *Tracker) Snapshot(ctx context.Context, window time.Duration) (*Snapshot, error) {
	if window <= 0 {
		window = 30 * time.Minute
	}
	cutoff := time.Now().Add(-window)

	raw, err := t.rdb.HGetAll(ctx, heartbeatHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load heartbeats: %w", err)
	}

	users := make(map[uint]*Entry)
	var stale []string
	for field, val := range raw {
		uid64, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			stale = append(stale, field)
			continue
		}
		var rec heartbeatRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			stale = append(stale, field)
			continue
		}
		at := time.UnixMilli(rec.LastActivity)
		if at.Before(cutoff) {
			stale = append(stale, field)
			continue
		}
		users[uint(uid64)] = &Entry{
			UserID:         uint(uid64),
			IPAddress:      rec.IPAddress,
			LastActivityAt: at,
			IsAdmin:        rec.IsAdmin,
		}
	}

	t.mu.RLock()
	wsConnections := len(t.sockets)
	for socketID, userID := range t.sockets {
		e, ok := users[userID]
		if !ok {
			e = &Entry{UserID: userID}
			users[userID] = e
		}
		e.SocketIDs = append(e.SocketIDs, socketID)
	}
	t.mu.RUnlock()

	if len(stale) > 0 {
		if err := t.rdb.HDel(ctx, heartbeatHashKey, stale...).Err(); err != nil {
			t.logger.Warn("evict stale heartbeats failed", slog.String("error", err.Error()))
		}
	}

	out := &Snapshot{
		OnlineUsers:   make([]Entry, 0, len(users)),
		TotalOnline:   len(users),
		WSConnections: wsConnections,
	}
	for _, e := range users {
		sort.Strings(e.SocketIDs)
		out.OnlineUsers = append(out.OnlineUsers, *e)
	}
	sort.Slice(out.OnlineUsers, func(i, j int) bool {
		return out.OnlineUsers[i].UserID < out.OnlineUsers[j].UserID
	})
	return out, nil
}
