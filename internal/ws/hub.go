package ws

import (
	"log/slog"
	"sync"
	"time"

	"pricewatch/internal/pkg/metrics"
)

// 两个逻辑频道：表格更新（按供应商粒度）与降价通知计数（全局）。
const (
	ChannelSheetUpdate            = "sheetUpdate"
	ChannelPriceDropNotifications = "priceDropNotifications"
)

// Message 推送给客户端的消息。频道内的顺序即单一生产者产生的顺序；
// 跨频道不保证顺序。
type Message struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Stats 连接层的运行状态（admin 展示用）。
type Stats struct {
	Connected       bool
	ConnectionCount int
	LastMessageAt   time.Time
	Uptime          time.Duration
}

// PresenceHook 把连接生命周期透传给在线状态跟踪器。
type PresenceHook interface {
	OnConnect(userID uint, socketID string)
	OnDisconnect(socketID string)
}

// Hub 管理所有在线连接并向订阅者分发消息。
//
// 投递是 at-most-once：发送缓冲塞不进去就丢弃该条消息，连续丢弃
// 到达上限后断开该连接。Hub 永远不会被慢消费者阻塞。
type Hub struct {
	logger   *slog.Logger
	presence PresenceHook // 可以为 nil

	mu            sync.RWMutex
	clients       map[string]*Client
	lastMessageAt time.Time
	startedAt     time.Time
}

// NewHub 创建连接中心。presence 可以为 nil。
func NewHub(logger *slog.Logger, presence PresenceHook) *Hub {
	return &Hub{
		logger:    logger,
		presence:  presence,
		clients:   make(map[string]*Client),
		startedAt: time.Now(),
	}
}

// Register 登记一条新连接并通知在线跟踪器。
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	if h.presence != nil {
		h.presence.OnConnect(c.UserID, c.ID)
	}
	h.logger.Info("websocket client connected",
		slog.String("socket_id", c.ID),
		slog.Uint64("user_id", uint64(c.UserID)),
		slog.Int("total_clients", total))
}

// Unregister 注销连接。未知 socket id 是 no-op（断开可能与进程重启竞争）。
func (h *Hub) Unregister(socketID string) {
	h.mu.Lock()
	c, ok := h.clients[socketID]
	if ok {
		delete(h.clients, socketID)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	metrics.WSConnections.Dec()
	if h.presence != nil {
		h.presence.OnDisconnect(socketID)
	}
	h.logger.Info("websocket client disconnected",
		slog.String("socket_id", socketID),
		slog.Int("total_clients", total))
}

// Subscribe 为连接订阅若干频道。
func (h *Hub) Subscribe(socketID string, channels []string) {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.subscribe(channels)
}

// Unsubscribe 取消连接的全部订阅。
func (h *Hub) Unsubscribe(socketID string) {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.unsubscribeAll()
}

// Publish 向频道的所有订阅者投递一条消息，尽力而为。
func (h *Hub) Publish(channel string, data any) {
	msg := Message{Channel: channel, Data: data}

	h.mu.Lock()
	h.lastMessageAt = time.Now()
	var evict []*Client
	for _, c := range h.clients {
		if !c.subscribed(channel) {
			continue
		}
		select {
		case c.send <- msg:
			c.strikes = 0
		default:
			// 缓冲已满：丢弃本条，累计后踢掉慢消费者
			c.strikes++
			metrics.BroadcastDroppedTotal.Inc()
			if c.strikes >= maxDropStrikes {
				evict = append(evict, c)
			}
		}
	}
	for _, c := range evict {
		delete(h.clients, c.ID)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range evict {
		metrics.WSConnections.Dec()
		if h.presence != nil {
			h.presence.OnDisconnect(c.ID)
		}
		_ = c.conn.Close()
		h.logger.Warn("slow websocket client evicted",
			slog.String("socket_id", c.ID),
			slog.String("channel", channel))
	}
}

// Stats 返回连接层状态快照。
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		Connected:       len(h.clients) > 0,
		ConnectionCount: len(h.clients),
		LastMessageAt:   h.lastMessageAt,
		Uptime:          time.Since(h.startedAt),
	}
}

// Close 关闭所有连接（进程退出时调用）。
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		_ = c.conn.Close()
		metrics.WSConnections.Dec()
		if h.presence != nil {
			h.presence.OnDisconnect(c.ID)
		}
	}
}
