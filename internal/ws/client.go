package ws

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait 单次写入预算，超过即视为慢消费者
	writeWait = 200 * time.Millisecond

	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	sendBufferSize = 32
	maxDropStrikes = 3
)

// Conn 抽象底层 websocket 连接（*websocket.Conn 直接满足）。
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client 一条在线连接。
type Client struct {
	ID     string
	UserID uint

	hub  *Hub
	conn Conn
	send chan Message

	// strikes 由 hub.mu 保护（只在 Publish 中读写）
	strikes int

	// subs 由 hub.mu 保护：订阅变更和投递都在 hub 的锁下进行
	subs map[string]bool
}

// NewClient 创建连接对象。新连接默认订阅两个频道，
// 客户端可通过控制消息收窄。
func NewClient(hub *Hub, conn Conn, userID uint) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		subs: map[string]bool{
			ChannelSheetUpdate:            true,
			ChannelPriceDropNotifications: true,
		},
	}
}

func (c *Client) subscribe(channels []string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	c.subs = make(map[string]bool, len(channels))
	for _, ch := range channels {
		c.subs[ch] = true
	}
}

func (c *Client) unsubscribeAll() {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	c.subs = map[string]bool{}
}

// subscribed 只能在持有 hub.mu 时调用。
func (c *Client) subscribed(channel string) bool {
	return c.subs[channel]
}

// controlMessage 客户端发来的订阅控制消息。
type controlMessage struct {
	Action   string   `json:"action"` // subscribe / unsubscribe
	Channels []string `json:"channels"`
}

// ReadPump 消费客户端上行消息（订阅控制与 pong）。
// 连接断开时负责注销。
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c.ID)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ctrl controlMessage
		if err := c.conn.ReadJSON(&ctrl); err != nil {
			return
		}
		switch ctrl.Action {
		case "subscribe":
			c.subscribe(ctrl.Channels)
		case "unsubscribe":
			c.unsubscribeAll()
		}
	}
}

// WritePump 串行化对连接的全部写入，并维持 ping 心跳。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// hub 已将连接注销
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.Unregister(c.ID)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Unregister(c.ID)
				return
			}
		}
	}
}
