package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pricewatch/internal/api/middleware"
	"pricewatch/internal/config"
	"pricewatch/internal/model"
	"pricewatch/internal/pkg/dedup"
	"pricewatch/internal/pkg/metrics"
	"pricewatch/internal/pkg/notify"
	"pricewatch/internal/pkg/ratelimit"
	"pricewatch/internal/poller"
	"pricewatch/internal/presence"
	"pricewatch/internal/sheet"
	"pricewatch/internal/store"
	"pricewatch/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、同步轮询器、WebSocket Hub
// 以及 Gin 路由引擎。
type Server struct {
	cfg           *config.Config
	logger        *slog.Logger
	db            *gorm.DB
	rdb           *redis.Client
	router        *gin.Engine
	hub           *ws.Hub
	poller        *poller.Poller
	sync          SyncController
	notifications NotificationStore
	presence      PresenceSource
	upgrader      websocket.Upgrader
}

// NotificationStore 通知的读写操作，接口化便于测试替换。
type NotificationStore interface {
	List(ctx context.Context, opts store.ListOptions) (*store.Page, error)
	MarkRead(ctx context.Context, notificationID, userID uint) error
	MarkAllRead(ctx context.Context, userID uint) (int64, error)
	UnreadCount(ctx context.Context, userID uint) (int64, error)
	AppendSystem(ctx context.Context, payload model.SystemPayload, expiresAt *time.Time) (*model.Notification, error)
	Delete(ctx context.Context, id uint) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// SyncController 同步轮询器的控制面。
type SyncController interface {
	Status() poller.State
	BusinessHours() (start, end string)
	ForceSync(ctx context.Context) (poller.Summary, error)
}

// PresenceSource 在线心跳的写入与在线用户视图。
type PresenceSource interface {
	Heartbeat(ctx context.Context, userID uint, ipAddress string, isAdmin bool) error
	Snapshot(ctx context.Context, window time.Duration) (*presence.Snapshot, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 组装同步管线（价格源 → 比对 → 去重 → 落库 → 推送）
// 4. 初始化 Gin 路由引擎
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.Notification{}, &model.NotificationRead{}, &model.User{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	emailNotifier := notify.NewEmailNotifier(&cfg.Email, logger)
	tracker := presence.NewTracker(rdb, logger)
	hub := ws.NewHub(logger, tracker)
	notifications := store.NewNotificationStore(db)

	epsilon, err := decimal.NewFromString(cfg.Sync.PriceEpsilon)
	if err != nil {
		return nil, fmt.Errorf("invalid price_epsilon %q: %w", cfg.Sync.PriceEpsilon, err)
	}

	limiter := ratelimit.New(rdb, logger, "pricewatch:ratelimit:sheet", cfg.Sheet.RatePerSec, cfg.Sheet.RateBurst)
	source := sheet.NewLimitedSource(
		sheet.NewHTTPSource(cfg.Sheet.URL, cfg.Sheet.AuthToken, cfg.Sheet.FetchTimeout),
		limiter,
	)
	window := dedup.NewWindow(cfg.Sync.DedupWindow)

	pol, err := poller.NewPoller(poller.Config{
		FastInterval:       cfg.Sync.FastInterval,
		SlowInterval:       cfg.Sync.SlowInterval,
		BusinessHoursStart: cfg.Sync.BusinessHoursStart,
		BusinessHoursEnd:   cfg.Sync.BusinessHoursEnd,
		Epsilon:            epsilon,
		MaxBackoffFactor:   cfg.Sync.MaxBackoffFactor,
		EmailDropPercent:   cfg.Sync.EmailDropPercent,
	}, source, window, notifications, hub, emailNotifier, logger)
	if err != nil {
		return nil, err
	}

	// 初始化 Prometheus 指标
	metrics.InitMetrics()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		rdb:           rdb,
		router:        r,
		hub:           hub,
		poller:        pol,
		sync:          pol,
		notifications: notifications,
		presence:      tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 跨域校验交给网关层。
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s, nil
}

// StartSync 启动同步轮询循环与过期通知清理。
// HTTP 监听由调用方（cmd/api）负责，这里只管后台任务。
func (s *Server) StartSync(ctx context.Context) {
	s.poller.Start(ctx)
	if s.cfg.Sync.PurgeInterval > 0 {
		go s.purgeLoop(ctx, s.cfg.Sync.PurgeInterval)
	}
}

// purgeLoop 周期性清掉软过期的通知，ctx 取消时退出。
func (s *Server) purgeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.notifications.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("purge expired notifications failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.Info("expired notifications purged", slog.Int64("count", n))
			}
		}
	}
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 停掉轮询器、断开所有连接并关闭数据库与缓存。
func (s *Server) Close() error {
	if s.poller != nil {
		s.poller.Stop()
	}
	if s.hub != nil {
		s.hub.Close()
	}

	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.Use(middleware.PresenceHeartbeat(s.presence, s.logger))
	authed.GET("/ws", s.handleWebSocket)
	authed.GET("/api/notifications/unread-count", s.handleUnreadCount)
	authed.GET("/api/notifications/price-drops", s.handleListPriceDrops)
	authed.PATCH("/api/notifications/price-drops/:id/read", s.handleMarkRead)
	authed.POST("/api/notifications/read-all", s.handleMarkAllRead)

	admin := authed.Group("/")
	admin.Use(middleware.RequireAdmin())
	admin.GET("/api/realtime-admin/status", s.handleSyncStatus)
	admin.GET("/api/realtime-admin/websocket-status", s.handleWebSocketStatus)
	admin.POST("/api/realtime-admin/force-sync", s.handleForceSync)
	admin.POST("/api/realtime-admin/test-notification", s.handleTestNotification)
	admin.POST("/api/realtime-admin/announcements", s.handleCreateAnnouncement)
	admin.DELETE("/api/realtime-admin/notifications/:id", s.handleDeleteNotification)
	admin.GET("/api/admin/users/online", s.handleOnlineUsers)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSyncStatus 返回同步调度的实时状态。
//
// GET /api/realtime-admin/status
func (s *Server) handleSyncStatus(c *gin.Context) {
	st := s.sync.Status()
	start, end := s.sync.BusinessHours()

	c.JSON(http.StatusOK, gin.H{
		"isRunning":            st.IsRunning,
		"isBusinessHours":      st.IsBusinessHours,
		"lastSync":             formatTime(st.LastSyncAt),
		"syncInterval":         st.CurrentPollInterval.Milliseconds(),
		"currentPollFrequency": st.CurrentPollInterval.String(),
		"businessHoursConfig":  gin.H{"start": start, "end": end},
		"stats": gin.H{
			"totalSyncs":       st.TotalSyncs,
			"lastSyncDuration": st.LastSyncDuration.Milliseconds(),
			"averageSyncTime":  st.AverageSyncDuration.Milliseconds(),
		},
		"consecutiveFailures": st.ConsecutiveFailures,
		"lastError":           st.LastError,
	})
}

// handleWebSocketStatus 返回推送通道的连接状况。
//
// GET /api/realtime-admin/websocket-status
func (s *Server) handleWebSocketStatus(c *gin.Context) {
	stats := s.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"connected":       stats.Connected,
		"connectionCount": stats.ConnectionCount,
		"lastMessage":     formatTime(stats.LastMessageAt),
		"uptime":          int64(stats.Uptime.Seconds()),
	})
}

// handleForceSync 立即触发一次同步，绕过调度间隔。
//
// POST /api/realtime-admin/force-sync
func (s *Server) handleForceSync(c *gin.Context) {
	summary, err := s.sync.ForceSync(c.Request.Context())
	if err != nil {
		if errors.Is(err, poller.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
			return
		}
		s.logger.Error("force sync failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": summary})
}

// testNotificationRequest 测试推送的请求参数。
type testNotificationRequest struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// handleTestNotification 向指定频道广播一条测试消息，不落库。
//
// POST /api/realtime-admin/test-notification
func (s *Server) handleTestNotification(c *gin.Context) {
	// 请求体可为空，全部字段走默认值。
	var req testNotificationRequest
	_ = c.ShouldBindJSON(&req)

	var channel string
	switch req.Type {
	case "", string(model.KindPriceDrop):
		channel = ws.ChannelPriceDropNotifications
	case string(model.KindSheetUpdate):
		channel = ws.ChannelSheetUpdate
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown notification type"})
		return
	}
	title := req.Title
	if title == "" {
		title = "测试通知"
	}

	s.hub.Publish(channel, gin.H{
		"test":        true,
		"title":       title,
		"description": req.Description,
		"sentAt":      time.Now().Format(time.RFC3339),
	})
	c.JSON(http.StatusOK, gin.H{"sent": true, "channel": channel})
}

// announcementRequest 系统公告的请求参数。
type announcementRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	TTLHours    int    `json:"ttl_hours"` // 0 表示永不过期
}

// handleCreateAnnouncement 管理端发布一条系统公告。
//
// 公告落库为 system 类型的通知，带 TTL 的公告过期后由清理任务删除。
//
// POST /api/realtime-admin/announcements
func (s *Server) handleCreateAnnouncement(c *gin.Context) {
	var req announcementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	var expiresAt *time.Time
	if req.TTLHours > 0 {
		t := time.Now().Add(time.Duration(req.TTLHours) * time.Hour)
		expiresAt = &t
	}

	n, err := s.notifications.AppendSystem(c.Request.Context(), model.SystemPayload{
		Title:       req.Title,
		Description: req.Description,
	}, expiresAt)
	if err != nil {
		s.logger.Error("create announcement failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": n.ID})
}

// handleDeleteNotification 管理端删除一条通知。
//
// DELETE /api/realtime-admin/notifications/:id
func (s *Server) handleDeleteNotification(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	if err := s.notifications.Delete(c.Request.Context(), uint(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		s.logger.Error("delete notification failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleOnlineUsers 返回当前在线用户视图。
//
// GET /api/admin/users/online
func (s *Server) handleOnlineUsers(c *gin.Context) {
	window := s.cfg.App.PresenceWindow
	snap, err := s.presence.Snapshot(c.Request.Context(), window)
	if err != nil {
		s.logger.Error("presence snapshot failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"onlineUsers":   snap.OnlineUsers,
			"totalOnline":   snap.TotalOnline,
			"wsConnections": snap.WSConnections,
			"timeWindow":    window.String(),
			"lastCheck":     time.Now().Format(time.RFC3339),
		},
	})
}

// handleUnreadCount 返回查看者的未读数（裸整数，前端直接用作角标）。
//
// GET /api/notifications/unread-count
func (s *Server) handleUnreadCount(c *gin.Context) {
	count, err := s.notifications.UnreadCount(c.Request.Context(), getUserID(c))
	if err != nil {
		s.logger.Error("unread count failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}
	c.JSON(http.StatusOK, count)
}

// handleListPriceDrops 返回降价通知列表，游标分页。
//
// GET /api/notifications/price-drops?cursor=&limit=20
func (s *Server) handleListPriceDrops(c *gin.Context) {
	limit := parseQueryInt(c, "limit", 20)

	page, err := s.notifications.List(c.Request.Context(), store.ListOptions{
		Kind:     model.KindPriceDrop,
		Cursor:   c.Query("cursor"),
		PageSize: limit,
		UserID:   getUserID(c),
	})
	if err != nil {
		s.logger.Error("list price drops failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	resp := gin.H{"notifications": page.Items}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// handleMarkRead 单条已读。
//
// PATCH /api/notifications/price-drops/:id/read
func (s *Server) handleMarkRead(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	if err := s.notifications.MarkRead(c.Request.Context(), uint(id), getUserID(c)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		s.logger.Error("mark read failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

// handleMarkAllRead 全部已读，重复调用是幂等的。
//
// POST /api/notifications/read-all
func (s *Server) handleMarkAllRead(c *gin.Context) {
	marked, err := s.notifications.MarkAllRead(c.Request.Context(), getUserID(c))
	if err != nil {
		s.logger.Error("mark all read failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark all read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

// handleWebSocket 把 HTTP 连接升级为推送通道。
//
// GET /ws?token=...
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失败时 gorilla 已经写了响应。
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := ws.NewClient(s.hub, conn, getUserID(c))
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// formatTime 零值时间序列化为 null 而不是 0001-01-01。
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}

// parseQueryInt 解析查询参数中的整数值。
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}

func getUserID(c *gin.Context) uint {
	v, ok := c.Get("userID")
	if !ok {
		return 0
	}
	if id, ok := v.(uint); ok {
		return id
	}
	return 0
}
