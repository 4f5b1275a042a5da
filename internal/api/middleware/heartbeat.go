package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// HeartbeatRecorder 记录已认证请求的在线心跳。
type HeartbeatRecorder interface {
	Heartbeat(ctx context.Context, userID uint, ipAddress string, isAdmin bool) error
}

// PresenceHeartbeat marks authenticated users as active so the online view
// survives process restarts. Must run after AuthMiddleware.
func PresenceHeartbeat(tracker HeartbeatRecorder, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userIDVal, ok := c.Get("userID")
		if !ok {
			c.Next()
			return
		}
		userID, ok := userIDVal.(uint)
		if !ok {
			c.Next()
			return
		}
		roleVal, _ := c.Get("role")
		isAdmin := roleVal == "admin"

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		// 心跳失败不影响请求本身。
		if err := tracker.Heartbeat(ctx, userID, c.ClientIP(), isAdmin); err != nil && logger != nil {
			logger.Warn("presence heartbeat failed", slog.String("error", err.Error()))
		}

		c.Next()
	}
}
