package middleware

import (
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
)

// RequestLogger 记录每个请求的路由模板、状态码与耗时。
//
// 按状态码分级：5xx 记 Error，4xx 记 Warn，其余 Info。认证中间件
// 写入的 userID 一并带上，方便把管理端操作关联到人。
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if logger == nil {
			return
		}

		// 用路由模板而不是原始路径，带 :id 的路径才能聚合
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path // 未匹配任何路由（404）
		}

		status := c.Writer.Status()
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.String("client_ip", c.ClientIP()),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if v, ok := c.Get("userID"); ok {
			if id, ok := v.(uint); ok {
				attrs = append(attrs, slog.Uint64("user_id", uint64(id)))
			}
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("http request", attrs...)
		case status >= 400:
			logger.Warn("http request", attrs...)
		default:
			logger.Info("http request", attrs...)
		}
	}
}
