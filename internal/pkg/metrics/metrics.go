package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 同步与推送相关的 Prometheus 指标。
//
// 指标在包加载时创建，InitMetrics 负责注册；未注册前也可安全使用
// （只是不会出现在 /metrics 输出中），方便测试。
var (
	// SyncTotal 同步执行总数（含 force-sync）。
	SyncTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_sync_total",
		Help: "Total number of sheet sync runs.",
	})

	// SyncFailuresTotal 表格源拉取失败总数。
	SyncFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_sync_failures_total",
		Help: "Total number of failed sheet fetches.",
	})

	// SyncDuration 单次同步耗时分布。
	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricewatch_sync_duration_seconds",
		Help:    "Duration of a full sync pipeline run.",
		Buckets: prometheus.DefBuckets,
	})

	// PriceChangeEventsTotal 检测到的降价事件总数。
	PriceChangeEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_price_change_events_total",
		Help: "Total number of detected price drop events.",
	})

	// NotificationsCreatedTotal 新建通知记录总数。
	NotificationsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_notifications_created_total",
		Help: "Total number of notification records created.",
	})

	// NotificationsMergedTotal 折叠进已有通知的事件总数。
	NotificationsMergedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_notifications_merged_total",
		Help: "Total number of events merged into existing notifications.",
	})

	// WSConnections 当前 WebSocket 连接数。
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricewatch_ws_connections",
		Help: "Current number of live websocket connections.",
	})

	// BroadcastDroppedTotal 因慢消费者被丢弃的消息总数。
	BroadcastDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_broadcast_dropped_total",
		Help: "Total number of messages dropped for slow consumers.",
	})

	// RateLimitWaitDuration 表格源限流等待耗时分布。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricewatch_ratelimit_wait_duration_seconds",
		Help:    "Time spent waiting for a sheet fetch rate limit token.",
		Buckets: prometheus.DefBuckets,
	})

	// RateLimitTimeoutTotal 限流等待超时总数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_ratelimit_timeout_total",
		Help: "Total number of rate limit waits that timed out.",
	})
)

var registerOnce sync.Once

// InitMetrics 注册所有指标，多次调用只生效一次。
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SyncTotal,
			SyncFailuresTotal,
			SyncDuration,
			PriceChangeEventsTotal,
			NotificationsCreatedTotal,
			NotificationsMergedTotal,
			WSConnections,
			BroadcastDroppedTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
		)
	})
}
