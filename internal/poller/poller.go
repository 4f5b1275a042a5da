package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pricewatch/internal/model"
	"pricewatch/internal/pkg/dedup"
	"pricewatch/internal/pkg/metrics"
	"pricewatch/internal/sheet"
	"pricewatch/internal/ws"

	"github.com/shopspring/decimal"
)

// ErrAlreadyRunning force-sync 与在途同步冲突时返回。
var ErrAlreadyRunning = errors.New("sync already running")

// NotificationStore 是轮询器需要的通知持久化能力。
type NotificationStore interface {
	AppendPriceDrop(ctx context.Context, payload model.PriceDropPayload) (*model.Notification, error)
	AppendSheetUpdate(ctx context.Context, payload model.SheetUpdatePayload) (*model.Notification, error)
	Merge(ctx context.Context, id uint) error
}

// Broadcaster 向订阅的在线连接推送事件，尽力而为。
type Broadcaster interface {
	Publish(channel string, data any)
}

// Notifier 大幅降价的带外通知（邮件），可以为 nil。
type Notifier interface {
	Send(ctx context.Context, payload model.PriceDropPayload) error
}

// Config 轮询器配置。
type Config struct {
	FastInterval       time.Duration // 营业时间内的轮询间隔
	SlowInterval       time.Duration // 非营业时间的轮询间隔
	BusinessHoursStart string        // "08:00"
	BusinessHoursEnd   string        // "16:00"
	Epsilon            decimal.Decimal
	MaxBackoffFactor   int     // 失败退避的最大倍数（基础间隔的 N 倍）
	EmailDropPercent   float64 // 触发邮件的最小降幅（百分比，0 关闭）
}

// State 调度器状态快照（纯数据，无行为）。
//
// 唯一写者是轮询器自身；Status 返回拷贝，读者拿不到活引用。
type State struct {
	IsRunning           bool
	IsBusinessHours     bool
	LastSyncAt          time.Time
	CurrentPollInterval time.Duration
	TotalSyncs          int64
	LastSyncDuration    time.Duration
	AverageSyncDuration time.Duration
	ConsecutiveFailures int
	LastError           string
}

// Summary 单次同步的结果摘要。
type Summary struct {
	Products         int           `json:"products"`
	Suppliers        int           `json:"suppliers"`
	Changes          int           `json:"changes"`
	NewNotifications int           `json:"new_notifications"`
	Merged           int           `json:"merged"`
	Duration         time.Duration `json:"-"`
	DurationMs       int64         `json:"duration_ms"`
}

// Poller 驱动 拉取 → 比对 → 去重 → 落库 → 推送 的单飞行轮询管线。
//
// 同一时刻最多只有一次管线在执行：定时 tick 撞上在途同步会被跳过
// （不排队），ForceSync 撞上在途同步返回 ErrAlreadyRunning。
type Poller struct {
	cfg         Config
	source      sheet.Source
	window      *dedup.Window
	store       NotificationStore
	broadcaster Broadcaster
	notifier    Notifier
	logger      *slog.Logger

	startMinute int // 营业开始（当天第 N 分钟）
	endMinute   int // 营业结束

	inFlight atomic.Bool

	mu    sync.Mutex
	state State
	prev  *sheet.Snapshot // 最近一次成功走完管线的快照

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller 创建轮询器。notifier 可以为 nil。
func NewPoller(cfg Config, source sheet.Source, window *dedup.Window, store NotificationStore, broadcaster Broadcaster, notifier Notifier, logger *slog.Logger) (*Poller, error) {
	if source == nil {
		return nil, errors.New("source is required")
	}
	if window == nil {
		return nil, errors.New("dedup window is required")
	}
	if store == nil {
		return nil, errors.New("notification store is required")
	}
	if broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = 10 * time.Second
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = 2 * time.Minute
	}
	if cfg.MaxBackoffFactor <= 0 {
		cfg.MaxBackoffFactor = 10
	}

	startMinute, err := parseClock(cfg.BusinessHoursStart, 8*60)
	if err != nil {
		return nil, fmt.Errorf("parse business_hours_start: %w", err)
	}
	endMinute, err := parseClock(cfg.BusinessHoursEnd, 16*60)
	if err != nil {
		return nil, fmt.Errorf("parse business_hours_end: %w", err)
	}

	return &Poller{
		cfg:         cfg,
		source:      source,
		window:      window,
		store:       store,
		broadcaster: broadcaster,
		notifier:    notifier,
		logger:      logger,
		startMinute: startMinute,
		endMinute:   endMinute,
	}, nil
}

// Start 启动调度循环。重复调用是 no-op。
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.state.IsRunning {
		p.mu.Unlock()
		return
	}
	p.state.IsRunning = true
	p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	p.logger.Info("sheet poller started",
		slog.String("fast_interval", p.cfg.FastInterval.String()),
		slog.String("slow_interval", p.cfg.SlowInterval.String()),
		slog.String("business_hours", fmt.Sprintf("%s-%s", p.cfg.BusinessHoursStart, p.cfg.BusinessHoursEnd)))

	go p.loop(ctx)
}

// Stop 停止调度循环，等待在途的定时 tick 走完再返回，
// 避免基线快照推进到一半。
func (p *Poller) Stop() {
	p.mu.Lock()
	running := p.state.IsRunning
	p.mu.Unlock()
	if !running || p.cancel == nil {
		return
	}

	p.cancel()
	<-p.done

	p.mu.Lock()
	p.state.IsRunning = false
	p.mu.Unlock()
	p.logger.Info("sheet poller stopped")
}

// loop 调度循环：间隔在每个 tick 开始时重算，跨越营业时间边界
// 在下一个 tick 生效，不打断当前周期。
func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	for {
		now := time.Now()
		interval := p.nextInterval(now)

		p.mu.Lock()
		p.state.CurrentPollInterval = interval
		p.state.IsBusinessHours = p.isBusinessHours(now)
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// 单飞行：上一轮还没跑完就跳过本轮（不排队）
		if !p.inFlight.CompareAndSwap(false, true) {
			p.logger.Debug("tick skipped, sync in flight")
			continue
		}
		if _, err := p.runSync(ctx); err != nil {
			p.logger.Warn("scheduled sync failed", slog.String("error", err.Error()))
		}
		p.inFlight.Store(false)
	}
}

// ForceSync 立即执行一次同步。
//
// 与定时 tick 竞争同一个单飞行标记：在途时返回 ErrAlreadyRunning，
// 不排队也不重叠。超时继承价格源自身的拉取超时。
func (p *Poller) ForceSync(ctx context.Context) (Summary, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRunning
	}
	defer p.inFlight.Store(false)

	return p.runSync(ctx)
}

// Status 返回当前调度状态的拷贝。
func (p *Poller) Status() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state
	st.IsBusinessHours = p.isBusinessHours(time.Now())
	return st
}

// BusinessHours 返回配置的营业时间窗口（展示用）。
func (p *Poller) BusinessHours() (start, end string) {
	return p.cfg.BusinessHoursStart, p.cfg.BusinessHoursEnd
}

// runSync 执行一次完整管线。调用方必须已持有单飞行标记。
//
// 基线快照只在 检测 → 去重 → 落库 → 推送 全部走完后才替换，
// 管线中途失败不会悄悄推进基线。
func (p *Poller) runSync(ctx context.Context) (Summary, error) {
	start := time.Now()
	metrics.SyncTotal.Inc()

	snap, err := p.source.Fetch(ctx)
	if err != nil {
		metrics.SyncFailuresTotal.Inc()
		p.mu.Lock()
		p.state.ConsecutiveFailures++
		p.state.LastError = err.Error()
		failures := p.state.ConsecutiveFailures
		p.mu.Unlock()

		p.logger.Warn("sheet fetch failed",
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()))
		return Summary{}, fmt.Errorf("fetch snapshot: %w", err)
	}

	p.mu.Lock()
	prev := p.prev
	p.mu.Unlock()

	events := Diff(prev, snap, p.cfg.Epsilon, time.Now())
	MarkLowest(snap)

	summary := Summary{
		Products:  len(snap.Records),
		Suppliers: len(snap.Suppliers()),
		Changes:   len(events),
	}

	for _, ev := range events {
		metrics.PriceChangeEventsTotal.Inc()
		payload := model.PriceDropPayload{
			ProductKey:     ev.ProductKey,
			SupplierName:   ev.SupplierName,
			OldPrice:       ev.OldPrice.String(),
			NewPrice:       ev.NewPrice.String(),
			DropPercentage: ev.DropPercentage,
		}

		intent := p.window.Offer(ev.SupplierName, ev.DetectedAt)
		if intent.Merge {
			if err := p.store.Merge(ctx, intent.NotificationID); err != nil {
				// 写库失败按尽力而为处理：记日志，事件丢失
				p.logger.Error("merge notification failed",
					slog.Uint64("notification_id", uint64(intent.NotificationID)),
					slog.String("error", err.Error()))
				continue
			}
			summary.Merged++
			metrics.NotificationsMergedTotal.Inc()
		} else {
			rec, err := p.store.AppendPriceDrop(ctx, payload)
			if err != nil {
				p.window.Drop(ev.SupplierName)
				p.logger.Error("append notification failed",
					slog.String("supplier", ev.SupplierName),
					slog.String("error", err.Error()))
				continue
			}
			p.window.Bind(ev.SupplierName, rec.ID)
			summary.NewNotifications++
			metrics.NotificationsCreatedTotal.Inc()
		}

		if p.notifier != nil && p.cfg.EmailDropPercent > 0 && ev.DropPercentage >= p.cfg.EmailDropPercent {
			if err := p.notifier.Send(ctx, payload); err != nil {
				p.logger.Warn("send price drop email failed",
					slog.String("supplier", ev.SupplierName),
					slog.String("error", err.Error()))
			}
		}
	}

	p.broadcastChanges(ctx, snap, events, summary)

	dur := time.Since(start)
	metrics.SyncDuration.Observe(dur.Seconds())

	p.mu.Lock()
	p.prev = snap
	p.state.ConsecutiveFailures = 0
	p.state.LastError = ""
	p.state.LastSyncAt = time.Now()
	p.state.LastSyncDuration = dur
	p.state.TotalSyncs++
	// 累计移动平均
	p.state.AverageSyncDuration += (dur - p.state.AverageSyncDuration) / time.Duration(p.state.TotalSyncs)
	p.mu.Unlock()

	summary.Duration = dur
	summary.DurationMs = dur.Milliseconds()

	p.logger.Info("sync completed",
		slog.Int("products", summary.Products),
		slog.Int("changes", summary.Changes),
		slog.Int("new_notifications", summary.NewNotifications),
		slog.Int("merged", summary.Merged),
		slog.Duration("duration", dur))
	return summary, nil
}

// broadcastChanges 落库并推送本轮产生的事件：每个有变化的供应商一条
// sheetUpdate 通知；有任何降价时推一条全局计数。
func (p *Poller) broadcastChanges(ctx context.Context, snap *sheet.Snapshot, events []PriceChangeEvent, summary Summary) {
	touched := map[string]string{} // supplier -> productType
	for _, ev := range events {
		if _, ok := touched[ev.SupplierName]; !ok {
			touched[ev.SupplierName] = ev.ProductType
		}
	}

	for supplier, productType := range touched {
		payload := model.SheetUpdatePayload{
			SupplierName:   supplier,
			ProductType:    productType,
			DataReferencia: snap.DataReferencia,
		}
		// 落库失败不拦推送，尽力而为
		if _, err := p.store.AppendSheetUpdate(ctx, payload); err != nil {
			p.logger.Error("append sheet update failed",
				slog.String("supplier", supplier),
				slog.String("error", err.Error()))
		}
		p.broadcaster.Publish(ws.ChannelSheetUpdate, payload)
	}

	if summary.NewNotifications+summary.Merged > 0 {
		p.broadcaster.Publish(ws.ChannelPriceDropNotifications, map[string]int{
			"count": summary.NewNotifications + summary.Merged,
		})
	}
}

// nextInterval 计算下一次 tick 的间隔：营业时间用快间隔，否则慢间隔；
// 连续失败时按 2^n 指数退避，封顶在基础间隔的 MaxBackoffFactor 倍，
// 下一次成功后回到基础间隔。
func (p *Poller) nextInterval(now time.Time) time.Duration {
	base := p.cfg.SlowInterval
	if p.isBusinessHours(now) {
		base = p.cfg.FastInterval
	}

	p.mu.Lock()
	failures := p.state.ConsecutiveFailures
	p.mu.Unlock()
	if failures <= 0 {
		return base
	}

	factor := 1
	for i := 0; i < failures && factor < p.cfg.MaxBackoffFactor; i++ {
		factor *= 2
	}
	if factor > p.cfg.MaxBackoffFactor {
		factor = p.cfg.MaxBackoffFactor
	}
	return base * time.Duration(factor)
}

// isBusinessHours 判断本地时间是否落在营业窗口 [start, end) 内。
func (p *Poller) isBusinessHours(now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()
	if p.startMinute <= p.endMinute {
		return minute >= p.startMinute && minute < p.endMinute
	}
	// 跨午夜窗口（如 22:00-06:00）
	return minute >= p.startMinute || minute < p.endMinute
}

// parseClock 解析 "HH:MM" 为当天分钟数。
func parseClock(s string, fallback int) (int, error) {
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
