package dedup

import (
	"sync"
	"time"
)

// Intent 描述一条降价事件应如何落地为通知。
type Intent struct {
	Merge          bool // true 表示折叠进已有通知
	NotificationID uint // Merge 时指向已有通知
	Count          int  // 含本次事件的累计折叠数
}

type entry struct {
	notificationID uint
	firstSeen      time.Time
	count          int
}

// Window 按供应商折叠短时间内的重复降价通知。
//
// 过期策略是 fixed-from-first-event：窗口从条目首次出现起固定计时，
// 持续的更新不会延长窗口。过期条目在下一次 Offer 时惰性清除，
// 没有后台清扫协程。
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*entry
}

// NewWindow 创建一个去重窗口。ttl <= 0 时退化为 5 分钟。
func NewWindow(ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Window{
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// Offer 登记一条来自 supplier 的事件并返回落地意图。
//
// 窗口内已有条目时返回 Merge 意图并累加计数；否则建立新条目，
// 调用方创建通知后需用 Bind 回填通知 ID。
func (w *Window) Offer(supplier string, now time.Time) Intent {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[supplier]
	if ok && now.Sub(e.firstSeen) >= w.ttl {
		delete(w.entries, supplier)
		ok = false
	}

	if ok {
		e.count++
		return Intent{Merge: true, NotificationID: e.notificationID, Count: e.count}
	}

	w.entries[supplier] = &entry{firstSeen: now, count: 1}
	return Intent{Count: 1}
}

// Bind 将新建通知的 ID 绑定到 supplier 的当前条目。
func (w *Window) Bind(supplier string, notificationID uint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.entries[supplier]; ok {
		e.notificationID = notificationID
	}
}

// Drop 丢弃 supplier 的当前条目。
//
// 通知写库失败时调用，让下一条事件重新开窗而不是合并进一个不存在的记录。
func (w *Window) Drop(supplier string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.entries, supplier)
}

// Len 返回当前（含未被惰性清除的过期条目）条目数。
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.entries)
}
