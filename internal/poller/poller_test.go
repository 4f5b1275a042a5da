package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pricewatch/internal/model"
	"pricewatch/internal/pkg/dedup"
	"pricewatch/internal/sheet"
	"pricewatch/internal/ws"

	"github.com/shopspring/decimal"
)

type fakeSource struct {
	mu    sync.Mutex
	queue []func(ctx context.Context) (*sheet.Snapshot, error)
}

func (f *fakeSource) push(fn func(ctx context.Context) (*sheet.Snapshot, error)) {
	f.mu.Lock()
	f.queue = append(f.queue, fn)
	f.mu.Unlock()
}

func (f *fakeSource) pushSnap(s *sheet.Snapshot) {
	f.push(func(ctx context.Context) (*sheet.Snapshot, error) { return s, nil })
}

func (f *fakeSource) Fetch(ctx context.Context) (*sheet.Snapshot, error) {
	f.mu.Lock()
	if len(f.queue) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no snapshot queued")
	}
	fn := f.queue[0]
	f.queue = f.queue[1:]
	f.mu.Unlock()
	return fn(ctx)
}

type fakeStore struct {
	mu           sync.Mutex
	nextID       uint
	appended     []model.PriceDropPayload
	sheetUpdates []model.SheetUpdatePayload
	merged       []uint
	appendErr    error
}

func (f *fakeStore) AppendPriceDrop(ctx context.Context, payload model.PriceDropPayload) (*model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		err := f.appendErr
		f.appendErr = nil
		return nil, err
	}
	f.nextID++
	f.appended = append(f.appended, payload)
	return &model.Notification{ID: f.nextID}, nil
}

func (f *fakeStore) AppendSheetUpdate(ctx context.Context, payload model.SheetUpdatePayload) (*model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sheetUpdates = append(f.sheetUpdates, payload)
	return &model.Notification{ID: f.nextID}, nil
}

func (f *fakeStore) Merge(ctx context.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, id)
	return nil
}

type published struct {
	channel string
	data    any
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakeBroadcaster) Publish(channel string, data any) {
	f.mu.Lock()
	f.msgs = append(f.msgs, published{channel: channel, data: data})
	f.mu.Unlock()
}

func (f *fakeBroadcaster) byChannel(channel string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.msgs {
		if m.channel == channel {
			out = append(out, m)
		}
	}
	return out
}

func newTestPoller(t *testing.T, src *fakeSource, st *fakeStore, bc *fakeBroadcaster) *Poller {
	t.Helper()
	p, err := NewPoller(Config{
		FastInterval:       10 * time.Second,
		SlowInterval:       2 * time.Minute,
		BusinessHoursStart: "08:00",
		BusinessHoursEnd:   "16:00",
		Epsilon:            decimal.RequireFromString("0.01"),
		MaxBackoffFactor:   10,
	}, src, dedup.NewWindow(5*time.Minute), st, bc, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return p
}

func TestForceSync_SingleFlight(t *testing.T) {
	src := &fakeSource{}
	release := make(chan struct{})
	entered := make(chan struct{})
	src.push(func(ctx context.Context) (*sheet.Snapshot, error) {
		close(entered)
		<-release
		return snapOf(), nil
	})

	p := newTestPoller(t, src, &fakeStore{}, &fakeBroadcaster{})

	done := make(chan error, 1)
	go func() {
		_, err := p.ForceSync(context.Background())
		done <- err
	}()

	<-entered
	// 第一轮还挂在拉取上，第二次强制同步必须立刻拒绝。
	if _, err := p.ForceSync(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
}

func TestForceSync_PipelineEndToEnd(t *testing.T) {
	src := &fakeSource{}
	src.pushSnap(snapOf(rec("iPhone15-Pro", "256", "black", "TechImport", "6299.00", true)))
	src.pushSnap(snapOf(rec("iPhone15-Pro", "256", "black", "TechImport", "5999.00", true)))

	st := &fakeStore{}
	bc := &fakeBroadcaster{}
	p := newTestPoller(t, src, st, bc)

	// 第一轮建立基线，没有事件。
	summary, err := p.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("baseline sync: %v", err)
	}
	if summary.Changes != 0 || summary.NewNotifications != 0 {
		t.Fatalf("baseline sync produced events: %+v", summary)
	}

	summary, err = p.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if summary.Changes != 1 || summary.NewNotifications != 1 || summary.Merged != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Suppliers != 1 {
		t.Fatalf("summary.Suppliers = %d, want 1", summary.Suppliers)
	}
	if len(st.appended) != 1 || st.appended[0].SupplierName != "TechImport" {
		t.Fatalf("unexpected store writes: %+v", st.appended)
	}
	// 有变化的供应商同时落一条 sheet_update 通知
	if len(st.sheetUpdates) != 1 || st.sheetUpdates[0].SupplierName != "TechImport" {
		t.Fatalf("unexpected sheet update records: %+v", st.sheetUpdates)
	}

	if got := bc.byChannel(ws.ChannelSheetUpdate); len(got) != 1 {
		t.Fatalf("sheetUpdate broadcasts = %d, want 1", len(got))
	} else if payload, ok := got[0].data.(model.SheetUpdatePayload); !ok || payload.SupplierName != "TechImport" {
		t.Fatalf("unexpected sheetUpdate payload: %+v", got[0].data)
	}
	if got := bc.byChannel(ws.ChannelPriceDropNotifications); len(got) != 1 {
		t.Fatalf("priceDropNotifications broadcasts = %d, want 1", len(got))
	}
}

func TestForceSync_BurstMergesWithinWindow(t *testing.T) {
	src := &fakeSource{}
	src.pushSnap(snapOf(
		rec("iPhone15", "128", "blue", "TechImport", "1000.00", true),
		rec("iPhone15", "256", "blue", "TechImport", "1200.00", true),
	))
	src.pushSnap(snapOf(
		rec("iPhone15", "128", "blue", "TechImport", "900.00", true),
		rec("iPhone15", "256", "blue", "TechImport", "1200.00", true),
	))
	src.pushSnap(snapOf(
		rec("iPhone15", "128", "blue", "TechImport", "900.00", true),
		rec("iPhone15", "256", "blue", "TechImport", "1100.00", true),
	))

	st := &fakeStore{}
	p := newTestPoller(t, src, st, &fakeBroadcaster{})

	if _, err := p.ForceSync(context.Background()); err != nil {
		t.Fatalf("baseline sync: %v", err)
	}
	summary, err := p.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if summary.NewNotifications != 1 {
		t.Fatalf("expected 1 new notification, got %+v", summary)
	}

	// 同一供应商在窗口内的第二波降价折叠进已有通知。
	summary, err = p.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if summary.NewNotifications != 0 || summary.Merged != 1 {
		t.Fatalf("expected merge, got %+v", summary)
	}
	if len(st.merged) != 1 || st.merged[0] != 1 {
		t.Fatalf("unexpected merge calls: %+v", st.merged)
	}
}

func TestForceSync_BaselineKeptOnFailure(t *testing.T) {
	src := &fakeSource{}
	src.pushSnap(snapOf(rec("iPhone15", "128", "blue", "A", "1000.00", true)))
	src.push(func(ctx context.Context) (*sheet.Snapshot, error) {
		return nil, errors.New("sheet unavailable")
	})
	src.pushSnap(snapOf(rec("iPhone15", "128", "blue", "A", "900.00", true)))

	st := &fakeStore{}
	p := newTestPoller(t, src, st, &fakeBroadcaster{})

	if _, err := p.ForceSync(context.Background()); err != nil {
		t.Fatalf("baseline sync: %v", err)
	}
	if _, err := p.ForceSync(context.Background()); err == nil {
		t.Fatalf("expected fetch error")
	}
	if got := p.Status().ConsecutiveFailures; got != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", got)
	}

	// 失败没有吃掉基线：恢复后仍然相对第一轮比对。
	summary, err := p.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("recovery sync: %v", err)
	}
	if summary.Changes != 1 || summary.NewNotifications != 1 {
		t.Fatalf("expected drop against original baseline, got %+v", summary)
	}
	if got := p.Status().ConsecutiveFailures; got != 0 {
		t.Fatalf("ConsecutiveFailures = %d after success, want 0", got)
	}
}

func TestForceSync_StoreFailureAllowsRetry(t *testing.T) {
	src := &fakeSource{}
	src.pushSnap(snapOf(rec("iPhone15", "128", "blue", "A", "1000.00", true)))
	src.pushSnap(snapOf(rec("iPhone15", "128", "blue", "A", "950.00", true)))
	src.pushSnap(snapOf(rec("iPhone15", "128", "blue", "A", "900.00", true)))

	st := &fakeStore{appendErr: errors.New("db down")}
	p := newTestPoller(t, src, st, &fakeBroadcaster{})

	if _, err := p.ForceSync(context.Background()); err != nil {
		t.Fatalf("baseline sync: %v", err)
	}
	// 落库失败：事件丢失，但窗口条目被撤销。
	summary, err := p.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if summary.NewNotifications != 0 || summary.Merged != 0 {
		t.Fatalf("expected no persisted notification, got %+v", summary)
	}

	// 下一波事件应重新建档，而不是并进一个不存在的通知。
	summary, err = p.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if summary.NewNotifications != 1 || summary.Merged != 0 {
		t.Fatalf("expected fresh notification after store recovery, got %+v", summary)
	}
}

func TestNextInterval_Backoff(t *testing.T) {
	p := newTestPoller(t, &fakeSource{}, &fakeStore{}, &fakeBroadcaster{})
	offHours := time.Date(2026, 8, 29, 20, 0, 0, 0, time.Local)

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 2 * time.Minute},
		{1, 4 * time.Minute},
		{2, 8 * time.Minute},
		{3, 16 * time.Minute},
		{4, 20 * time.Minute}, // 2^4=16 超过上限 10，封顶
		{9, 20 * time.Minute},
	}
	for _, tc := range cases {
		p.mu.Lock()
		p.state.ConsecutiveFailures = tc.failures
		p.mu.Unlock()
		if got := p.nextInterval(offHours); got != tc.want {
			t.Errorf("failures=%d: interval = %s, want %s", tc.failures, got, tc.want)
		}
	}
}

func TestIsBusinessHours_Boundaries(t *testing.T) {
	p := newTestPoller(t, &fakeSource{}, &fakeStore{}, &fakeBroadcaster{})

	cases := []struct {
		hour, minute int
		want         bool
	}{
		{7, 59, false},
		{8, 0, true},
		{12, 30, true},
		{15, 59, true},
		{16, 0, false}, // 右开区间
		{23, 0, false},
	}
	for _, tc := range cases {
		now := time.Date(2026, 8, 29, tc.hour, tc.minute, 0, 0, time.Local)
		if got := p.isBusinessHours(now); got != tc.want {
			t.Errorf("%02d:%02d: isBusinessHours = %v, want %v", tc.hour, tc.minute, got, tc.want)
		}
	}
}

func TestIsBusinessHours_OvernightWindow(t *testing.T) {
	src := &fakeSource{}
	p, err := NewPoller(Config{
		BusinessHoursStart: "22:00",
		BusinessHoursEnd:   "06:00",
		Epsilon:            decimal.RequireFromString("0.01"),
	}, src, dedup.NewWindow(time.Minute), &fakeStore{}, &fakeBroadcaster{}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	if !p.isBusinessHours(time.Date(2026, 8, 29, 23, 0, 0, 0, time.Local)) {
		t.Errorf("23:00 should be inside overnight window")
	}
	if !p.isBusinessHours(time.Date(2026, 8, 29, 5, 0, 0, 0, time.Local)) {
		t.Errorf("05:00 should be inside overnight window")
	}
	if p.isBusinessHours(time.Date(2026, 8, 29, 12, 0, 0, 0, time.Local)) {
		t.Errorf("12:00 should be outside overnight window")
	}
}

func TestParseClock(t *testing.T) {
	if _, err := parseClock("25:00", 0); err == nil {
		t.Errorf("expected error for hour 25")
	}
	if _, err := parseClock("08:61", 0); err == nil {
		t.Errorf("expected error for minute 61")
	}
	got, err := parseClock("", 8*60)
	if err != nil || got != 8*60 {
		t.Errorf("empty clock should fall back, got %d, %v", got, err)
	}
	got, err = parseClock("16:30", 0)
	if err != nil || got != 16*60+30 {
		t.Errorf("parseClock(16:30) = %d, %v", got, err)
	}
}
