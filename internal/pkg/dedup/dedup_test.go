package dedup

import (
	"testing"
	"time"
)

func TestWindow_MergeWithinWindow(t *testing.T) {
	w := NewWindow(5 * time.Minute)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := w.Offer("SupplierA", base)
	if first.Merge {
		t.Fatalf("expected first offer to start a new entry")
	}
	if first.Count != 1 {
		t.Fatalf("expected count=1, got %d", first.Count)
	}
	w.Bind("SupplierA", 42)

	second := w.Offer("SupplierA", base.Add(1*time.Minute))
	if !second.Merge {
		t.Fatalf("expected merge within window")
	}
	if second.NotificationID != 42 {
		t.Fatalf("expected notification id 42, got %d", second.NotificationID)
	}
	if second.Count != 2 {
		t.Fatalf("expected count=2, got %d", second.Count)
	}

	third := w.Offer("SupplierA", base.Add(2*time.Minute))
	if !third.Merge || third.Count != 3 {
		t.Fatalf("expected third merge with count=3, got %+v", third)
	}
}

func TestWindow_FixedFromFirstEvent(t *testing.T) {
	w := NewWindow(5 * time.Minute)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	w.Offer("SupplierA", base)
	w.Bind("SupplierA", 1)

	// 持续的事件不会延长窗口：过期以首次出现为基准
	w.Offer("SupplierA", base.Add(4*time.Minute))
	expired := w.Offer("SupplierA", base.Add(5*time.Minute))
	if expired.Merge {
		t.Fatalf("expected new entry after fixed window expiry")
	}
	if expired.Count != 1 {
		t.Fatalf("expected count reset to 1, got %d", expired.Count)
	}
}

func TestWindow_SuppliersIndependent(t *testing.T) {
	w := NewWindow(5 * time.Minute)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	w.Offer("SupplierA", base)
	got := w.Offer("SupplierB", base)
	if got.Merge {
		t.Fatalf("expected different suppliers to not merge")
	}
	if w.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", w.Len())
	}
}

func TestWindow_DropAllowsRetry(t *testing.T) {
	w := NewWindow(5 * time.Minute)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	w.Offer("SupplierA", base)
	w.Drop("SupplierA")

	got := w.Offer("SupplierA", base.Add(time.Second))
	if got.Merge {
		t.Fatalf("expected fresh entry after drop")
	}
}
