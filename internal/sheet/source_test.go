package sheet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data_referencia": "2026-08-29",
			"rows": [
				{"model": "iPhone15-Pro", "storage": "256", "color": "Black", "supplier": "TechImport", "price": "6299.00", "available": true},
				{"model": "iPhone15-Pro", "storage": "256", "color": "black", "supplier": "techimport", "price": "6199.00", "available": true},
				{"model": "", "storage": "128", "color": "blue", "supplier": "NoModel", "price": "1.00", "available": true},
				{"model": "Galaxy-S24", "storage": "128", "color": "gray", "supplier": "", "price": "1.00", "available": true},
				{"model": "Galaxy-S24", "storage": "256", "color": "gray", "supplier": "MobilePlus", "price": "4500.00", "available": false}
			]
		}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "secret", 5*time.Second)
	snap, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if snap.DataReferencia != "2026-08-29" {
		t.Errorf("DataReferencia = %q", snap.DataReferencia)
	}
	// 同键两行保留最后一行，缺 model 或 supplier 的行被丢弃。
	if len(snap.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(snap.Records))
	}

	rec, ok := snap.Records[NormalizeKey("iPhone15-Pro", "256", "Black", "TechImport")]
	if !ok {
		t.Fatalf("iPhone record missing")
	}
	if rec.Price.String() != "6199" {
		t.Errorf("last row should win, price = %s", rec.Price)
	}
	if rec.ProductType != "smartphone" {
		t.Errorf("ProductType default = %q", rec.ProductType)
	}

	galaxy := snap.Records[NormalizeKey("Galaxy-S24", "256", "gray", "MobilePlus")]
	if galaxy.Available {
		t.Errorf("availability not carried over")
	}
}

func TestHTTPSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", time.Second)
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestHTTPSource_EmptyDataReferenciaDefaultsToToday(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rows": []}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", time.Second)
	snap, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.DataReferencia != time.Now().Format("2006-01-02") {
		t.Errorf("DataReferencia = %q", snap.DataReferencia)
	}
}

func TestNormalizeKey(t *testing.T) {
	a := NormalizeKey(" iPhone15-Pro ", "256", "Black", "TechImport")
	b := NormalizeKey("iphone15-pro", "256", "black", "techimport")
	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}

	identity := NormalizeKey("iPhone15-Pro", "256", "Black", "")
	if identity == a {
		t.Errorf("identity key must not contain supplier")
	}
}

func TestSnapshot_Suppliers(t *testing.T) {
	snap := &Snapshot{Records: map[string]PriceRecord{}}
	for _, r := range []PriceRecord{
		{Model: "iPhone15", Storage: "128", Color: "blue", Supplier: "TechImport"},
		{Model: "iPhone15", Storage: "256", Color: "blue", Supplier: "TechImport"},
		{Model: "Galaxy-S24", Storage: "256", Color: "gray", Supplier: "MobilePlus"},
	} {
		snap.Records[r.Key()] = r
	}

	got := snap.Suppliers()
	if len(got) != 2 {
		t.Fatalf("Suppliers() = %v, want 2 distinct suppliers", got)
	}

	var nilSnap *Snapshot
	if nilSnap.Suppliers() != nil {
		t.Errorf("nil snapshot should yield nil")
	}
}
