package sheet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Source 抽象外部价格源。
//
// Fetch 是同步管线中唯一预期会阻塞的调用；超时由实现自己控制。
type Source interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// HTTPSource 通过 HTTP 拉取价格表快照端点。
type HTTPSource struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSource 创建 HTTP 价格源客户端。
func NewHTTPSource(url, token string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// sheetResponse 快照端点的响应结构。
type sheetResponse struct {
	DataReferencia string     `json:"data_referencia"`
	Rows           []sheetRow `json:"rows"`
}

// sheetRow 端点返回的单行报价。
type sheetRow struct {
	Model       string          `json:"model"`
	Storage     string          `json:"storage"`
	Color       string          `json:"color"`
	Supplier    string          `json:"supplier"`
	ProductType string          `json:"product_type"`
	Price       decimal.Decimal `json:"price"`
	Available   bool            `json:"available"`
}

// Fetch 拉取一份完整快照。
//
// 同一规范化键出现多行时保留最后一行（与表格“后写覆盖”语义一致）。
func (s *HTTPSource) Fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sheet request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sheet: unexpected status %d", resp.StatusCode)
	}

	var body sheetResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode sheet response: %w", err)
	}

	now := time.Now()
	snap := &Snapshot{
		DataReferencia: body.DataReferencia,
		FetchedAt:      now,
		Records:        make(map[string]PriceRecord, len(body.Rows)),
	}
	if snap.DataReferencia == "" {
		snap.DataReferencia = now.Format("2006-01-02")
	}
	for _, row := range body.Rows {
		rec := PriceRecord{
			Model:       row.Model,
			Storage:     row.Storage,
			Color:       row.Color,
			Supplier:    row.Supplier,
			ProductType: row.ProductType,
			Price:       row.Price,
			Available:   row.Available,
			ObservedAt:  now,
		}
		if rec.Model == "" || rec.Supplier == "" {
			continue
		}
		if rec.ProductType == "" {
			rec.ProductType = "smartphone"
		}
		snap.Records[rec.Key()] = rec
	}
	return snap, nil
}
