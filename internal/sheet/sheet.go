package sheet

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord 表示价格表中某一供应商对某一商品的报价。
//
// 记录是短命的：每次拉取都会整体替换上一份快照。
type PriceRecord struct {
	Model       string // 机型（如 "iPhone15-Pro"）
	Storage     string // 容量（如 "128"）
	Color       string // 颜色
	Supplier    string // 供应商名称
	ProductType string // 商品大类（如 "smartphone"）

	Price      decimal.Decimal // 报价
	Available  bool            // 是否有货
	Lowest     bool            // 是否为同款商品全供应商最低价
	ObservedAt time.Time       // 本次拉取时间
}

// Key 返回该记录的规范化唯一键。
func (r PriceRecord) Key() string {
	return NormalizeKey(r.Model, r.Storage, r.Color, r.Supplier)
}

// IdentityKey 返回商品身份键（不含供应商），用于跨供应商比价分组。
func (r PriceRecord) IdentityKey() string {
	return NormalizeKey(r.Model, r.Storage, r.Color, "")
}

// Snapshot 某一时刻的完整价格表。
type Snapshot struct {
	DataReferencia string                 // 表格侧的数据参考日期（原样透传）
	FetchedAt      time.Time              // 拉取时间
	Records        map[string]PriceRecord // 按规范化键索引的报价
}

// NormalizeKey 将商品维度拼成规范化键。
//
// 大小写与首尾空白不参与区分；supplier 传空串时得到商品身份键。
func NormalizeKey(model, storage, color, supplier string) string {
	parts := []string{model, storage, color, supplier}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	if parts[3] == "" {
		return strings.Join(parts[:3], "|")
	}
	return strings.Join(parts, "|")
}

// Suppliers 返回快照中出现的所有供应商名称（去重，无序）。
func (s *Snapshot) Suppliers() []string {
	if s == nil {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, 8)
	for _, rec := range s.Records {
		if _, ok := seen[rec.Supplier]; ok {
			continue
		}
		seen[rec.Supplier] = struct{}{}
		out = append(out, rec.Supplier)
	}
	return out
}
