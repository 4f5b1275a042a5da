package poller

import (
	"sort"
	"time"

	"pricewatch/internal/sheet"

	"github.com/shopspring/decimal"
)

// PriceChangeEvent 表示一次检测到的降价。
//
// 只由 Diff 创建，创建后不可变，由去重窗口消费一次。事件不直接持久化，
// 只以折叠后的通知记录形式落库。
type PriceChangeEvent struct {
	ProductKey     string
	SupplierName   string
	ProductType    string
	OldPrice       decimal.Decimal
	NewPrice       decimal.Decimal
	DropPercentage float64
	DetectedAt     time.Time
}

// Diff 对比两份快照，输出降价事件。
//
// 只有 current.price < previous.price - epsilon 才算降价；持平或涨价不产生
// 事件。商品的新增与消失都不是错误：消失视为“不再供货”，不是价格变化。
// 纯函数：除两个输入外不依赖任何状态，事件按商品键排序保证输出稳定。
func Diff(previous, current *sheet.Snapshot, epsilon decimal.Decimal, now time.Time) []PriceChangeEvent {
	if previous == nil || current == nil {
		return nil
	}

	var events []PriceChangeEvent
	for key, cur := range current.Records {
		prev, ok := previous.Records[key]
		if !ok {
			continue
		}
		if cur.Price.GreaterThanOrEqual(prev.Price.Sub(epsilon)) {
			continue
		}
		if !prev.Price.IsPositive() {
			continue
		}

		drop := prev.Price.Sub(cur.Price).
			Div(prev.Price).
			Mul(decimal.NewFromInt(100))
		dropPct, _ := drop.Float64()

		events = append(events, PriceChangeEvent{
			ProductKey:     key,
			SupplierName:   cur.Supplier,
			ProductType:    cur.ProductType,
			OldPrice:       prev.Price,
			NewPrice:       cur.Price,
			DropPercentage: dropPct,
			DetectedAt:     now,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].ProductKey < events[j].ProductKey
	})
	return events
}

// MarkLowest 重算快照中每个商品身份组的最低价标记。
//
// 同一 model+storage+color 的所有供应商报价为一组，组内恰好一条记录
// 被标记为最低价；价格相同按供应商名字典序取最小，保证结果确定。
// 无货记录不参与竞争，但一组全部无货时仍选出一条，避免组内无标记。
func MarkLowest(snap *sheet.Snapshot) {
	if snap == nil {
		return
	}

	type candidate struct {
		key string
		rec sheet.PriceRecord
	}
	groups := make(map[string][]candidate)
	for key, rec := range snap.Records {
		rec.Lowest = false
		snap.Records[key] = rec
		groups[rec.IdentityKey()] = append(groups[rec.IdentityKey()], candidate{key: key, rec: rec})
	}

	for _, members := range groups {
		best := -1
		for i, c := range members {
			if best == -1 {
				best = i
				continue
			}
			if better(c.rec, members[best].rec) {
				best = i
			}
		}
		if best >= 0 {
			winner := members[best]
			rec := snap.Records[winner.key]
			rec.Lowest = true
			snap.Records[winner.key] = rec
		}
	}
}

// better 判定 a 是否优于 b：有货优先，其次低价，平价比供应商名。
func better(a, b sheet.PriceRecord) bool {
	if a.Available != b.Available {
		return a.Available
	}
	switch a.Price.Cmp(b.Price) {
	case -1:
		return true
	case 1:
		return false
	}
	return a.Supplier < b.Supplier
}
