package notify

import (
	"context"

	"pricewatch/internal/model"
)

// Notifier 定义通知接口。
type Notifier interface {
	// Send 发送一条大幅降价通知。
	Send(ctx context.Context, payload model.PriceDropPayload) error
}
