package sheet

import (
	"context"
	"fmt"
)

// TokenWaiter 在放行一次拉取前等待一个限流令牌。
type TokenWaiter interface {
	Wait(ctx context.Context) error
}

// LimitedSource 给价格源套一层全局限流：定时轮询和 force-sync
// 共享同一配额，多实例部署时上游端点的总速率也是受控的。
type LimitedSource struct {
	inner   Source
	limiter TokenWaiter
}

// NewLimitedSource 包装价格源。limiter 为 nil 时原样返回 inner。
func NewLimitedSource(inner Source, limiter TokenWaiter) Source {
	if limiter == nil {
		return inner
	}
	return &LimitedSource{inner: inner, limiter: limiter}
}

// Fetch 先取令牌再拉取。
func (s *LimitedSource) Fetch(ctx context.Context) (*Snapshot, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("sheet fetch throttled: %w", err)
	}
	return s.inner.Fetch(ctx)
}
