package cache

import (
	"context"
	"time"

	"milkrun/backend/internal/domain"
)

type LoadPlanCache interface {
	Get(ctx context.Context, key string) (*domain.LoadPlanResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.LoadPlanResponse, ttl time.Duration) error
}

type NoopLoadPlanCache struct{}

func (NoopLoadPlanCache) Get(_ context.Context, _ string) (*domain.LoadPlanResponse, bool, error) {
	return nil, false, nil
}

func (NoopLoadPlanCache) Set(_ context.Context, _ string, _ *domain.LoadPlanResponse, _ time.Duration) error {
	return nil
}
