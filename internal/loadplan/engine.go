package loadplan

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"milkrun/backend/internal/cache"
	"milkrun/backend/internal/domain"
)

// Engine suggests FIFO draw plans for a truck load without touching stock.
// Plans are cached briefly; the key covers both the demand set and the batch
// state so a delivery or load invalidates stale suggestions naturally.
type Engine struct {
	cache        cache.LoadPlanCache
	cacheTTL     time.Duration
	expiryWindow time.Duration
}

func NewEngine(cacheStore cache.LoadPlanCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopLoadPlanCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 20 * time.Second
	}

	return &Engine{
		cache:        cacheStore,
		cacheTTL:     cacheTTL,
		expiryWindow: 48 * time.Hour,
	}
}

func (e *Engine) Plan(ctx context.Context, demands []domain.LoadDemand, batchesByProduct map[string][]domain.Batch, now time.Time) domain.LoadPlanResponse {
	normalized := normalizeDemands(demands)
	if len(normalized) == 0 {
		return domain.LoadPlanResponse{Fulfilled: true}
	}

	cacheKey := buildCacheKey(normalized, batchesByProduct)
	if cached, ok, err := e.cache.Get(ctx, cacheKey); err == nil && ok {
		return *cached
	}

	resp := domain.LoadPlanResponse{Fulfilled: true}
	soonCutoff := now.Add(e.expiryWindow)

	for _, demand := range normalized {
		batches := batchesByProduct[demand.ProductID]
		available := 0
		for _, b := range batches {
			available += b.RemainingQuantity
		}
		if available < demand.Quantity {
			resp.Fulfilled = false
			resp.Shortfalls = append(resp.Shortfalls, domain.LoadPlanShortfall{
				ProductID: demand.ProductID,
				Needed:    demand.Quantity,
				Available: available,
			})
		}

		remaining := demand.Quantity
		for _, b := range batches {
			if remaining == 0 {
				break
			}
			if b.RemainingQuantity < 1 {
				continue
			}
			used := remaining
			if used > b.RemainingQuantity {
				used = b.RemainingQuantity
			}
			resp.Lines = append(resp.Lines, domain.LoadPlanLine{
				BatchID:      b.ID,
				BatchNumber:  b.BatchNumber,
				ProductID:    b.ProductID,
				Quantity:     used,
				ExpiryDate:   b.ExpiryDate,
				ExpiringSoon: b.ExpiryDate.Before(soonCutoff),
			})
			remaining -= used
		}
	}

	_ = e.cache.Set(ctx, cacheKey, &resp, e.cacheTTL)
	return resp
}

func normalizeDemands(demands []domain.LoadDemand) []domain.LoadDemand {
	agg := make(map[string]int, len(demands))
	for _, d := range demands {
		if d.ProductID == "" || d.Quantity < 1 {
			continue
		}
		agg[d.ProductID] += d.Quantity
	}

	result := make([]domain.LoadDemand, 0, len(agg))
	for productID, qty := range agg {
		result = append(result, domain.LoadDemand{ProductID: productID, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result
}

func buildCacheKey(demands []domain.LoadDemand, batchesByProduct map[string][]domain.Batch) string {
	parts := make([]string, 0, len(demands)*4)
	for _, d := range demands {
		parts = append(parts, fmt.Sprintf("%s:%d", d.ProductID, d.Quantity))
		for _, b := range batchesByProduct[d.ProductID] {
			parts = append(parts, fmt.Sprintf("%s=%d", b.ID, b.RemainingQuantity))
		}
	}

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "milkrun:loadplan:" + hex.EncodeToString(hash[:])
}
