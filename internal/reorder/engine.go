package reorder

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"mayorista/backend/internal/cache"
	"mayorista/backend/internal/domain"
)

// Engine ranks products by replenishment urgency: stock cover against the
// minimum threshold, recent sales velocity and margin contribution.
type Engine struct {
	cache    cache.SuggestionCache
	cacheTTL time.Duration
	minScore float64
}

func NewEngine(cacheStore cache.SuggestionCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopSuggestionCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		minScore: 0.30,
	}
}

func (e *Engine) Suggest(
	ctx context.Context,
	products []domain.Product,
	soldLast30 map[string]float64,
	generatedAt time.Time,
) domain.ReorderSuggestionResponse {
	cacheKey := buildCacheKey(products, soldLast30)
	if cached, ok, err := e.cache.Get(ctx, cacheKey); err == nil && ok {
		return *cached
	}

	maxSold := 0.0
	for _, sold := range soldLast30 {
		if sold > maxSold {
			maxSold = sold
		}
	}

	suggestions := make([]domain.ReorderSuggestion, 0)
	for _, product := range products {
		if !product.Active {
			continue
		}

		sold := soldLast30[product.ID]
		coverScore := 1.0
		if product.MinStock > 0 {
			coverScore = clamp(1.0-product.Stock/(product.MinStock*2), 0, 1)
		} else if product.Stock > 0 {
			coverScore = 0
		}
		velocityScore := 0.0
		if maxSold > 0 {
			velocityScore = clamp(sold/maxSold, 0, 1)
		}
		marginScore := 0.0
		if product.CostPrice > 0 {
			marginScore = clamp((product.WholesalePrice-product.CostPrice)/product.CostPrice, 0, 1)
		}

		score := 0.55*coverScore + 0.30*velocityScore + 0.15*marginScore
		if score < e.minScore {
			continue
		}

		// Cover the minimum threshold twice over, or two weeks of the
		// observed velocity, whichever is larger.
		suggestedQty := product.MinStock*2 - product.Stock
		if velocityQty := sold / 30 * 14; velocityQty > suggestedQty {
			suggestedQty = velocityQty
		}
		suggestedQty = math.Ceil(suggestedQty)
		if suggestedQty <= 0 {
			continue
		}

		suggestions = append(suggestions, domain.ReorderSuggestion{
			ProductID:      product.ID,
			Code:           product.Code,
			Name:           product.Name,
			Category:       product.Category,
			CurrentStock:   product.Stock,
			MinStock:       product.MinStock,
			SoldLast30Days: sold,
			SuggestedQty:   suggestedQty,
			EstimatedCost:  round2(suggestedQty * product.CostPrice),
			Score:          round2(score),
			ReasonCode:     deriveReason(coverScore, velocityScore, marginScore),
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score == suggestions[j].Score {
			return suggestions[i].Code < suggestions[j].Code
		}
		return suggestions[i].Score > suggestions[j].Score
	})

	resp := domain.ReorderSuggestionResponse{
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
		Suggestions: suggestions,
	}
	_ = e.cache.Set(ctx, cacheKey, &resp, e.cacheTTL)
	return resp
}

func deriveReason(coverScore float64, velocityScore float64, marginScore float64) string {
	type reasonWeight struct {
		code  string
		value float64
	}

	reasons := []reasonWeight{
		{code: "below_minimum_stock", value: coverScore},
		{code: "high_sales_velocity", value: velocityScore},
		{code: "high_margin_product", value: marginScore},
	}

	sort.Slice(reasons, func(i, j int) bool {
		return reasons[i].value > reasons[j].value
	})
	return reasons[0].code
}

func buildCacheKey(products []domain.Product, soldLast30 map[string]float64) string {
	parts := make([]string, 0, len(products))
	for _, p := range products {
		parts = append(parts, fmt.Sprintf("%s:%.2f:%.2f:%.2f", p.ID, p.Stock, p.MinStock, soldLast30[p.ID]))
	}
	sort.Strings(parts)

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "pos:reorder:" + hex.EncodeToString(hash[:])
}

func clamp(val float64, minVal float64, maxVal float64) float64 {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
