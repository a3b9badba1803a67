package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/openmic/greenroom/internal/agent/telemetry"
	"github.com/openmic/greenroom/internal/store"
)

const insightsCacheKey = "greenroom:insights"

// InsightsHandler aggregates the corpus into a dashboard payload. Every
// sub-aggregate is independently best-effort: a failing query logs and
// contributes its empty default instead of failing the response.
type InsightsHandler struct {
	Store     *store.Store
	Telemetry *telemetry.Telemetry
	Rdb       *redis.Client // optional; nil disables caching
	CacheTTL  time.Duration
	Logger    *log.Logger
}

func (h *InsightsHandler) Register(api *echo.Group) {
	api.GET("/insights", h.getInsights)
}

func (h *InsightsHandler) getInsights(c echo.Context) error {
	ctx := c.Request().Context()

	if cached := h.readCache(ctx); cached != nil {
		return c.JSONBlob(http.StatusOK, cached)
	}

	out := map[string]interface{}{
		"summary":             h.summary(ctx),
		"risk_distribution":   map[string]int{},
		"energy_distribution": map[string]int{},
		"divergence_trend":    []store.TrendPoint{},
		"top_conflicts":       []store.LabelCount{},
		"successful_modes":    []store.LabelCount{},
	}

	if dist, err := h.Store.RiskDistribution(ctx); err != nil {
		h.Logger.Printf("risk distribution query failed: %v", err)
	} else {
		out["risk_distribution"] = dist
	}
	if dist, err := h.Store.EnergyDistribution(ctx); err != nil {
		h.Logger.Printf("energy distribution query failed: %v", err)
	} else {
		out["energy_distribution"] = dist
	}
	if trend, err := h.Store.DivergenceTrend(ctx, 30); err != nil {
		h.Logger.Printf("divergence trend query failed: %v", err)
	} else if trend != nil {
		out["divergence_trend"] = trend
	}
	if conflicts, err := h.Store.TopConflicts(ctx, 10); err != nil {
		h.Logger.Printf("top conflicts query failed: %v", err)
	} else if conflicts != nil {
		out["top_conflicts"] = conflicts
	}
	if tags, err := h.Store.TopTagsByFunny(ctx, 10); err != nil {
		h.Logger.Printf("top tags query failed: %v", err)
	} else if tags != nil {
		out["successful_modes"] = tags
	}

	h.writeCache(ctx, out)
	return c.JSON(http.StatusOK, out)
}

func (h *InsightsHandler) summary(ctx context.Context) map[string]interface{} {
	summary := map[string]interface{}{
		"analyses":  0,
		"reactions": 0,
	}
	if analyses, reactions, err := h.Store.CountAnalyses(ctx); err != nil {
		h.Logger.Printf("count query failed: %v", err)
	} else {
		summary["analyses"] = analyses
		summary["reactions"] = reactions
	}
	cost, tokens := h.Telemetry.Spend()
	summary["total_cost"] = cost
	summary["total_tokens"] = tokens
	return summary
}

// readCache returns the cached JSON blob or nil. Cache misses and redis
// failures are equivalent: recompute.
func (h *InsightsHandler) readCache(ctx context.Context) []byte {
	if h.Rdb == nil {
		return nil
	}
	raw, err := h.Rdb.Get(ctx, insightsCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			h.Logger.Printf("insights cache read failed: %v", err)
		}
		return nil
	}
	return raw
}

func (h *InsightsHandler) writeCache(ctx context.Context, payload map[string]interface{}) {
	if h.Rdb == nil || h.CacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.Rdb.Set(ctx, insightsCacheKey, data, h.CacheTTL).Err(); err != nil {
		h.Logger.Printf("insights cache write failed: %v", err)
	}
}
