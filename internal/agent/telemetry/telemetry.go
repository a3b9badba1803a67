package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/openmic/greenroom/config"
)

var (
	analysesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenroom_analyses_total",
		Help: "Number of analyses started.",
	})
	perspectiveFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenroom_perspective_failures_total",
		Help: "Perspective workers that produced no usable reaction.",
	}, []string{"perspective"})
	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenroom_llm_tokens_total",
		Help: "LLM tokens consumed.",
	}, []string{"model", "direction"})
)

// Telemetry tracks processing metrics and LLM spend.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	mu sync.RWMutex
	// processing metrics
	TotalAnalyses      int64
	FailedPerspectives int64
	// cost tracking
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
	lastEvent   time.Time
}

// NewTelemetry creates a telemetry instance.
func NewTelemetry(cfg config.TelemetryConfig, logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	return &Telemetry{
		config:     cfg,
		logger:     logger,
		ModelCosts: make(map[string]float64),
	}
}

// RecordAnalysisStart counts a new analysis request.
func (t *Telemetry) RecordAnalysisStart() {
	if t == nil || !t.config.Enabled {
		return
	}
	analysesTotal.Inc()
	t.mu.Lock()
	t.TotalAnalyses++
	t.lastEvent = time.Now()
	t.mu.Unlock()
}

// RecordPerspectiveFailure counts an isolated worker failure.
func (t *Telemetry) RecordPerspectiveFailure(perspective string) {
	if t == nil || !t.config.Enabled {
		return
	}
	perspectiveFailures.WithLabelValues(perspective).Inc()
	t.mu.Lock()
	t.FailedPerspectives++
	t.mu.Unlock()
}

// RecordLLMUsage accumulates token counts and cost for one provider call.
func (t *Telemetry) RecordLLMUsage(model string, inputTokens, outputTokens int64, cost float64) {
	if t == nil || !t.config.Enabled {
		return
	}
	llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	if !t.config.CostTracking {
		return
	}
	t.mu.Lock()
	t.ModelCosts[model] += cost
	t.TotalCost += cost
	t.TotalTokens += inputTokens + outputTokens
	t.mu.Unlock()
}

// Spend returns the accumulated cost and token totals.
func (t *Telemetry) Spend() (cost float64, tokens int64) {
	if t == nil {
		return 0, 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.TotalCost, t.TotalTokens
}
