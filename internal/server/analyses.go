package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openmic/greenroom/config"
	"github.com/openmic/greenroom/internal/agent/core"
	"github.com/openmic/greenroom/internal/store"
)

var analysesTracer trace.Tracer = otel.Tracer("greenroom/internal/server/analyses")

// AnalysesHandler serves the analysis pipeline endpoints: submit (SSE),
// fetch, history and similarity search.
type AnalysesHandler struct {
	Store  *store.Store
	Orch   *core.Orchestrator
	Cfg    *config.Config
	Logger *log.Logger
}

func (h *AnalysesHandler) Register(api *echo.Group) {
	analyses := api.Group("/analyses")
	analyses.POST("", h.submit)
	analyses.GET("/:id", h.get)

	history := api.Group("/history")
	history.GET("", h.listHistory)
	history.DELETE("/:id", h.deleteAnalysis)

	api.POST("/similar", h.similar)
}

type submitRequest struct {
	Line string `json:"line"`
}

// submit runs the whole pipeline for one line and streams its progress as
// Server-Sent Events. Validation failures are rejected before any frame is
// written; after the start event every failure is reported in-stream and the
// session always terminates with done.
func (h *AnalysesHandler) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	line := strings.TrimSpace(req.Line)
	if line == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "line is required")
	}

	ctx, span := analysesTracer.Start(c.Request().Context(), "AnalysesHandler.submit")
	defer span.End()
	// A client disconnect must not cancel in-flight perspective calls:
	// workers run to completion and their results are simply discarded
	// when emission fails.
	ctx = context.WithoutCancel(ctx)

	sess, err := newStreamSession(c, h.Cfg.Server.KeepAliveInterval)
	if err != nil {
		span.SetStatus(codes.Error, "streaming unsupported")
		return err
	}
	defer sess.Close()

	analysis := &core.Analysis{
		ID:        uuid.NewString(),
		Line:      line,
		CreatedAt: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("analysis.id", analysis.ID))

	_ = sess.emit("start", map[string]interface{}{"analysis_id": analysis.ID})
	roles := h.Orch.Roles()
	_ = sess.emit("progress", map[string]interface{}{
		"message": fmt.Sprintf("fanning out to %d perspectives", len(roles)),
	})

	sess.advance(sessionFanningOut)
	failures := h.Orch.FanOut(ctx, analysis, func(ev core.FanoutEvent) {
		if ev.Failure != nil {
			_ = sess.emit("progress", map[string]interface{}{
				"message": fmt.Sprintf("perspective %s skipped: %s", ev.Failure.Perspective, ev.Failure.Reason),
			})
			return
		}
		_ = sess.emit("progress", map[string]interface{}{
			"message": fmt.Sprintf("perspective %s settled", ev.Reaction.Perspective),
		})
		_ = sess.emit("result-primary", map[string]interface{}{
			"reactions": ev.Reactions,
			"angles":    ev.Angles,
		})
	})
	span.SetAttributes(
		attribute.Int("fanout.succeeded", len(analysis.Reactions)),
		attribute.Int("fanout.failed", len(failures)),
	)

	if err := h.Orch.PersistPartial(ctx, analysis); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.Logger.Printf("persist failed for %s: %v", analysis.ID, err)
		_ = sess.emit("error", map[string]interface{}{"message": "failed to persist analysis"})
		_ = sess.emit("done", map[string]interface{}{"analysis_id": analysis.ID})
		return nil
	}
	sess.advance(sessionPersisted)

	if h.Cfg.Analysis.SynthesisEnabled && len(analysis.Reactions) > 0 {
		sess.advance(sessionSynthesizing)
		read, ok := h.Orch.Synthesizer().Synthesize(ctx, analysis.ID, analysis.Line, analysis.Reactions)
		if !ok && len(analysis.Reactions) >= 2 {
			// Degraded, not fatal: the fallback record is still streamed
			// and persisted below.
			_ = sess.emit("error", map[string]interface{}{"message": "synthesis unavailable, returning fallback"})
		}
		if err := h.Orch.Store().SaveSynthesis(ctx, read); err != nil {
			h.Logger.Printf("saving synthesis for %s: %v", analysis.ID, err)
			_ = sess.emit("error", map[string]interface{}{"message": "failed to persist synthesis"})
		}
		analysis.Synthesis = &read
		_ = sess.emit("result-synthesis", map[string]interface{}{"synthesis": read})
	}

	_ = sess.emit("done", map[string]interface{}{"analysis_id": analysis.ID})
	return nil
}

// get returns every stored record for one analysis, optionally filtered to a
// single reaction (and its angles) via ?reaction_id=.
func (h *AnalysesHandler) get(c echo.Context) error {
	ctx, span := analysesTracer.Start(c.Request().Context(), "AnalysesHandler.get")
	defer span.End()
	analysisID := c.Param("id")
	if strings.TrimSpace(analysisID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "analysis id required")
	}
	span.SetAttributes(attribute.String("analysis.id", analysisID))

	reactions, angles, synthesis, err := h.Store.GetAnalysis(ctx, analysisID, c.QueryParam("reaction_id"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// A missing or deleted analysis reads as empty collections, not 404:
	// clients treat "nothing stored" as a displayable empty state.
	out := map[string]interface{}{
		"analysis_id": analysisID,
		"reactions":   reactions,
		"angles":      angles,
	}
	if synthesis != nil {
		out["synthesis"] = synthesis
	}
	return c.JSON(http.StatusOK, out)
}

// listHistory pages through past analyses, most recent first.
func (h *AnalysesHandler) listHistory(c echo.Context) error {
	ctx, span := analysesTracer.Start(c.Request().Context(), "AnalysesHandler.listHistory")
	defer span.End()

	limit := 20
	if val := strings.TrimSpace(c.QueryParam("limit")); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	offset := 0
	if val := strings.TrimSpace(c.QueryParam("offset")); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			offset = n
		}
	}

	items, total, err := h.Store.ListHistory(ctx, limit, offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.HistoryItem{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// deleteAnalysis removes one analysis and everything hanging off it.
func (h *AnalysesHandler) deleteAnalysis(c echo.Context) error {
	ctx, span := analysesTracer.Start(c.Request().Context(), "AnalysesHandler.deleteAnalysis")
	defer span.End()
	analysisID := c.Param("id")
	if strings.TrimSpace(analysisID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "analysis id required")
	}
	span.SetAttributes(attribute.String("analysis.id", analysisID))

	deleted, err := h.Store.DeleteAnalysis(ctx, analysisID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if deleted == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "analysis not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"deleted": deleted})
}

type similarRequest struct {
	Line              string `json:"line"`
	Limit             int    `json:"limit"`
	ExcludeAnalysisID string `json:"exclude_analysis_id"`
}

// similar finds previously analysed lines close to the given one. Embedding
// search runs first; when the embedder or the vector query fails the lexical
// index answers instead, and the caller cannot tell which path served it.
func (h *AnalysesHandler) similar(c echo.Context) error {
	var req similarRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	line := strings.TrimSpace(req.Line)
	if line == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "line is required")
	}
	limit := req.Limit
	if limit <= 0 || limit > 10 {
		limit = 5
	}

	ctx, span := analysesTracer.Start(c.Request().Context(), "AnalysesHandler.similar")
	defer span.End()

	hits, err := h.searchByEmbedding(ctx, line, limit, req.ExcludeAnalysisID)
	if err != nil {
		h.Logger.Printf("embedding search unavailable, falling back to lexical: %v", err)
		span.AddEvent("lexical fallback")
		hits, err = h.Store.SearchLexical(ctx, line, limit, req.ExcludeAnalysisID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return echo.NewHTTPError(http.StatusInternalServerError, "similarity search failed")
		}
	}
	if hits == nil {
		hits = []store.SimilarHit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"similar": hits})
}

func (h *AnalysesHandler) searchByEmbedding(ctx context.Context, line string, limit int, excludeID string) ([]store.SimilarHit, error) {
	vecs, err := h.Orch.LLM().Embed(ctx, []string{line})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedder returned no vector")
	}
	return h.Store.SearchByEmbedding(ctx, vecs[0], limit, excludeID)
}
