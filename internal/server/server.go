package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/openmic/greenroom/config"
	"github.com/openmic/greenroom/internal/agent/core"
	"github.com/openmic/greenroom/internal/agent/telemetry"
	"github.com/openmic/greenroom/internal/store"
)

// Run wires the whole service together and blocks serving HTTP on addr.
func Run(addr string, cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	// Best-effort: a DB already at the current schema makes this a no-op.
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations skipped: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry, log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags))
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch, err := core.NewOrchestrator(cfg, orchLogger, tele, st)
	if err != nil {
		return err
	}

	// Redis is optional: without it the insights endpoint just recomputes
	// on every request.
	var rdb *redis.Client
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			baseLogger.Printf("redis unavailable, insights cache disabled: %v", err)
			rdb = nil
		}
	}

	api := e.Group("/api")
	ah := &AnalysesHandler{
		Store:  st,
		Orch:   orch,
		Cfg:    cfg,
		Logger: log.New(log.Writer(), "[ANALYSES] ", log.LstdFlags),
	}
	ah.Register(api)

	ih := &InsightsHandler{
		Store:     st,
		Telemetry: tele,
		Rdb:       rdb,
		CacheTTL:  cfg.Storage.Redis.CacheTTL,
		Logger:    log.New(log.Writer(), "[INSIGHTS] ", log.LstdFlags),
	}
	ih.Register(api)

	return e.Start(addr)
}
