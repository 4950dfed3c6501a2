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

	"github.com/mohammad-safakhou/prosearch/config"
	"github.com/mohammad-safakhou/prosearch/internal/agent/core"
	"github.com/mohammad-safakhou/prosearch/internal/agent/fetch"
	"github.com/mohammad-safakhou/prosearch/internal/agent/telemetry"
	"github.com/mohammad-safakhou/prosearch/internal/runtime"
	"github.com/mohammad-safakhou/prosearch/internal/store"
)

// Run wires every dependency and serves the HTTP API until the process
// exits.
func Run(cfg *config.Config) error {
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
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s:%d): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
	}

	tele := telemetry.New(cfg.Telemetry, nil)
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch, err := core.NewOrchestrator(cfg, tele, orchLogger)
	if err != nil {
		return err
	}
	if cfg.Research.FetchFullContent {
		orch.SetFetcher(fetch.New(cfg.Fetch))
	}

	index, err := store.NewSourceIndex()
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	auth := &AuthHandler{Store: st, Secret: secret}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(runtime.EchoAuthMiddleware(secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"user_id": c.Get("user_id").(string)})
	})

	rh := &ResearchHandler{
		Store:  st,
		Cache:  store.NewStatusCache(rdb),
		Index:  index,
		Orch:   orch,
		Logger: log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
	rh.Register(api, secret)

	th := &TopicsHandler{Store: st}
	th.Register(api.Group("/topics"), secret)

	sched := &Scheduler{
		Store:  st,
		Stop:   make(chan struct{}),
		Rdb:    rdb,
		Runner: rh,
		Logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
	sched.Start()
	defer close(sched.Stop)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10010"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
