package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docharvest/internal/config"
	"docharvest/internal/metrics"
	"docharvest/internal/model"
	"docharvest/internal/store"
)

type Server struct {
	app    *fiber.App
	config *config.Config
	store  *store.Store
	logger *slog.Logger
}

func NewServer(cfg *config.Config, st *store.Store, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit: 32 << 20,
	})

	// Inject config and store into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("store", st)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		if logger != nil {
			c.Locals("logger", logger)
		}

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds())
		}

		return err
	})

	// Redis client for rate limiting and deep health checks
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		if opt, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			rdb = redis.NewClient(opt)
		} else if logger != nil {
			logger.Warn("redis url unparseable, rate limiting disabled", "error", err)
		}
	}

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check state store and Redis connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := st.DB().PingContext(ctx); err != nil {
			dbStatus = "error"
		}

		redisStatus := "disabled"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		browserStatus := "disabled"
		if cfg.Rod.Enabled {
			browserStatus = "enabled"
		}

		status := "ok"
		if dbStatus != "ok" || redisStatus == "error" {
			status = "error"
		}

		return c.JSON(fiber.Map{
			"status":  status,
			"db":      dbStatus,
			"redis":   redisStatus,
			"browser": browserStatus,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	var rateMw fiber.Handler
	if rdb != nil {
		rateMw = rateLimitMiddleware(cfg, rdb)
	} else {
		rateMw = func(c *fiber.Ctx) error { return c.Next() }
	}

	api := app.Group("/api", rateMw)
	registerAPIRoutes(api)

	return &Server{
		app:    app,
		config: cfg,
		store:  st,
		logger: logger,
	}
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

func registerAPIRoutes(group fiber.Router) {
	group.Get("/stats", statsHandler)
	group.Get("/active-jobs", activeJobsHandler)

	group.Get("/crawl-jobs", listJobsHandler(model.KindCrawl))
	group.Post("/crawl-jobs", createCrawlJobHandler)
	group.Get("/crawl-jobs/:id", jobDetailHandler(model.KindCrawl))
	group.Post("/crawl-jobs/:id/cancel", cancelJobHandler(model.KindCrawl))
	group.Get("/crawl-jobs/:id/pdfs", jobPDFsHandler(model.KindCrawl))

	group.Post("/bulk-upload", bulkUploadHandler)
	group.Get("/bulk-upload-jobs", listJobsHandler(model.KindBulk))
	group.Get("/bulk-upload-jobs/:id", jobDetailHandler(model.KindBulk))
	group.Post("/bulk-upload-jobs/:id/cancel", cancelJobHandler(model.KindBulk))
	group.Get("/bulk-upload-jobs/:id/pdfs", jobPDFsHandler(model.KindBulk))

	group.Get("/schedules", listSchedulesHandler)
	group.Get("/schedules/:id", scheduleDetailHandler)
	group.Delete("/schedules/:id", deleteScheduleHandler)
}
