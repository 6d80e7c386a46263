// Package http exposes the operational HTTP surface.
package http

import (
	"context"
	"time"

	"pipeline_server/adapter/in/worker"
	"pipeline_server/core/domain"
	"pipeline_server/core/service/sync"
	"pipeline_server/infra/database"
	"pipeline_server/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

type HealthHandler struct {
	db        *pgxpool.Pool
	redis     *redis.Client
	mongo     *mongo.Client
	pool      *worker.Pool
	scheduler *sync.Scheduler
	budget    *ratelimit.TokenBudget
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func NewHealthHandlerWithDeps(
	db *pgxpool.Pool,
	rdb *redis.Client,
	mdb *mongo.Client,
	pool *worker.Pool,
	scheduler *sync.Scheduler,
	budget *ratelimit.TokenBudget,
) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     rdb,
		mongo:     mdb,
		pool:      pool,
		scheduler: scheduler,
		budget:    budget,
	}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/stats", h.Stats)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check PostgreSQL
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
	}

	// Check Redis
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	// Check MongoDB
	if h.mongo != nil {
		if err := h.mongo.Ping(ctx, nil); err != nil {
			checks["mongodb"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["mongodb"] = "healthy"
		}
	} else {
		checks["mongodb"] = "not configured"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Stats reports runtime counters for dashboards and debugging.
func (h *HealthHandler) Stats(c *fiber.Ctx) error {
	stats := fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.pool != nil {
		m := h.pool.GetMetrics()
		stats["pool"] = fiber.Map{
			"jobs_processed": m.JobsProcessed,
			"jobs_failed":    m.JobsFailed,
			"jobs_dropped":   m.JobsDropped,
			"avg_process_ms": m.AvgProcessTime,
			"queue_size":     m.QueueSize,
		}
	}

	if h.scheduler != nil {
		snap := h.scheduler.Snapshot()
		byState := make(map[string]int)
		for _, job := range snap {
			byState[string(job.State)]++
		}
		stats["scheduler"] = fiber.Map{
			"tracked_jobs": len(snap),
			"by_state":     byState,
		}
	}

	if h.budget != nil {
		stats["ai_budget"] = fiber.Map{
			"gmail":   h.budget.Available(domain.MailProviderGmail),
			"outlook": h.budget.Available(domain.MailProviderOutlook),
		}
	}

	if h.db != nil {
		stats["postgres"] = database.GetPoolStats(h.db)
	}
	if h.redis != nil {
		stats["redis"] = database.GetRedisStats(h.redis)
	}

	return c.JSON(stats)
}
