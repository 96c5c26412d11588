package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-engine/internal/resilience/bulkhead"
	"github.com/kursadbilgin/notification-engine/internal/resilience/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

type BrokerStatus interface {
	IsConnected() bool
}

type BreakerSnapshotter interface {
	Snapshots() []circuitbreaker.Snapshot
}

type BulkheadReporter interface {
	Usages() []bulkhead.Usage
}

// HealthDeps lists what the probes inspect. Nil members are reported as
// "disabled" and never fail readiness.
type HealthDeps struct {
	DB        *sql.DB
	Redis     *redis.Client
	Broker    BrokerStatus
	Breakers  BreakerSnapshotter
	Bulkheads BulkheadReporter
}

func RegisterHealthRoutes(app fiber.Router, deps HealthDeps) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(deps))
	app.Get("/health", HealthHandler(deps))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(deps HealthDeps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		checks, ready := runChecks(c.UserContext(), deps)

		status := "ready"
		statusCode := fiber.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	}
}

// HealthHandler reports dependency checks plus per-channel breaker and
// bulkhead state. An open breaker degrades the report but keeps 200.
func HealthHandler(deps HealthDeps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		checks, ready := runChecks(c.UserContext(), deps)

		breakers := []circuitbreaker.Snapshot{}
		if deps.Breakers != nil {
			breakers = deps.Breakers.Snapshots()
		}
		bulkheads := []bulkhead.Usage{}
		if deps.Bulkheads != nil {
			bulkheads = deps.Bulkheads.Usages()
		}

		status := "ok"
		statusCode := fiber.StatusOK
		for _, snap := range breakers {
			if snap.State != circuitbreaker.StateClosed {
				status = "degraded"
			}
		}
		if !ready {
			status = "down"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status":    status,
			"checks":    checks,
			"breakers":  breakers,
			"bulkheads": bulkheads,
		})
	}
}

func runChecks(parent context.Context, deps HealthDeps) (fiber.Map, bool) {
	ctx, cancel := context.WithTimeout(parent, readinessTimeout)
	defer cancel()

	ready := true
	checks := fiber.Map{}

	checks["postgres"] = "disabled"
	if deps.DB != nil {
		checks["postgres"] = "ok"
		if err := deps.DB.PingContext(ctx); err != nil {
			checks["postgres"] = "down"
			ready = false
		}
	}

	checks["redis"] = "disabled"
	if deps.Redis != nil {
		checks["redis"] = "ok"
		if err := deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
			ready = false
		}
	}

	checks["rabbitmq"] = "disabled"
	if deps.Broker != nil {
		checks["rabbitmq"] = "ok"
		if !deps.Broker.IsConnected() {
			checks["rabbitmq"] = "down"
			ready = false
		}
	}

	return checks, ready
}
