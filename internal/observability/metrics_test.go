package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDeliveryCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncDeliveryAttempt("SMS", "delivered")
	metrics.IncDeliveryAttempt("sms", "failed")
	metrics.ObserveDeliveryDuration("sms", 120*time.Millisecond)
	metrics.IncBulkheadInUse("sms")
	metrics.DecBulkheadInUse("sms")
	metrics.IncRetryScheduled("sms")
	metrics.IncResourceRejection("sms", "circuit_open")
	metrics.IncResourceRejection("sms", "too_many_requests")
	metrics.IncDeadLetter("sms", "retries_exhausted")
	metrics.IncStatusTransition("delivered")
	metrics.IncEventIngested("post.created", "submitted")
	metrics.IncDeduplicated()

	if got := testutil.ToFloat64(metrics.deliveryAttemptsTotal.WithLabelValues("sms", "delivered")); got != 1 {
		t.Fatalf("delivery_attempts_total{delivered} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveryAttemptsTotal.WithLabelValues("sms", "failed")); got != 1 {
		t.Fatalf("delivery_attempts_total{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("sms")); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.bulkheadInUse.WithLabelValues("sms")); got != 0 {
		t.Fatalf("bulkhead_in_use = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.resourceRejectionsTotal.WithLabelValues("sms", "circuit_open")); got != 1 {
		t.Fatalf("resource_rejections_total{circuit_open} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.resourceRejectionsTotal.WithLabelValues("sms", "too_many_requests")); got != 1 {
		t.Fatalf("resource_rejections_total{too_many_requests} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deadLettersTotal.WithLabelValues("sms", "retries_exhausted")); got != 1 {
		t.Fatalf("dead_letters_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.statusTransitionsTotal.WithLabelValues("delivered")); got != 1 {
		t.Fatalf("notification_status_transitions_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.eventsIngestedTotal.WithLabelValues("post.created", "submitted")); got != 1 {
		t.Fatalf("events_ingested_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deduplicatedCommandTotal); got != 1 {
		t.Fatalf("deduplicated_commands_total = %v, want 1", got)
	}
}

func TestMetricsCircuitBreakerState(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	tests := []struct {
		state string
		want  float64
	}{
		{state: "open", want: 2},
		{state: "half_open", want: 1},
		{state: "closed", want: 0},
	}

	for _, tt := range tests {
		metrics.SetCircuitBreakerState("email", tt.state)
		if got := testutil.ToFloat64(metrics.circuitBreakerState.WithLabelValues("email")); got != tt.want {
			t.Fatalf("circuit_breaker_state after %s = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestMetricsNilReceiverIsNoop(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncDeliveryAttempt("email", "sent")
	metrics.IncResourceRejection("email", "circuit_open")
	metrics.SetCircuitBreakerState("email", "open")
	metrics.IncDeduplicated()
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareUsesErrorStatus(t *testing.T) {
	t.Parallel()

	errMissing := errors.New("missing")
	metrics := NewMetrics()
	metrics.SetErrorStatus(func(err error) int {
		if errors.Is(err, errMissing) {
			return fiber.StatusNotFound
		}
		return fiber.StatusInternalServerError
	})
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/things/:id", func(c *fiber.Ctx) error {
		return errMissing
	})

	req := httptest.NewRequest("GET", "/things/42", nil)
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/things/:id", "404")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
