package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API, dispatch and ingestion flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	deliveryAttemptsTotal    *prometheus.CounterVec
	deliveryDuration         *prometheus.HistogramVec
	bulkheadInUse            *prometheus.GaugeVec
	resourceRejectionsTotal  *prometheus.CounterVec
	retryScheduledTotal      *prometheus.CounterVec
	deadLettersTotal         *prometheus.CounterVec
	statusTransitionsTotal   *prometheus.CounterVec
	eventsIngestedTotal      *prometheus.CounterVec
	circuitBreakerState      *prometheus.GaugeVec
	deduplicatedCommandTotal prometheus.Counter

	errorStatus func(error) int
}

const metricsNamespace = "notification_engine"

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		deliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_attempts_total",
				Help:      "Delivery attempts grouped by channel and result.",
			},
			[]string{"channel", "result"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_duration_seconds",
				Help:      "Provider call duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		bulkheadInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "bulkhead_in_use",
				Help:      "Bulkhead slots currently held grouped by channel.",
			},
			[]string{"channel"},
		),
		resourceRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "resource_rejections_total",
				Help:      "Dispatches rejected by an open circuit or a saturated bulkhead.",
			},
			[]string{"channel", "reason"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of channel retries scheduled.",
			},
			[]string{"channel"},
		),
		deadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dead_letters_total",
				Help:      "Channel deliveries moved to the dead-letter store.",
			},
			[]string{"channel", "kind"},
		),
		statusTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notification_status_transitions_total",
				Help:      "Notification status transitions grouped by target status.",
			},
			[]string{"status"},
		),
		eventsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_ingested_total",
				Help:      "Inbound domain events grouped by event type and result.",
			},
			[]string{"event_type", "result"},
		),
		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per channel (0 closed, 1 half_open, 2 open).",
			},
			[]string{"channel"},
		),
		deduplicatedCommandTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deduplicated_commands_total",
				Help:      "Send commands suppressed by the deduplication guard.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveryAttemptsTotal,
		m.deliveryDuration,
		m.bulkheadInUse,
		m.resourceRejectionsTotal,
		m.retryScheduledTotal,
		m.deadLettersTotal,
		m.statusTransitionsTotal,
		m.eventsIngestedTotal,
		m.circuitBreakerState,
		m.deduplicatedCommandTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetErrorStatus installs the mapping the error handler applies, so
// request counters label handler errors with the status actually sent.
func (m *Metrics) SetErrorStatus(fn func(error) int) {
	if m == nil {
		return
	}
	m.errorStatus = fn
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		status := statusFromResult(c, err)
		if err != nil && m != nil && m.errorStatus != nil {
			status = m.errorStatus(err)
		}
		m.recordHTTPRequest(c.Method(), path, status, time.Since(start))
		return err
	}
}

// IncDeliveryAttempt counts one attempt; result is the attempt status.
func (m *Metrics) IncDeliveryAttempt(channel string, result string) {
	if m == nil {
		return
	}
	m.deliveryAttemptsTotal.WithLabelValues(normalizeChannel(channel), normalizeLabel(result)).Inc()
}

func (m *Metrics) ObserveDeliveryDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryDuration.WithLabelValues(normalizeChannel(channel)).Observe(seconds)
}

func (m *Metrics) IncBulkheadInUse(channel string) {
	if m == nil {
		return
	}
	m.bulkheadInUse.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) DecBulkheadInUse(channel string) {
	if m == nil {
		return
	}
	m.bulkheadInUse.WithLabelValues(normalizeChannel(channel)).Dec()
}

// IncResourceRejection counts circuit_open and too_many_requests separately
// from provider failures.
func (m *Metrics) IncResourceRejection(channel string, reason string) {
	if m == nil {
		return
	}
	m.resourceRejectionsTotal.WithLabelValues(normalizeChannel(channel), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncDeadLetter(channel string, kind string) {
	if m == nil {
		return
	}
	m.deadLettersTotal.WithLabelValues(normalizeChannel(channel), normalizeLabel(kind)).Inc()
}

func (m *Metrics) IncStatusTransition(status string) {
	if m == nil {
		return
	}
	m.statusTransitionsTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncEventIngested(eventType string, result string) {
	if m == nil {
		return
	}
	m.eventsIngestedTotal.WithLabelValues(normalizeLabel(eventType), normalizeLabel(result)).Inc()
}

func (m *Metrics) IncDeduplicated() {
	if m == nil {
		return
	}
	m.deduplicatedCommandTotal.Inc()
}

// SetCircuitBreakerState records a breaker state by name: closed, half_open or open.
func (m *Metrics) SetCircuitBreakerState(channel string, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "half_open":
		value = 1
	case "open":
		value = 2
	}
	m.circuitBreakerState.WithLabelValues(normalizeChannel(channel)).Set(value)
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeChannel(channel string) string {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
