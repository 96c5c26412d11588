package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notification-engine/internal/domain"
	"golang.org/x/time/rate"
)

const defaultProviderTimeout = 10 * time.Second

// HTTPConfig configures one provider endpoint.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// RatePerSecond throttles calls locally; zero disables throttling.
	RatePerSecond float64
	Burst         int
}

// httpSender posts JSON payloads to a provider and classifies the response.
type httpSender struct {
	client   *resty.Client
	endpoint string
	apiKey   string
	limiter  *rate.Limiter
}

func newHTTPSender(cfg HTTPConfig, client *resty.Client) (*httpSender, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("provider endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid provider endpoint: %w", err)
	}

	if client == nil {
		client = resty.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(timeout)
	}
	// Retries are owned by the retry scheduler.
	client.SetRetryCount(0)

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &httpSender{
		client:   client,
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		limiter:  limiter,
	}, nil
}

func (s *httpSender) post(ctx context.Context, body any) (*Result, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, &ProviderError{
				Kind:      domain.ErrorKindRateLimited,
				Message:   "local provider throttle",
				Transient: !errors.Is(err, context.Canceled),
				Cause:     err,
			}
		}
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if s.apiKey != "" {
		req.SetAuthToken(s.apiKey)
	}

	response, err := req.Post(s.endpoint)
	if err != nil {
		kind := domain.ErrorKindProviderError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = domain.ErrorKindTimeout
		}
		return nil, &ProviderError{
			Kind:      kind,
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Kind:      domain.ErrorKindProviderError,
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		status := domain.AttemptDelivered
		if statusCode == http.StatusAccepted {
			status = domain.AttemptSent
		}
		return &Result{
			Status:      status,
			StatusCode:  statusCode,
			Body:        responseBody,
			ProviderRef: providerRef(response),
		}, nil
	}

	kind := domain.ErrorKindProviderError
	if statusCode == http.StatusTooManyRequests {
		kind = domain.ErrorKindRateLimited
	}
	return nil, &ProviderError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerRef(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}

// truncate shortens s to max runes, ending with suffix when cut.
func truncate(s string, max int, suffix string) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}

	cut := max - len([]rune(suffix))
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + suffix
}
