package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kursadbilgin/notification-engine/internal/domain"
)

// ErrMissingContactInfo is returned before any provider call when the
// user lacks the contact field the channel needs.
var ErrMissingContactInfo = errors.New("missing contact info")

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	Kind       domain.ErrorKind
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrMissingContactInfo) || errors.Is(err, domain.ErrValidation) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// KindOf maps an adapter error to its coded failure kind.
func KindOf(err error) domain.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingContactInfo):
		return domain.ErrorKindMissingContactInfo
	case errors.Is(err, domain.ErrValidation):
		return domain.ErrorKindInvalidChannel
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Kind != "" {
		return providerErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorKindTimeout
	}
	return domain.ErrorKindProviderError
}

// IsNonRetryable reports errors that must neither be retried nor count
// against a channel's circuit breaker.
func IsNonRetryable(err error) bool {
	return KindOf(err).IsValidation()
}

// IsBreakerSuccess reports outcomes that must not count as a channel
// failure: success, validation errors and caller cancellation.
func IsBreakerSuccess(err error) bool {
	return err == nil || IsNonRetryable(err) || errors.Is(err, context.Canceled)
}
