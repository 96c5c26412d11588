package domain

import "errors"

var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrDuplicate            = errors.New("duplicate notification")
	ErrNoDeliverableChannel = errors.New("no deliverable channel")
)

// ErrorKind is the coded failure reason stored on attempts and dead letters.
type ErrorKind string

const (
	ErrorKindMissingContactInfo   ErrorKind = "missing_contact_info"
	ErrorKindInvalidChannel       ErrorKind = "invalid_channel"
	ErrorKindProviderError        ErrorKind = "provider_error"
	ErrorKindTimeout              ErrorKind = "timeout"
	ErrorKindRateLimited          ErrorKind = "rate_limited"
	ErrorKindTooManyRequests      ErrorKind = "too_many_requests"
	ErrorKindCircuitOpen          ErrorKind = "circuit_open"
	ErrorKindRetriesExhausted     ErrorKind = "retries_exhausted"
	ErrorKindNoDeliverableChannel ErrorKind = "no_deliverable_channel"
)

func (k ErrorKind) String() string { return string(k) }

// IsResourceExhaustion reports whether the kind was produced by the local
// resilience layer rather than by a provider.
func (k ErrorKind) IsResourceExhaustion() bool {
	return k == ErrorKindTooManyRequests || k == ErrorKindCircuitOpen
}

// IsValidation reports kinds that are never retried and never count as a
// channel failure.
func (k ErrorKind) IsValidation() bool {
	return k == ErrorKindMissingContactInfo || k == ErrorKindInvalidChannel
}
