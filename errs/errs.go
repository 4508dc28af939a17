// Package errs provides structured error types shared across the engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a transport-level error category.
type Code string

const (
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeRateLimited indicates that the request exceeded exchange rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the exchange is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures engine-level failure categories surfaced to callers.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInvalidRequest indicates a validation failure that must not be retried.
	CanonicalInvalidRequest CanonicalCode = "invalid_request"
	// CanonicalInvalidQuantity indicates an order size at or below the exchange minimum.
	CanonicalInvalidQuantity CanonicalCode = "invalid_quantity"
	// CanonicalBelowMinNotional indicates the order notional is under the exchange floor.
	CanonicalBelowMinNotional CanonicalCode = "below_min_notional"
	// CanonicalInsufficientBalance indicates insufficient balance or margin.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalTransportFailure indicates exhausted retries against the exchange.
	CanonicalTransportFailure CanonicalCode = "transport_failure"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
)

// E captures structured error information produced across the engine.
type E struct {
	Op        string
	Code      Code
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:        strings.TrimSpace(op),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Transient reports whether the error may succeed on retry.
// Validation and exchange business errors are permanent; network faults,
// rate-limit signals, and 5xx responses are retryable.
func Transient(err error) bool {
	var e *E
	if !errors.As(err, &e) || e == nil {
		return false
	}
	switch e.Code {
	case CodeNetwork, CodeRateLimited, CodeUnavailable:
		return true
	case CodeExchange:
		return e.HTTP >= 500
	default:
		return false
	}
}

// CanonicalOf extracts the canonical category from err, or CanonicalUnknown.
func CanonicalOf(err error) CanonicalCode {
	var e *E
	if !errors.As(err, &e) || e == nil {
		return CanonicalUnknown
	}
	return e.Canonical
}

// IsCanonical reports whether err carries the given canonical category.
func IsCanonical(err error, code CanonicalCode) bool {
	return CanonicalOf(err) == code
}
