// Package errs provides structured error types shared across venuegate services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category surfaced by the gateway.
type Code string

const (
	// CodeConnection indicates a venue session failure; transient until the
	// retry bound is exhausted, terminal afterwards.
	CodeConnection Code = "connection"
	// CodeOrder indicates a venue-side order rejection or a post-submission
	// operational failure. Never auto-retried.
	CodeOrder Code = "order"
	// CodeValidation indicates locally rejected input, always caller-correctable.
	CodeValidation Code = "validation"
	// CodeMarketData indicates a market data subscription failure; non-fatal.
	CodeMarketData Code = "market_data"
	// CodePersistence indicates the local store is unavailable.
	CodePersistence Code = "persistence"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates a malformed request outside order validation.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates a saturated or closed internal resource.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the gateway stack.
type E struct {
	Op        string
	Code      Code
	Message   string
	VenueCode int
	RawMsg    string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given operation and code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{Op: strings.TrimSpace(op), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable reason to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithVenueCode records the venue's numeric error code.
func WithVenueCode(code int) Option {
	return func(e *E) {
		e.VenueCode = code
	}
}

// WithRawMessage captures the raw venue error text so the original reason
// survives wrapping.
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

	if e.VenueCode != 0 {
		parts = append(parts, "venue_code="+strconv.Itoa(e.VenueCode))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
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

// CodeOf extracts the gateway error code from err, walking the unwrap chain.
// Errors outside the taxonomy report an empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Connection returns a standardized connection error.
func Connection(op, msg string, opts ...Option) *E {
	return New(op, CodeConnection, append([]Option{WithMessage(msg)}, opts...)...)
}

// Validation returns a standardized local validation error.
func Validation(op, msg string) *E {
	return New(op, CodeValidation, WithMessage(msg))
}
