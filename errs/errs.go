// Package errs provides structured error types shared across MarketPrism services.
package errs

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies an error category with a distinct handling policy.
type Kind string

const (
	// KindNetwork indicates a transient transport failure.
	KindNetwork Kind = "network"
	// KindRateLimited indicates the request exceeded an exchange rate budget.
	KindRateLimited Kind = "rate_limited"
	// KindIPBanned indicates the egress IP is banned until RetryAfter elapses.
	KindIPBanned Kind = "ip_banned"
	// KindProtocol indicates a malformed payload, sequence gap, or checksum mismatch.
	KindProtocol Kind = "protocol"
	// KindStorage indicates a ClickHouse connectivity or insert failure.
	KindStorage Kind = "storage"
	// KindConfig indicates invalid configuration detected at startup.
	KindConfig Kind = "config"
	// KindSchema indicates the storage schema does not match expectations.
	KindSchema Kind = "schema"
	// KindInvariant indicates a fatal internal invariant violation.
	KindInvariant Kind = "invariant"
)

// E captures structured error information produced across the MarketPrism stack.
type E struct {
	Component  string
	Kind       Kind
	HTTP       int
	Message    string
	RetryAfter time.Time

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error kind.
func New(component string, kind Kind, opts ...Option) *E {
	e := &E{Component: strings.TrimSpace(component), Kind: kind}
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
	return func(e *E) { e.Message = trimmed }
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithRetryAfter records the instant before which the operation must not be retried.
func WithRetryAfter(t time.Time) Option {
	return func(e *E) { e.RetryAfter = t }
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// Error renders the envelope as component: kind: message (cause).
func (e *E) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString(e.Component)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.HTTP != 0 {
		fmt.Fprintf(&b, " (http %d)", e.HTTP)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *E) Unwrap() error { return e.cause }

// Is matches envelopes by kind so callers can branch with errors.Is.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Component != "" && t.Component != e.Component {
		return false
	}
	return true
}

// KindOf extracts the kind from err when it carries an envelope.
func KindOf(err error) Kind {
	e := AsE(err)
	if e == nil {
		return ""
	}
	return e.Kind
}

// AsE unwraps err to the first envelope in its chain, or nil.
func AsE(err error) *E {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// Retryable reports whether the error kind permits a local retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited, KindStorage:
		return true
	default:
		return false
	}
}
