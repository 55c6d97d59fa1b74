package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a provider failure. The fetcher retries Transport and
// RateLimited only; everything else fails the attempt immediately and lets
// the fallback chain decide.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindNotFound    Kind = "not_found"
	KindAuth        Kind = "auth"
	KindParse       Kind = "parse"
	KindTransport   Kind = "transport"
)

// ProviderError is the structured failure every provider call resolves to.
type ProviderError struct {
	Provider   string
	Kind       Kind
	StatusCode int
	// RetryAfter carries the server-advised wait on 429 responses.
	RetryAfter time.Duration
	// BudgetExhausted marks a rate failure caused by our own daily budget
	// rather than an upstream 429. Not retryable: waiting within one
	// request deadline cannot refill a daily budget.
	BudgetExhausted bool
	// Permanent forces Retryable() false regardless of Kind (open circuit
	// breaker, for one).
	Permanent bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.StatusCode)
	}
	if e.BudgetExhausted {
		msg += " (daily budget)"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt against the same provider can
// help.
func (e *ProviderError) Retryable() bool {
	if e.BudgetExhausted || e.Permanent {
		return false
	}
	return e.Kind == KindTransport || e.Kind == KindRateLimited
}

// AsProviderError unwraps err to its ProviderError if it carries one.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsKind reports whether err is a ProviderError of the given kind.
func IsKind(err error, kind Kind) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Kind == kind
}
