package price

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sawpanic/signalrun/internal/net/httpclient"
	"github.com/sawpanic/signalrun/internal/providers"
)

// FailKind classifies why the service could not answer.
type FailKind string

const (
	// FailUnavailable: the token is known to exist (or the symbol was
	// refused) but no source can price it right now.
	FailUnavailable FailKind = "price_unavailable"
	// FailAllProviders: every provider in the chain failed and at least one
	// failure was transient, so the answer may exist on retry.
	FailAllProviders FailKind = "provider_all_failed"
	// FailDeadToken: the historical archive explicitly reported no data and
	// no provider disagreed. The token had no market at that time.
	FailDeadToken FailKind = "dead_token"
	// FailRateBudget: our own daily budgets are spent on every provider
	// that could have answered.
	FailRateBudget FailKind = "rate_budget_exhausted"
)

// Error is the structured failure of one service operation. Causes keeps
// the per-provider errors in chain order.
type Error struct {
	Kind   FailKind
	Op     string
	Token  string
	Causes []error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Op, e.Token, e.Kind)
	for _, c := range e.Causes {
		b.WriteString("; ")
		b.WriteString(c.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error { return e.Causes }

// IsKind reports whether err is a price.Error of the given kind.
func IsKind(err error, kind FailKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// IsDeadToken reports the dead-token condition callers skip rather than
// fail on.
func IsDeadToken(err error) bool { return IsKind(err, FailDeadToken) }

// classify folds the per-provider failures of one exhausted chain into the
// service-level kind.
//
// Rules: budget exhaustion anywhere marks the whole answer budget-bound
// once no provider succeeded for another reason; an explicit archive
// "no data" makes the token dead only when every other failure was also
// definitive (no data / not found), because a timeout leaves the question
// open.
func classify(op, token string, causes []error) *Error {
	e := &Error{Op: op, Token: token, Causes: causes}

	var sawNoData, sawTransient, sawBudget bool
	for _, c := range causes {
		if errors.Is(c, providers.ErrNoData) {
			sawNoData = true
			continue
		}
		pe, ok := httpclient.AsProviderError(c)
		if !ok {
			sawTransient = true
			continue
		}
		switch {
		case pe.BudgetExhausted:
			sawBudget = true
		case pe.Kind == httpclient.KindNotFound:
			// definitive: the provider cannot have this answer
		default:
			sawTransient = true
		}
	}

	switch {
	case sawNoData && !sawTransient && !sawBudget:
		e.Kind = FailDeadToken
	case sawBudget && !sawTransient:
		e.Kind = FailRateBudget
	default:
		e.Kind = FailAllProviders
	}
	return e
}
