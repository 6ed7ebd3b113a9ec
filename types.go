package admission

import (
	"math"
	"time"
)

// Tier is a named subscription level.
type Tier string

// Well-known tiers. The full set is closed by configuration.
const (
	TierFree      Tier = "free"
	TierPremium   Tier = "premium"
	TierUnlimited Tier = "unlimited"
)

// RequestClass tags an inbound request with the quota bucket it draws from.
type RequestClass string

// Account is a caller identity with its subscription tier.
type Account struct {
	ID        string
	Tier      Tier
	CreatedAt time.Time
}

// Outcome is the verdict of an admission decision.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Reason explains a deny outcome. Allow decisions carry an empty reason.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonRateLimitExceeded Reason = "rate_limit_exceeded"
	ReasonBudgetExceeded    Reason = "budget_exceeded"
	ReasonUnknownAccount    Reason = "unknown_account"
	ReasonUnknownClass      Reason = "unknown_class"
	ReasonInvalidCost       Reason = "invalid_cost"
	ReasonStoreUnavailable  Reason = "store_unavailable"
)

// Decision is the result of evaluating a single request.
// Decisions are never persisted; they are reported to the Meter.
type Decision struct {
	ID         string
	Outcome    Outcome
	Reason     Reason
	RetryAfter time.Duration // zero unless Reason is ReasonRateLimitExceeded
	AccountID  string
	Tier       Tier
	Class      RequestClass // as sent by the caller
	Degraded   bool         // allowed without consulting the store (fail-open)

	// EvaluatedAs is the configured class whose limits applied. It differs
	// from Class when an unknown class falls back to the most restrictive
	// one, and is empty when the account or class could not be resolved.
	EvaluatedAs RequestClass
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// RetryAfterSeconds returns the retry hint in whole seconds, or nil when
// the caller must not retry automatically.
func (d Decision) RetryAfterSeconds() *int64 {
	if d.Reason != ReasonRateLimitExceeded || d.RetryAfter <= 0 {
		return nil
	}
	secs := int64(math.Ceil(d.RetryAfter.Seconds()))
	return &secs
}

// Err returns the sentinel error matching a deny reason, or nil on allow.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonNone:
		return nil
	case ReasonRateLimitExceeded:
		return ErrRateLimited
	case ReasonBudgetExceeded:
		return ErrBudgetExceeded
	case ReasonUnknownAccount:
		return ErrUnknownAccount
	case ReasonUnknownClass:
		return ErrUnknownClass
	case ReasonInvalidCost:
		return ErrInvalidCost
	default:
		return ErrStoreUnavailable
	}
}
