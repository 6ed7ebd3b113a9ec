// Package degrade turns admission denials into caller-side degradation
// strategies.
//
// A rate-limit denial is transient and may be retried after its hint. A
// budget denial lasts for the rest of the period and is never retried
// automatically.
package degrade

import (
	"fmt"
	"time"

	"github.com/ineyio/admission"
)

// Strategy is what the caller should do with a request.
type Strategy string

const (
	// StrategyProceed means the request was admitted.
	StrategyProceed Strategy = "proceed"
	// StrategyRetryLater queues the request until the retry hint elapses.
	StrategyRetryLater Strategy = "retry_later"
	// StrategyServeCached serves a cached or precomputed response now.
	StrategyServeCached Strategy = "serve_cached"
	// StrategyDowngrade switches to a cheaper code path for the rest of the period.
	StrategyDowngrade Strategy = "downgrade"
	// StrategyHardError surfaces a non-retryable error to the end user.
	StrategyHardError Strategy = "hard_error"
	// StrategyConfigBug rejects the request and should be logged loudly.
	StrategyConfigBug Strategy = "config_bug"
)

// Options describes the fallbacks available to a caller.
type Options struct {
	HasCache     bool          // a cached/precomputed response exists
	HasDowngrade bool          // a cheaper code path exists
	MaxWait      time.Duration // longest acceptable queueing delay (0 = no queueing)
}

// Advice is the caller's next step for a decision.
type Advice struct {
	Strategy   Strategy
	RetryAfter time.Duration
	Message    string
}

// ShouldRetry reports whether the caller may retry the same request automatically.
func (a Advice) ShouldRetry() bool {
	return a.Strategy == StrategyRetryLater
}

// Advise picks a degradation strategy for a decision.
func Advise(d admission.Decision, opts Options) Advice {
	if d.Allowed() {
		return Advice{Strategy: StrategyProceed}
	}

	switch d.Reason {
	case admission.ReasonRateLimitExceeded:
		wait := d.RetryAfter
		if opts.MaxWait > 0 && wait <= opts.MaxWait {
			return Advice{Strategy: StrategyRetryLater, RetryAfter: wait, Message: RateLimitMessage(wait)}
		}
		if opts.HasCache {
			return Advice{Strategy: StrategyServeCached, Message: RateLimitMessage(wait)}
		}
		return Advice{Strategy: StrategyRetryLater, RetryAfter: wait, Message: RateLimitMessage(wait)}

	case admission.ReasonBudgetExceeded:
		if opts.HasDowngrade {
			return Advice{Strategy: StrategyDowngrade, Message: BudgetMessage}
		}
		return Advice{Strategy: StrategyHardError, Message: BudgetMessage}

	case admission.ReasonUnknownAccount, admission.ReasonUnknownClass, admission.ReasonInvalidCost:
		return Advice{Strategy: StrategyConfigBug, Message: ConfigMessage}

	default:
		return Advice{Strategy: StrategyHardError, Message: UnavailableMessage}
	}
}

// User-facing messages.
const (
	BudgetMessage      = "You have used this period's AI budget. Upgrade your plan or wait for the next billing period."
	ConfigMessage      = "This request could not be processed."
	UnavailableMessage = "The service is temporarily unavailable."
)

// RateLimitMessage returns a short wait-and-retry message.
func RateLimitMessage(wait time.Duration) string {
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if secs == 1 {
		return "Too many requests. Try again in 1 second."
	}
	return fmt.Sprintf("Too many requests. Try again in %d seconds.", secs)
}
