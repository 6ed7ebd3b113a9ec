package degrade_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ineyio/admission"
	"github.com/ineyio/admission/degrade"
)

func deny(reason admission.Reason, wait time.Duration) admission.Decision {
	return admission.Decision{Outcome: admission.OutcomeDeny, Reason: reason, RetryAfter: wait}
}

func TestAdvise(t *testing.T) {
	tests := []struct {
		name     string
		decision admission.Decision
		opts     degrade.Options
		want     degrade.Strategy
		retry    bool
	}{
		{"allowed", admission.Decision{Outcome: admission.OutcomeAllow}, degrade.Options{}, degrade.StrategyProceed, false},
		{"rate limit queues within max wait", deny(admission.ReasonRateLimitExceeded, 30*time.Second),
			degrade.Options{HasCache: true, MaxWait: time.Minute}, degrade.StrategyRetryLater, true},
		{"rate limit beyond max wait serves cache", deny(admission.ReasonRateLimitExceeded, 5*time.Hour),
			degrade.Options{HasCache: true, MaxWait: time.Minute}, degrade.StrategyServeCached, false},
		{"rate limit without cache retries", deny(admission.ReasonRateLimitExceeded, 5*time.Hour),
			degrade.Options{}, degrade.StrategyRetryLater, true},
		{"budget downgrades", deny(admission.ReasonBudgetExceeded, 0),
			degrade.Options{HasDowngrade: true, HasCache: true}, degrade.StrategyDowngrade, false},
		{"budget without downgrade errors", deny(admission.ReasonBudgetExceeded, 0),
			degrade.Options{HasCache: true}, degrade.StrategyHardError, false},
		{"unknown account", deny(admission.ReasonUnknownAccount, 0), degrade.Options{}, degrade.StrategyConfigBug, false},
		{"unknown class", deny(admission.ReasonUnknownClass, 0), degrade.Options{}, degrade.StrategyConfigBug, false},
		{"invalid cost", deny(admission.ReasonInvalidCost, 0), degrade.Options{}, degrade.StrategyConfigBug, false},
		{"store unavailable", deny(admission.ReasonStoreUnavailable, 0), degrade.Options{}, degrade.StrategyHardError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advice := degrade.Advise(tt.decision, tt.opts)
			assert.Equal(t, tt.want, advice.Strategy)
			assert.Equal(t, tt.retry, advice.ShouldRetry())
		})
	}
}

func TestAdvise_BudgetNeverRetries(t *testing.T) {
	advice := degrade.Advise(deny(admission.ReasonBudgetExceeded, 0), degrade.Options{MaxWait: 24 * time.Hour})
	assert.False(t, advice.ShouldRetry())
	assert.Zero(t, advice.RetryAfter)
	assert.Equal(t, degrade.BudgetMessage, advice.Message)
}

func TestRateLimitMessage(t *testing.T) {
	assert.Equal(t, "Too many requests. Try again in 1 second.", degrade.RateLimitMessage(200*time.Millisecond))
	assert.Equal(t, "Too many requests. Try again in 40 seconds.", degrade.RateLimitMessage(40*time.Second))
	assert.Equal(t, "Too many requests. Try again in 41 seconds.", degrade.RateLimitMessage(40*time.Second+time.Millisecond))
}
