package admission

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Store names used by the HealthTracker.
const (
	storeCounters  = "counters"
	storeLedger    = "ledger"
	storeDirectory = "directory"
)

// Controller decides whether requests are admitted under their tier's
// count limits and cost caps.
type Controller struct {
	limits    *limitsTable
	directory AccountDirectory
	counters  CounterStore
	ledger    Ledger
	meter     Meter
	health    *HealthTracker
	clock     clock.PassiveClock
}

// Option configures a Controller.
type Option func(*Controller)

// WithCounterStore sets the store backing count windows.
func WithCounterStore(cs CounterStore) Option {
	return func(c *Controller) { c.counters = cs }
}

// WithLedger sets the ledger backing metered tiers.
func WithLedger(l Ledger) Option {
	return func(c *Controller) { c.ledger = l }
}

// WithDirectory overrides the account directory built from Config.Accounts.
func WithDirectory(d AccountDirectory) Option {
	return func(c *Controller) { c.directory = d }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(c *Controller) { c.meter = m }
}

// WithHealthTracker sets the store circuit breaker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(c *Controller) { c.health = h }
}

// WithClock sets the time source.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Controller) { c.clock = clk }
}

// NewController creates a Controller for a validated config.
// A CounterStore is required when any tier has count limits and a Ledger is
// required when any tier is metered.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		limits: compileLimits(cfg),
	}

	for _, opt := range opts {
		opt(c)
	}

	// Apply defaults after options.
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.directory == nil {
		c.directory = NewStaticDirectory(cfg.Accounts)
	}
	if c.meter == nil {
		c.meter = noopMeter{}
	}
	if c.health == nil {
		c.health = NewHealthTracker(c.clock)
	}

	for _, tp := range c.limits.tiers {
		if tp.caps.Metered() && c.ledger == nil {
			return nil, fmt.Errorf("admission: tier %q is metered but no ledger is configured", tp.name)
		}
		for _, ws := range tp.windows {
			if len(ws) > 0 && c.counters == nil {
				return nil, fmt.Errorf("admission: tier %q has count limits but no counter store is configured", tp.name)
			}
		}
	}

	return c, nil
}

// Evaluate decides whether a request of the given class from accountID may
// proceed. Expected denials are returned as a Decision with a nil error.
// A non-nil error is always a *StoreError; the accompanying Decision then
// follows the class's failure mode (fail-open allows with Degraded set).
func (c *Controller) Evaluate(ctx context.Context, accountID string, class RequestClass, estimatedCost float64) (Decision, error) {
	start := c.clock.Now()
	d := Decision{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Class:     class,
	}

	d, err := c.evaluate(ctx, d, estimatedCost)

	c.meter.OnDecision(DecisionEvent{
		Decision:      d,
		EstimatedCost: estimatedCost,
		Duration:      c.clock.Since(start),
		Err:           err,
	})
	return d, err
}

func (c *Controller) evaluate(ctx context.Context, d Decision, estimatedCost float64) (Decision, error) {
	acct, ok, err := c.lookup(ctx, d.AccountID)
	if err != nil {
		return deny(d, ReasonStoreUnavailable), err
	}
	if !ok {
		return deny(d, ReasonUnknownAccount), nil
	}
	d.Tier = acct.Tier

	tier, ok := c.limits.tiers[acct.Tier]
	if !ok {
		// Directory knows the account but the tier is not configured.
		return deny(d, ReasonUnknownAccount), nil
	}

	class := d.Class
	cls, ok := c.limits.classes[class]
	if !ok {
		if c.limits.unknownClass != UnknownClassMostRestrictive {
			return deny(d, ReasonUnknownClass), nil
		}
		class = tier.mostRestrictive
		cls = c.limits.classes[class]
	}
	d.EvaluatedAs = class

	if estimatedCost < 0 || math.IsNaN(estimatedCost) || estimatedCost >= MaxDollars {
		return deny(d, ReasonInvalidCost), nil
	}

	if tier.caps.Metered() {
		// Direct monetary cost: never fail open.
		return c.charge(ctx, d, tier, estimatedCost)
	}
	return c.acquire(ctx, d, tier, cls, class)
}

func (c *Controller) lookup(ctx context.Context, accountID string) (Account, bool, error) {
	if c.health.GetHealth(storeDirectory) == HealthUnhealthy {
		return Account{}, false, &StoreError{Op: "resolve", Key: accountID, Err: ErrCircuitOpen}
	}
	acct, ok, err := c.directory.Lookup(ctx, accountID)
	if err != nil {
		c.health.RecordFailure(storeDirectory)
		return Account{}, false, &StoreError{Op: "resolve", Key: accountID, Err: err}
	}
	c.health.RecordSuccess(storeDirectory)
	return acct, ok, nil
}

func (c *Controller) acquire(ctx context.Context, d Decision, tier *tierPolicy, cls *classPolicy, class RequestClass) (Decision, error) {
	windows := tier.windows[class]
	if len(windows) == 0 {
		return allow(d), nil
	}

	key := CounterKey(d.AccountID, class)
	if c.health.GetHealth(storeCounters) == HealthUnhealthy {
		return storeFailure(d, cls.onError), &StoreError{Op: "acquire", Key: key, Err: ErrCircuitOpen}
	}

	now := c.clock.Now()
	acq, err := c.counters.Acquire(ctx, key, windows, now)
	if err != nil {
		c.health.RecordFailure(storeCounters)
		return storeFailure(d, cls.onError), &StoreError{Op: "acquire", Key: key, Err: err}
	}
	c.health.RecordSuccess(storeCounters)

	if !acq.Allowed {
		d = deny(d, ReasonRateLimitExceeded)
		d.RetryAfter = acq.RetryAfter(now)
		return d, nil
	}
	return allow(d), nil
}

func (c *Controller) charge(ctx context.Context, d Decision, tier *tierPolicy, cost float64) (Decision, error) {
	if c.health.GetHealth(storeLedger) == HealthUnhealthy {
		return storeFailure(d, FailClosed), &StoreError{Op: "charge", Key: d.AccountID, Err: ErrCircuitOpen}
	}

	ch, err := c.ledger.Charge(ctx, d.AccountID, ToMicros(cost), tier.caps, c.clock.Now())
	if err != nil {
		c.health.RecordFailure(storeLedger)
		return storeFailure(d, FailClosed), &StoreError{Op: "charge", Key: d.AccountID, Err: err}
	}
	c.health.RecordSuccess(storeLedger)

	c.meter.OnLedger(LedgerEvent{
		AccountID: d.AccountID,
		Tier:      tier.name,
		Amount:    cost,
		Admitted:  ch.Admitted,
		Breached:  ch.Breached,
		Totals:    ch.Totals,
	})

	if !ch.Admitted {
		return deny(d, ReasonBudgetExceeded), nil
	}
	return allow(d), nil
}

// Spend returns the ledger totals for an account.
func (c *Controller) Spend(ctx context.Context, accountID string) (LedgerTotals, error) {
	if c.ledger == nil {
		return LedgerTotals{}, fmt.Errorf("admission: no ledger configured")
	}
	return c.ledger.Totals(ctx, accountID, c.clock.Now())
}

// Unblock lifts a budget block on an account after billing intervention.
func (c *Controller) Unblock(ctx context.Context, accountID string) error {
	if c.ledger == nil {
		return fmt.Errorf("admission: no ledger configured")
	}
	return c.ledger.Unblock(ctx, accountID)
}

// Pricing returns the configured token pricing for a class.
func (c *Controller) Pricing(class RequestClass) (Pricing, bool) {
	cls, ok := c.limits.classes[class]
	if !ok {
		return Pricing{}, false
	}
	return cls.pricing, true
}

func allow(d Decision) Decision {
	d.Outcome = OutcomeAllow
	d.Reason = ReasonNone
	return d
}

func deny(d Decision, reason Reason) Decision {
	d.Outcome = OutcomeDeny
	d.Reason = reason
	return d
}

func storeFailure(d Decision, mode FailureMode) Decision {
	if mode == FailOpen {
		d = allow(d)
		d.Degraded = true
		return d
	}
	return deny(d, ReasonStoreUnavailable)
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnDecision(DecisionEvent) {}
func (noopMeter) OnLedger(LedgerEvent)     {}
