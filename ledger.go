package admission

import (
	"context"
	"math"
	"time"
)

// Ledger accumulates monetary spend per account for metered tiers.
type Ledger interface {
	// Charge rolls over elapsed periods, then adds amount (micro-dollars) to the
	// day and month totals only if neither cap would be exceeded and the
	// account is not already blocked for the period. A breach blocks the
	// account until the breached period rolls over or Unblock is called.
	Charge(ctx context.Context, accountID string, amount int64, caps CostCaps, now time.Time) (Charge, error)

	// Totals returns the current period totals for an account.
	Totals(ctx context.Context, accountID string, now time.Time) (LedgerTotals, error)

	// Unblock clears a budget block without touching the totals.
	Unblock(ctx context.Context, accountID string) error
}

// CostCaps are the hard spend caps of a metered tier, in micro-dollars.
// Unlimited disables a cap.
type CostCaps struct {
	Daily   int64
	Monthly int64
	Mode    PeriodMode
}

// Metered reports whether any cap applies.
func (c CostCaps) Metered() bool {
	return c.Daily != Unlimited || c.Monthly != Unlimited
}

// Charge is the outcome of Ledger.Charge.
type Charge struct {
	Admitted bool
	Breached string // "daily" or "monthly" when not admitted
	Totals   LedgerTotals
}

// LedgerTotals is a snapshot of an account's spend.
type LedgerTotals struct {
	Day          int64 // micro-dollars
	Month        int64 // micro-dollars
	DayStart     time.Time
	MonthStart   time.Time
	DayBlocked   bool
	MonthBlocked bool
}

// DayDollars returns the day total in dollars.
func (t LedgerTotals) DayDollars() float64 { return FromMicros(t.Day) }

// MonthDollars returns the month total in dollars.
func (t LedgerTotals) MonthDollars() float64 { return FromMicros(t.Month) }

// MaxDollars is the largest amount the ledger can represent.
const MaxDollars = float64(math.MaxInt64) / 1e6

// ToMicros converts dollars to integer micro-dollars, saturating at the
// int64 range.
func ToMicros(dollars float64) int64 {
	m := math.Round(dollars * 1e6)
	switch {
	case m >= math.MaxInt64:
		return math.MaxInt64
	case m <= math.MinInt64:
		return math.MinInt64
	}
	return int64(m)
}

// FromMicros converts micro-dollars to dollars.
func FromMicros(micros int64) float64 {
	return float64(micros) / 1e6
}

// PeriodMode selects how ledger periods roll over.
type PeriodMode string

const (
	// PeriodCalendar resets at UTC midnight and on the first of the UTC month.
	PeriodCalendar PeriodMode = "calendar"
	// PeriodRolling resets 24h / 30 days after the period's first charge.
	PeriodRolling PeriodMode = "rolling"
)

const (
	rollingDay   = 24 * time.Hour
	rollingMonth = 30 * 24 * time.Hour
)

// Period describes the ledger period current at some instant.
// A stored period start at or before Cutoff has elapsed; a fresh period is
// recorded with Start.
type Period struct {
	Start  time.Time
	Cutoff time.Time
}

// Elapsed reports whether a period opened at start is over.
func (p Period) Elapsed(start time.Time) bool {
	return start.IsZero() || !start.After(p.Cutoff)
}

// Day returns the day period current at now.
func (m PeriodMode) Day(now time.Time) Period {
	now = now.UTC()
	if m == PeriodRolling {
		return Period{Start: now, Cutoff: now.Add(-rollingDay)}
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: midnight, Cutoff: midnight.Add(-time.Nanosecond)}
}

// Month returns the month period current at now.
func (m PeriodMode) Month(now time.Time) Period {
	now = now.UTC()
	if m == PeriodRolling {
		return Period{Start: now, Cutoff: now.Add(-rollingMonth)}
	}
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: first, Cutoff: first.Add(-time.Nanosecond)}
}

// DayEnd returns when a day period opened at start rolls over.
func (m PeriodMode) DayEnd(start time.Time) time.Time {
	if m == PeriodRolling {
		return start.Add(rollingDay)
	}
	return start.UTC().AddDate(0, 0, 1)
}

// MonthEnd returns when a month period opened at start rolls over.
func (m PeriodMode) MonthEnd(start time.Time) time.Time {
	if m == PeriodRolling {
		return start.Add(rollingMonth)
	}
	return start.UTC().AddDate(0, 1, 0)
}

// Roll resets any period that has elapsed at now.
func (t *LedgerTotals) Roll(mode PeriodMode, now time.Time) {
	if day := mode.Day(now); day.Elapsed(t.DayStart) {
		t.Day = 0
		t.DayStart = day.Start
		t.DayBlocked = false
	}
	if month := mode.Month(now); month.Elapsed(t.MonthStart) {
		t.Month = 0
		t.MonthStart = month.Start
		t.MonthBlocked = false
	}
}

// Apply rolls the periods and charges amount against caps, updating t in
// place. A breach blocks the breached period.
func (t *LedgerTotals) Apply(amount int64, caps CostCaps, now time.Time) Charge {
	mode := caps.Mode
	if mode == "" {
		mode = PeriodCalendar
	}
	t.Roll(mode, now)

	breached := ""
	switch {
	case t.DayBlocked:
		breached = "daily"
	case t.MonthBlocked:
		breached = "monthly"
	case caps.Daily != Unlimited && amount > caps.Daily-t.Day:
		breached = "daily"
		t.DayBlocked = true
	case caps.Monthly != Unlimited && amount > caps.Monthly-t.Month:
		breached = "monthly"
		t.MonthBlocked = true
	}
	if breached != "" {
		return Charge{Breached: breached, Totals: *t}
	}

	t.Day += amount
	t.Month += amount
	return Charge{Admitted: true, Totals: *t}
}
