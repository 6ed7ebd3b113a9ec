package admission_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ineyio/admission"
)

func TestPeriodMode_Calendar(t *testing.T) {
	now := time.Date(2026, 2, 28, 23, 30, 0, 0, time.UTC)

	day := admission.PeriodCalendar.Day(now)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), day.Start)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), admission.PeriodCalendar.DayEnd(day.Start))

	month := admission.PeriodCalendar.Month(now)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), month.Start)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), admission.PeriodCalendar.MonthEnd(month.Start))
}

func TestPeriodMode_Rolling(t *testing.T) {
	var totals admission.LedgerTotals
	caps := admission.CostCaps{Daily: admission.ToMicros(1), Monthly: admission.Unlimited, Mode: admission.PeriodRolling}

	assert.True(t, totals.Apply(admission.ToMicros(1), caps, epoch).Admitted)
	assert.Equal(t, epoch, totals.DayStart)

	// Still inside the rolling day.
	assert.False(t, totals.Apply(1, caps, epoch.Add(23*time.Hour)).Admitted)

	// 24h after the first charge the day rolls over, block included.
	ch := totals.Apply(admission.ToMicros(1), caps, epoch.Add(24*time.Hour))
	assert.True(t, ch.Admitted)
	assert.Equal(t, epoch.Add(24*time.Hour), totals.DayStart)
	assert.Equal(t, admission.ToMicros(2), totals.Month)
}

func TestLedgerTotals_MonthlyCap(t *testing.T) {
	var totals admission.LedgerTotals
	caps := admission.CostCaps{Daily: admission.Unlimited, Monthly: admission.ToMicros(5), Mode: admission.PeriodCalendar}

	now := epoch
	for i := 0; i < 5; i++ {
		assert.True(t, totals.Apply(admission.ToMicros(1), caps, now).Admitted)
		now = now.Add(24 * time.Hour)
	}

	ch := totals.Apply(admission.ToMicros(0.01), caps, now)
	assert.False(t, ch.Admitted)
	assert.Equal(t, "monthly", ch.Breached)
	assert.True(t, ch.Totals.MonthBlocked)

	// Day rollover does not lift a monthly block.
	now = now.Add(24 * time.Hour)
	assert.False(t, totals.Apply(0, caps, now).Admitted)

	// The first of next month does.
	assert.True(t, totals.Apply(admission.ToMicros(1), caps, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)).Admitted)
}

func TestToMicros_RoundTrips(t *testing.T) {
	assert.Equal(t, int64(3_330_000), admission.ToMicros(3.33))
	assert.Equal(t, int64(1_500_000), admission.ToMicros(1.50))
	assert.InDelta(t, 3.33, admission.FromMicros(3_330_000), 1e-12)
}

func TestPeriodMode_RollingBoundaryIsExact(t *testing.T) {
	var totals admission.LedgerTotals
	caps := admission.CostCaps{Daily: admission.ToMicros(1), Monthly: admission.Unlimited, Mode: admission.PeriodRolling}

	totals.Apply(admission.ToMicros(1), caps, epoch)

	// Half a millisecond short of 24h the day is still open.
	assert.False(t, totals.Apply(1, caps, epoch.Add(24*time.Hour-500*time.Microsecond)).Admitted)
	assert.Equal(t, epoch, totals.DayStart)

	totals.Roll(admission.PeriodRolling, epoch.Add(24*time.Hour-time.Nanosecond))
	assert.Equal(t, epoch, totals.DayStart)

	totals.Roll(admission.PeriodRolling, epoch.Add(24*time.Hour))
	assert.Equal(t, epoch.Add(24*time.Hour), totals.DayStart)
	assert.False(t, totals.DayBlocked)
}

func TestPeriodMode_CalendarMidnightStartIsCurrent(t *testing.T) {
	midnight := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	day := admission.PeriodCalendar.Day(epoch)

	assert.False(t, day.Elapsed(midnight))
	assert.True(t, day.Elapsed(midnight.Add(-time.Nanosecond)))
	assert.True(t, day.Elapsed(time.Time{}))
}

func TestLedgerTotals_HugeChargeNeverWraps(t *testing.T) {
	var totals admission.LedgerTotals
	caps := admission.CostCaps{Daily: admission.ToMicros(3.33), Monthly: admission.ToMicros(50), Mode: admission.PeriodCalendar}

	assert.True(t, totals.Apply(admission.ToMicros(1.50), caps, epoch).Admitted)

	ch := totals.Apply(math.MaxInt64, caps, epoch)
	assert.False(t, ch.Admitted)
	assert.Equal(t, "daily", ch.Breached)
	assert.Equal(t, admission.ToMicros(1.50), totals.Day)
	assert.Equal(t, admission.ToMicros(1.50), totals.Month)
}

func TestToMicros_Saturates(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), admission.ToMicros(1e20))
	assert.Equal(t, int64(math.MaxInt64), admission.ToMicros(math.Inf(1)))
	assert.Equal(t, int64(math.MinInt64), admission.ToMicros(-1e20))
}
