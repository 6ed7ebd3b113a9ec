package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/admission"
	"github.com/ineyio/admission/quota"
)

var epoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func windows() []admission.Window {
	return []admission.Window{
		{Name: "short", Limit: 2, Duration: time.Minute},
		{Name: "long", Limit: 10, Duration: 24 * time.Hour},
	}
}

func TestMemoryCounterStore_AcquireUntilExhausted(t *testing.T) {
	s := quota.NewMemoryCounterStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		acq, err := s.Acquire(ctx, "acct|chat", windows(), epoch)
		require.NoError(t, err)
		require.True(t, acq.Allowed)
	}

	acq, err := s.Acquire(ctx, "acct|chat", windows(), epoch.Add(20*time.Second))
	require.NoError(t, err)
	assert.False(t, acq.Allowed)
	assert.Equal(t, 40*time.Second, acq.RetryAfter(epoch.Add(20*time.Second)))
	assert.Equal(t, int64(2), acq.Windows[1].Count)

	// Short window reopens after a minute; the long one kept counting.
	acq, err = s.Acquire(ctx, "acct|chat", windows(), epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, acq.Allowed)
	assert.Equal(t, int64(3), acq.Windows[1].Count)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryCounterStore_Concurrent(t *testing.T) {
	s := quota.NewMemoryCounterStore()
	ctx := context.Background()
	w := []admission.Window{{Name: "short", Limit: 25, Duration: time.Minute}}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := s.Acquire(ctx, "k", w, epoch)
			if err == nil && acq.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), allowed.Load())
}

func TestMemoryLedger_ChargeAndTotals(t *testing.T) {
	l := quota.NewMemoryLedger()
	ctx := context.Background()
	caps := admission.CostCaps{Daily: admission.ToMicros(2), Monthly: admission.ToMicros(10), Mode: admission.PeriodCalendar}

	ch, err := l.Charge(ctx, "acct", admission.ToMicros(1.5), caps, epoch)
	require.NoError(t, err)
	assert.True(t, ch.Admitted)

	ch, err = l.Charge(ctx, "acct", admission.ToMicros(1), caps, epoch)
	require.NoError(t, err)
	assert.False(t, ch.Admitted)
	assert.Equal(t, "daily", ch.Breached)

	// Latched even for a charge that would fit.
	ch, err = l.Charge(ctx, "acct", admission.ToMicros(0.1), caps, epoch)
	require.NoError(t, err)
	assert.False(t, ch.Admitted)

	totals, err := l.Totals(ctx, "acct", epoch)
	require.NoError(t, err)
	assert.Equal(t, admission.ToMicros(1.5), totals.Day)
	assert.True(t, totals.DayBlocked)

	require.NoError(t, l.Unblock(ctx, "acct"))
	ch, err = l.Charge(ctx, "acct", admission.ToMicros(0.1), caps, epoch)
	require.NoError(t, err)
	assert.True(t, ch.Admitted)

	// Next UTC day starts clean; the month carries on.
	totals, err = l.Totals(ctx, "acct", epoch.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, totals.Day)
	assert.Equal(t, admission.ToMicros(1.6), totals.Month)
}

func TestMemoryLedger_UnknownAccountIsEmpty(t *testing.T) {
	l := quota.NewMemoryLedger()

	totals, err := l.Totals(context.Background(), "nobody", epoch)
	require.NoError(t, err)
	assert.Zero(t, totals.Day)
	assert.NoError(t, l.Unblock(context.Background(), "nobody"))
}

func TestMemoryLedger_ConcurrentNeverOvershoots(t *testing.T) {
	l := quota.NewMemoryLedger()
	ctx := context.Background()
	caps := admission.CostCaps{Daily: admission.ToMicros(5), Monthly: admission.Unlimited}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Charge(ctx, "acct", admission.ToMicros(0.25), caps, epoch)
		}()
	}
	wg.Wait()

	totals, err := l.Totals(ctx, "acct", epoch)
	require.NoError(t, err)
	assert.Equal(t, admission.ToMicros(5), totals.Day)
}
