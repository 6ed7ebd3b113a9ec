package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/admission"
)

// ledgerTTL outlives the longest ledger period so idle accounts age out.
const ledgerTTL = 62 * 24 * time.Hour

// Ledger is a Redis-backed admission.Ledger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ admission.Ledger = (*Ledger)(nil)

// NewLedger creates a Redis-backed Ledger.
func NewLedger(client goredis.Cmdable, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{
		client:    client,
		keyPrefix: o.keyPrefix + "ledger:",
	}
}

func (l *Ledger) accountKey(accountID string) string {
	return l.keyPrefix + accountID
}

// chargeScript is a Lua script for an atomic capped charge.
// KEYS[1] = ledger hash key
// ARGV[1] = amount (micro-dollars)
// ARGV[2] = daily cap (-1 = none)
// ARGV[3] = monthly cap (-1 = none)
// ARGV[4] = fresh day start (unix ms)
// ARGV[5] = day cutoff (unix ms; a start at or before it has elapsed)
// ARGV[6] = fresh month start (unix ms)
// ARGV[7] = month cutoff (unix ms)
// ARGV[8] = period mode
// ARGV[9] = key ttl (ms)
//
// Returns {breached, day, month, day_start, month_start, day_blocked, month_blocked}
// where breached is 0 = admitted, 1 = daily cap, 2 = monthly cap.
var chargeScript = goredis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local daily_cap = tonumber(ARGV[2])
local monthly_cap = tonumber(ARGV[3])
local day_fresh = tonumber(ARGV[4])
local day_cutoff = tonumber(ARGV[5])
local month_fresh = tonumber(ARGV[6])
local month_cutoff = tonumber(ARGV[7])

redis.call("HSET", key, "mode", ARGV[8])

-- Lazy period rollover
local day_start = tonumber(redis.call("HGET", key, "day_start") or "-1")
if day_start <= day_cutoff then
    day_start = day_fresh
    redis.call("HSET", key, "day", 0, "day_start", day_start, "day_blocked", 0)
end
local month_start = tonumber(redis.call("HGET", key, "month_start") or "-1")
if month_start <= month_cutoff then
    month_start = month_fresh
    redis.call("HSET", key, "month", 0, "month_start", month_start, "month_blocked", 0)
end

local day = tonumber(redis.call("HGET", key, "day") or "0")
local month = tonumber(redis.call("HGET", key, "month") or "0")
local day_blocked = tonumber(redis.call("HGET", key, "day_blocked") or "0")
local month_blocked = tonumber(redis.call("HGET", key, "month_blocked") or "0")

local breached = 0
if day_blocked == 1 then
    breached = 1
elseif month_blocked == 1 then
    breached = 2
elseif daily_cap >= 0 and amount > daily_cap - day then
    breached = 1
    day_blocked = 1
    redis.call("HSET", key, "day_blocked", 1)
elseif monthly_cap >= 0 and amount > monthly_cap - month then
    breached = 2
    month_blocked = 1
    redis.call("HSET", key, "month_blocked", 1)
end

if breached == 0 then
    day = redis.call("HINCRBY", key, "day", amount)
    month = redis.call("HINCRBY", key, "month", amount)
end

redis.call("PEXPIRE", key, tonumber(ARGV[9]))
return {breached, day, month, day_start, month_start, day_blocked, month_blocked}
`)

// unblockScript clears the block flags of an existing ledger.
// KEYS[1] = ledger hash key
var unblockScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return 1
end
redis.call("HSET", key, "day_blocked", 0, "month_blocked", 0)
return 1
`)

// Charge implements admission.Ledger.
func (l *Ledger) Charge(ctx context.Context, accountID string, amount int64, caps admission.CostCaps, now time.Time) (admission.Charge, error) {
	mode := caps.Mode
	if mode == "" {
		mode = admission.PeriodCalendar
	}
	day := mode.Day(now)
	month := mode.Month(now)

	vals, err := chargeScript.Run(ctx, l.client,
		[]string{l.accountKey(accountID)},
		amount, caps.Daily, caps.Monthly,
		day.Start.UnixMilli(), day.Cutoff.UnixMilli(),
		month.Start.UnixMilli(), month.Cutoff.UnixMilli(),
		string(mode), ledgerTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return admission.Charge{}, fmt.Errorf("admission/redis: charge: %w", err)
	}
	if len(vals) != 7 {
		return admission.Charge{}, fmt.Errorf("admission/redis: charge: unexpected reply length %d", len(vals))
	}

	totals := admission.LedgerTotals{
		Day:          vals[1],
		Month:        vals[2],
		DayStart:     time.UnixMilli(vals[3]).UTC(),
		MonthStart:   time.UnixMilli(vals[4]).UTC(),
		DayBlocked:   vals[5] == 1,
		MonthBlocked: vals[6] == 1,
	}

	switch vals[0] {
	case 0:
		return admission.Charge{Admitted: true, Totals: totals}, nil
	case 1:
		return admission.Charge{Breached: "daily", Totals: totals}, nil
	case 2:
		return admission.Charge{Breached: "monthly", Totals: totals}, nil
	default:
		return admission.Charge{}, fmt.Errorf("admission/redis: unexpected charge result: %d", vals[0])
	}
}

// Totals implements admission.Ledger.
func (l *Ledger) Totals(ctx context.Context, accountID string, now time.Time) (admission.LedgerTotals, error) {
	vals, err := l.client.HMGet(ctx, l.accountKey(accountID),
		"day", "month", "day_start", "month_start", "day_blocked", "month_blocked", "mode",
	).Result()
	if err != nil {
		return admission.LedgerTotals{}, fmt.Errorf("admission/redis: totals: %w", err)
	}

	// Account not found.
	if vals[2] == nil {
		return admission.LedgerTotals{}, nil
	}

	dayTotal := parseInt(vals[0])
	monthTotal := parseInt(vals[1])
	dayStart := time.UnixMilli(parseInt(vals[2])).UTC()
	monthStart := time.UnixMilli(parseInt(vals[3])).UTC()
	t := admission.LedgerTotals{
		Day:          dayTotal,
		Month:        monthTotal,
		DayStart:     dayStart,
		MonthStart:   monthStart,
		DayBlocked:   parseInt(vals[4]) == 1,
		MonthBlocked: parseInt(vals[5]) == 1,
	}

	mode := admission.PeriodCalendar
	if s, ok := vals[6].(string); ok && s != "" {
		mode = admission.PeriodMode(s)
	}

	// Lazy rollover check (read-only, don't write).
	if day := mode.Day(now); day.Elapsed(dayStart) {
		t.Day, t.DayStart, t.DayBlocked = 0, day.Start, false
	}
	if month := mode.Month(now); month.Elapsed(monthStart) {
		t.Month, t.MonthStart, t.MonthBlocked = 0, month.Start, false
	}
	return t, nil
}

// Unblock implements admission.Ledger.
func (l *Ledger) Unblock(ctx context.Context, accountID string) error {
	_, err := unblockScript.Run(ctx, l.client, []string{l.accountKey(accountID)}).Result()
	if err != nil {
		return fmt.Errorf("admission/redis: unblock: %w", err)
	}
	return nil
}

func parseInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
