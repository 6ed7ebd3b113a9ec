// Package redis provides Redis-backed CounterStore and Ledger implementations.
//
// Counter and ledger state live in Redis hashes mutated only by Lua scripts,
// so every check-and-increment is a single atomic step. This makes the
// stores safe for multi-instance deployments.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/admission"
)

// CounterStore is a Redis-backed admission.CounterStore.
type CounterStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ admission.CounterStore = (*CounterStore)(nil)

// Option configures the Redis stores.
type Option func(*options)

type options struct {
	keyPrefix string
}

// WithKeyPrefix sets the Redis key prefix (default "admission:").
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{keyPrefix: "admission:"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewCounterStore creates a Redis-backed CounterStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func NewCounterStore(client goredis.Cmdable, opts ...Option) *CounterStore {
	o := buildOptions(opts)
	return &CounterStore{
		client:    client,
		keyPrefix: o.keyPrefix + "win:",
	}
}

func (s *CounterStore) counterKey(key string) string {
	return s.keyPrefix + key
}

// acquireScript atomically checks and increments every window of a key.
// KEYS[1] = counter hash key
// ARGV[1] = now (unix ms)
// ARGV[2] = window count n
// ARGV[3] = key ttl (ms)
// ARGV[4+4i .. 7+4i] = name, limit, duration (ms), fresh start (unix ms)
//
// Returns {allowed, count_1, reset_at_1, exhausted_1, ..., count_n, reset_at_n, exhausted_n}.
var acquireScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local allowed = 1
local out = {}

for i = 0, n - 1 do
    local base = 4 + i * 4
    local name = ARGV[base]
    local limit = tonumber(ARGV[base + 1])
    local duration = tonumber(ARGV[base + 2])
    local fresh = tonumber(ARGV[base + 3])

    local start = tonumber(redis.call("HGET", key, name .. ":start") or "-1")
    local count = tonumber(redis.call("HGET", key, name .. ":count") or "0")

    -- Lazy window reset
    if start < 0 or now >= start + duration then
        start = fresh
        count = 0
        redis.call("HSET", key, name .. ":start", start, name .. ":count", 0)
    end

    local exhausted = 0
    if count >= limit then
        exhausted = 1
        allowed = 0
    end

    out[#out + 1] = count
    out[#out + 1] = start + duration
    out[#out + 1] = exhausted
end

if allowed == 1 then
    for i = 0, n - 1 do
        local name = ARGV[4 + i * 4]
        out[i * 3 + 1] = redis.call("HINCRBY", key, name .. ":count", 1)
    end
end

redis.call("PEXPIRE", key, ttl)
table.insert(out, 1, allowed)
return out
`)

// Acquire implements admission.CounterStore.
func (s *CounterStore) Acquire(ctx context.Context, key string, windows []admission.Window, now time.Time) (admission.Acquisition, error) {
	args := make([]interface{}, 0, 3+4*len(windows))
	args = append(args, now.UnixMilli(), len(windows), ttlFor(windows).Milliseconds())
	for _, w := range windows {
		args = append(args, w.Name, w.Limit, w.Duration.Milliseconds(), w.Start(now).UnixMilli())
	}

	vals, err := acquireScript.Run(ctx, s.client, []string{s.counterKey(key)}, args...).Int64Slice()
	if err != nil {
		return admission.Acquisition{}, fmt.Errorf("admission/redis: acquire: %w", err)
	}
	if len(vals) != 1+3*len(windows) {
		return admission.Acquisition{}, fmt.Errorf("admission/redis: acquire: unexpected reply length %d", len(vals))
	}

	acq := admission.Acquisition{
		Allowed: vals[0] == 1,
		Windows: make([]admission.WindowState, len(windows)),
	}
	for i, w := range windows {
		base := 1 + i*3
		acq.Windows[i] = admission.WindowState{
			Name:      w.Name,
			Count:     vals[base],
			Limit:     w.Limit,
			ResetAt:   time.UnixMilli(vals[base+1]),
			Exhausted: vals[base+2] == 1,
		}
	}
	return acq, nil
}

// ttlFor keeps a counter hash alive for twice its longest window.
func ttlFor(windows []admission.Window) time.Duration {
	var longest time.Duration
	for _, w := range windows {
		if w.Duration > longest {
			longest = w.Duration
		}
	}
	if longest <= 0 {
		longest = time.Minute
	}
	return 2 * longest
}
