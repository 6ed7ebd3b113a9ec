package quota

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/ineyio/admission"
)

// MemoryCounterStore is an in-process CounterStore for single-instance
// deployments. Each (account, class) key has its own lock, so evaluations
// for different keys never contend. Idle keys expire from the cache once
// all of their windows are long gone.
type MemoryCounterStore struct {
	cache *ttlcache.Cache[string, *counterEntry]
}

type counterEntry struct {
	mu      sync.Mutex
	windows map[string]*admission.WindowCounter // by window name
}

var _ admission.CounterStore = (*MemoryCounterStore)(nil)

// NewMemoryCounterStore creates a new in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		cache: ttlcache.New[string, *counterEntry](),
	}
}

// Acquire implements admission.CounterStore.
func (s *MemoryCounterStore) Acquire(_ context.Context, key string, windows []admission.Window, now time.Time) (admission.Acquisition, error) {
	ttl := entryTTL(windows)
	for {
		item, _ := s.cache.GetOrSet(key,
			&counterEntry{windows: make(map[string]*admission.WindowCounter, len(windows))},
			ttlcache.WithTTL[string, *counterEntry](ttl),
		)
		e := item.Value()

		e.mu.Lock()
		// The entry may have expired and been replaced between GetOrSet and
		// Lock; only the entry currently cached may be mutated. Get also
		// refreshes the TTL.
		if cur := s.cache.Get(key); cur == nil || cur.Value() != e {
			e.mu.Unlock()
			continue
		}
		acq := e.acquire(windows, now)
		e.mu.Unlock()
		return acq, nil
	}
}

// DeleteExpired drops idle keys. Window resets never depend on it.
func (s *MemoryCounterStore) DeleteExpired() {
	s.cache.DeleteExpired()
}

// Len returns the number of live keys.
func (s *MemoryCounterStore) Len() int {
	return s.cache.Len()
}

// acquire runs admission.Admit over the key's counters. Must be called with e.mu held.
func (e *counterEntry) acquire(windows []admission.Window, now time.Time) admission.Acquisition {
	counters := make([]*admission.WindowCounter, len(windows))
	for i, w := range windows {
		wc, ok := e.windows[w.Name]
		if !ok {
			wc = &admission.WindowCounter{}
			e.windows[w.Name] = wc
		}
		counters[i] = wc
	}
	return admission.Admit(windows, counters, now)
}

// entryTTL keeps a key alive for twice its longest window.
func entryTTL(windows []admission.Window) time.Duration {
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
