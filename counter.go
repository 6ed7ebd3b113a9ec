package admission

import (
	"context"
	"time"
)

// Unlimited is the sentinel for "no limit" on any count or cost dimension.
const Unlimited = -1

// CounterStore holds the per-key window counters.
type CounterStore interface {
	// Acquire atomically checks every window for key and increments all of
	// them by one only if each has room. Exhausted windows are reported in
	// the returned Acquisition and nothing is incremented.
	Acquire(ctx context.Context, key string, windows []Window, now time.Time) (Acquisition, error)
}

// Window is a count limit over a time span.
type Window struct {
	Name     string
	Limit    int64
	Duration time.Duration
	Anchor   WindowAnchor
}

// Start returns the start timestamp recorded when the window (re)opens at now.
func (w Window) Start(now time.Time) time.Time {
	if w.Anchor == AnchorAligned {
		return now.UTC().Truncate(w.Duration)
	}
	return now
}

// Expired reports whether a window opened at start has elapsed at now.
func (w Window) Expired(start, now time.Time) bool {
	return !now.Before(start.Add(w.Duration))
}

// WindowAnchor selects where a window's start timestamp is placed.
type WindowAnchor string

const (
	// AnchorFirstRequest opens a window at the first request after the previous one elapsed.
	AnchorFirstRequest WindowAnchor = "first_request"
	// AnchorAligned opens windows on multiples of the duration since the Unix epoch (UTC).
	AnchorAligned WindowAnchor = "aligned"
)

// WindowState reports one window's counter after an Acquire.
type WindowState struct {
	Name      string
	Count     int64
	Limit     int64
	ResetAt   time.Time
	Exhausted bool
}

// Acquisition is the outcome of CounterStore.Acquire.
type Acquisition struct {
	Allowed bool
	Windows []WindowState
}

// RetryAfter returns the wait until every exhausted window has reset.
// When several windows are exhausted the longest wait wins, so the caller is
// never told to come back while another window is still closed.
func (a Acquisition) RetryAfter(now time.Time) time.Duration {
	var wait time.Duration
	for _, w := range a.Windows {
		if !w.Exhausted {
			continue
		}
		if d := w.ResetAt.Sub(now); d > wait {
			wait = d
		}
	}
	if wait <= 0 && !a.Allowed {
		wait = time.Second
	}
	return wait
}

// CounterKey builds the store key for an account and request class.
func CounterKey(accountID string, class RequestClass) string {
	return accountID + "|" + string(class)
}

// WindowCounter is the stored state of one window for one key.
// A zero Start means the window has never been opened.
type WindowCounter struct {
	Start time.Time
	Count int64
}

// Admit applies the increment-with-ceiling rule to counters loaded under the
// key's lock: elapsed windows are reset, then either every window is
// incremented by one or, if any is at its limit, none is. counters[i] belongs
// to windows[i] and is updated in place.
func Admit(windows []Window, counters []*WindowCounter, now time.Time) Acquisition {
	acq := Acquisition{
		Allowed: true,
		Windows: make([]WindowState, len(windows)),
	}

	for i, w := range windows {
		wc := counters[i]
		if wc.Start.IsZero() || w.Expired(wc.Start, now) {
			wc.Start = w.Start(now)
			wc.Count = 0
		}

		acq.Windows[i] = WindowState{
			Name:    w.Name,
			Count:   wc.Count,
			Limit:   w.Limit,
			ResetAt: wc.Start.Add(w.Duration),
		}
		if wc.Count >= w.Limit {
			acq.Windows[i].Exhausted = true
			acq.Allowed = false
		}
	}

	if !acq.Allowed {
		return acq
	}
	for i := range windows {
		counters[i].Count++
		acq.Windows[i].Count++
	}
	return acq
}
