package quota

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/admission"
)

// MemoryLedger is an in-memory Ledger with lazy day/month rollover.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*accountSpend
}

type accountSpend struct {
	mu     sync.Mutex
	mode   admission.PeriodMode
	totals admission.LedgerTotals
}

var _ admission.Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*accountSpend),
	}
}

// Charge implements admission.Ledger.
func (l *MemoryLedger) Charge(_ context.Context, accountID string, amount int64, caps admission.CostCaps, now time.Time) (admission.Charge, error) {
	as := l.getOrCreate(accountID)

	as.mu.Lock()
	defer as.mu.Unlock()

	if caps.Mode != "" {
		as.mode = caps.Mode
	}
	return as.totals.Apply(amount, caps, now), nil
}

// Totals implements admission.Ledger.
func (l *MemoryLedger) Totals(_ context.Context, accountID string, now time.Time) (admission.LedgerTotals, error) {
	as, ok := l.get(accountID)
	if !ok {
		return admission.LedgerTotals{}, nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	as.totals.Roll(as.mode, now)
	return as.totals, nil
}

// Unblock implements admission.Ledger.
func (l *MemoryLedger) Unblock(_ context.Context, accountID string) error {
	as, ok := l.get(accountID)
	if !ok {
		return nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	as.totals.DayBlocked = false
	as.totals.MonthBlocked = false
	return nil
}

func (l *MemoryLedger) get(accountID string) (*accountSpend, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	as, ok := l.accounts[accountID]
	return as, ok
}

func (l *MemoryLedger) getOrCreate(accountID string) *accountSpend {
	if as, ok := l.get(accountID); ok {
		return as
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if as, ok := l.accounts[accountID]; ok {
		return as
	}
	as := &accountSpend{mode: admission.PeriodCalendar}
	l.accounts[accountID] = as
	return as
}
