package admission

import "time"

// Meter observes admission decisions for monitoring/logging.
type Meter interface {
	// OnDecision is called once for every evaluated request.
	OnDecision(event DecisionEvent)

	// OnLedger is called after a metered charge, admitted or not.
	OnLedger(event LedgerEvent)
}

// DecisionEvent describes one evaluation.
type DecisionEvent struct {
	Decision      Decision
	EstimatedCost float64
	Duration      time.Duration
	Err           error // non-nil only for store failures
}

// LedgerEvent describes the ledger state after a charge.
type LedgerEvent struct {
	AccountID string
	Tier      Tier
	Amount    float64
	Admitted  bool
	Breached  string
	Totals    LedgerTotals
}
