package meter

import (
	"log/slog"

	"github.com/ineyio/admission"
)

// LogMeter logs admission events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ admission.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e admission.DecisionEvent) {
	d := e.Decision
	attrs := []any{
		"decision_id", d.ID,
		"account", d.AccountID,
		"tier", d.Tier,
		"class", d.Class,
		"outcome", d.Outcome,
		"estimated_cost", e.EstimatedCost,
		"duration_us", e.Duration.Microseconds(),
	}

	switch {
	case e.Err != nil:
		m.Logger.Error("admission_store_error",
			append(attrs, "degraded", d.Degraded, "error", e.Err)...)
	case admission.IsConfigurationError(d.Err()):
		// Unknown accounts and classes are configuration bugs on the caller side.
		m.Logger.Error("admission_config_error",
			append(attrs, "reason", d.Reason)...)
	case d.Reason == admission.ReasonRateLimitExceeded:
		m.Logger.Warn("admission_denied",
			append(attrs, "reason", d.Reason, "retry_after_ms", d.RetryAfter.Milliseconds())...)
	case !d.Allowed():
		m.Logger.Warn("admission_denied",
			append(attrs, "reason", d.Reason)...)
	default:
		m.Logger.Info("admission_allowed", attrs...)
	}
}

func (m *LogMeter) OnLedger(e admission.LedgerEvent) {
	attrs := []any{
		"account", e.AccountID,
		"tier", e.Tier,
		"amount", e.Amount,
		"day_total", e.Totals.DayDollars(),
		"month_total", e.Totals.MonthDollars(),
	}
	if e.Admitted {
		m.Logger.Debug("ledger_charge", attrs...)
		return
	}
	m.Logger.Warn("ledger_budget_exhausted", append(attrs, "breached", e.Breached)...)
}
