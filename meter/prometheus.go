package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/admission"
)

const (
	namespace    = "admission"
	unknownLabel = "unknown"
)

// PrometheusMeter exports decision and ledger metrics.
type PrometheusMeter struct {
	decisions   *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	spend       *prometheus.CounterVec
	exhausted   *prometheus.CounterVec
}

var _ admission.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates the collectors and registers them with reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewPrometheusMeter(reg prometheus.Registerer) (*PrometheusMeter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMeter{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Count of admission decisions by tier, class, outcome and reason.",
			},
			[]string{"tier", "class", "outcome", "reason"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Count of evaluations that could not reach a backing store.",
			},
			[]string{"class", "degraded"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluate_duration_seconds",
				Help:      "Latency of admission evaluations.",
				Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"outcome"},
		),
		spend: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_spend_dollars_total",
				Help:      "Estimated dollars admitted on metered tiers.",
			},
			[]string{"tier"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_budget_denials_total",
				Help:      "Count of metered charges refused by a cost cap.",
			},
			[]string{"tier", "period"},
		),
	}

	for _, c := range []prometheus.Collector{m.decisions, m.storeErrors, m.duration, m.spend, m.exhausted} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMeter) OnDecision(e admission.DecisionEvent) {
	d := e.Decision
	class := classLabel(d)
	m.decisions.WithLabelValues(tierLabel(d), class, string(d.Outcome), string(d.Reason)).Inc()
	m.duration.WithLabelValues(string(d.Outcome)).Observe(e.Duration.Seconds())
	if e.Err != nil {
		degraded := "false"
		if d.Degraded {
			degraded = "true"
		}
		m.storeErrors.WithLabelValues(class, degraded).Inc()
	}
}

func (m *PrometheusMeter) OnLedger(e admission.LedgerEvent) {
	if e.Admitted {
		m.spend.WithLabelValues(string(e.Tier)).Add(e.Amount)
		return
	}
	m.exhausted.WithLabelValues(string(e.Tier), e.Breached).Inc()
}

// classLabel keeps the class label bounded by the configured classes.
func classLabel(d admission.Decision) string {
	if d.EvaluatedAs == "" {
		return unknownLabel
	}
	return string(d.EvaluatedAs)
}

func tierLabel(d admission.Decision) string {
	if d.Tier == "" || d.Reason == admission.ReasonUnknownAccount {
		return unknownLabel
	}
	return string(d.Tier)
}
