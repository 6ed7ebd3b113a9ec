package meter

import "github.com/ineyio/admission"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ admission.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(admission.DecisionEvent) {}
func (m *NoopMeter) OnLedger(admission.LedgerEvent)     {}

// Multi fans events out to several meters.
type Multi []admission.Meter

var _ admission.Meter = Multi(nil)

func (m Multi) OnDecision(e admission.DecisionEvent) {
	for _, mm := range m {
		mm.OnDecision(e)
	}
}

func (m Multi) OnLedger(e admission.LedgerEvent) {
	for _, mm := range m {
		mm.OnLedger(e)
	}
}
