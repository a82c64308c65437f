package meter

import "github.com/ineyio/visiongate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ visiongate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmit(visiongate.AdmitEvent)     {}
func (m *NoopMeter) OnOutcome(visiongate.OutcomeEvent) {}
