package observer

import (
	"context"

	consulta "github.com/aliviolabs/consulta"

	"go.opentelemetry.io/otel/metric"
)

// CoreMetrics reports turn-level measurements to the OTEL instruments. It
// implements consulta.MetricsSink; wire it with consulta.WithMetrics.
type CoreMetrics struct {
	inst *Instruments
}

// NewCoreMetrics returns a turn metrics sink over inst.
func NewCoreMetrics(inst *Instruments) *CoreMetrics {
	return &CoreMetrics{inst: inst}
}

// RecordTurn counts the turn and its routing and risk outcomes.
func (m *CoreMetrics) RecordTurn(ctx context.Context, stats consulta.TurnStats) {
	attrs := metric.WithAttributes(
		AttrAgentName.String(stats.Agent),
		AttrRouteReason.String(string(stats.Reason)),
	)
	m.inst.Turns.Add(ctx, 1, attrs)
	if stats.AgentChanged {
		m.inst.RoutingChanges.Add(ctx, 1, attrs)
	}
	if stats.RiskTriggered {
		m.inst.RiskDetections.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(stats.Agent)))
	}
	m.inst.TurnDuration.Record(ctx, float64(stats.Duration.Milliseconds()),
		metric.WithAttributes(AttrAgentName.String(stats.Agent)))
}

var _ consulta.MetricsSink = (*CoreMetrics)(nil)
