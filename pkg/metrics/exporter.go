package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/timenic/timenic-daemon/pkg/parser"
	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

// NodeName is the hostname label, set by RegisterMetrics.
var NodeName string

// UpdateClockStateMetrics sets the ClockState metric (0 = FREERUN, 1 = LOCKED, 2 = HOLDOVER)
func UpdateClockStateMetrics(process, iface string, state constants.ClockState) {
	val := 0.0
	switch state {
	case constants.ClockStateLocked:
		val = 1
	case constants.ClockStateHoldover:
		val = 2
	}
	ClockState.With(prometheus.Labels{"process": process, "node": NodeName, "iface": iface}).Set(val)
}

// UpdateInterfaceRoleMetrics ...
func UpdateInterfaceRoleMetrics(process, iface string, role constants.PTPPortRole) {
	InterfaceRole.With(prometheus.Labels{"process": process, "node": NodeName, "iface": iface}).Set(float64(role))
}

// UpdateProcessStatusMetrics ...
func UpdateProcessStatusMetrics(process, cfgName string, status int64) {
	ProcessStatus.With(prometheus.Labels{
		"process": process, "node": NodeName, "config": cfgName}).Set(float64(status))

	if status == 1 {
		ProcessRestartCount.With(prometheus.Labels{
			"process": process, "node": NodeName, "config": cfgName}).Inc()
	}
}

// DeleteProcessStatusMetrics ...
func DeleteProcessStatusMetrics(process, cfgName string) {
	ProcessStatus.Delete(prometheus.Labels{"process": process, "node": NodeName, "config": cfgName})
	ProcessRestartCount.Delete(prometheus.Labels{"process": process, "node": NodeName, "config": cfgName})
}

// UpdatePTPMetrics publishes one parsed daemon line.
func UpdatePTPMetrics(m *parser.Metrics) {
	labels := prometheus.Labels{"from": string(m.Source), "process": m.Process, "node": NodeName, "iface": m.Clock}
	Offset.With(labels).Set(m.Offset)
	MaxOffset.With(labels).Set(m.MaxOffset)
	FrequencyAdjustment.With(labels).Set(m.FreqAdj)
	Delay.With(labels).Set(m.Delay)
	if !m.Summary {
		UpdateClockStateMetrics(m.Process, m.Clock, m.ClockState)
	}
}

// UpdateSessionMetrics exports the servo estimate of one session.
func UpdateSessionMetrics(mode, source, target string, state int, offset, freq, rms float64, synced bool) {
	labels := prometheus.Labels{"mode": mode, "source": source, "target": target}
	SessionOffset.With(labels).Set(offset)
	SessionFrequency.With(labels).Set(freq)
	SessionRMS.With(labels).Set(rms)
	SessionState.With(labels).Set(float64(state))
	s := 0.0
	if synced {
		s = 1
	}
	SessionSynced.With(labels).Set(s)
}

// DeleteSessionMetrics removes the series of a session that went back to idle.
func DeleteSessionMetrics(mode, source, target string) {
	labels := prometheus.Labels{"mode": mode, "source": source, "target": target}
	SessionOffset.Delete(labels)
	SessionFrequency.Delete(labels)
	SessionRMS.Delete(labels)
	SessionSynced.Delete(labels)
	SessionState.Delete(labels)
}

// UpdateInterfaceMetrics exports counters, rates and temperature of one sample.
func UpdateInterfaceMetrics(iface string, counters, rates map[string]float64, temperature *float64) {
	for name, v := range counters {
		InterfaceCounter.With(prometheus.Labels{"node": NodeName, "iface": iface, "counter": name}).Set(v)
	}
	for name, v := range rates {
		InterfaceRate.With(prometheus.Labels{"node": NodeName, "iface": iface, "rate": name}).Set(v)
	}
	if temperature != nil {
		Temperature.With(prometheus.Labels{"node": NodeName, "iface": iface}).Set(*temperature)
	}
}

// UpdatePTPMessageMetrics exports PORT_STATS_NP counters keyed by message type.
func UpdatePTPMessageMetrics(iface, direction string, counts map[string]uint64) {
	for msgType, v := range counts {
		PTPMessages.With(prometheus.Labels{"node": NodeName, "iface": iface, "direction": direction, "type": msgType}).Set(float64(v))
	}
}
