package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerMetrics sync.Once

const (
	Namespace       = "timenic"
	PTPSubsystem    = "ptp"
	SyncSubsystem   = "sync"
	NICSubsystem    = "nic"
	HTTPSubsystem   = "http"
	StreamSubsystem = "stream"
)

var (
	// Offset as logged by the linuxptp daemon itself.
	Offset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: PTPSubsystem,
			Name:      "offset_ns",
			Help:      "",
		}, []string{"from", "process", "node", "iface"})

	MaxOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: PTPSubsystem,
			Name:      "max_offset_ns",
			Help:      "",
		}, []string{"from", "process", "node", "iface"})

	FrequencyAdjustment = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: PTPSubsystem,
			Name:      "frequency_adjustment_ppb",
			Help:      "",
		}, []string{"from", "process", "node", "iface"})

	Delay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: PTPSubsystem,
			Name:      "delay_ns",
			Help:      "",
		}, []string{"from", "process", "node", "iface"})

	// ClockState metrics to show current clock state
	ClockState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: PTPSubsystem,
			Name:      "clock_state",
			Help:      "0 = FREERUN, 1 = LOCKED, 2 = HOLDOVER",
		}, []string{"process", "node", "iface"})

	// InterfaceRole metrics to show current interface role
	InterfaceRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: PTPSubsystem,
			Name:      "interface_role",
			Help:      "0 = PASSIVE, 1 = SLAVE, 2 = MASTER, 3 = FAULTY, 4 = UNKNOWN, 5 = LISTENING",
		}, []string{"process", "node", "iface"})

	ProcessStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: PTPSubsystem,
			Name:      "process_status",
			Help:      "0 = DOWN, 1 = UP",
		}, []string{"process", "node", "config"})

	ProcessRestartCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: PTPSubsystem,
			Name:      "process_restart_count",
			Help:      "",
		}, []string{"process", "node", "config"})

	// SessionOffset is the servo view of a synchronization session.
	SessionOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SyncSubsystem,
			Name:      "offset_ns",
			Help:      "Last offset of target versus source",
		}, []string{"mode", "source", "target"})

	SessionFrequency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SyncSubsystem,
			Name:      "frequency_ppb",
			Help:      "PI servo frequency correction",
		}, []string{"mode", "source", "target"})

	SessionRMS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SyncSubsystem,
			Name:      "rms_ns",
			Help:      "RMS of the recent offset window",
		}, []string{"mode", "source", "target"})

	SessionSynced = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SyncSubsystem,
			Name:      "synced",
			Help:      "0 = NOT SYNCED, 1 = SYNCED",
		}, []string{"mode", "source", "target"})

	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SyncSubsystem,
			Name:      "session_state",
			Help:      "0 = IDLE, 1 = STARTING, 2 = SYNCHRONIZING, 3 = STOPPING, 4 = FAILED",
		}, []string{"mode", "source", "target"})

	SessionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SyncSubsystem,
			Name:      "failures_total",
			Help:      "Sessions that failed because a daemon exited",
		}, []string{"mode"})

	InterfaceCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: NICSubsystem,
			Name:      "counter",
			Help:      "Raw interface statistics counters",
		}, []string{"node", "iface", "counter"})

	InterfaceRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: NICSubsystem,
			Name:      "rate",
			Help:      "Per second rates derived from the sample history",
		}, []string{"node", "iface", "rate"})

	Temperature = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: NICSubsystem,
			Name:      "temperature_celsius",
			Help:      "Adapter temperature read from hwmon",
		}, []string{"node", "iface"})

	PTPMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: NICSubsystem,
			Name:      "ptp_messages",
			Help:      "PTP message counters reported by ptp4l PORT_STATS_NP",
		}, []string{"node", "iface", "direction", "type"})

	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: StreamSubsystem,
			Name:      "subscribers",
			Help:      "Currently attached push subscribers",
		})

	StreamDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: StreamSubsystem,
			Name:      "dropped_total",
			Help:      "Events skipped or subscribers dropped because they fell behind",
		}, []string{"reason"})

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: HTTPSubsystem,
			Name:      "requests_total",
			Help:      "Count of all HTTP requests",
		}, []string{"code", "method"})

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: HTTPSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Duration of all HTTP requests",
		}, []string{"code", "method"})
)

// RegisterMetrics registers all the metrics with Prometheus
func RegisterMetrics(nodeName string) {
	registerMetrics.Do(func() {
		prometheus.MustRegister(Offset)
		prometheus.MustRegister(MaxOffset)
		prometheus.MustRegister(FrequencyAdjustment)
		prometheus.MustRegister(Delay)
		prometheus.MustRegister(ClockState)
		prometheus.MustRegister(InterfaceRole)
		prometheus.MustRegister(ProcessStatus)
		prometheus.MustRegister(ProcessRestartCount)
		prometheus.MustRegister(SessionOffset)
		prometheus.MustRegister(SessionFrequency)
		prometheus.MustRegister(SessionRMS)
		prometheus.MustRegister(SessionSynced)
		prometheus.MustRegister(SessionState)
		prometheus.MustRegister(SessionFailures)
		prometheus.MustRegister(InterfaceCounter)
		prometheus.MustRegister(InterfaceRate)
		prometheus.MustRegister(Temperature)
		prometheus.MustRegister(PTPMessages)
		prometheus.MustRegister(StreamSubscribers)
		prometheus.MustRegister(StreamDropped)
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)

		NodeName = nodeName
	})
}
