package parser

import (
	"errors"
	"strings"

	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

var (
	// ptp4l[4268779.809]: [ptp4l.3.config] port 3: UNCALIBRATED to MASTER on RS_MASTER
	// ptp4l[412707.219]: [ptp4l.0.config:5] port 1 (enp3s0): LISTENING to MASTER on ANNOUNCE_RECEIPT_TIMEOUT_EXPIRES
	ptp4lEventRegex = mustCompile(prefix(constants.PTP4L),
		`\s*port\s+(?P<port_id>\d+)(?:\s+\((?P<port_name>[\w.\-]+)\))?:`,
		`\s+(?P<event>.+)$`)
	// ptp4l[74737.942]: [ptp4l.0.config] rms 53 max 74 freq -16642 +/- 40 delay 1089 +/- 20
	summaryPTP4LRegex = mustCompile(prefix(constants.PTP4L), summaryBody)
	// ptp4l[365195.391]: [ptp4l.0.config] master offset -1 s2 freq -3972 path delay 89
	regularPTP4LRegex = mustCompile(prefix(constants.PTP4L), offsetBody)
)

// NewPTP4LExtractor creates an extractor for ptp4l output.
func NewPTP4LExtractor() *BaseMetricsExtractor[*servoLine] {
	return &BaseMetricsExtractor[*servoLine]{
		ProcessNameStr: constants.PTP4L,
		NewParsed:      newServoLine,
		RegexExtractorPairs: []RegexExtractorPair[*servoLine]{
			{
				Regex: ptp4lEventRegex,
				Extractor: func(p *servoLine) (*Metrics, *PTPEvent, error) {
					event, err := extractEventPTP4L(p)
					return nil, event, err
				},
			},
			{
				Regex: summaryPTP4LRegex,
				Extractor: func(p *servoLine) (*Metrics, *PTPEvent, error) {
					m, err := summaryMetrics(constants.PTP4L, p)
					if m != nil && m.Clock == "" {
						m.Clock = constants.Master
					}
					return m, nil, err
				},
			},
			{
				Regex: regularPTP4LRegex,
				Extractor: func(p *servoLine) (*Metrics, *PTPEvent, error) {
					m, err := offsetMetrics(constants.PTP4L, p)
					if m != nil && m.Clock == "" {
						m.Clock = constants.Master
					}
					return m, nil, err
				},
			},
		},
	}
}

func extractEventPTP4L(p *servoLine) (*PTPEvent, error) {
	if p.PortID == nil {
		return nil, errors.New("port id not found")
	}
	portID := *p.PortID
	role, clockState := determineRole(p.Event)
	if role == constants.PortRoleUnknown {
		portID = 0
	}
	return &PTPEvent{
		PortID:     portID,
		Iface:      p.PortName,
		Role:       role,
		ClockState: clockState,
		Raw:        p.Raw,
	}, nil
}

func determineRole(event string) (constants.PTPPortRole, constants.ClockState) {
	switch {
	case strings.Contains(event, "UNCALIBRATED to SLAVE"),
		strings.Contains(event, "LISTENING to SLAVE"):
		return constants.PortRoleSlave, constants.ClockStateFreeRun
	case strings.Contains(event, "to PASSIVE"):
		return constants.PortRolePassive, constants.ClockStateFreeRun
	case strings.Contains(event, "UNCALIBRATED to MASTER"),
		strings.Contains(event, "LISTENING to MASTER"):
		return constants.PortRoleMaster, constants.ClockStateFreeRun
	case strings.Contains(event, "FAULT_DETECTED"),
		strings.Contains(event, "SYNCHRONIZATION_FAULT"),
		strings.Contains(event, "SLAVE to UNCALIBRATED"):
		return constants.PortRoleFaulty, constants.ClockStateHoldover
	case strings.Contains(event, "SLAVE to MASTER"),
		strings.Contains(event, "SLAVE to GRAND_MASTER"):
		return constants.PortRoleMaster, constants.ClockStateHoldover
	case strings.Contains(event, "to LISTENING"):
		return constants.PortRoleListening, constants.ClockStateFreeRun
	default:
		return constants.PortRoleUnknown, constants.ClockStateFreeRun
	}
}
