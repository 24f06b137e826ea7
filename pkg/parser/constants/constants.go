// Package constants provides names shared by the log parsers, the daemon
// supervisor and the metrics exporter.
package constants

// Process names of the supervised linuxptp tools.
const (
	PTP4L   = "ptp4l"
	PHC2SYS = "phc2sys"
	TS2PHC  = "ts2phc"
	PMC     = "pmc"
	PHCCTL  = "phc_ctl"
)

// ClockState ...
type ClockState string

const (
	// ClockStateLocked servo in s2/s3
	ClockStateLocked ClockState = "LOCKED"
	// ClockStateFreeRun servo in s0/s1
	ClockStateFreeRun ClockState = "FREERUN"
	// ClockStateHoldover reported by ts2phc when the reference disappears
	ClockStateHoldover ClockState = "HOLDOVER"
)

// Offset sources as printed before "offset" by linuxptp.
const (
	Master = "master"
	PHC    = "phc"
)

// PTPPortRole ...
type PTPPortRole int

const (
	PortRolePassive PTPPortRole = iota
	PortRoleSlave
	PortRoleMaster
	PortRoleFaulty
	PortRoleUnknown
	PortRoleListening
)

func (pr PTPPortRole) String() string {
	switch pr {
	case PortRoleSlave:
		return "SLAVE"
	case PortRoleMaster:
		return "MASTER"
	case PortRolePassive:
		return "PASSIVE"
	case PortRoleFaulty:
		return "FAULTY"
	case PortRoleListening:
		return "LISTENING"
	default:
		return "UNKNOWN"
	}
}
