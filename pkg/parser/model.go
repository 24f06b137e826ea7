package parser

import "github.com/timenic/timenic-daemon/pkg/parser/constants"

// PTPEvent represents a port state change extracted from a ptp4l line.
type PTPEvent struct {
	PortID     int                   `json:"portid"`
	Iface      string                `json:"iface"`
	Role       constants.PTPPortRole `json:"role"`
	ClockState constants.ClockState  `json:"clockstate"`
	Raw        string                `json:"raw"`
}

// Metrics is one servo report from a linuxptp daemon.
// Summary lines carry RMS and MaxOffset; per-sample lines carry Offset.
type Metrics struct {
	Process    string               `json:"process"`
	Config     string               `json:"config,omitempty"`
	Clock      string               `json:"clock"` // target clock: interface, /dev/ptpN or CLOCK_REALTIME
	Offset     float64              `json:"offset"`
	MaxOffset  float64              `json:"maxoffset"`
	RMS        float64              `json:"rms,omitempty"`
	FreqAdj    float64              `json:"freqadj"`
	Delay      float64              `json:"delay"`
	ClockState constants.ClockState `json:"clockstate,omitempty"`
	Source     string               `json:"source"` // master, phc or sys
	Summary    bool                 `json:"summary"`
}
