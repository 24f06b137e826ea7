package parser

import (
	"errors"
	"strconv"

	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

const (
	// offsetBody matches the per-sample servo report shared by all three tools:
	//   ens2f1 master offset 2345 s2 freq -16642
	//   /dev/ptp6 offset -1 s2 freq -3972 holdover
	//   CLOCK_REALTIME phc offset 8 s2 freq -6990 delay 502
	//   master offset -1 s2 freq -3972 path delay 89
	offsetBody = `\s*(?:(?P<interface>\S+)\s+)??` +
		`(?:(?P<source>master|phc|sys)\s+)?` +
		`offset\s+(?P<offset>-?\d+)\s+(?P<servo_state>s\d)` +
		`\s+freq\s+(?P<freq_adj>[-+]?\d+)` +
		`(?:\s+(?:path\s+)?delay\s+(?P<delay>-?\d+))?` +
		`(?P<holdover>\s+holdover)?\s*$`

	// summaryBody matches the periodic summary printed with summary_interval:
	//   CLOCK_REALTIME rms 4 max 4 freq -76829 +/- 0 delay 1085 +/- 0
	summaryBody = `\s*(?:(?P<interface>\S+)\s+)??` +
		`rms\s+(?P<rms>\d+)\s+max\s+(?P<max>-?\d+)` +
		`\s+freq\s+(?P<freq_adj>[-+]?\d+)\s+\+/-\s+\d+` +
		`(?:\s+delay\s+(?P<delay>\d+)\s+\+/-\s+\d+)?\s*$`
)

// servoLine holds the fields of a linuxptp servo report.
type servoLine struct {
	Raw        string
	Timestamp  string
	ConfigName string
	Severity   *int

	Interface  string
	Source     string
	Offset     *float64
	RMS        *float64
	MaxOffset  *float64
	FreqAdj    *float64
	Delay      *float64
	ServoState string
	Holdover   bool

	PortID   *int
	PortName string
	Event    string
}

func parseFloatField(name, value string) (*float64, error) {
	if value == "" {
		return nil, errors.New(name + " cannot be empty")
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Populate ...
func (p *servoLine) Populate(line string, matched, fields []string) error {
	p.Raw = line
	var err error
	for i, field := range fields {
		value := matched[i]
		switch field {
		case "timestamp":
			p.Timestamp = value
		case "config_name":
			p.ConfigName = value
		case "severity":
			if value == "" {
				continue
			}
			level, convErr := strconv.Atoi(value)
			if convErr != nil {
				return convErr
			}
			p.Severity = &level
		case "interface":
			p.Interface = value
		case "source":
			p.Source = value
		case "offset":
			p.Offset, err = parseFloatField(field, value)
		case "rms":
			p.RMS, err = parseFloatField(field, value)
		case "max":
			p.MaxOffset, err = parseFloatField(field, value)
		case "freq_adj":
			p.FreqAdj, err = parseFloatField(field, value)
		case "delay":
			if value == "" {
				continue
			}
			p.Delay, err = parseFloatField(field, value)
		case "servo_state":
			p.ServoState = value
		case "holdover":
			p.Holdover = value != ""
		case "port_id":
			id, convErr := strconv.Atoi(value)
			if convErr != nil {
				return convErr
			}
			p.PortID = &id
		case "port_name":
			p.PortName = value
		case "event":
			p.Event = value
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *servoLine) delay() float64 {
	if p.Delay == nil {
		return 0
	}
	return *p.Delay
}

func newServoLine() *servoLine { return &servoLine{} }

// offsetMetrics builds Metrics from a per-sample report.
func offsetMetrics(process string, p *servoLine) (*Metrics, error) {
	if p.Offset == nil {
		return nil, errors.New("failed to find offset")
	}
	if p.FreqAdj == nil {
		return nil, errors.New("failed to find freq adj")
	}
	state, err := clockStateFromServo(p.ServoState, p.Holdover)
	if err != nil {
		return nil, err
	}
	source := p.Source
	if source == "" {
		source = constants.Master
	}
	return &Metrics{
		Process:    process,
		Config:     p.ConfigName,
		Clock:      p.Interface,
		Offset:     *p.Offset,
		MaxOffset:  *p.Offset,
		FreqAdj:    *p.FreqAdj,
		Delay:      p.delay(),
		ClockState: state,
		Source:     source,
	}, nil
}

// summaryMetrics builds Metrics from a summary report.
func summaryMetrics(process string, p *servoLine) (*Metrics, error) {
	if p.RMS == nil || p.MaxOffset == nil || p.FreqAdj == nil {
		return nil, errors.New("incomplete summary line")
	}
	return &Metrics{
		Process:   process,
		Config:    p.ConfigName,
		Clock:     p.Interface,
		Offset:    *p.RMS,
		RMS:       *p.RMS,
		MaxOffset: *p.MaxOffset,
		FreqAdj:   *p.FreqAdj,
		Delay:     p.delay(),
		Source:    constants.Master,
		Summary:   true,
	}, nil
}
