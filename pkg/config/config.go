package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/timenic/timenic-daemon/pkg/errs"
)

const (
	DefaultListenAddress    = ":8080"
	DefaultConfigPath       = "/etc/timenic/config.json"
	DefaultRunDir           = "/var/run/timenic"
	DefaultSysfsRoot        = "/"
	DefaultLeapFile         = "/usr/share/zoneinfo/leap-seconds.list"
	DefaultInterface        = "enp3s0"
	DefaultSampleInterval   = time.Second
	DefaultHistoryLength    = 60
	DefaultServoKP          = 0.7
	DefaultServoKI          = 0.3
	DefaultRMSWindow        = 32
	DefaultSyncThresholdNs  = 100.0
	DefaultSyncDwell        = 5 * time.Second
	DefaultStopTimeout      = 5 * time.Second
	DefaultHardwareTimeout  = 2 * time.Second
	DefaultMaxParallelReads = 4
	DefaultPPSFrequencyHz   = 1
	DefaultPinIndex         = 1
	DefaultTAIOffset        = 37
)

// Environment overrides, read once at startup.
const (
	EnvConfigPath = "TIMENIC_CONFIG"
	EnvSysfsRoot  = "TIMENIC_SYSFS_ROOT"
	EnvInterface  = "TIMENIC_INTERFACE"
)

// PPS modes as they appear in the config document and on the API.
const (
	PPSDisabled = "disabled"
	PPSOutput   = "output"
	PPSInput    = "input"
	PPSBoth     = "both"
)

// ValidPPSMode reports whether m is one of the known PPS modes.
func ValidPPSMode(m string) bool {
	switch m {
	case PPSDisabled, PPSOutput, PPSInput, PPSBoth:
		return true
	}
	return false
}

// InterfaceConfig is the persisted per-NIC configuration.
type InterfaceConfig struct {
	PPSMode        string `json:"pps_mode,omitempty"`
	TCXOEnabled    *bool  `json:"tcxo_enabled,omitempty"`
	PPSFrequencyHz int    `json:"pps_frequency_hz,omitempty"`
}

// ServoConfig holds the control loop coefficients and sync tolerances.
type ServoConfig struct {
	KP              float64 `json:"kp"`
	KI              float64 `json:"ki"`
	RMSWindow       int     `json:"rms_window"`
	ThresholdNs     float64 `json:"threshold_ns"`
	DwellSeconds    float64 `json:"dwell_seconds"`
	MaxFrequencyPPB float64 `json:"max_frequency_ppb,omitempty"`
	// HoldoverSeconds keeps ts2phc steering the target after the pulse is
	// lost, on releases that support it.
	HoldoverSeconds int `json:"holdover_seconds,omitempty"`
}

// Dwell returns the dwell period as a duration.
func (s ServoConfig) Dwell() time.Duration {
	return time.Duration(s.DwellSeconds * float64(time.Second))
}

// TelemetryConfig controls the sampling loop.
type TelemetryConfig struct {
	IntervalSeconds float64  `json:"interval_seconds"`
	HistoryLength   int      `json:"history_length"`
	Interfaces      []string `json:"interfaces,omitempty"`
}

// Interval returns the sampling period as a duration.
func (t TelemetryConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds * float64(time.Second))
}

// Document is the configuration file the daemon persists and the UI imports
// and exports.
type Document struct {
	DefaultInterface string                     `json:"default_interface,omitempty"`
	PTPDevice        string                     `json:"ptp_device,omitempty"`
	Interfaces       map[string]InterfaceConfig `json:"interfaces"`
	Servo            ServoConfig                `json:"servo"`
	Telemetry        TelemetryConfig            `json:"telemetry"`
	// LogReduce is "", "basic" or "enhanced", see pkg/logfilter.
	LogReduce string `json:"log_reduce,omitempty"`
}

// Default returns a document populated with the package defaults.
func Default() Document {
	return Document{
		DefaultInterface: EnvOrDefault(EnvInterface, DefaultInterface),
		Interfaces:       map[string]InterfaceConfig{},
		Servo: ServoConfig{
			KP:           DefaultServoKP,
			KI:           DefaultServoKI,
			RMSWindow:    DefaultRMSWindow,
			ThresholdNs:  DefaultSyncThresholdNs,
			DwellSeconds: DefaultSyncDwell.Seconds(),
		},
		Telemetry: TelemetryConfig{
			IntervalSeconds: DefaultSampleInterval.Seconds(),
			HistoryLength:   DefaultHistoryLength,
		},
	}
}

// fillDefaults replaces zero values left out of an imported document.
func (d *Document) fillDefaults() {
	def := Default()
	if d.Interfaces == nil {
		d.Interfaces = map[string]InterfaceConfig{}
	}
	if d.DefaultInterface == "" {
		d.DefaultInterface = def.DefaultInterface
	}
	if d.Servo.KP == 0 && d.Servo.KI == 0 {
		d.Servo.KP, d.Servo.KI = def.Servo.KP, def.Servo.KI
	}
	if d.Servo.RMSWindow == 0 {
		d.Servo.RMSWindow = def.Servo.RMSWindow
	}
	if d.Servo.ThresholdNs == 0 {
		d.Servo.ThresholdNs = def.Servo.ThresholdNs
	}
	if d.Servo.DwellSeconds == 0 {
		d.Servo.DwellSeconds = def.Servo.DwellSeconds
	}
	if d.Telemetry.IntervalSeconds == 0 {
		d.Telemetry.IntervalSeconds = def.Telemetry.IntervalSeconds
	}
	if d.Telemetry.HistoryLength == 0 {
		d.Telemetry.HistoryLength = def.Telemetry.HistoryLength
	}
}

// Validate checks enum values and numeric ranges.
func (d *Document) Validate() error {
	for name, ic := range d.Interfaces {
		if name == "" {
			return fmt.Errorf("empty interface name: %w", errs.ErrInvalidArgument)
		}
		if ic.PPSMode != "" && !ValidPPSMode(ic.PPSMode) {
			return fmt.Errorf("interface %s: pps_mode %q: %w", name, ic.PPSMode, errs.ErrInvalidArgument)
		}
		if ic.PPSFrequencyHz < 0 {
			return fmt.Errorf("interface %s: pps_frequency_hz %d: %w", name, ic.PPSFrequencyHz, errs.ErrInvalidArgument)
		}
	}
	if d.Servo.KP < 0 || d.Servo.KI < 0 {
		return fmt.Errorf("servo gains must be non-negative: %w", errs.ErrInvalidArgument)
	}
	if d.Servo.RMSWindow < 1 {
		return fmt.Errorf("servo rms_window %d: %w", d.Servo.RMSWindow, errs.ErrInvalidArgument)
	}
	if d.Servo.HoldoverSeconds < 0 {
		return fmt.Errorf("servo holdover_seconds %d: %w", d.Servo.HoldoverSeconds, errs.ErrInvalidArgument)
	}
	if d.Servo.ThresholdNs <= 0 || d.Servo.DwellSeconds < 0 {
		return fmt.Errorf("servo threshold/dwell out of range: %w", errs.ErrInvalidArgument)
	}
	switch d.LogReduce {
	case "", "basic", "enhanced":
	default:
		return fmt.Errorf("log_reduce %q: %w", d.LogReduce, errs.ErrInvalidArgument)
	}
	if d.Telemetry.IntervalSeconds <= 0 || d.Telemetry.HistoryLength < 2 {
		return fmt.Errorf("telemetry interval/history out of range: %w", errs.ErrInvalidArgument)
	}
	return nil
}

// Parse decodes a JSON or YAML document, fills defaults and validates it.
func Parse(data []byte) (*Document, []byte, error) {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding config: %v: %w", err, errs.ErrInvalidArgument)
	}
	doc := &Document{}
	if err = json.Unmarshal(js, doc); err != nil {
		return nil, nil, fmt.Errorf("decoding config: %v: %w", err, errs.ErrInvalidArgument)
	}
	doc.fillDefaults()
	if err = doc.Validate(); err != nil {
		return nil, nil, err
	}
	return doc, js, nil
}

// EnvOrDefault returns the environment value for key or def when unset.
func EnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
