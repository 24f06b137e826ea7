package daemon

import (
	"fmt"
	"path/filepath"
	"strconv"

	configparser "github.com/bigkevmcd/go-configparser"

	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/features"
)

const (
	GlobalSectionName = "global"
	// DefaultPulseWidthNs matches the 100 ms pulse the SDP0 output generates.
	DefaultPulseWidthNs = 100000000
)

// TS2PHCConfig describes a ts2phc instance. Sample output:
//
//	[/dev/ptp1]
//	ts2phc.pin_index 1
//
//	[global]
//	logging_level 6
//	message_tag [ts2phc.0.config]
//	ts2phc.pulsewidth 100000000
//	use_syslog 0
//	verbose 1
type TS2PHCConfig struct {
	ConfigName string
	// Target is the PHC disciplined from the pulses.
	Target   string
	PinIndex int
	// Source is TS2PHCSourceGeneric or a PHC path.
	Source string
	// SourcePinIndex is the periodic output pin of a PHC source.
	SourcePinIndex int
	PulseWidthNs   int
	LeapFile       string
	// KP and KI, when set, replace the PI servo constants.
	KP, KI float64
	// HoldoverSeconds is written only when the installed ts2phc knows it.
	HoldoverSeconds int
}

// PTP4LConfig describes a ptp4l instance whose UDS pmc talks to.
type PTP4LConfig struct {
	ConfigName string
	Interface  string
	SocketPath string
}

func newLinuxPTPConf(configName string) (*configparser.ConfigParser, error) {
	conf := configparser.New()
	if err := conf.AddSection(GlobalSectionName); err != nil {
		return nil, err
	}
	for k, v := range map[string]string{
		"use_syslog":    "0",
		"verbose":       "1",
		"logging_level": "6",
		"message_tag":   messageTag(configName),
	} {
		if err := conf.Set(GlobalSectionName, k, v); err != nil {
			return nil, err
		}
	}
	return conf, nil
}

func setSection(conf *configparser.ConfigParser, section string, opts map[string]string) error {
	if !conf.HasSection(section) {
		if err := conf.AddSection(section); err != nil {
			return err
		}
	}
	for k, v := range opts {
		if err := conf.Set(section, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Render writes the config as dir/<ConfigName> and returns its path.
func (c TS2PHCConfig) Render(dir string) (string, error) {
	if c.Target == "" || c.ConfigName == "" {
		return "", fmt.Errorf("ts2phc config needs a target and a name: %w", errs.ErrInvalidArgument)
	}
	conf, err := newLinuxPTPConf(c.ConfigName)
	if err != nil {
		return "", err
	}
	width := c.PulseWidthNs
	if width <= 0 {
		width = DefaultPulseWidthNs
	}
	global := map[string]string{"ts2phc.pulsewidth": strconv.Itoa(width)}
	if c.LeapFile != "" {
		global["leapfile"] = c.LeapFile
	}
	if c.KP > 0 {
		global["pi_proportional_const"] = formatFloat(c.KP)
	}
	if c.KI > 0 {
		global["pi_integral_const"] = formatFloat(c.KI)
	}
	if c.HoldoverSeconds > 0 && features.Flags.TS2PHCHoldover {
		global["ts2phc.holdover"] = strconv.Itoa(c.HoldoverSeconds)
	}
	if err = setSection(conf, GlobalSectionName, global); err != nil {
		return "", err
	}
	if err = setSection(conf, c.Target, map[string]string{"ts2phc.pin_index": strconv.Itoa(c.PinIndex)}); err != nil {
		return "", err
	}
	if c.Source != "" && c.Source != TS2PHCSourceGeneric {
		if err = setSection(conf, c.Source, map[string]string{
			"ts2phc.master":    "1",
			"ts2phc.pin_index": strconv.Itoa(c.SourcePinIndex),
		}); err != nil {
			return "", err
		}
	}
	return save(conf, dir, c.ConfigName)
}

// Render writes the config as dir/<ConfigName> and returns its path.
func (c PTP4LConfig) Render(dir string) (string, error) {
	if c.Interface == "" || c.ConfigName == "" {
		return "", fmt.Errorf("ptp4l config needs an interface and a name: %w", errs.ErrInvalidArgument)
	}
	conf, err := newLinuxPTPConf(c.ConfigName)
	if err != nil {
		return "", err
	}
	global := map[string]string{
		"time_stamping":   "hardware",
		"delay_mechanism": "E2E",
	}
	if c.SocketPath != "" {
		global["uds_address"] = c.SocketPath
	}
	if err = setSection(conf, GlobalSectionName, global); err != nil {
		return "", err
	}
	if err = setSection(conf, c.Interface, map[string]string{"network_transport": "UDPv4"}); err != nil {
		return "", err
	}
	return save(conf, dir, c.ConfigName)
}

func save(conf *configparser.ConfigParser, dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := conf.SaveWithDelimiter(path, ""); err != nil {
		return "", fmt.Errorf("writing %s: %v: %w", path, err, errs.ErrInternal)
	}
	return path, nil
}
