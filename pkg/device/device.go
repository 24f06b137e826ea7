// Package device is the registry of TimeNIC-class adapters: what they can
// do and how their PPS pins, TCXO and PTM are configured.
package device

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/timenic/timenic-daemon/pkg/alias"
	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/network"
	"github.com/timenic/timenic-daemon/pkg/ptpdev"
	"github.com/timenic/timenic-daemon/pkg/utils"
)

// PTM states.
const (
	PTMUnsupported = "unsupported"
	PTMDisabled    = "disabled"
	PTMEnabled     = "enabled"
)

// SMA states.
const (
	SMAEnabled  = "enabled"
	SMADisabled = "disabled"
)

// TimeNIC routes SDP0 to SMA1 (PPS out) and SDP1 to SMA2 (PPS in).
const (
	OutputPin     = "SDP0"
	InputPin      = "SDP1"
	outputChannel = 0
	inputChannel  = 0
	timeNICDriver = "igc"
)

// Capabilities of an adapter.
type Capabilities struct {
	PPSOutput bool `json:"pps_output"`
	PPSInput  bool `json:"pps_input"`
	TCXO      bool `json:"tcxo"`
	PTM       bool `json:"ptm"`
}

// Device is a NIC as exposed on the API.
type Device struct {
	Name           string        `json:"name"`
	MACAddress     string        `json:"mac_address"`
	IPAddress      string        `json:"ip_address,omitempty"`
	LinkStatus     string        `json:"link_status"`
	Speed          string        `json:"speed"`
	Duplex         string        `json:"duplex"`
	PPSMode        string        `json:"pps_mode"`
	PPSFrequencyHz int           `json:"pps_frequency_hz,omitempty"`
	TCXOEnabled    bool          `json:"tcxo_enabled"`
	Temperature    *float64      `json:"temperature,omitempty"`
	Driver         string        `json:"driver"`
	PCIAddress     string        `json:"pci_address"`
	PTPDevice      string        `json:"ptp_device,omitempty"`
	ClockAlias     string        `json:"clock_alias,omitempty"`
	PTMStatus      string        `json:"ptm_status"`
	SMA1Status     string        `json:"sma1_status"`
	SMA2Status     string        `json:"sma2_status"`
	IsTimeNIC      bool          `json:"is_timenic"`
	Capabilities   Capabilities  `json:"capabilities"`
	Hardware       *HardwareInfo `json:"hardware,omitempty"`
}

// Registry enumerates adapters and applies configuration to them. Reads
// are served from the last refresh; setters write absolute values so a
// retried call lands in the same state.
type Registry struct {
	inspector *network.Inspector
	catalog   *ptpdev.Catalog
	fs        network.SysFS
	timeout   time.Duration

	// writeMu serializes hardware writes.
	writeMu sync.Mutex

	mu         sync.RWMutex
	devices    map[string]Device
	frequency  map[string]int
	generation uint64
}

// NewRegistry builds a registry over the given sysfs view.
func NewRegistry(inspector *network.Inspector, catalog *ptpdev.Catalog, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = config.DefaultHardwareTimeout
	}
	return &Registry{
		inspector: inspector,
		catalog:   catalog,
		fs:        inspector.FS,
		timeout:   timeout,
		devices:   map[string]Device{},
		frequency: map[string]int{},
	}
}

// Refresh enumerates the adapters again.
func (r *Registry) Refresh(ctx context.Context) error {
	var ifaces []network.Interface
	err := utils.Bounded(ctx, r.timeout, func() error {
		var err error
		ifaces, err = r.inspector.Interfaces(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("discovering devices: %w", err)
	}
	devices := make(map[string]Device, len(ifaces))
	byPHC := map[string][]string{}
	for _, i := range ifaces {
		d := r.build(ctx, i)
		devices[i.Name] = d
		if d.PTPDevice != "" {
			byPHC[d.PTPDevice] = append(byPHC[d.PTPDevice], d.Name)
		}
	}
	for name, a := range alias.Compute(byPHC) {
		d := devices[name]
		d.ClockAlias = a
		devices[name] = d
	}
	r.mu.Lock()
	prev := r.devices
	r.devices = devices
	r.generation++
	r.mu.Unlock()
	logDeviceChanges(prev, devices)
	glog.V(2).Infof("device registry refreshed: %d adapters", len(devices))
	return nil
}

// List returns the adapters sorted by name.
func (r *Registry) List() []Device {
	_, list := r.Snapshot()
	return list
}

// Snapshot returns the adapters with the registry generation they belong to.
func (r *Registry) Snapshot() (uint64, []Device) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return r.generation, list
}

// Get returns one adapter, NotFound when unknown.
func (r *Registry) Get(name string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	if !ok {
		return Device{}, fmt.Errorf("device %s: %w", name, errs.ErrNotFound)
	}
	return d, nil
}

func (r *Registry) build(ctx context.Context, i network.Interface) Device {
	d := Device{
		Name:       i.Name,
		MACAddress: i.MACAddress,
		IPAddress:  i.IPAddress,
		LinkStatus: i.LinkStatus,
		Speed:      i.Speed,
		Duplex:     i.Duplex,
		Driver:     i.Driver,
		PCIAddress: i.PCIAddress,
		PTPDevice:  i.PTPDevice,
		PPSMode:    config.PPSDisabled,
		PTMStatus:  PTMUnsupported,
		SMA1Status: SMADisabled,
		SMA2Status: SMADisabled,
	}
	d.Temperature = r.inspector.Temperature(i.Name)
	d.Hardware = readHardwareInfo(r.fs, i.Name, i.PCIAddress, i.Driver)
	if tcxo, err := r.fs.ReadString(tcxoPath(r.fs, i.Name)); err == nil {
		d.Capabilities.TCXO = true
		d.TCXOEnabled = tcxo == "1"
	}
	if i.PCIAddress != "" {
		if ptm, err := r.fs.ReadString(ptmPath(i.PCIAddress)); err == nil {
			d.Capabilities.PTM = true
			d.PTMStatus = PTMDisabled
			if ptm == "1" {
				d.PTMStatus = PTMEnabled
			}
		}
	}
	if i.PTPDevice == "" {
		return d
	}
	phc, err := r.catalog.Get(ctx, i.PTPDevice)
	if err != nil {
		glog.Warningf("%s: reading %s: %v", i.Name, i.PTPDevice, err)
		return d
	}
	var out, in bool
	var hasOut, hasIn bool
	for _, p := range phc.PinList {
		switch p.Name {
		case OutputPin:
			hasOut = true
			out = p.Function == ptpdev.PinFuncPerOut
		case InputPin:
			hasIn = true
			in = p.Function == ptpdev.PinFuncExtTS
		}
	}
	d.Capabilities.PPSOutput = hasOut && phc.NPerOut > 0
	d.Capabilities.PPSInput = hasIn && phc.NExtTS > 0
	d.IsTimeNIC = i.Driver == timeNICDriver && hasOut && hasIn
	d.PPSMode = ppsMode(out, in)
	if out {
		d.SMA1Status = SMAEnabled
		d.PPSFrequencyHz = r.rememberedFrequency(i.Name)
	}
	if in {
		d.SMA2Status = SMAEnabled
	}
	return d
}

func ppsMode(out, in bool) string {
	switch {
	case out && in:
		return config.PPSBoth
	case out:
		return config.PPSOutput
	case in:
		return config.PPSInput
	}
	return config.PPSDisabled
}

func (r *Registry) rememberedFrequency(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if hz, ok := r.frequency[name]; ok {
		return hz
	}
	return config.DefaultPPSFrequencyHz
}

// reload re-reads one adapter after a write.
func (r *Registry) reload(ctx context.Context, name string) {
	i, found, err := r.inspector.Interface(ctx, name)
	if err != nil || !found {
		glog.Warningf("reloading %s: found=%t err=%v", name, found, err)
		return
	}
	d := r.build(ctx, i)
	r.mu.Lock()
	if prev, ok := r.devices[name]; ok && prev.PTPDevice == d.PTPDevice {
		d.ClockAlias = prev.ClockAlias
	}
	r.devices[name] = d
	r.generation++
	r.mu.Unlock()
}

func tcxoPath(fs network.SysFS, iface string) string {
	p := path.Join("/sys/class/net", iface, "device/tcxo_enabled")
	if fs.Exists(p) {
		return p
	}
	return path.Join("/sys/class/net", iface, "tcxo_enabled")
}

func ptmPath(pciAddress string) string {
	return path.Join("/sys/bus/pci/devices", pciAddress, "enable_ptm")
}

func phcDir(ptpDevice string) (string, error) {
	idx, err := ptpdev.Index(ptpDevice)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/sys/class/ptp/ptp%d", idx), nil
}

// hardware runs fn under the write lock, bounded by the registry timeout,
// then refreshes name.
func (r *Registry) hardware(ctx context.Context, name string, fn func() error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	err := utils.Bounded(ctx, r.timeout, fn)
	r.reload(ctx, name)
	return err
}

// SetPPSMode configures the SMA pins. Output runs at the frequency last set
// on the adapter, 1 Hz by default.
func (r *Registry) SetPPSMode(ctx context.Context, name, mode string) error {
	return r.SetPPSModeWithFrequency(ctx, name, mode, 0)
}

// SetPPSModeWithFrequency configures the SMA pins and, for output modes,
// the pulse frequency. hz 0 keeps the current frequency.
func (r *Registry) SetPPSModeWithFrequency(ctx context.Context, name, mode string, hz int) error {
	if !config.ValidPPSMode(mode) {
		return fmt.Errorf("pps mode %q: %w", mode, errs.ErrInvalidArgument)
	}
	if hz < 0 || hz > 1000000000 {
		return fmt.Errorf("pps frequency %d Hz: %w", hz, errs.ErrInvalidArgument)
	}
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	wantOut := mode == config.PPSOutput || mode == config.PPSBoth
	wantIn := mode == config.PPSInput || mode == config.PPSBoth
	if d.PTPDevice == "" && mode != config.PPSDisabled {
		return fmt.Errorf("%s has no PTP hardware clock: %w", name, errs.ErrUnsupported)
	}
	if wantOut && !d.Capabilities.PPSOutput {
		return fmt.Errorf("%s cannot drive PPS on %s: %w", name, OutputPin, errs.ErrUnsupported)
	}
	if wantIn && !d.Capabilities.PPSInput {
		return fmt.Errorf("%s cannot timestamp PPS on %s: %w", name, InputPin, errs.ErrUnsupported)
	}
	if d.PTPDevice == "" {
		return nil
	}
	dir, err := phcDir(d.PTPDevice)
	if err != nil {
		return err
	}
	if hz == 0 {
		hz = r.rememberedFrequency(name)
	}

	glog.Infof("%s: setting PPS mode %s (%d Hz) on %s", name, mode, hz, d.PTPDevice)
	err = r.hardware(ctx, name, func() error {
		var errList []error
		if d.Capabilities.PPSOutput {
			errList = append(errList, r.writeOutput(dir, wantOut, hz)...)
		}
		if d.Capabilities.PPSInput {
			errList = append(errList, r.writeInput(dir, wantIn)...)
		}
		return errors.Join(errList...)
	})
	if err == nil && wantOut {
		r.mu.Lock()
		r.frequency[name] = hz
		r.mu.Unlock()
		r.reload(ctx, name)
	}
	return err
}

func (r *Registry) writeOutput(dir string, enable bool, hz int) []error {
	var errList []error
	pin, period := ptpdev.PinValue(ptpdev.PinFuncNone, outputChannel), PeriodValue(outputChannel, 0)
	if enable {
		pin, period = ptpdev.PinValue(ptpdev.PinFuncPerOut, outputChannel), PeriodValue(outputChannel, hz)
	}
	if !enable {
		// stop the signal before releasing the pin
		errList = append(errList, r.fs.WriteString(path.Join(dir, "period"), period))
		errList = append(errList, r.fs.WriteString(path.Join(dir, "pins", OutputPin), pin))
		return errList
	}
	errList = append(errList, r.fs.WriteString(path.Join(dir, "pins", OutputPin), pin))
	errList = append(errList, r.fs.WriteString(path.Join(dir, "period"), period))
	return errList
}

func (r *Registry) writeInput(dir string, enable bool) []error {
	fn, on := ptpdev.PinFuncNone, 0
	if enable {
		fn, on = ptpdev.PinFuncExtTS, 1
	}
	return []error{
		r.fs.WriteString(path.Join(dir, "pins", InputPin), ptpdev.PinValue(fn, inputChannel)),
		r.fs.WriteString(path.Join(dir, "extts_enable"), fmt.Sprintf("%d %d", inputChannel, on)),
	}
}

// PeriodValue renders the "<chan> <start.sec> <start.nsec> <period.sec>
// <period.nsec>" string for the period attribute. hz 0 disables the output.
func PeriodValue(channel, hz int) string {
	if hz <= 0 {
		return fmt.Sprintf("%d 0 0 0 0", channel)
	}
	periodNs := int64(time.Second) / int64(hz)
	return fmt.Sprintf("%d 0 0 %d %d", channel, periodNs/int64(time.Second), periodNs%int64(time.Second))
}

// EnablePPSOutput turns on the SMA1 output at hz, keeping the input as is.
func (r *Registry) EnablePPSOutput(ctx context.Context, name string, hz int) error {
	if hz <= 0 {
		return fmt.Errorf("pps frequency %d Hz: %w", hz, errs.ErrInvalidArgument)
	}
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	mode := config.PPSOutput
	if d.PPSMode == config.PPSInput || d.PPSMode == config.PPSBoth {
		mode = config.PPSBoth
	}
	return r.SetPPSModeWithFrequency(ctx, name, mode, hz)
}

// EnablePPSInput turns on SMA2 timestamping, keeping the output as is.
func (r *Registry) EnablePPSInput(ctx context.Context, name string) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	mode := config.PPSInput
	if d.PPSMode == config.PPSOutput || d.PPSMode == config.PPSBoth {
		mode = config.PPSBoth
	}
	return r.SetPPSMode(ctx, name, mode)
}

// SetTCXO switches the adapter between the TCXO and its crystal.
func (r *Registry) SetTCXO(ctx context.Context, name string, enabled bool) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	if !d.Capabilities.TCXO {
		return fmt.Errorf("%s has no TCXO control: %w", name, errs.ErrUnsupported)
	}
	value := "0"
	if enabled {
		value = "1"
	}
	glog.Infof("%s: setting TCXO %t", name, enabled)
	return r.hardware(ctx, name, func() error {
		return r.fs.WriteString(tcxoPath(r.fs, name), value)
	})
}

// EnablePTM turns on PCIe Precision Time Measurement for the adapter.
func (r *Registry) EnablePTM(ctx context.Context, name string) error {
	return r.SetPTM(ctx, name, true)
}

// SetPTM switches PCIe Precision Time Measurement on or off.
func (r *Registry) SetPTM(ctx context.Context, name string, enabled bool) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	if !d.Capabilities.PTM {
		return fmt.Errorf("%s: PTM not available: %w", name, errs.ErrUnsupported)
	}
	want, value := PTMDisabled, "0"
	if enabled {
		want, value = PTMEnabled, "1"
	}
	if d.PTMStatus == want {
		return nil
	}
	glog.Infof("%s: setting PTM %t on %s", name, enabled, d.PCIAddress)
	return r.hardware(ctx, name, func() error {
		return r.fs.WriteString(ptmPath(d.PCIAddress), value)
	})
}

// ByPCIAddress returns the adapter at a PCI address.
func (r *Registry) ByPCIAddress(addr string) (Device, error) {
	for _, d := range r.List() {
		if d.PCIAddress == addr || strings.TrimPrefix(d.PCIAddress, "0000:") == addr {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("no device at PCI address %s: %w", addr, errs.ErrNotFound)
}

// Apply pushes a config document to the hardware. Interfaces not present
// are skipped.
func (r *Registry) Apply(ctx context.Context, doc config.Document) error {
	names := make([]string, 0, len(doc.Interfaces))
	for name := range doc.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	var errList []error
	for _, name := range names {
		ic := doc.Interfaces[name]
		if _, err := r.Get(name); err != nil {
			glog.Warningf("config for %s skipped: %v", name, err)
			continue
		}
		if ic.PPSMode != "" {
			if err := r.SetPPSModeWithFrequency(ctx, name, ic.PPSMode, ic.PPSFrequencyHz); err != nil {
				errList = append(errList, err)
			}
		}
		if ic.TCXOEnabled != nil {
			if err := r.SetTCXO(ctx, name, *ic.TCXOEnabled); err != nil {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
}
