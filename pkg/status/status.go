// Package status composes devices and sessions into the status object the
// dashboard polls and receives on the push channel.
package status

import (
	"sync"
	"time"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/device"
	"github.com/timenic/timenic-daemon/pkg/event"
	"github.com/timenic/timenic-daemon/pkg/ptpdev"
)

// SessionSnapshotter is satisfied by *controller.Controller.
type SessionSnapshotter interface {
	Snapshot() (uint64, []controller.SessionView)
}

// DeviceSnapshotter is satisfied by *device.Registry.
type DeviceSnapshotter interface {
	Snapshot() (uint64, []device.Device)
}

// DeviceSummary describes the primary adapter.
type DeviceSummary struct {
	Interface    string              `json:"interface"`
	PTPDevice    string              `json:"ptp_device"`
	ClockIndex   int                 `json:"clock_index"`
	Capabilities device.Capabilities `json:"capabilities"`
}

// Flag ...
type Flag struct {
	Enabled     bool `json:"enabled"`
	FrequencyHz int  `json:"frequency_hz,omitempty"`
}

// View is one consistent point-in-time status. Every field derives from a
// single session snapshot and a single device snapshot.
type View struct {
	SessionGeneration uint64                   `json:"session_generation"`
	DeviceGeneration  uint64                   `json:"device_generation"`
	Timestamp         time.Time                `json:"timestamp"`
	Device            *DeviceSummary           `json:"device"`
	PPSOutput         Flag                     `json:"pps_output"`
	PPSInput          Flag                     `json:"pps_input"`
	PTMStatus         string                   `json:"ptm_status"`
	SyncStatus        *controller.SyncMetrics  `json:"sync_status"`
	Sessions          []controller.SessionView `json:"sessions"`
	Devices           []device.Device          `json:"devices"`
}

// Aggregator builds Views. Snapshot calls are serialized so two callers
// never interleave their reads of the components.
type Aggregator struct {
	sessions         SessionSnapshotter
	devices          DeviceSnapshotter
	defaultInterface func() string
	now              func() time.Time

	mu   sync.Mutex
	last *View
}

// NewAggregator ... defaultInterface names the adapter the summary fields
// describe; nil selects config.DefaultInterface.
func NewAggregator(sessions SessionSnapshotter, devices DeviceSnapshotter, defaultInterface func() string) *Aggregator {
	if defaultInterface == nil {
		defaultInterface = func() string { return config.DefaultInterface }
	}
	return &Aggregator{
		sessions:         sessions,
		devices:          devices,
		defaultInterface: defaultInterface,
		now:              time.Now,
	}
}

// Snapshot returns the current view. When neither component changed since
// the last call the previous view is returned with a fresh timestamp.
func (a *Aggregator) Snapshot() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	sGen, sessions := a.sessions.Snapshot()
	dGen, devices := a.devices.Snapshot()
	primaryName := a.defaultInterface()
	if a.last != nil && a.last.SessionGeneration == sGen && a.last.DeviceGeneration == dGen &&
		(a.last.Device == nil || a.last.Device.Interface == primaryName) {
		v := *a.last
		v.Timestamp = a.now()
		return v
	}
	v := compose(sGen, sessions, dGen, devices, primaryName)
	v.Timestamp = a.now()
	a.last = &v
	return v
}

// Publish pushes the current view as a status event.
func (a *Aggregator) Publish(bus *event.Bus) View {
	v := a.Snapshot()
	bus.Publish(event.New(event.Status, v))
	return v
}

func compose(sGen uint64, sessions []controller.SessionView, dGen uint64, devices []device.Device, primaryName string) View {
	v := View{
		SessionGeneration: sGen,
		DeviceGeneration:  dGen,
		PTMStatus:         device.PTMUnsupported,
		Sessions:          sessions,
		Devices:           devices,
	}
	primary := pickPrimary(devices, primaryName)
	if primary != nil {
		idx := -1
		if primary.PTPDevice != "" {
			if i, err := ptpdev.Index(primary.PTPDevice); err == nil {
				idx = i
			}
		}
		v.Device = &DeviceSummary{
			Interface:    primary.Name,
			PTPDevice:    primary.PTPDevice,
			ClockIndex:   idx,
			Capabilities: primary.Capabilities,
		}
		v.PTMStatus = primary.PTMStatus
		out := primary.PPSMode == config.PPSOutput || primary.PPSMode == config.PPSBoth
		v.PPSOutput = Flag{Enabled: out}
		if out {
			v.PPSOutput.FrequencyHz = primary.PPSFrequencyHz
		}
		v.PPSInput = Flag{Enabled: primary.PPSMode == config.PPSInput || primary.PPSMode == config.PPSBoth}
	}
	v.SyncStatus = primarySync(sessions, primary)
	return v
}

// pickPrimary prefers the configured interface, then the first TimeNIC,
// then any adapter with a PHC.
func pickPrimary(devices []device.Device, name string) *device.Device {
	var timenic, phc *device.Device
	for i := range devices {
		d := &devices[i]
		if d.Name == name {
			return d
		}
		if timenic == nil && d.IsTimeNIC {
			timenic = d
		}
		if phc == nil && d.PTPDevice != "" {
			phc = d
		}
	}
	if timenic != nil {
		return timenic
	}
	return phc
}

// primarySync returns the metrics of the active session disciplining the
// primary clock, else of the first active session. Failed sessions have
// none.
func primarySync(sessions []controller.SessionView, primary *device.Device) *controller.SyncMetrics {
	var first *controller.SyncMetrics
	for i := range sessions {
		s := &sessions[i]
		if !s.Active() {
			continue
		}
		m := s.Metrics()
		if m == nil {
			continue
		}
		if primary != nil && s.Target == primary.PTPDevice {
			return m
		}
		if first == nil {
			first = m
		}
	}
	return first
}
