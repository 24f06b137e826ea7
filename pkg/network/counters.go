package network

import (
	"fmt"
	"path"
	"sort"

	"github.com/timenic/timenic-daemon/pkg/errs"
)

// CounterNames are the /sys/class/net/<if>/statistics attributes sampled.
var CounterNames = []string{
	"rx_bytes", "tx_bytes",
	"rx_packets", "tx_packets",
	"rx_errors", "tx_errors",
	"rx_dropped", "tx_dropped",
}

// Counters are the interface statistics of one sample.
type Counters struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
	RxDropped uint64 `json:"rx_dropped"`
	TxDropped uint64 `json:"tx_dropped"`
}

func (c *Counters) field(name string) *uint64 {
	switch name {
	case "rx_bytes":
		return &c.RxBytes
	case "tx_bytes":
		return &c.TxBytes
	case "rx_packets":
		return &c.RxPackets
	case "tx_packets":
		return &c.TxPackets
	case "rx_errors":
		return &c.RxErrors
	case "tx_errors":
		return &c.TxErrors
	case "rx_dropped":
		return &c.RxDropped
	case "tx_dropped":
		return &c.TxDropped
	}
	return nil
}

// Map returns the counters keyed by attribute name.
func (c Counters) Map() map[string]float64 {
	m := make(map[string]float64, len(CounterNames))
	for _, n := range CounterNames {
		m[n] = float64(*c.field(n))
	}
	return m
}

// ReadCounters reads the statistics of iface. It fails with NotFound when
// the interface is gone.
func (in *Inspector) ReadCounters(iface string) (Counters, error) {
	var c Counters
	base := path.Join("/sys/class/net", iface)
	if !in.FS.Exists(base) {
		return c, fmt.Errorf("interface %s: %w", iface, errs.ErrNotFound)
	}
	for _, n := range CounterNames {
		v, err := in.FS.ReadInt(path.Join(base, "statistics", n))
		if err != nil {
			return c, err
		}
		*c.field(n) = uint64(v)
	}
	return c, nil
}

// Temperature returns the adapter temperature in °C, nil when the driver
// does not expose a sensor.
func (in *Inspector) Temperature(iface string) *float64 {
	base := path.Join("/sys/class/net", iface, "device")
	candidates := in.FS.Glob(path.Join(base, "hwmon/hwmon*/temp1_input"))
	sort.Strings(candidates)
	candidates = append(candidates, path.Join(base, "temp1_input"), path.Join("/sys/class/net", iface, "temperature"))
	for _, p := range candidates {
		if v, err := in.FS.ReadInt(p); err == nil {
			t := float64(v) / 1000
			return &t
		}
	}
	return nil
}
