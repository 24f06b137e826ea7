// Package ptpdev catalogs the PTP hardware clocks of the host.
package ptpdev

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/network"
	"github.com/timenic/timenic-daemon/pkg/utils"
)

const classDir = "/sys/class/ptp"

// Pin functions as exposed by the kernel in pins/<name>.
const (
	PinFuncNone     = 0
	PinFuncExtTS    = 1
	PinFuncPerOut   = 2
	PinFuncPhySync  = 3
	defaultReadWait = 2 * time.Second
)

var pinFuncNames = map[int]string{
	PinFuncNone:    "none",
	PinFuncExtTS:   "extts",
	PinFuncPerOut:  "periodic",
	PinFuncPhySync: "physync",
}

// PinFuncName returns the descriptor name of a pin function.
func PinFuncName(f int) string {
	if n, ok := pinFuncNames[f]; ok {
		return n
	}
	return strconv.Itoa(f)
}

// Pin is one programmable pin of a PHC.
type Pin struct {
	Name     string `json:"name"`
	Function int    `json:"function"`
	Channel  int    `json:"channel"`
}

// Device is a PTP hardware clock.
type Device struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Index     int    `json:"index"`
	Available bool   `json:"available"`
	// Pins is the pin descriptor, e.g. "SDP0:periodic,SDP1:extts".
	Pins      string `json:"pins,omitempty"`
	Interface string `json:"interface,omitempty"`
	MaxAdjPPB int64  `json:"max_adj_ppb"`
	NExtTS    int64  `json:"n_ext_ts"`
	NPerOut   int64  `json:"n_per_out"`
	NPins     int64  `json:"n_pins"`
	PPS       bool   `json:"pps"`

	PinList []Pin `json:"-"`
}

// Catalog enumerates /sys/class/ptp. It keeps no state: every call reads
// the hardware again.
type Catalog struct {
	FS      network.SysFS
	Timeout time.Duration
}

func (c *Catalog) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultReadWait
}

// List returns every PHC, availability computed now.
func (c *Catalog) List(ctx context.Context) ([]Device, error) {
	var devices []Device
	err := utils.Bounded(ctx, c.timeout(), func() error {
		names, err := c.FS.ReadDir(classDir)
		if err != nil {
			// no PHC at all is not an error
			glog.V(2).Infof("listing %s: %v", classDir, err)
			return nil
		}
		for _, n := range names {
			if !strings.HasPrefix(n, "ptp") {
				continue
			}
			idx, err := strconv.Atoi(strings.TrimPrefix(n, "ptp"))
			if err != nil {
				continue
			}
			devices = append(devices, c.read(idx))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, nil
}

// Get returns the PHC at path (/dev/ptpN). NotFound when it does not exist.
func (c *Catalog) Get(ctx context.Context, devPath string) (Device, error) {
	idx, err := Index(devPath)
	if err != nil {
		return Device{}, err
	}
	var d Device
	err = utils.Bounded(ctx, c.timeout(), func() error {
		if !c.FS.Exists(path.Join(classDir, fmt.Sprintf("ptp%d", idx))) {
			return fmt.Errorf("%s: %w", devPath, errs.ErrNotFound)
		}
		d = c.read(idx)
		return nil
	})
	return d, err
}

// Index parses /dev/ptpN.
func Index(devPath string) (int, error) {
	base := path.Base(devPath)
	if !strings.HasPrefix(devPath, "/dev/ptp") || base == "ptp" {
		return -1, fmt.Errorf("%q is not a PTP device path: %w", devPath, errs.ErrInvalidArgument)
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(base, "ptp"))
	if err != nil || idx < 0 {
		return -1, fmt.Errorf("%q is not a PTP device path: %w", devPath, errs.ErrInvalidArgument)
	}
	return idx, nil
}

func (c *Catalog) read(idx int) Device {
	dir := path.Join(classDir, fmt.Sprintf("ptp%d", idx))
	d := Device{
		Path:  fmt.Sprintf("/dev/ptp%d", idx),
		Index: idx,
	}
	d.Name, _ = c.FS.ReadString(path.Join(dir, "clock_name"))
	d.MaxAdjPPB, _ = c.FS.ReadInt(path.Join(dir, "max_adjustment"))
	d.NExtTS, _ = c.FS.ReadInt(path.Join(dir, "n_external_timestamps"))
	d.NPerOut, _ = c.FS.ReadInt(path.Join(dir, "n_periodic_outputs"))
	d.NPins, _ = c.FS.ReadInt(path.Join(dir, "n_programmable_pins"))
	if pps, err := c.FS.ReadInt(path.Join(dir, "pps_available")); err == nil {
		d.PPS = pps == 1
	}
	if nets, err := c.FS.ReadDir(path.Join(dir, "device/net")); err == nil && len(nets) > 0 {
		d.Interface = nets[0]
	}
	d.PinList = c.pins(dir)
	d.Pins = Descriptor(d.PinList)
	d.Available = c.FS.Exists(d.Path) && c.FS.Exists(dir)
	return d
}

func (c *Catalog) pins(dir string) []Pin {
	names, err := c.FS.ReadDir(path.Join(dir, "pins"))
	if err != nil {
		return nil
	}
	sort.Strings(names)
	pins := make([]Pin, 0, len(names))
	for _, n := range names {
		v, err := c.FS.ReadString(path.Join(dir, "pins", n))
		if err != nil {
			continue
		}
		fn, ch, err := ParsePinValue(v)
		if err != nil {
			glog.Warningf("pin %s/%s: %v", dir, n, err)
			continue
		}
		pins = append(pins, Pin{Name: n, Function: fn, Channel: ch})
	}
	return pins
}

// ParsePinValue parses the "<func> <chan>" content of a pin attribute.
func ParsePinValue(v string) (int, int, error) {
	fields := strings.Fields(v)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected pin value %q", v)
	}
	fn, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	ch, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return fn, ch, nil
}

// PinValue renders the value written to a pin attribute.
func PinValue(function, channel int) string {
	return fmt.Sprintf("%d %d", function, channel)
}

// Descriptor renders pins as "SDP0:periodic,SDP1:extts".
func Descriptor(pins []Pin) string {
	parts := make([]string, 0, len(pins))
	for _, p := range pins {
		parts = append(parts, p.Name+":"+PinFuncName(p.Function))
	}
	return strings.Join(parts, ",")
}
