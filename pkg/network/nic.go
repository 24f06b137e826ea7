// Package network inspects the host NICs: identity from ghw, link state,
// counters and temperature from sysfs, timestamping from ethtool.
package network

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/jaypipes/ghw"

	"github.com/timenic/timenic-daemon/pkg/utils"
)

const (
	_ETHTOOL_HARDWARE_RECEIVE_CAP   = "hardware-receive"
	_ETHTOOL_HARDWARE_TRANSMIT_CAP  = "hardware-transmit"
	_ETHTOOL_HARDWARE_RAW_CLOCK_CAP = "hardware-raw-clock"
)

var (
	phcClassicRegex  = regexp.MustCompile(`PTP Hardware Clock:\s*(\d+)`)
	phcProviderRegex = regexp.MustCompile(`Hardware timestamp provider index:\s*(\d+)`)
)

// NIC is the identity of an adapter as ghw reports it.
type NIC struct {
	Name       string
	MACAddress string
	PCIAddress string
	Speed      string
	Duplex     string
	IsVirtual  bool
}

// NICLister enumerates adapters; GhwNICs in production.
type NICLister func(root string) ([]NIC, error)

// GhwNICs lists adapters with ghw, reading sysfs below root.
func GhwNICs(root string) ([]NIC, error) {
	opts := []*ghw.WithOption{}
	if root != "" && root != "/" {
		opts = append(opts, ghw.WithChroot(root))
	}
	info, err := ghw.Network(opts...)
	if err != nil {
		return nil, fmt.Errorf("error getting network info: %v", err)
	}
	nics := make([]NIC, 0, len(info.NICs))
	for _, dev := range info.NICs {
		n := NIC{
			Name:       dev.Name,
			MACAddress: dev.MacAddress,
			Speed:      dev.Speed,
			Duplex:     dev.Duplex,
			IsVirtual:  dev.IsVirtual,
		}
		if dev.PCIAddress != nil {
			n.PCIAddress = *dev.PCIAddress
		}
		nics = append(nics, n)
	}
	return nics, nil
}

// Interface is the merged view of one physical NIC.
type Interface struct {
	NIC
	IPAddress  string
	LinkStatus string
	Driver     string
	PTPDevice  string
}

// Inspector reads NIC state.
type Inspector struct {
	FS     SysFS
	NICs   NICLister
	Runner utils.Runner
}

func (in *Inspector) lister() NICLister {
	if in.NICs != nil {
		return in.NICs
	}
	return GhwNICs
}

// Interfaces returns the physical NICs, skipping virtual functions and
// software devices.
func (in *Inspector) Interfaces(ctx context.Context) ([]Interface, error) {
	nics, err := in.lister()(in.FS.Root)
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(nics))
	for _, n := range nics {
		if n.IsVirtual || n.PCIAddress == "" {
			glog.V(2).Infof("Skipping NIC %v: virtual or without a PCI address", n.Name)
			continue
		}
		// If the physfn exists this is a virtual function
		if in.FS.Exists(path.Join("/sys/bus/pci/devices", n.PCIAddress, "physfn")) {
			continue
		}
		out = append(out, in.inspect(ctx, n))
	}
	return out, nil
}

// Interface returns one NIC by name.
func (in *Inspector) Interface(ctx context.Context, name string) (Interface, bool, error) {
	all, err := in.Interfaces(ctx)
	if err != nil {
		return Interface{}, false, err
	}
	for _, i := range all {
		if i.Name == name {
			return i, true, nil
		}
	}
	return Interface{}, false, nil
}

func (in *Inspector) inspect(ctx context.Context, n NIC) Interface {
	base := path.Join("/sys/class/net", n.Name)
	i := Interface{NIC: n, LinkStatus: "down"}
	if state, err := in.FS.ReadString(path.Join(base, "operstate")); err == nil && state == "up" {
		i.LinkStatus = "up"
	}
	if i.Speed == "" {
		if speed, err := in.FS.ReadInt(path.Join(base, "speed")); err == nil && speed > 0 {
			i.Speed = fmt.Sprintf("%dMb/s", speed)
		}
	}
	if i.Duplex == "" {
		if d, err := in.FS.ReadString(path.Join(base, "duplex")); err == nil {
			i.Duplex = d
		}
	}
	if i.MACAddress == "" {
		i.MACAddress, _ = in.FS.ReadString(path.Join(base, "address"))
	}
	i.Driver = in.FS.LinkBase(path.Join(base, "device/driver"))
	i.PTPDevice = in.PHCDevice(ctx, n.Name)
	i.IPAddress = ipv4Address(n.Name)
	return i
}

// PHCDevice returns /dev/ptpN for iface, or "" when it has no PHC. sysfs is
// checked first and ethtool -T is the fallback.
func (in *Inspector) PHCDevice(ctx context.Context, iface string) string {
	for _, m := range in.FS.Glob(path.Join("/sys/class/net", iface, "device/ptp/ptp*")) {
		if idx, err := strconv.Atoi(strings.TrimPrefix(path.Base(m), "ptp")); err == nil {
			return fmt.Sprintf("/dev/ptp%d", idx)
		}
	}
	if in.Runner == nil {
		return ""
	}
	out, err := in.Runner.Run(ctx, "ethtool", "-T", iface)
	if err != nil {
		glog.V(2).Infof("could not grab NIC timestamp capability for %v: %v", iface, err)
		return ""
	}
	idx, err := PHCIndex(out)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("/dev/ptp%d", idx)
}

// PHCIndex extracts the PHC index from ethtool -T output.
func PHCIndex(out []byte) (int, error) {
	for _, re := range []*regexp.Regexp{phcClassicRegex, phcProviderRegex} {
		if m := re.FindSubmatch(out); m != nil {
			return strconv.Atoi(string(m[1]))
		}
	}
	return -1, fmt.Errorf("no PTP clock index found")
}

// HardwareTimestamping reports whether ethtool -T lists the hardware
// receive, transmit and raw clock capabilities.
func HardwareTimestamping(out []byte) bool {
	var hardRxEnabled, hardTxEnabled, hardRawEnabled bool
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case _ETHTOOL_HARDWARE_RECEIVE_CAP:
			hardRxEnabled = true
		case _ETHTOOL_HARDWARE_TRANSMIT_CAP:
			hardTxEnabled = true
		case _ETHTOOL_HARDWARE_RAW_CLOCK_CAP:
			hardRawEnabled = true
		}
	}
	return hardRxEnabled && hardTxEnabled && hardRawEnabled
}

func ipv4Address(name string) string {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return ""
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return ""
}
