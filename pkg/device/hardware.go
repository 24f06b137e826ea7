package device

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/golang/glog"

	"github.com/timenic/timenic-daemon/pkg/network"
)

// HardwareInfo is the PCI identity of an adapter.
type HardwareInfo struct {
	VendorID          string `json:"vendor_id,omitempty"`
	DeviceID          string `json:"device_id,omitempty"`
	SubsystemVendorID string `json:"subsystem_vendor_id,omitempty"`
	SubsystemDeviceID string `json:"subsystem_device_id,omitempty"`
	FirmwareVersion   string `json:"firmware_version,omitempty"`
	DriverVersion     string `json:"driver_version,omitempty"`
	VPDPartNumber     string `json:"vpd_part_number,omitempty"`
	VPDSerialNumber   string `json:"vpd_serial_number,omitempty"`
	VPDManufacturer   string `json:"vpd_manufacturer,omitempty"`
	VPDProductName    string `json:"vpd_product_name,omitempty"`
}

// readHardwareInfo collects what sysfs exposes about the PCI function
// behind iface. It returns nil when the adapter has no PCI address.
func readHardwareInfo(fs network.SysFS, iface, pciAddress, driver string) *HardwareInfo {
	if pciAddress == "" {
		return nil
	}
	pciPath := path.Join("/sys/bus/pci/devices", pciAddress)
	read := func(p string) string {
		v, err := fs.ReadString(p)
		if err != nil {
			glog.V(4).Infof("could not read sysfs file %s: %v", p, err)
			return ""
		}
		return v
	}
	hw := &HardwareInfo{
		VendorID:          read(path.Join(pciPath, "vendor")),
		DeviceID:          read(path.Join(pciPath, "device")),
		SubsystemVendorID: read(path.Join(pciPath, "subsystem_vendor")),
		SubsystemDeviceID: read(path.Join(pciPath, "subsystem_device")),
		DriverVersion:     driver,
	}
	if v := read(path.Join(pciPath, "driver/module/version")); v != "" && driver != "" {
		hw.DriverVersion = fmt.Sprintf("%s v%s", driver, v)
	}
	for _, p := range []string{
		path.Join(pciPath, "firmware_version"),
		path.Join("/sys/class/net", iface, "device/fw_version"),
		path.Join(pciPath, "fw_ver"),
	} {
		if v := read(p); v != "" {
			hw.FirmwareVersion = v
			break
		}
	}
	if vpd, err := os.ReadFile(fs.Path(path.Join(pciPath, "vpd"))); err == nil {
		hw.VPDPartNumber = vpdField(vpd, "PN")
		hw.VPDSerialNumber = vpdField(vpd, "SN")
		hw.VPDManufacturer = vpdField(vpd, "MN")
		// V0 often carries the product name
		hw.VPDProductName = vpdField(vpd, "V0")
	}
	return hw
}

// vpdField extracts a read-only VPD keyword: two keyword bytes, one length
// byte, then the value.
func vpdField(data []byte, keyword string) string {
	kw := []byte(keyword)
	for i := 0; i+len(kw) < len(data); i++ {
		if !bytes.Equal(data[i:i+len(kw)], kw) {
			continue
		}
		start := i + len(kw) + 1
		end := start + int(data[i+len(kw)])
		if end > len(data) {
			continue
		}
		value := strings.Map(func(r rune) rune {
			if r >= 32 && r < 127 {
				return r
			}
			return -1
		}, strings.TrimSpace(string(data[start:end])))
		if value != "" {
			return value
		}
	}
	return ""
}

func logHardwareInfo(d Device) {
	hw := d.Hardware
	if hw == nil {
		glog.Infof("Network device: %s (no PCI info available)", d.Name)
		return
	}
	glog.Infof("Network device: %s (%s, %s)", d.Name, d.PCIAddress, orUnknown(d.PTPDevice))
	for _, f := range [][2]string{
		{"Vendor ID", hw.VendorID},
		{"Device ID", hw.DeviceID},
		{"Subsystem Vendor", hw.SubsystemVendorID},
		{"Subsystem Device", hw.SubsystemDeviceID},
		{"Firmware Version", hw.FirmwareVersion},
		{"Driver Version", hw.DriverVersion},
		{"VPD Part Number", hw.VPDPartNumber},
		{"VPD Serial Number", hw.VPDSerialNumber},
		{"VPD Manufacturer", hw.VPDManufacturer},
		{"VPD Product Name", hw.VPDProductName},
	} {
		if f[1] != "" {
			glog.Infof("  %-19s %s", f[0]+":", f[1])
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "no PHC"
	}
	return s
}

// diffDevices returns the names that appeared in and vanished from next.
func diffDevices(prev, next map[string]Device) (added, removed []string) {
	for name := range next {
		if _, ok := prev[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// logDeviceChanges reports adapters that came or went since the last
// refresh, with the hardware details of new ones.
func logDeviceChanges(prev, next map[string]Device) {
	added, removed := diffDevices(prev, next)
	for _, name := range added {
		logHardwareInfo(next[name])
	}
	if len(added) > 0 {
		glog.Infof("network devices added: %v", added)
	}
	if len(removed) > 0 {
		glog.Warningf("network devices removed: %v", removed)
	}
	if len(added) == 0 && len(removed) == 0 {
		glog.V(2).Infof("no network device changes detected (%d devices)", len(next))
	}
}
