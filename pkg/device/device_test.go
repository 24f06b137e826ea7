package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/network"
	"github.com/timenic/timenic-daemon/pkg/ptpdev"
)

const (
	pci        = "0000:03:00.0"
	phcDirPath = "/sys/class/ptp/ptp0"
)

func writeFile(t *testing.T, root, p, content string) {
	t.Helper()
	full := filepath.Join(root, p)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func readFile(t *testing.T, root, p string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, p))
	require.NoError(t, err)
	return string(b)
}

// timeNICTree builds an igc adapter enp3s0 with ptp0, TCXO and PTM control,
// and a plain adapter eno1 without a PHC.
func timeNICTree(t *testing.T) string {
	root := t.TempDir()
	base := "/sys/class/net/enp3s0"
	writeFile(t, root, base+"/operstate", "up\n")
	writeFile(t, root, base+"/speed", "2500\n")
	writeFile(t, root, base+"/duplex", "full\n")
	writeFile(t, root, base+"/address", "00:a0:c9:00:00:01\n")
	writeFile(t, root, base+"/device/ptp/ptp0/n_pins", "4\n")
	writeFile(t, root, base+"/device/tcxo_enabled", "0\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "/sys/bus/pci/drivers/igc"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(root, "/sys/bus/pci/drivers/igc"), filepath.Join(root, base, "device/driver")))
	writeFile(t, root, "/sys/bus/pci/devices/"+pci+"/enable_ptm", "0\n")

	writeFile(t, root, phcDirPath+"/clock_name", "igc_ptp\n")
	writeFile(t, root, phcDirPath+"/n_external_timestamps", "2\n")
	writeFile(t, root, phcDirPath+"/n_periodic_outputs", "2\n")
	writeFile(t, root, phcDirPath+"/n_programmable_pins", "4\n")
	writeFile(t, root, phcDirPath+"/pins/SDP0", "0 0\n")
	writeFile(t, root, phcDirPath+"/pins/SDP1", "0 0\n")
	writeFile(t, root, phcDirPath+"/period", "")
	writeFile(t, root, phcDirPath+"/extts_enable", "")
	writeFile(t, root, phcDirPath+"/fifo", "")
	writeFile(t, root, "/dev/ptp0", "")

	writeFile(t, root, "/sys/class/net/eno1/operstate", "down\n")
	return root
}

func newRegistry(t *testing.T, root string) *Registry {
	fs := network.SysFS{Root: root}
	in := &network.Inspector{
		FS: fs,
		NICs: func(string) ([]network.NIC, error) {
			return []network.NIC{
				{Name: "enp3s0", PCIAddress: pci},
				{Name: "eno1", PCIAddress: "0000:00:1f.6"},
			}, nil
		},
	}
	r := NewRegistry(in, &ptpdev.Catalog{FS: fs}, 100*time.Millisecond)
	require.NoError(t, r.Refresh(context.Background()))
	return r
}

func TestRefreshAndGet(t *testing.T) {
	r := newRegistry(t, timeNICTree(t))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "eno1", list[0].Name)
	assert.False(t, list[0].IsTimeNIC)
	assert.Equal(t, PTMUnsupported, list[0].PTMStatus)

	d, err := r.Get("enp3s0")
	require.NoError(t, err)
	assert.True(t, d.IsTimeNIC)
	assert.Equal(t, "/dev/ptp0", d.PTPDevice)
	assert.Equal(t, "enp3sx", d.ClockAlias)
	assert.Empty(t, list[0].ClockAlias)
	assert.Equal(t, config.PPSDisabled, d.PPSMode)
	assert.Equal(t, PTMDisabled, d.PTMStatus)
	assert.Equal(t, SMADisabled, d.SMA1Status)
	assert.Equal(t, Capabilities{PPSOutput: true, PPSInput: true, TCXO: true, PTM: true}, d.Capabilities)

	_, err = r.Get("enp9s0")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSetPPSModeWritesAbsoluteState(t *testing.T) {
	root := timeNICTree(t)
	r := newRegistry(t, root)
	ctx := context.Background()

	require.NoError(t, r.SetPPSModeWithFrequency(ctx, "enp3s0", config.PPSBoth, 10))
	assert.Equal(t, "2 0", readFile(t, root, phcDirPath+"/pins/SDP0"))
	assert.Equal(t, "0 0 0 0 100000000", readFile(t, root, phcDirPath+"/period"))
	assert.Equal(t, "1 0", readFile(t, root, phcDirPath+"/pins/SDP1"))
	assert.Equal(t, "0 1", readFile(t, root, phcDirPath+"/extts_enable"))

	d, _ := r.Get("enp3s0")
	assert.Equal(t, config.PPSBoth, d.PPSMode)
	assert.Equal(t, 10, d.PPSFrequencyHz)
	assert.Equal(t, SMAEnabled, d.SMA1Status)
	assert.Equal(t, SMAEnabled, d.SMA2Status)

	// the same call twice leaves the same state
	require.NoError(t, r.SetPPSMode(ctx, "enp3s0", config.PPSOutput))
	require.NoError(t, r.SetPPSMode(ctx, "enp3s0", config.PPSOutput))
	assert.Equal(t, "0 0 0 0 100000000", readFile(t, root, phcDirPath+"/period"))
	assert.Equal(t, "0 0", readFile(t, root, phcDirPath+"/pins/SDP1"))
	assert.Equal(t, "0 0", readFile(t, root, phcDirPath+"/extts_enable"))
	d, _ = r.Get("enp3s0")
	assert.Equal(t, config.PPSOutput, d.PPSMode)

	require.NoError(t, r.SetPPSMode(ctx, "enp3s0", config.PPSDisabled))
	assert.Equal(t, "0 0", readFile(t, root, phcDirPath+"/pins/SDP0"))
	assert.Equal(t, "0 0 0 0 0", readFile(t, root, phcDirPath+"/period"))
	d, _ = r.Get("enp3s0")
	assert.Equal(t, config.PPSDisabled, d.PPSMode)
}

func TestSetPPSModeErrors(t *testing.T) {
	r := newRegistry(t, timeNICTree(t))
	ctx := context.Background()
	assert.ErrorIs(t, r.SetPPSMode(ctx, "enp3s0", "sideways"), errs.ErrInvalidArgument)
	assert.ErrorIs(t, r.SetPPSMode(ctx, "enp9s0", config.PPSOutput), errs.ErrNotFound)
	assert.ErrorIs(t, r.SetPPSMode(ctx, "eno1", config.PPSOutput), errs.ErrUnsupported)
	assert.NoError(t, r.SetPPSMode(ctx, "eno1", config.PPSDisabled))
	assert.ErrorIs(t, r.EnablePPSOutput(ctx, "enp3s0", 0), errs.ErrInvalidArgument)
}

func TestEnableKeepsOtherDirection(t *testing.T) {
	r := newRegistry(t, timeNICTree(t))
	ctx := context.Background()
	require.NoError(t, r.EnablePPSInput(ctx, "enp3s0"))
	require.NoError(t, r.EnablePPSOutput(ctx, "enp3s0", 1))
	d, _ := r.Get("enp3s0")
	assert.Equal(t, config.PPSBoth, d.PPSMode)
	assert.Equal(t, 1, d.PPSFrequencyHz)
}

func TestTCXOAndPTM(t *testing.T) {
	root := timeNICTree(t)
	r := newRegistry(t, root)
	ctx := context.Background()

	require.NoError(t, r.SetTCXO(ctx, "enp3s0", true))
	assert.Equal(t, "1", readFile(t, root, "/sys/class/net/enp3s0/device/tcxo_enabled"))
	d, _ := r.Get("enp3s0")
	assert.True(t, d.TCXOEnabled)

	require.NoError(t, r.EnablePTM(ctx, "enp3s0"))
	d, _ = r.Get("enp3s0")
	assert.Equal(t, PTMEnabled, d.PTMStatus)
	require.NoError(t, r.EnablePTM(ctx, "enp3s0"))

	assert.ErrorIs(t, r.SetTCXO(ctx, "eno1", true), errs.ErrUnsupported)
	assert.ErrorIs(t, r.EnablePTM(ctx, "eno1"), errs.ErrUnsupported)

	byPCI, err := r.ByPCIAddress("03:00.0")
	require.NoError(t, err)
	assert.Equal(t, "enp3s0", byPCI.Name)
}

func TestApplySkipsAbsentInterfaces(t *testing.T) {
	root := timeNICTree(t)
	r := newRegistry(t, root)
	on := true
	doc := config.Default()
	doc.Interfaces = map[string]config.InterfaceConfig{
		"enp3s0": {PPSMode: config.PPSInput, TCXOEnabled: &on},
		"enp9s0": {PPSMode: config.PPSOutput},
	}
	require.NoError(t, r.Apply(context.Background(), doc))
	d, _ := r.Get("enp3s0")
	assert.Equal(t, config.PPSInput, d.PPSMode)
	assert.True(t, d.TCXOEnabled)
}

func TestReadPPSEvents(t *testing.T) {
	root := timeNICTree(t)
	r := newRegistry(t, root)
	ctx := context.Background()

	_, err := r.ReadPPSEvents(ctx, "enp3s0", 1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument, "input not enabled")

	require.NoError(t, r.EnablePPSInput(ctx, "enp3s0"))
	writeFile(t, root, phcDirPath+"/fifo", "0 1700000000 500\n")
	events, err := r.ReadPPSEvents(ctx, "enp3s0", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Index)
	assert.Equal(t, 2, events[1].Index)
	assert.InDelta(t, 1700000000.0000005, events[0].Timestamp, 1e-6)
	assert.Equal(t, "2023-11-14 22:13:20.000000500", events[0].Time)

	_, err = r.ReadPPSEvents(ctx, "enp3s0", MaxPPSEvents+1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestQuickSetup(t *testing.T) {
	r := newRegistry(t, timeNICTree(t))
	steps, err := r.QuickSetup(context.Background(), "enp3s0")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Device found: enp3s0 -> /dev/ptp0",
		"PPS output enabled",
		"PPS input enabled",
		"PTM status: ENABLED",
	}, steps)

	_, err = r.QuickSetup(context.Background(), "eno1")
	assert.ErrorIs(t, err, errs.ErrUnsupported)
}

func TestPeriodValue(t *testing.T) {
	assert.Equal(t, "0 0 0 1 0", PeriodValue(0, 1))
	assert.Equal(t, "0 0 0 0 500000000", PeriodValue(0, 2))
	assert.Equal(t, "1 0 0 0 0", PeriodValue(1, 0))
}

func TestSetPTMOff(t *testing.T) {
	root := timeNICTree(t)
	r := newRegistry(t, root)
	ctx := context.Background()
	require.NoError(t, r.EnablePTM(ctx, "enp3s0"))
	require.NoError(t, r.SetPTM(ctx, "enp3s0", false))
	assert.Equal(t, "0", readFile(t, root, "/sys/bus/pci/devices/"+pci+"/enable_ptm"))
	d, _ := r.Get("enp3s0")
	assert.Equal(t, PTMDisabled, d.PTMStatus)
}
