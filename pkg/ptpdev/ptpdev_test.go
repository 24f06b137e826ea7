package ptpdev

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/network"
)

func writeFile(t *testing.T, root, p, content string) {
	t.Helper()
	full := filepath.Join(root, p)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func igcClock(t *testing.T, root string, idx string) {
	dir := "/sys/class/ptp/ptp" + idx
	writeFile(t, root, dir+"/clock_name", "igc_ptp\n")
	writeFile(t, root, dir+"/max_adjustment", "62499999\n")
	writeFile(t, root, dir+"/n_external_timestamps", "2\n")
	writeFile(t, root, dir+"/n_periodic_outputs", "2\n")
	writeFile(t, root, dir+"/n_programmable_pins", "4\n")
	writeFile(t, root, dir+"/pps_available", "1\n")
	writeFile(t, root, dir+"/pins/SDP0", "2 0\n")
	writeFile(t, root, dir+"/pins/SDP1", "1 0\n")
	writeFile(t, root, dir+"/pins/SDP2", "0 0\n")
	writeFile(t, root, dir+"/pins/SDP3", "0 0\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, dir, "device/net/enp3s0"), 0o755))
}

func TestList(t *testing.T) {
	root := t.TempDir()
	igcClock(t, root, "1")
	igcClock(t, root, "0")
	writeFile(t, root, "/dev/ptp0", "")
	c := &Catalog{FS: network.SysFS{Root: root}}

	devices, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	d := devices[0]
	assert.Equal(t, "/dev/ptp0", d.Path)
	assert.Equal(t, "igc_ptp", d.Name)
	assert.True(t, d.Available)
	assert.Equal(t, "SDP0:periodic,SDP1:extts,SDP2:none,SDP3:none", d.Pins)
	assert.Equal(t, "enp3s0", d.Interface)
	assert.Equal(t, int64(62499999), d.MaxAdjPPB)
	assert.True(t, d.PPS)

	// no device node, so not usable as a session endpoint
	assert.Equal(t, "/dev/ptp1", devices[1].Path)
	assert.False(t, devices[1].Available)

	// availability is recomputed on every call
	require.NoError(t, os.Remove(filepath.Join(root, "/dev/ptp0")))
	devices, err = c.List(context.Background())
	require.NoError(t, err)
	assert.False(t, devices[0].Available)
}

func TestListWithoutPTPClass(t *testing.T) {
	c := &Catalog{FS: network.SysFS{Root: t.TempDir()}}
	devices, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestGet(t *testing.T) {
	root := t.TempDir()
	igcClock(t, root, "0")
	c := &Catalog{FS: network.SysFS{Root: root}}

	d, err := c.Get(context.Background(), "/dev/ptp0")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Index)

	_, err = c.Get(context.Background(), "/dev/ptp7")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = c.Get(context.Background(), "/dev/sda")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = c.Get(context.Background(), "/dev/ptpX")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestPinValue(t *testing.T) {
	fn, ch, err := ParsePinValue("2 1\n")
	require.NoError(t, err)
	assert.Equal(t, PinFuncPerOut, fn)
	assert.Equal(t, 1, ch)
	assert.Equal(t, "1 0", PinValue(PinFuncExtTS, 0))
	_, _, err = ParsePinValue("garbage")
	assert.Error(t, err)
	assert.Equal(t, "7", PinFuncName(7))
}
