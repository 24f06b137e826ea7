package daemon

import (
	"testing"

	configparser "github.com/bigkevmcd/go-configparser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/features"
	"github.com/timenic/timenic-daemon/pkg/testhelpers"
)

func readConf(t *testing.T, path string) *configparser.ConfigParser {
	conf, err := configparser.ParseWithOptions(path, configparser.Delimiters(" "))
	require.NoError(t, err)
	return conf
}

func TestTS2PHCConfigGeneric(t *testing.T) {
	testhelpers.WithFlags(t, features.Features{})
	dir := t.TempDir()
	path, err := TS2PHCConfig{
		ConfigName: "ts2phc.0.config",
		Target:     "/dev/ptp1",
		PinIndex:   1,
		Source:     TS2PHCSourceGeneric,
		LeapFile:   "/usr/share/zoneinfo/leap-seconds.list",
	}.Render(dir)
	require.NoError(t, err)

	conf := readConf(t, path)
	assert.ElementsMatch(t, []string{"global", "/dev/ptp1"}, conf.Sections())
	pin, err := conf.Get("/dev/ptp1", "ts2phc.pin_index")
	require.NoError(t, err)
	assert.Equal(t, "1", pin)
	width, err := conf.Get(GlobalSectionName, "ts2phc.pulsewidth")
	require.NoError(t, err)
	assert.Equal(t, "100000000", width)
	tag, err := conf.Get(GlobalSectionName, "message_tag")
	require.NoError(t, err)
	assert.Equal(t, "[ts2phc.0.config]", tag)
	leap, err := conf.Get(GlobalSectionName, "leapfile")
	require.NoError(t, err)
	assert.Equal(t, "/usr/share/zoneinfo/leap-seconds.list", leap)
}

func TestTS2PHCConfigPHCSource(t *testing.T) {
	testhelpers.WithFlags(t, features.Features{LogSeverity: true})
	path, err := TS2PHCConfig{
		ConfigName:     "ts2phc.1.config",
		Target:         "/dev/ptp2",
		PinIndex:       0,
		Source:         "/dev/ptp1",
		SourcePinIndex: 1,
		PulseWidthNs:   500000,
	}.Render(t.TempDir())
	require.NoError(t, err)

	conf := readConf(t, path)
	master, err := conf.Get("/dev/ptp1", "ts2phc.master")
	require.NoError(t, err)
	assert.Equal(t, "1", master)
	tag, err := conf.Get(GlobalSectionName, "message_tag")
	require.NoError(t, err)
	assert.Equal(t, "[ts2phc.1.config:{level}]", tag)
	width, err := conf.Get(GlobalSectionName, "ts2phc.pulsewidth")
	require.NoError(t, err)
	assert.Equal(t, "500000", width)
	has, err := conf.HasOption(GlobalSectionName, "leapfile")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestTS2PHCConfigServoAndHoldover(t *testing.T) {
	testhelpers.WithLinuxPTP(t, "4.2")
	path, err := TS2PHCConfig{
		ConfigName:      "ts2phc.2.config",
		Target:          "/dev/ptp1",
		Source:          TS2PHCSourceGeneric,
		KP:              0.7,
		KI:              0.3,
		HoldoverSeconds: 30,
	}.Render(t.TempDir())
	require.NoError(t, err)

	conf := readConf(t, path)
	for opt, want := range map[string]string{
		"pi_proportional_const": "0.7",
		"pi_integral_const":     "0.3",
		"ts2phc.holdover":       "30",
	} {
		v, err := conf.Get(GlobalSectionName, opt)
		require.NoError(t, err, opt)
		assert.Equal(t, want, v, opt)
	}

	// 4.1 has no holdover option
	testhelpers.WithLinuxPTP(t, "4.1")
	path, err = TS2PHCConfig{
		ConfigName:      "ts2phc.3.config",
		Target:          "/dev/ptp1",
		Source:          TS2PHCSourceGeneric,
		HoldoverSeconds: 30,
	}.Render(t.TempDir())
	require.NoError(t, err)
	conf = readConf(t, path)
	for _, opt := range []string{"ts2phc.holdover", "pi_proportional_const", "pi_integral_const"} {
		has, err := conf.HasOption(GlobalSectionName, opt)
		require.NoError(t, err)
		assert.False(t, has, opt)
	}
}

func TestPTP4LConfig(t *testing.T) {
	testhelpers.WithFlags(t, features.Features{})
	path, err := PTP4LConfig{
		ConfigName: "ptp4l.0.config",
		Interface:  "enp1s0",
		SocketPath: "/var/run/ptp4l.0.socket",
	}.Render(t.TempDir())
	require.NoError(t, err)

	conf := readConf(t, path)
	uds, err := conf.Get(GlobalSectionName, "uds_address")
	require.NoError(t, err)
	assert.Equal(t, "/var/run/ptp4l.0.socket", uds)
	transport, err := conf.Get("enp1s0", "network_transport")
	require.NoError(t, err)
	assert.Equal(t, "UDPv4", transport)
}

func TestRenderRejectsIncompleteConfig(t *testing.T) {
	_, err := TS2PHCConfig{ConfigName: "ts2phc.0.config"}.Render(t.TempDir())
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = PTP4LConfig{Interface: "enp1s0"}.Render(t.TempDir())
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
