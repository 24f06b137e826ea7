package logfilter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestModeOffKeepsEverything(t *testing.T) {
	assert.Nil(t, GetLogFilters(constants.PHC2SYS, "", ModeOff))
	line := "phc2sys[3120.001]: /dev/ptp1 phc offset -12 s2 freq +1030 delay 2980"
	assert.Equal(t, line, FilterOutput(nil, line))
}

func TestBasicDropsOffsetLines(t *testing.T) {
	filters := GetLogFilters(constants.TS2PHC, "[ts2phc.0.config]", ModeBasic)
	require.Len(t, filters, 1)

	assert.Empty(t, FilterOutput(filters, "ts2phc[1201.118]: [ts2phc.0.config] /dev/ptp1 offset 17 s2 freq +2045"))
	other := "ts2phc[1201.120]: [ts2phc.0.config] UTC-TAI offset not set in system! Trying to revert to leapfile"
	assert.Equal(t, other, FilterOutput(filters, other))
}

func TestEnhancedSummarizesWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	filters := newFilters(constants.PTP4L, "[ptp4l.0.config]", ModeEnhanced, 10*time.Second, clock.now)
	require.Len(t, filters, 1)

	for i, off := range []int{-10, 10, -10} {
		clock.t = clock.t.Add(time.Second)
		line := fmt.Sprintf("ptp4l[%d.000]: [ptp4l.0.config] master offset %d s2 freq -12461 path delay 1512", 1000+i, off)
		assert.Empty(t, FilterOutput(filters, line))
	}

	clock.t = time.Unix(1010, 0)
	out := FilterOutput(filters, "ptp4l[1010.000]: [ptp4l.0.config] master offset 10 s2 freq -12461 path delay 1512")
	assert.Equal(t, "ptp4l[1010.000]: [ptp4l.0.config] offset summary: cnt=4, min=-10, max=10, avg=0.00, SD=11.55", out)

	// next window starts empty
	clock.t = clock.t.Add(time.Second)
	assert.Empty(t, FilterOutput(filters, "ptp4l[1011.000]: [ptp4l.0.config] master offset 3 s2 freq -12461 path delay 1512"))
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode("enhanced"))
	assert.True(t, ValidMode(""))
	assert.False(t, ValidMode("verbose"))
}
