// Package logfilter reduces the per-sample offset chatter of the supervised
// linuxptp daemons before it reaches the daemon log.
package logfilter

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/golang/glog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

// Mode selects how offset lines are logged.
type Mode string

const (
	// ModeOff logs every line.
	ModeOff Mode = ""
	// ModeBasic drops offset lines entirely.
	ModeBasic Mode = "basic"
	// ModeEnhanced folds offset lines into a periodic summary.
	ModeEnhanced Mode = "enhanced"

	defaultSummaryWindow = 30 * time.Second
)

// ValidMode reports whether m is a known reduce mode.
func ValidMode(m string) bool {
	switch Mode(m) {
	case ModeOff, ModeBasic, ModeEnhanced:
		return true
	}
	return false
}

var offsetValue = regexp.MustCompile(`offset\s+(-?\d+)`)

// LogFilter matches one class of lines and either drops them or collects
// their offsets for a summary line.
type LogFilter struct {
	process    string
	messageTag string
	match      *regexp.Regexp
	summarize  bool
	window     time.Duration
	flushAt    time.Time
	offsets    []float64
	now        func() time.Time
}

func offsetPattern(process string) string {
	switch process {
	case constants.PTP4L:
		return "master offset"
	case constants.PHC2SYS:
		return "phc offset"
	case constants.TS2PHC:
		return " offset"
	}
	return ""
}

// GetLogFilters returns the filters for a process in the given mode.
func GetLogFilters(process, messageTag string, mode Mode) []*LogFilter {
	return newFilters(process, messageTag, mode, defaultSummaryWindow, time.Now)
}

func newFilters(process, messageTag string, mode Mode, window time.Duration, now func() time.Time) []*LogFilter {
	pattern := offsetPattern(process)
	if mode == ModeOff || pattern == "" {
		return nil
	}
	f := &LogFilter{
		process:    process,
		messageTag: messageTag,
		match:      regexp.MustCompile(fmt.Sprintf(`^%s\[.*%s\s+-?\d+ s\d`, regexp.QuoteMeta(process), pattern)),
		summarize:  mode == ModeEnhanced,
		window:     window,
		now:        now,
	}
	f.flushAt = now().Add(window)
	glog.Infof("%s%s log filter %s: %s", process, messageTag, mode, f.match.String())
	return []*LogFilter{f}
}

// apply returns the replacement for line and whether the filter matched.
func (f *LogFilter) apply(line string) (string, bool) {
	if !f.match.MatchString(line) {
		return line, false
	}
	if !f.summarize {
		return "", true
	}
	if m := offsetValue.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			f.offsets = append(f.offsets, v)
		} else {
			glog.Errorf("error parsing filtered value %s", err)
		}
	}
	now := f.now()
	if len(f.offsets) == 0 || now.Before(f.flushAt) {
		return "", true
	}
	summary := f.summary(now)
	f.offsets = f.offsets[:0]
	f.flushAt = now.Add(f.window)
	return summary, true
}

func (f *LogFilter) summary(now time.Time) string {
	mean, sd := stat.MeanStdDev(f.offsets, nil)
	if len(f.offsets) < 2 {
		sd = 0
	}
	tag := ""
	if f.messageTag != "" {
		tag = " " + f.messageTag
	}
	return fmt.Sprintf("%s[%0.3f]:%s offset summary: cnt=%d, min=%d, max=%d, avg=%0.2f, SD=%0.2f",
		f.process, float64(now.UnixMilli())/1000, tag, len(f.offsets),
		int64(floats.Min(f.offsets)), int64(floats.Max(f.offsets)), mean, sd)
}

// FilterOutput runs line through filters. An empty result means the line is
// swallowed.
func FilterOutput(filters []*LogFilter, line string) string {
	for _, f := range filters {
		if out, matched := f.apply(line); matched {
			return out
		}
	}
	return line
}
