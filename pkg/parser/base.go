package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

// MetricsExtractor is an interface for extracting metrics from log lines.
type MetricsExtractor interface {
	ProcessName() string
	Extract(logLine string) (*Metrics, *PTPEvent, error)
}

// Populatable ...
type Populatable interface {
	Populate(line string, matched, fields []string) error
}

// RegexExtractorPair ...
type RegexExtractorPair[P Populatable] struct {
	Regex     *regexp.Regexp
	Extractor func(P) (*Metrics, *PTPEvent, error)
}

// BaseMetricsExtractor tries each regex in order and hands the first match to
// its extractor. Lines that match nothing are ignored.
type BaseMetricsExtractor[P Populatable] struct {
	ProcessNameStr      string
	NewParsed           func() P
	RegexExtractorPairs []RegexExtractorPair[P]
}

// ProcessName returns the name of the process that is being extracted.
func (b *BaseMetricsExtractor[P]) ProcessName() string {
	return b.ProcessNameStr
}

// Extract extracts metrics from a log line.
func (b *BaseMetricsExtractor[P]) Extract(logLine string) (*Metrics, *PTPEvent, error) {
	logLine = strings.TrimSpace(logLine)
	if logLine == "" {
		return nil, nil, nil
	}
	for _, pair := range b.RegexExtractorPairs {
		parsed, ok, err := parseLine(logLine, pair.Regex, b.NewParsed)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		return pair.Extractor(parsed)
	}
	return nil, nil, nil
}

func parseLine[P Populatable](logLine string, regex *regexp.Regexp, newParsed func() P) (P, bool, error) {
	match := regex.FindStringSubmatch(logLine)
	if match == nil {
		var zero P
		return zero, false, nil
	}
	result := newParsed()
	if err := result.Populate(logLine, match, regex.SubexpNames()); err != nil {
		var zero P
		return zero, false, err
	}
	return result, true, nil
}

// ForProcess returns the extractor for a supervised process, nil when the
// process output is not parsed.
func ForProcess(name string) MetricsExtractor {
	switch name {
	case constants.TS2PHC:
		return NewTS2PHCExtractor()
	case constants.PHC2SYS:
		return NewPhc2SysExtractor()
	case constants.PTP4L:
		return NewPTP4LExtractor()
	}
	return nil
}

// prefix matches "name[123.456]: [config:6]" where the tag is optional since
// the tools only print it when started with --message_tag.
func prefix(process string) string {
	return `^` + regexp.QuoteMeta(process) +
		`\[(?P<timestamp>\d+\.?\d*)\]:\s*` +
		`(?:\[(?P<config_name>[^\]:]+):?(?P<severity>\d*)\])?`
}

func mustCompile(parts ...string) *regexp.Regexp {
	return regexp.MustCompile(strings.Join(parts, ""))
}

func clockStateFromServo(servo string, holdover bool) (constants.ClockState, error) {
	if holdover {
		return constants.ClockStateHoldover, nil
	}
	switch servo {
	case "s2", "s3":
		return constants.ClockStateLocked, nil
	case "s0", "s1":
		return constants.ClockStateFreeRun, nil
	}
	return "", fmt.Errorf("unknown servo state %q", servo)
}
