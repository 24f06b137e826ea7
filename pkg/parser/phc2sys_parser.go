package parser

import (
	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

var (
	// phc2sys[10522413.392]: [ptp4l.0.config:6] CLOCK_REALTIME phc offset 8 s2 freq -6990 delay 502
	// phc2sys[3120.001]: /dev/ptp1 phc offset -12 s2 freq +1030 delay 2980
	regularPhc2SysRegex = mustCompile(prefix(constants.PHC2SYS), offsetBody)
	// phc2sys[3560354.300]: [ptp4l.0.config] CLOCK_REALTIME rms 4 max 4 freq -76829 +/- 0 delay 1085 +/- 0
	summaryPhc2SysRegex = mustCompile(prefix(constants.PHC2SYS), summaryBody)
)

// NewPhc2SysExtractor creates an extractor for phc2sys output.
func NewPhc2SysExtractor() *BaseMetricsExtractor[*servoLine] {
	return &BaseMetricsExtractor[*servoLine]{
		ProcessNameStr: constants.PHC2SYS,
		NewParsed:      newServoLine,
		RegexExtractorPairs: []RegexExtractorPair[*servoLine]{
			{
				Regex: regularPhc2SysRegex,
				Extractor: func(p *servoLine) (*Metrics, *PTPEvent, error) {
					m, err := offsetMetrics(constants.PHC2SYS, p)
					return m, nil, err
				},
			},
			{
				Regex: summaryPhc2SysRegex,
				Extractor: func(p *servoLine) (*Metrics, *PTPEvent, error) {
					m, err := summaryMetrics(constants.PHC2SYS, p)
					return m, nil, err
				},
			},
		},
	}
}
