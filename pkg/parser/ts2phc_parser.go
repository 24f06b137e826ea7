package parser

import (
	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

var (
	regularTS2PHCRegex = mustCompile(prefix(constants.TS2PHC), offsetBody)
	summaryTS2PHCRegex = mustCompile(prefix(constants.TS2PHC), summaryBody)
)

// NewTS2PHCExtractor creates an extractor for ts2phc output.
func NewTS2PHCExtractor() *BaseMetricsExtractor[*servoLine] {
	return &BaseMetricsExtractor[*servoLine]{
		ProcessNameStr: constants.TS2PHC,
		NewParsed:      newServoLine,
		RegexExtractorPairs: []RegexExtractorPair[*servoLine]{
			{
				Regex: regularTS2PHCRegex,
				Extractor: func(p *servoLine) (*Metrics, *PTPEvent, error) {
					m, err := offsetMetrics(constants.TS2PHC, p)
					return m, nil, err
				},
			},
			{
				Regex: summaryTS2PHCRegex,
				Extractor: func(p *servoLine) (*Metrics, *PTPEvent, error) {
					m, err := summaryMetrics(constants.TS2PHC, p)
					return m, nil, err
				},
			},
		},
	}
}
