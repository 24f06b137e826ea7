// Package protocol decodes the management data sets printed by pmc.
package protocol

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/golang/glog"
)

// DataSet is an interface for PTP data sets that can be parsed from PMC output.
type DataSet interface {
	Keys() []string
	Update(key string, value string)
	ValueRegEx() map[string]string
	RegEx() string
}

func buildDataSetRegex(keys []string, valuePatterns map[string]string, capture bool, optionalKeys []string) string {
	regex := ""
	for _, k := range keys {
		isOptional := slices.Contains(optionalKeys, k)
		if isOptional {
			regex += "(?:"
		}
		regex += `[[:space:]]+` + k + `[[:space:]]+`

		if capture {
			regex += `(`
		}
		regex += valuePatterns[k]
		if capture {
			regex += `)`
		}

		if isOptional {
			regex += ")?"
		}
	}
	return regex
}

// ProcessMessage parses PMC output matches into a DataSet structure.
func ProcessMessage[P any, T interface {
	*P
	DataSet
}](matches []string) (T, error) {
	var result T = new(P)
	keys := result.Keys()
	if len(matches)-1 < len(keys) {
		return result, fmt.Errorf("short match expected=%d found=%d", len(keys), len(matches)-1)
	}

	for i, m := range matches[1:] {
		if i < len(keys) {
			result.Update(keys[i], m)
		}
	}

	return result, nil
}

func stou64(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		glog.Errorf("pmc value %q: %v", s, err)
	}
	return v
}

func stoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		glog.Errorf("pmc value %q: %v", s, err)
	}
	return v
}
