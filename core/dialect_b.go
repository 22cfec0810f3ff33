package core

import "fmt"

// newDialectB builds the adapter for dialect B: lower_snake field case
// (unchanged), second-resolution float timestamps, lower_snake enums, no
// distinguishing renames. This is the identity dialect modulo timestamp
// units.
func newDialectB() *ruleAdapter {
	return newRuleAdapter(DialectB,
		caseConv{forward: identity, reverse: identity},
		caseConv{forward: identity, reverse: identity},
		func(ns int64) any { return float64(ns) / 1e9 },
		func(v any) (int64, error) {
			f, err := asFloat(v, "", "")
			if err != nil {
				return 0, fmt.Errorf("timestamp: %w", err)
			}
			return int64(f * 1e9), nil
		},
		map[string]map[string]string{},
	)
}
