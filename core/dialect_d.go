package core

import "fmt"

// newDialectD builds the adapter for dialect D: camelCase field case,
// nanosecond timestamps, camelCase enums, player_id->playerID and
// entity_id->entityID renames.
func newDialectD() *ruleAdapter {
	rename := map[string]map[string]string{
		"entity": {"id": "entityID"},
		"player": {"id": "entityID", "player_id": "playerID"},
		"circle": {"id": "entityID"},
	}
	return newRuleAdapter(DialectD,
		caseConv{forward: snakeToCamel, reverse: camelToSnake},
		caseConv{forward: snakeToCamel, reverse: camelToSnake},
		func(ns int64) any { return ns },
		func(v any) (int64, error) {
			f, err := asFloat(v, "", "")
			if err != nil {
				return 0, fmt.Errorf("timestamp: %w", err)
			}
			return int64(f), nil
		},
		rename,
	)
}
