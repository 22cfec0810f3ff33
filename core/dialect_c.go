package core

import "fmt"

// newDialectC builds the adapter for dialect C: PascalCase field case,
// millisecond timestamps, PascalCase enums, entity_id->EntityId rename.
func newDialectC() *ruleAdapter {
	rename := map[string]map[string]string{
		"entity": {"id": "EntityId"},
		"player": {"id": "EntityId"},
		"circle": {"id": "EntityId"},
	}
	return newRuleAdapter(DialectC,
		caseConv{forward: snakeToPascal, reverse: pascalToSnake},
		caseConv{forward: snakeToPascal, reverse: pascalToSnake},
		func(ns int64) any { return ns / int64(1e6) },
		func(v any) (int64, error) {
			f, err := asFloat(v, "", "")
			if err != nil {
				return 0, fmt.Errorf("timestamp: %w", err)
			}
			return int64(f) * int64(1e6), nil
		},
		rename,
	)
}
