package core

import "fmt"

// newDialectA builds the adapter for dialect A: short/lower field case,
// nanosecond timestamps, lowercase enums, entity_id->id and
// created_at->created renames.
func newDialectA() *ruleAdapter {
	// The field-case converter (snakeToShortLower) discards underscore
	// placement, which is not invertible in general, so every declared
	// field that contains an underscore needs an explicit entry here.
	// Single-word fields need no entry: generic case conversion already
	// round-trips them.
	rename := map[string]map[string]string{
		"entity": {"owner_id": "ownerid"},
		"player": {
			"created_at": "created", "owner_id": "ownerid",
			"player_id": "playerid", "identity_id": "identityid",
		},
		"circle": {"owner_id": "ownerid", "circle_kind": "circlekind"},
	}
	return newRuleAdapter(DialectA,
		caseConv{forward: snakeToShortLower, reverse: shortLowerToSnake},
		caseConv{forward: lowerEnum, reverse: lowerEnum},
		func(ns int64) any { return ns },
		func(v any) (int64, error) { return tsAsInt(v) },
		rename,
	)
}

func lowerEnum(s string) string { return toLowerASCII(s) }

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func tsAsInt(v any) (int64, error) {
	f, err := asFloat(v, "", "")
	if err != nil {
		return 0, fmt.Errorf("timestamp: %w", err)
	}
	return int64(f), nil
}
