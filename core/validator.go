package core

import "fmt"

// Validator checks a TableRow against the declared schema for typeName
// before it is adapted/encoded (outbound) or after it is decoded/adapted
// (inbound): the shape of each declared field that is present, the
// non-negative mass range, and enum membership.
type Validator struct{}

var kindValues = map[string]bool{
	string(EntityKindPlayer): true, string(EntityKindCircle): true,
	string(EntityKindFood): true, string(EntityKindObstacle): true, string(EntityKindOther): true,
}

var stateValues = map[string]bool{
	string(PlayerJoining): true, string(PlayerActive): true,
	string(PlayerSplitting): true, string(PlayerLeft): true,
}

// Validate checks every declared field that is present in row:
// timestamps must be numeric, enums must hold a known value, and mass
// must be non-negative. It does not check that any declared field is
// present, so partial update rows pass; nil values and undeclared fields
// are skipped.
func (Validator) Validate(row TableRow, typeName string) error {
	schema, ok := declaredSchema[typeName]
	if !ok {
		return NewError(ErrSchemaVersionMismatch, fmt.Sprintf("unknown declared type %q", typeName))
	}
	rowID, _ := row["id"].(string)
	for field, val := range row {
		kind, declared := schema[field]
		if !declared {
			continue // unknown fields pass through; not this validator's concern
		}
		if val == nil {
			continue
		}
		switch kind {
		case fieldTimestamp:
			if _, err := asFloat(val, rowID, field); err != nil {
				return err
			}
		case fieldEnum:
			s, ok := val.(string)
			if !ok {
				return ValidationError(rowID, field, fmt.Sprintf("expected string enum, got %T", val))
			}
			if field == "kind" && !kindValues[s] {
				return ValidationError(rowID, field, fmt.Sprintf("unknown entity kind %q", s))
			}
			if field == "state" && !stateValues[s] {
				return ValidationError(rowID, field, fmt.Sprintf("unknown player state %q", s))
			}
			if field == "circle_kind" && s == "" {
				return ValidationError(rowID, field, "circle kind must not be empty")
			}
		default:
			if field == "mass" {
				f, err := asFloat(val, rowID, field)
				if err != nil {
					return err
				}
				if f < 0 {
					return ValidationError(rowID, field, "mass must be non-negative")
				}
			}
		}
	}
	return nil
}
