package core

// CircleKind names a circle's flavor. The known values are enumerated
// below, but any other non-empty string is accepted too, so a
// server-side addition doesn't hard-fail decoding.
type CircleKind string

const (
	CircleKindFood CircleKind = "food"
)

// Circle specializes Entity for consumables and powerups.
type Circle struct {
	Entity
	CircleKind CircleKind `json:"circle_kind"`
	Value      int64      `json:"value"`
}

// Validate enforces Circle-specific invariants.
func (c Circle) Validate() error {
	if err := c.Entity.Validate(); err != nil {
		return err
	}
	if c.CircleKind == "" {
		return ValidationError(c.ID, "circle_kind", "circle kind must not be empty")
	}
	return nil
}

// CircleFromRow converts a decoded TableRow into a Circle.
func CircleFromRow(row TableRow) (Circle, error) {
	ent, err := EntityFromRow(row)
	if err != nil {
		return Circle{}, err
	}
	ent.Kind = EntityKindCircle
	kind, err := row.RequireString("circle_kind")
	if err != nil {
		return Circle{}, err
	}
	c := Circle{Entity: ent, CircleKind: CircleKind(kind)}
	if v, ok := row.OptionalInt("value"); ok {
		c.Value = v
	}
	if err := c.Validate(); err != nil {
		return Circle{}, err
	}
	return c, nil
}
