package core

import "fmt"

// PlayerState is the closed lifecycle variant for a Player row.
type PlayerState string

const (
	PlayerJoining   PlayerState = "joining"
	PlayerActive    PlayerState = "active"
	PlayerSplitting PlayerState = "splitting"
	PlayerLeft      PlayerState = "left"
)

// IsValid reports whether s is one of the declared player states.
func (s PlayerState) IsValid() bool {
	switch s {
	case PlayerJoining, PlayerActive, PlayerSplitting, PlayerLeft:
		return true
	default:
		return false
	}
}

const maxPlayerNameLen = 64

// Player specializes Entity with the fields the game server attaches to a
// player-controlled row.
type Player struct {
	Entity
	PlayerID   int64       `json:"player_id"`
	Name       string      `json:"name"`
	IdentityID string      `json:"identity_id"`
	Score      uint64      `json:"score"`
	State      PlayerState `json:"state"`
	CreatedAt  int64       `json:"created_at"` // unix nanoseconds, monotonic-compatible
}

// Validate enforces Player-specific invariants on top of the embedded
// Entity's.
func (p Player) Validate() error {
	if err := p.Entity.Validate(); err != nil {
		return err
	}
	if p.Name == "" {
		return ValidationError(p.ID, "name", "player name must not be empty")
	}
	if len(p.Name) > maxPlayerNameLen {
		return ValidationError(p.ID, "name", fmt.Sprintf("player name exceeds %d bytes", maxPlayerNameLen))
	}
	if p.State != "" && !p.State.IsValid() {
		return ValidationError(p.ID, "state", fmt.Sprintf("unknown player state %q", p.State))
	}
	return nil
}

// PlayerFromRow converts a decoded TableRow into a Player.
func PlayerFromRow(row TableRow) (Player, error) {
	ent, err := EntityFromRow(row)
	if err != nil {
		return Player{}, err
	}
	ent.Kind = EntityKindPlayer
	pid, err := row.RequireInt("player_id")
	if err != nil {
		return Player{}, err
	}
	name, err := row.RequireString("name")
	if err != nil {
		return Player{}, err
	}
	p := Player{Entity: ent, PlayerID: pid, Name: name, State: PlayerActive}
	if identityID, ok := row.OptionalString("identity_id"); ok {
		p.IdentityID = identityID
	}
	if score, ok := row.OptionalInt("score"); ok {
		p.Score = uint64(score)
	}
	if st, ok := row.OptionalString("state"); ok {
		p.State = PlayerState(st)
	}
	if ts, ok := row.OptionalInt("created_at"); ok {
		p.CreatedAt = ts
	}
	if err := p.Validate(); err != nil {
		return Player{}, err
	}
	return p, nil
}
