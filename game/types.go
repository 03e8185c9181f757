// Package game holds the match domain model: phases, turn modes, ship
// placement, and the board with its shot resolution and client-facing
// views. Everything here is pure state and rules; sockets, persistence
// and scheduling live elsewhere.
package game

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Grid dimension bounds for a match.
const (
	MinGridSize = 1
	MaxGridSize = 64
)

// Slots a match offers. Exactly two players fight a match.
const (
	MinSlot = 1
	MaxSlot = 2
)

// Phase is a match's lifecycle stage. It only ever advances:
// placement, battle, completed.
type Phase int

const (
	PhasePlacement Phase = iota
	PhaseBattle
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhasePlacement:
		return "placement"
	case PhaseBattle:
		return "battle"
	case PhaseCompleted:
		return "completed"
	}
	return "unknown"
}

// Mode selects the turn-passing rule of a match.
type Mode int

const (
	// ModeSingleShot alternates the turn after every shot.
	ModeSingleShot Mode = iota
	// ModeStreak keeps the turn while the shooter keeps hitting.
	ModeStreak
	// ModeSalvo grants a fixed number of shots before the turn passes.
	ModeSalvo
)

func (m Mode) String() string {
	switch m {
	case ModeSingleShot:
		return "singleshot"
	case ModeStreak:
		return "streak"
	case ModeSalvo:
		return "salvo"
	}
	return "unknown"
}

// Orientation of a placed ship.
type Orientation int

const (
	Horizontal Orientation = iota
	Vertical
)

// Outcome is one player's final result in a completed match.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeWin
	OutcomeLoss
	// OutcomePremature marks a battle abandoned before either fleet sank.
	OutcomePremature
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWin:
		return "win"
	case OutcomeLoss:
		return "loss"
	case OutcomePremature:
		return "premature"
	}
	return "none"
}

// Match is one contest between two players.
type Match struct {
	ID   uuid.UUID
	Rows int
	Cols int
	// ShipLengths maps ship length to the number of ships of that length
	// each player must place.
	ShipLengths map[int]int
	Phase       Phase
	Mode        Mode
	CreatedAt   time.Time
}

// Player is a stable identity that persists across sessions and
// reconnections.
type Player struct {
	ID uuid.UUID
}

// Link is the join record of (match, player, slot). It stores the
// player's placed fleet and, once the match ends, their outcome.
type Link struct {
	MatchID  uuid.UUID
	PlayerID uuid.UUID
	Slot     int
	Ships    []Ship
	Outcome  Outcome
}

// Ship is a stored placement: a head cell plus length cells extending
// rightward (horizontal) or downward (vertical).
type Ship struct {
	Length  int
	Orient  Orientation
	HeadRow int
	HeadCol int
}

// Cell returns the board coordinate of the ship's i-th segment.
func (s Ship) Cell(i int) (row, col int) {
	if s.Orient == Vertical {
		return s.HeadRow + i, s.HeadCol
	}
	return s.HeadRow, s.HeadCol + i
}

// ErrFleetMismatch reports a submitted fleet that does not match the
// match's ship_lengths inventory.
var ErrFleetMismatch = errors.New("ships do not match the match fleet")

// ValidateFleet checks that ships is exactly the fleet the match calls
// for: the same ship lengths in the same counts.
func ValidateFleet(ships []Ship, lengths map[int]int) error {
	want := 0
	for _, n := range lengths {
		want += n
	}
	if len(ships) != want {
		return errors.Wrapf(ErrFleetMismatch, "got %d ships, fleet calls for %d", len(ships), want)
	}
	counts := make(map[int]int, len(lengths))
	for _, s := range ships {
		counts[s.Length]++
	}
	for l, n := range lengths {
		if counts[l] != n {
			return errors.Wrapf(ErrFleetMismatch, "fleet calls for %d ships of length %d, got %d", n, l, counts[l])
		}
	}
	return nil
}
