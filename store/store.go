// Package store persists matches, players and their join records.
// Two backends implement the same interface: an in-process map store
// for tests and single-node runs, and Redis for deployments where
// match records outlive the process.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lab1702/seabattle-server/game"
)

// ErrNotFound reports a lookup for a match, player, link or fleet that
// is not in the store.
var ErrNotFound = errors.New("not found")

// ErrPhaseRegression reports an attempt to move a match to an earlier
// phase. Phases only ever advance.
var ErrPhaseRegression = errors.New("match phase cannot go backwards")

// PhaseCutoff selects every match sitting in Phase that was created
// before Before.
type PhaseCutoff struct {
	Phase  game.Phase
	Before time.Time
}

// Store is the persistence surface the session server runs against.
// Matches and players are created out of band; the server itself only
// reads them, advances phases, stores fleets and outcomes, and removes
// finished or abandoned matches.
type Store interface {
	CreateMatch(ctx context.Context, m game.Match) error
	GetMatch(ctx context.Context, id uuid.UUID) (game.Match, error)
	SetPhase(ctx context.Context, id uuid.UUID, phase game.Phase) error
	DeleteMatch(ctx context.Context, id uuid.UUID) error

	CreatePlayer(ctx context.Context, p game.Player) error
	GetPlayer(ctx context.Context, id uuid.UUID) (game.Player, error)

	AddLink(ctx context.Context, l game.Link) error
	GetLink(ctx context.Context, matchID, playerID uuid.UUID) (game.Link, error)
	PersistShips(ctx context.Context, matchID, playerID uuid.UUID, ships []game.Ship) error
	LoadShips(ctx context.Context, matchID, playerID uuid.UUID) ([]game.Ship, error)
	PersistOutcome(ctx context.Context, matchID, playerID uuid.UUID, outcome game.Outcome) error

	// BulkDeleteStale removes every match selected by any of the
	// cutoffs, together with its links, and returns the removed ids.
	BulkDeleteStale(ctx context.Context, cutoffs []PhaseCutoff) ([]uuid.UUID, error)
}
