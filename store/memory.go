package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lab1702/seabattle-server/game"
)

// Memory is an in-process Store backed by maps. Values are copied on
// the way in and out, so callers can hold results without racing the
// store.
type Memory struct {
	mu      sync.RWMutex
	matches map[uuid.UUID]game.Match
	players map[uuid.UUID]game.Player
	links   map[uuid.UUID]map[uuid.UUID]game.Link
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		matches: make(map[uuid.UUID]game.Match),
		players: make(map[uuid.UUID]game.Player),
		links:   make(map[uuid.UUID]map[uuid.UUID]game.Link),
	}
}

func copyMatch(m game.Match) game.Match {
	out := m
	out.ShipLengths = make(map[int]int, len(m.ShipLengths))
	for l, n := range m.ShipLengths {
		out.ShipLengths[l] = n
	}
	return out
}

func copyLink(l game.Link) game.Link {
	out := l
	out.Ships = append([]game.Ship(nil), l.Ships...)
	return out
}

// CreateMatch stores a new match record.
func (s *Memory) CreateMatch(ctx context.Context, m game.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; ok {
		return errors.Errorf("match %s already exists", m.ID)
	}
	s.matches[m.ID] = copyMatch(m)
	s.links[m.ID] = make(map[uuid.UUID]game.Link)
	return nil
}

// GetMatch returns the match or ErrNotFound.
func (s *Memory) GetMatch(ctx context.Context, id uuid.UUID) (game.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return game.Match{}, errors.Wrapf(ErrNotFound, "match %s", id)
	}
	return copyMatch(m), nil
}

// SetPhase advances the match to phase. Moving backwards fails with
// ErrPhaseRegression.
func (s *Memory) SetPhase(ctx context.Context, id uuid.UUID, phase game.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "match %s", id)
	}
	if phase < m.Phase {
		return errors.Wrapf(ErrPhaseRegression, "match %s is already %s", id, m.Phase)
	}
	m.Phase = phase
	s.matches[id] = m
	return nil
}

// DeleteMatch removes the match and every link attached to it.
// Deleting an absent match is a no-op.
func (s *Memory) DeleteMatch(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.matches, id)
	delete(s.links, id)
	return nil
}

// CreatePlayer stores a new player record.
func (s *Memory) CreatePlayer(ctx context.Context, p game.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[p.ID]; ok {
		return errors.Errorf("player %s already exists", p.ID)
	}
	s.players[p.ID] = p
	return nil
}

// GetPlayer returns the player or ErrNotFound.
func (s *Memory) GetPlayer(ctx context.Context, id uuid.UUID) (game.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[id]
	if !ok {
		return game.Player{}, errors.Wrapf(ErrNotFound, "player %s", id)
	}
	return p, nil
}

// AddLink registers a player into a match slot. Both the match and the
// player must exist, the slot must be free, the player must not be in
// the match yet, and a match holds at most two links.
func (s *Memory) AddLink(ctx context.Context, l game.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[l.MatchID]; !ok {
		return errors.Wrapf(ErrNotFound, "match %s", l.MatchID)
	}
	if _, ok := s.players[l.PlayerID]; !ok {
		return errors.Wrapf(ErrNotFound, "player %s", l.PlayerID)
	}
	if l.Slot < game.MinSlot || l.Slot > game.MaxSlot {
		return errors.Errorf("slot %d out of range", l.Slot)
	}
	links := s.links[l.MatchID]
	if len(links) >= game.MaxSlot {
		return errors.Errorf("match %s is full", l.MatchID)
	}
	if _, ok := links[l.PlayerID]; ok {
		return errors.Errorf("player %s already joined match %s", l.PlayerID, l.MatchID)
	}
	for _, other := range links {
		if other.Slot == l.Slot {
			return errors.Errorf("slot %d of match %s is taken", l.Slot, l.MatchID)
		}
	}
	links[l.PlayerID] = copyLink(l)
	return nil
}

// GetLink returns the join record of (match, player) or ErrNotFound.
func (s *Memory) GetLink(ctx context.Context, matchID, playerID uuid.UUID) (game.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[matchID][playerID]
	if !ok {
		return game.Link{}, errors.Wrapf(ErrNotFound, "link %s/%s", matchID, playerID)
	}
	return copyLink(l), nil
}

// PersistShips stores the player's placed fleet on their link.
func (s *Memory) PersistShips(ctx context.Context, matchID, playerID uuid.UUID, ships []game.Ship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[matchID][playerID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "link %s/%s", matchID, playerID)
	}
	l.Ships = append([]game.Ship(nil), ships...)
	s.links[matchID][playerID] = l
	return nil
}

// LoadShips returns the player's stored fleet. A link without a fleet
// reports ErrNotFound.
func (s *Memory) LoadShips(ctx context.Context, matchID, playerID uuid.UUID) ([]game.Ship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[matchID][playerID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "link %s/%s", matchID, playerID)
	}
	if len(l.Ships) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "no fleet stored for %s/%s", matchID, playerID)
	}
	return append([]game.Ship(nil), l.Ships...), nil
}

// PersistOutcome stores the player's final result on their link.
func (s *Memory) PersistOutcome(ctx context.Context, matchID, playerID uuid.UUID, outcome game.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[matchID][playerID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "link %s/%s", matchID, playerID)
	}
	l.Outcome = outcome
	s.links[matchID][playerID] = l
	return nil
}

// BulkDeleteStale removes matches selected by the cutoffs along with
// their links and returns the removed ids.
func (s *Memory) BulkDeleteStale(ctx context.Context, cutoffs []PhaseCutoff) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []uuid.UUID
	for id, m := range s.matches {
		for _, c := range cutoffs {
			if m.Phase == c.Phase && m.CreatedAt.Before(c.Before) {
				delete(s.matches, id)
				delete(s.links, id)
				removed = append(removed, id)
				break
			}
		}
	}
	return removed, nil
}
