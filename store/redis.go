package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/lab1702/seabattle-server/game"
)

// Redis key layout, namespaced so a shared instance can host other
// tenants:
//
//	seabattle:match:<id>           hash with the match record
//	seabattle:match:<id>:players   set of joined player ids
//	seabattle:player:<id>          creation timestamp
//	seabattle:link:<mid>:<pid>     hash with slot, fleet and outcome
//	seabattle:phase:<phase>        matches in that phase, scored by creation time
const keyPrefix = "seabattle:"

func matchKey(id uuid.UUID) string        { return keyPrefix + "match:" + id.String() }
func matchPlayersKey(id uuid.UUID) string { return matchKey(id) + ":players" }
func playerKey(id uuid.UUID) string       { return keyPrefix + "player:" + id.String() }
func phaseKey(p game.Phase) string        { return keyPrefix + "phase:" + p.String() }

func linkKey(matchID, playerID uuid.UUID) string {
	return keyPrefix + "link:" + matchID.String() + ":" + playerID.String()
}

var allPhases = []game.Phase{game.PhasePlacement, game.PhaseBattle, game.PhaseCompleted}

// Redis is a Store backed by a Redis instance.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an already configured client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// CreateMatch stores a new match record and indexes it in its phase set.
func (s *Redis) CreateMatch(ctx context.Context, m game.Match) error {
	n, err := s.rdb.Exists(ctx, matchKey(m.ID)).Result()
	if err != nil {
		return errors.Wrap(err, "redis exists")
	}
	if n > 0 {
		return errors.Errorf("match %s already exists", m.ID)
	}
	lengths, err := json.Marshal(m.ShipLengths)
	if err != nil {
		return errors.Wrap(err, "marshal ship lengths")
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, matchKey(m.ID), map[string]interface{}{
		"rows":         m.Rows,
		"cols":         m.Cols,
		"ship_lengths": string(lengths),
		"phase":        int(m.Phase),
		"mode":         int(m.Mode),
		"created_at":   m.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, phaseKey(m.Phase), redis.Z{
		Score:  float64(m.CreatedAt.Unix()),
		Member: m.ID.String(),
	})
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis create match")
}

// GetMatch returns the match or ErrNotFound.
func (s *Redis) GetMatch(ctx context.Context, id uuid.UUID) (game.Match, error) {
	fields, err := s.rdb.HGetAll(ctx, matchKey(id)).Result()
	if err != nil {
		return game.Match{}, errors.Wrap(err, "redis get match")
	}
	if len(fields) == 0 {
		return game.Match{}, errors.Wrapf(ErrNotFound, "match %s", id)
	}
	m := game.Match{ID: id}
	if m.Rows, err = strconv.Atoi(fields["rows"]); err != nil {
		return game.Match{}, errors.Wrapf(err, "match %s has corrupt rows", id)
	}
	if m.Cols, err = strconv.Atoi(fields["cols"]); err != nil {
		return game.Match{}, errors.Wrapf(err, "match %s has corrupt cols", id)
	}
	if err = json.Unmarshal([]byte(fields["ship_lengths"]), &m.ShipLengths); err != nil {
		return game.Match{}, errors.Wrapf(err, "match %s has corrupt ship lengths", id)
	}
	phase, err := strconv.Atoi(fields["phase"])
	if err != nil {
		return game.Match{}, errors.Wrapf(err, "match %s has corrupt phase", id)
	}
	m.Phase = game.Phase(phase)
	mode, err := strconv.Atoi(fields["mode"])
	if err != nil {
		return game.Match{}, errors.Wrapf(err, "match %s has corrupt mode", id)
	}
	m.Mode = game.Mode(mode)
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return game.Match{}, errors.Wrapf(err, "match %s has corrupt created_at", id)
	}
	return m, nil
}

// SetPhase advances the match to phase and moves it between phase sets.
func (s *Redis) SetPhase(ctx context.Context, id uuid.UUID, phase game.Phase) error {
	m, err := s.GetMatch(ctx, id)
	if err != nil {
		return err
	}
	if phase < m.Phase {
		return errors.Wrapf(ErrPhaseRegression, "match %s is already %s", id, m.Phase)
	}
	if phase == m.Phase {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, matchKey(id), "phase", int(phase))
	pipe.ZRem(ctx, phaseKey(m.Phase), id.String())
	pipe.ZAdd(ctx, phaseKey(phase), redis.Z{
		Score:  float64(m.CreatedAt.Unix()),
		Member: id.String(),
	})
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis set phase")
}

// DeleteMatch removes the match, its links and its phase index entry.
// Deleting an absent match is a no-op.
func (s *Redis) DeleteMatch(ctx context.Context, id uuid.UUID) error {
	players, err := s.rdb.SMembers(ctx, matchPlayersKey(id)).Result()
	if err != nil {
		return errors.Wrap(err, "redis match players")
	}
	pipe := s.rdb.TxPipeline()
	for _, raw := range players {
		if pid, err := uuid.Parse(raw); err == nil {
			pipe.Del(ctx, linkKey(id, pid))
		}
	}
	pipe.Del(ctx, matchKey(id), matchPlayersKey(id))
	for _, p := range allPhases {
		pipe.ZRem(ctx, phaseKey(p), id.String())
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis delete match")
}

// CreatePlayer stores a new player record.
func (s *Redis) CreatePlayer(ctx context.Context, p game.Player) error {
	ok, err := s.rdb.SetNX(ctx, playerKey(p.ID), time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return errors.Wrap(err, "redis create player")
	}
	if !ok {
		return errors.Errorf("player %s already exists", p.ID)
	}
	return nil
}

// GetPlayer returns the player or ErrNotFound.
func (s *Redis) GetPlayer(ctx context.Context, id uuid.UUID) (game.Player, error) {
	_, err := s.rdb.Get(ctx, playerKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return game.Player{}, errors.Wrapf(ErrNotFound, "player %s", id)
	}
	if err != nil {
		return game.Player{}, errors.Wrap(err, "redis get player")
	}
	return game.Player{ID: id}, nil
}

// AddLink registers a player into a match slot under the same
// constraints as the in-process store.
func (s *Redis) AddLink(ctx context.Context, l game.Link) error {
	if _, err := s.GetMatch(ctx, l.MatchID); err != nil {
		return err
	}
	if _, err := s.GetPlayer(ctx, l.PlayerID); err != nil {
		return err
	}
	if l.Slot < game.MinSlot || l.Slot > game.MaxSlot {
		return errors.Errorf("slot %d out of range", l.Slot)
	}
	players, err := s.rdb.SMembers(ctx, matchPlayersKey(l.MatchID)).Result()
	if err != nil {
		return errors.Wrap(err, "redis match players")
	}
	if len(players) >= game.MaxSlot {
		return errors.Errorf("match %s is full", l.MatchID)
	}
	for _, raw := range players {
		pid, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		if pid == l.PlayerID {
			return errors.Errorf("player %s already joined match %s", l.PlayerID, l.MatchID)
		}
		slot, err := s.rdb.HGet(ctx, linkKey(l.MatchID, pid), "slot").Int()
		if err == nil && slot == l.Slot {
			return errors.Errorf("slot %d of match %s is taken", l.Slot, l.MatchID)
		}
	}
	fields := map[string]interface{}{
		"slot":    l.Slot,
		"outcome": int(l.Outcome),
	}
	if len(l.Ships) > 0 {
		ships, err := json.Marshal(l.Ships)
		if err != nil {
			return errors.Wrap(err, "marshal ships")
		}
		fields["ships"] = string(ships)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, linkKey(l.MatchID, l.PlayerID), fields)
	pipe.SAdd(ctx, matchPlayersKey(l.MatchID), l.PlayerID.String())
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis add link")
}

// GetLink returns the join record of (match, player) or ErrNotFound.
func (s *Redis) GetLink(ctx context.Context, matchID, playerID uuid.UUID) (game.Link, error) {
	fields, err := s.rdb.HGetAll(ctx, linkKey(matchID, playerID)).Result()
	if err != nil {
		return game.Link{}, errors.Wrap(err, "redis get link")
	}
	if len(fields) == 0 {
		return game.Link{}, errors.Wrapf(ErrNotFound, "link %s/%s", matchID, playerID)
	}
	l := game.Link{MatchID: matchID, PlayerID: playerID}
	if l.Slot, err = strconv.Atoi(fields["slot"]); err != nil {
		return game.Link{}, errors.Wrapf(err, "link %s/%s has corrupt slot", matchID, playerID)
	}
	outcome, err := strconv.Atoi(fields["outcome"])
	if err != nil {
		return game.Link{}, errors.Wrapf(err, "link %s/%s has corrupt outcome", matchID, playerID)
	}
	l.Outcome = game.Outcome(outcome)
	if raw, ok := fields["ships"]; ok {
		if err = json.Unmarshal([]byte(raw), &l.Ships); err != nil {
			return game.Link{}, errors.Wrapf(err, "link %s/%s has corrupt ships", matchID, playerID)
		}
	}
	return l, nil
}

// PersistShips stores the player's placed fleet on their link.
func (s *Redis) PersistShips(ctx context.Context, matchID, playerID uuid.UUID, ships []game.Ship) error {
	n, err := s.rdb.Exists(ctx, linkKey(matchID, playerID)).Result()
	if err != nil {
		return errors.Wrap(err, "redis exists")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "link %s/%s", matchID, playerID)
	}
	raw, err := json.Marshal(ships)
	if err != nil {
		return errors.Wrap(err, "marshal ships")
	}
	err = s.rdb.HSet(ctx, linkKey(matchID, playerID), "ships", string(raw)).Err()
	return errors.Wrap(err, "redis persist ships")
}

// LoadShips returns the player's stored fleet. A link without a fleet
// reports ErrNotFound.
func (s *Redis) LoadShips(ctx context.Context, matchID, playerID uuid.UUID) ([]game.Ship, error) {
	raw, err := s.rdb.HGet(ctx, linkKey(matchID, playerID), "ships").Result()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrNotFound, "no fleet stored for %s/%s", matchID, playerID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis load ships")
	}
	var ships []game.Ship
	if err = json.Unmarshal([]byte(raw), &ships); err != nil {
		return nil, errors.Wrapf(err, "link %s/%s has corrupt ships", matchID, playerID)
	}
	if len(ships) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "no fleet stored for %s/%s", matchID, playerID)
	}
	return ships, nil
}

// PersistOutcome stores the player's final result on their link.
func (s *Redis) PersistOutcome(ctx context.Context, matchID, playerID uuid.UUID, outcome game.Outcome) error {
	n, err := s.rdb.Exists(ctx, linkKey(matchID, playerID)).Result()
	if err != nil {
		return errors.Wrap(err, "redis exists")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "link %s/%s", matchID, playerID)
	}
	err = s.rdb.HSet(ctx, linkKey(matchID, playerID), "outcome", int(outcome)).Err()
	return errors.Wrap(err, "redis persist outcome")
}

// BulkDeleteStale removes matches selected by the cutoffs along with
// their links and returns the removed ids.
func (s *Redis) BulkDeleteStale(ctx context.Context, cutoffs []PhaseCutoff) ([]uuid.UUID, error) {
	var removed []uuid.UUID
	for _, c := range cutoffs {
		members, err := s.rdb.ZRangeByScore(ctx, phaseKey(c.Phase), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(c.Before.Unix(), 10),
		}).Result()
		if err != nil {
			return removed, errors.Wrap(err, "redis stale range")
		}
		for _, raw := range members {
			id, err := uuid.Parse(raw)
			if err != nil {
				// A corrupt member can never be deleted by id, so
				// drop it from the index here.
				s.rdb.ZRem(ctx, phaseKey(c.Phase), raw)
				continue
			}
			if err := s.DeleteMatch(ctx, id); err != nil {
				return removed, err
			}
			removed = append(removed, id)
		}
	}
	return removed, nil
}
