package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab1702/seabattle-server/game"
)

func testMatch(created time.Time) game.Match {
	return game.Match{
		ID:          uuid.New(),
		Rows:        10,
		Cols:        10,
		ShipLengths: map[int]int{2: 1, 3: 2},
		Phase:       game.PhasePlacement,
		Mode:        game.ModeSingleShot,
		CreatedAt:   created,
	}
}

func testFleet() []game.Ship {
	return []game.Ship{
		{Length: 2, Orient: game.Horizontal, HeadRow: 0, HeadCol: 0},
		{Length: 3, Orient: game.Vertical, HeadRow: 2, HeadCol: 2},
		{Length: 3, Orient: game.Vertical, HeadRow: 2, HeadCol: 4},
	}
}

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("match lifecycle", func(t *testing.T) {
		created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		m := testMatch(created)

		_, err := s.GetMatch(ctx, m.ID)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.CreateMatch(ctx, m))
		require.Error(t, s.CreateMatch(ctx, m), "duplicate create must fail")

		got, err := s.GetMatch(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, m.Rows, got.Rows)
		assert.Equal(t, m.Cols, got.Cols)
		assert.Equal(t, m.ShipLengths, got.ShipLengths)
		assert.Equal(t, game.PhasePlacement, got.Phase)
		assert.Equal(t, game.ModeSingleShot, got.Mode)
		assert.True(t, got.CreatedAt.Equal(created))

		require.NoError(t, s.SetPhase(ctx, m.ID, game.PhaseBattle))
		got, err = s.GetMatch(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, game.PhaseBattle, got.Phase)

		err = s.SetPhase(ctx, m.ID, game.PhasePlacement)
		assert.ErrorIs(t, err, ErrPhaseRegression)

		require.NoError(t, s.DeleteMatch(ctx, m.ID))
		_, err = s.GetMatch(ctx, m.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.DeleteMatch(ctx, m.ID), "deleting an absent match is a no-op")
	})

	t.Run("players and links", func(t *testing.T) {
		m := testMatch(time.Now())
		require.NoError(t, s.CreateMatch(ctx, m))

		p1 := game.Player{ID: uuid.New()}
		p2 := game.Player{ID: uuid.New()}
		p3 := game.Player{ID: uuid.New()}

		_, err := s.GetPlayer(ctx, p1.ID)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.CreatePlayer(ctx, p1))
		require.Error(t, s.CreatePlayer(ctx, p1), "duplicate create must fail")
		require.NoError(t, s.CreatePlayer(ctx, p2))
		require.NoError(t, s.CreatePlayer(ctx, p3))

		got, err := s.GetPlayer(ctx, p1.ID)
		require.NoError(t, err)
		assert.Equal(t, p1.ID, got.ID)

		err = s.AddLink(ctx, game.Link{MatchID: uuid.New(), PlayerID: p1.ID, Slot: 1})
		assert.ErrorIs(t, err, ErrNotFound, "link into an absent match")

		err = s.AddLink(ctx, game.Link{MatchID: m.ID, PlayerID: uuid.New(), Slot: 1})
		assert.ErrorIs(t, err, ErrNotFound, "link for an absent player")

		err = s.AddLink(ctx, game.Link{MatchID: m.ID, PlayerID: p1.ID, Slot: 3})
		assert.Error(t, err, "slot out of range")

		require.NoError(t, s.AddLink(ctx, game.Link{MatchID: m.ID, PlayerID: p1.ID, Slot: 1}))

		err = s.AddLink(ctx, game.Link{MatchID: m.ID, PlayerID: p1.ID, Slot: 2})
		assert.Error(t, err, "same player twice")

		err = s.AddLink(ctx, game.Link{MatchID: m.ID, PlayerID: p2.ID, Slot: 1})
		assert.Error(t, err, "slot already taken")

		require.NoError(t, s.AddLink(ctx, game.Link{MatchID: m.ID, PlayerID: p2.ID, Slot: 2}))

		err = s.AddLink(ctx, game.Link{MatchID: m.ID, PlayerID: p3.ID, Slot: 1})
		assert.Error(t, err, "third player must be rejected")

		link, err := s.GetLink(ctx, m.ID, p2.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, link.Slot)
		assert.Equal(t, game.OutcomeNone, link.Outcome)
		assert.Empty(t, link.Ships)

		require.NoError(t, s.DeleteMatch(ctx, m.ID))
		_, err = s.GetLink(ctx, m.ID, p1.ID)
		assert.ErrorIs(t, err, ErrNotFound, "links die with their match")
	})

	t.Run("fleets and outcomes", func(t *testing.T) {
		m := testMatch(time.Now())
		p := game.Player{ID: uuid.New()}
		require.NoError(t, s.CreateMatch(ctx, m))
		require.NoError(t, s.CreatePlayer(ctx, p))
		require.NoError(t, s.AddLink(ctx, game.Link{MatchID: m.ID, PlayerID: p.ID, Slot: 1}))

		_, err := s.LoadShips(ctx, m.ID, p.ID)
		require.ErrorIs(t, err, ErrNotFound, "no fleet stored yet")

		fleet := testFleet()
		require.NoError(t, s.PersistShips(ctx, m.ID, p.ID, fleet))

		ships, err := s.LoadShips(ctx, m.ID, p.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet, ships)

		err = s.PersistShips(ctx, m.ID, uuid.New(), fleet)
		assert.ErrorIs(t, err, ErrNotFound, "fleet for an absent link")

		require.NoError(t, s.PersistOutcome(ctx, m.ID, p.ID, game.OutcomeWin))
		link, err := s.GetLink(ctx, m.ID, p.ID)
		require.NoError(t, err)
		assert.Equal(t, game.OutcomeWin, link.Outcome)
		assert.Equal(t, fleet, link.Ships)

		require.NoError(t, s.DeleteMatch(ctx, m.ID))
	})

	t.Run("stale sweep", func(t *testing.T) {
		now := time.Now().Truncate(time.Second)

		oldPlacement := testMatch(now.Add(-20 * time.Minute))
		freshPlacement := testMatch(now.Add(-1 * time.Minute))
		oldBattle := testMatch(now.Add(-60 * time.Minute))
		oldBattle.Phase = game.PhaseBattle

		require.NoError(t, s.CreateMatch(ctx, oldPlacement))
		require.NoError(t, s.CreateMatch(ctx, freshPlacement))
		require.NoError(t, s.CreateMatch(ctx, oldBattle))

		removed, err := s.BulkDeleteStale(ctx, []PhaseCutoff{
			{Phase: game.PhasePlacement, Before: now.Add(-10 * time.Minute)},
			{Phase: game.PhaseBattle, Before: now.Add(-35 * time.Minute)},
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{oldPlacement.ID, oldBattle.ID}, removed)

		_, err = s.GetMatch(ctx, oldPlacement.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMatch(ctx, oldBattle.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMatch(ctx, freshPlacement.ID)
		assert.NoError(t, err, "fresh match must survive the sweep")

		require.NoError(t, s.DeleteMatch(ctx, freshPlacement.ID))
	})

	t.Run("phase move follows the match in sweeps", func(t *testing.T) {
		now := time.Now().Truncate(time.Second)
		m := testMatch(now.Add(-20 * time.Minute))
		require.NoError(t, s.CreateMatch(ctx, m))
		require.NoError(t, s.SetPhase(ctx, m.ID, game.PhaseBattle))

		removed, err := s.BulkDeleteStale(ctx, []PhaseCutoff{
			{Phase: game.PhasePlacement, Before: now},
		})
		require.NoError(t, err)
		assert.NotContains(t, removed, m.ID, "match left placement and must not match its cutoff")

		removed, err = s.BulkDeleteStale(ctx, []PhaseCutoff{
			{Phase: game.PhaseBattle, Before: now},
		})
		require.NoError(t, err)
		assert.Contains(t, removed, m.ID)
	})
}
