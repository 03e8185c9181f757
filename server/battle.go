package server

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lab1702/seabattle-server/game"
	"github.com/lab1702/seabattle-server/store"
	"github.com/lab1702/seabattle-server/wire"
)

// battleHandler runs the battle phase: it rebuilds boards from the
// store, serializes shots through the match's shot lock, and walks the
// turn protocol until a fleet sinks or the match is abandoned.
type battleHandler struct {
	m *Manager

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewBattleManager builds the manager that accepts battle sockets.
func NewBattleManager(logger *zap.Logger, st store.Store, cfg Config) *Manager {
	h := &battleHandler{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	h.m = newManager(logger, st, cfg, h)
	return h.m
}

func (h *battleHandler) Phase() game.Phase { return game.PhaseBattle }

// NewConn rebuilds the player's board from their persisted fleet. On a
// reconnect the fresh board is discarded along with the rest of the
// conn; the board already in the match keeps its hits.
func (h *battleHandler) NewConn(ctx context.Context, match game.Match, link game.Link, sock *websocket.Conn) (*PlayerConn, error) {
	ships, err := h.m.store.LoadShips(ctx, match.ID, link.PlayerID)
	if err != nil {
		return nil, errors.Wrap(err, "load fleet")
	}
	board, err := game.NewBoard(match.Rows, match.Cols, ships)
	if err != nil {
		return nil, errors.Wrap(err, "rebuild board")
	}
	pc := newPlayerConn(link.PlayerID, sock)
	pc.Board = board
	return pc, nil
}

// OnConnect either starts the battle when this connect completes the
// pair, or restores a re-entrant player's view of a battle already
// under way.
func (h *battleHandler) OnConnect(ctx context.Context, s *session) error {
	if !s.mc.Started() {
		opp := s.mc.OpponentConn(s.pc.PlayerID)
		if opp == nil || !opp.Connected() {
			return nil
		}
		if !s.mc.StartBattle(s.match.Mode, h.m.cfg.SalvoShots) {
			// Lost the start race to the opponent's connect; they
			// drive the broadcast and the first turn.
			return nil
		}
		return h.launchBattle(ctx, s)
	}

	state, err := s.mc.GameStateFor(s.pc.PlayerID)
	if err != nil {
		return err
	}
	if err := s.pc.Send(&wire.ServerEnvelope{GameState: state}, h.m.cfg.WriteTimeout); err != nil {
		return errors.Wrap(err, "send game state")
	}

	if turn := s.mc.TurnPlayer(); turn != s.pc.PlayerID || s.superseded {
		env := &wire.ServerEnvelope{Turn: &wire.Turn{OpponentsTurn: turn != s.pc.PlayerID}}
		return errors.Wrap(s.pc.Send(env, h.m.cfg.WriteTimeout), "send turn notice")
	}

	// It is this player's turn and they reattached after a real
	// disconnect; a grace waiter may be blocked on them.
	s.mc.reconnect.Set()
	return nil
}

// launchBattle broadcasts the opening game state and hands out the
// first turn. The shot lock is taken here and released by the turn
// dispatch.
func (h *battleHandler) launchBattle(ctx context.Context, s *session) error {
	s.logger.Info("both players connected, battle starting",
		zap.Stringer("mode", s.match.Mode),
		zap.Stringer("first", s.mc.TurnPlayer()))

	if err := h.m.broadcast(s.mc, uuid.Nil, false, func(pid uuid.UUID) (*wire.ServerEnvelope, error) {
		state, err := s.mc.GameStateFor(pid)
		if err != nil {
			return nil, err
		}
		return &wire.ServerEnvelope{GameState: state}, nil
	}); err != nil {
		return err
	}

	s.mc.shot.Lock()
	return h.dispatchTurn(ctx, s.mc)
}

func (h *battleHandler) HandleEnvelope(ctx context.Context, s *session, env *wire.ClientEnvelope) error {
	if !s.mc.Started() {
		s.logger.Warn("message before both players connected, dropping")
		return nil
	}
	if !s.mc.Running() {
		s.logger.Warn("message after the battle ended, dropping")
		return nil
	}
	if env.Shot == nil {
		return closeError(CloseProtocolError, "unexpected message during battle")
	}
	if !s.mc.shot.TryLock() {
		return closeError(ClosePolicyViolation,
			"player %s submitted a shot while the previous one is still being processed", s.pc.PlayerID)
	}

	mc, shooter := s.mc, s.pc.PlayerID
	row, col := env.Shot.Row, env.Shot.Col
	h.m.tasks.Go("shot pipeline", s.crash, func() error {
		return h.processShot(h.m.ctx, mc, shooter, row, col)
	})
	return nil
}

// CleanUp spawns a reconnection grace wait when the departing player
// leaves mid-turn, so their opponent is not stuck waiting for a shot
// that will never come. The waiter is detached and survives this
// connection's teardown. A shot lock that is already held means a
// pipeline is in flight and will dispatch the turn itself.
func (h *battleHandler) CleanUp(ctx context.Context, s *session) {
	// No grace wait while the manager itself is shutting down.
	if h.m.ctx.Err() != nil {
		return
	}
	if !s.mc.Running() || s.mc.TurnPlayer() != s.pc.PlayerID {
		return
	}
	if !s.mc.shot.TryLock() {
		return
	}
	s.logger.Info("turn player disconnected, starting reconnection grace")
	mc, pid := s.mc, s.pc.PlayerID
	h.m.tasks.Go("reconnect grace", nil, func() error {
		return h.guardMatch(mc, h.waitReconnect(h.m.ctx, mc, pid))
	})
}

// processShot runs the full pipeline for one submitted shot. It is the
// entry point used by shot tasks; the lock is held on entry.
func (h *battleHandler) processShot(ctx context.Context, mc *MatchConns, shooter uuid.UUID, row, col int) error {
	return h.guardMatch(mc, h.firePipeline(ctx, mc, shooter, row, col))
}

// guardMatch tears the whole match down when a pipeline stage fails
// with anything but a policy close. The shot lock stays held in that
// case; the entry is gone and nothing will acquire it again.
func (h *battleHandler) guardMatch(mc *MatchConns, err error) error {
	if err == nil {
		return nil
	}
	var ce *CloseError
	if !errors.As(err, &ce) {
		h.m.closeMatch(mc.MatchID, CloseInternalError, "internal error during shot processing")
	}
	return err
}

// firePipeline resolves one shot while holding the shot lock: turn
// check, board update, turn swap, result fan-out, game-over check, and
// next turn dispatch. Policy violations release the lock and fail only
// the shooter.
func (h *battleHandler) firePipeline(ctx context.Context, mc *MatchConns, shooter uuid.UUID, row, col int) error {
	logger := h.m.logger.With(zap.Stringer("match", mc.MatchID), zap.Stringer("player", shooter))

	if mc.TurnPlayer() != shooter {
		mc.shot.Unlock()
		return closeError(ClosePolicyViolation, "player %s tried to shoot out of turn", shooter)
	}

	hit, sunk, allSunk, err := mc.ShootAt(shooter, row, col)
	if err != nil {
		if errors.Is(err, game.ErrInvalidShot) || errors.Is(err, game.ErrAlreadyShot) {
			mc.shot.Unlock()
			return closeError(ClosePolicyViolation, "illegal shot at (%d, %d): %s", row, col, err)
		}
		return errors.Wrap(err, "resolve shot")
	}

	swapped := mc.AdvanceTurn(hit)
	logger.Info("shot resolved",
		zap.Int("row", row), zap.Int("col", col),
		zap.Bool("hit", hit), zap.Bool("sunk", sunk != nil),
		zap.Bool("swapped", swapped))

	shot := wire.Shot{Row: row, Col: col}
	if pc := mc.get(shooter); pc != nil {
		h.m.sendBestEffort(pc, &wire.ServerEnvelope{
			ShotResult: &wire.ShotResult{Shot: shot, Hit: hit, SunkShip: sunkShipToWire(sunk)},
		})
	}
	if opp := mc.OpponentConn(shooter); opp != nil {
		h.m.sendBestEffort(opp, &wire.ServerEnvelope{Shot: &shot})
	}

	if allSunk {
		logger.Info("every opponent ship sunk, shooter wins")
		return h.endBattle(ctx, mc)
	}
	return h.dispatchTurn(ctx, mc)
}

// dispatchTurn tells both players whose move it is and releases the
// shot lock once the turn player has heard. The lock is held on entry;
// when the turn player is away the lock rides along into the grace
// wait.
func (h *battleHandler) dispatchTurn(ctx context.Context, mc *MatchConns) error {
	if mc.NumConnected() == 0 {
		h.m.logger.Info("no players connected, ending battle", zap.Stringer("match", mc.MatchID))
		return h.endBattle(ctx, mc)
	}

	turnPID := mc.TurnPlayer()

	// The waiting player hears first.
	if opp := mc.OpponentConn(turnPID); opp != nil {
		h.m.sendBestEffort(opp, &wire.ServerEnvelope{Turn: &wire.Turn{OpponentsTurn: true}})
	}

	turnConn := mc.get(turnPID)
	if turnConn == nil || !turnConn.Connected() {
		return h.waitReconnect(ctx, mc, turnPID)
	}

	// A failed send still releases the lock; the error then tears the
	// match down through the caller.
	err := turnConn.Send(&wire.ServerEnvelope{Turn: &wire.Turn{OpponentsTurn: false}}, h.m.cfg.WriteTimeout)
	mc.shot.Unlock()
	return errors.Wrap(err, "send turn notice")
}

// waitReconnect blocks on the reconnect signal for the grace period
// while keeping the shot lock held. A reattached turn player gets a
// fresh dispatch; a no-show has a random shot taken for them.
func (h *battleHandler) waitReconnect(ctx context.Context, mc *MatchConns, turnPID uuid.UUID) error {
	if !mc.armReconnectWait(turnPID) {
		// Reattached before the wait could begin.
		return h.dispatchTurn(ctx, mc)
	}

	logger := h.m.logger.With(zap.Stringer("match", mc.MatchID), zap.Stringer("player", turnPID))
	logger.Info("waiting for the turn player to reconnect",
		zap.Duration("grace", h.m.cfg.ReconnectTimeout))

	if mc.reconnect.Wait(ctx, h.m.cfg.ReconnectTimeout) {
		logger.Info("turn player reconnected within the grace period")
		return h.dispatchTurn(ctx, mc)
	}
	if ctx.Err() != nil {
		mc.shot.Unlock()
		return nil
	}

	logger.Info("turn player did not reconnect, taking a random shot for them")
	row, col, err := h.randomShot(mc, turnPID)
	if err != nil {
		return errors.Wrap(err, "pick random shot")
	}
	return h.firePipeline(ctx, mc, turnPID, row, col)
}

func (h *battleHandler) randomShot(mc *MatchConns, pid uuid.UUID) (int, int, error) {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return mc.RandomShotFor(pid, h.rng)
}

// endBattle finishes the match: phase to completed, outcomes persisted,
// GameOver fanned out, sockets closed, entry removed. Repeat calls are
// no-ops. The shot lock stays held; the entry is gone and nothing will
// acquire it again.
func (h *battleHandler) endBattle(ctx context.Context, mc *MatchConns) error {
	if !mc.EndBattle() {
		return nil
	}

	if err := h.m.store.SetPhase(ctx, mc.MatchID, game.PhaseCompleted); err != nil {
		return errors.Wrap(err, "complete match")
	}

	outcomes := mc.Outcomes()
	for pid, outcome := range outcomes {
		if err := h.m.store.PersistOutcome(ctx, mc.MatchID, pid, outcome); err != nil {
			return errors.Wrapf(err, "persist outcome of player %s", pid)
		}
		h.m.logger.Info("outcome persisted",
			zap.Stringer("match", mc.MatchID),
			zap.Stringer("player", pid),
			zap.Stringer("outcome", outcome))
	}

	if err := h.m.broadcast(mc, uuid.Nil, false, func(pid uuid.UUID) (*wire.ServerEnvelope, error) {
		return &wire.ServerEnvelope{GameOver: &wire.GameOver{Result: outcomeToWire(outcomes[pid])}}, nil
	}); err != nil {
		return err
	}

	h.m.closeMatch(mc.MatchID, CloseNormal, "battle complete")
	return nil
}
