package server

import (
	"context"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lab1702/seabattle-server/game"
	"github.com/lab1702/seabattle-server/store"
	"github.com/lab1702/seabattle-server/wire"
)

// placementHandler runs the placement phase: it collects each player's
// fleet, reports readiness, and flips the match to battle once both
// players are ready.
type placementHandler struct {
	m *Manager
}

// NewPlacementManager builds the manager that accepts placement
// sockets.
func NewPlacementManager(logger *zap.Logger, st store.Store, cfg Config) *Manager {
	h := &placementHandler{}
	h.m = newManager(logger, st, cfg, h)
	return h.m
}

func (h *placementHandler) Phase() game.Phase { return game.PhasePlacement }

func (h *placementHandler) NewConn(ctx context.Context, match game.Match, link game.Link, sock *websocket.Conn) (*PlayerConn, error) {
	return newPlayerConn(link.PlayerID, sock), nil
}

// OnConnect restores the player's view of the lobby.
func (h *placementHandler) OnConnect(ctx context.Context, s *session) error {
	env := &wire.ServerEnvelope{ReadyState: s.mc.ReadyStateFor(s.pc.PlayerID)}
	return errors.Wrap(s.pc.Send(env, h.m.cfg.WriteTimeout), "send ready state")
}

func (h *placementHandler) HandleEnvelope(ctx context.Context, s *session, env *wire.ClientEnvelope) error {
	if env.SetReady == nil {
		return closeError(CloseProtocolError, "unexpected message during placement")
	}
	return h.handleSetReady(ctx, s, env.SetReady)
}

// handleSetReady validates and persists the submitted fleet, announces
// the new ready count, and advances the match when both fleets are in.
func (h *placementHandler) handleSetReady(ctx context.Context, s *session, msg *wire.SetReady) error {
	if s.mc.IsReady(s.pc.PlayerID) {
		s.logger.Warn("ready message from a player who is already ready, dropping")
		return nil
	}

	ships := shipsFromWire(msg.Ships)
	if err := game.ValidateFleet(ships, s.match.ShipLengths); err != nil {
		return closeError(ClosePolicyViolation, "invalid fleet: %s", err)
	}
	board, err := game.NewBoard(s.match.Rows, s.match.Cols, ships)
	if err != nil {
		return closeError(ClosePolicyViolation, "invalid fleet: %s", err)
	}

	if err := h.m.store.PersistShips(ctx, s.match.ID, s.pc.PlayerID, ships); err != nil {
		return errors.Wrap(err, "persist ships")
	}

	bothReady := s.mc.SetFleet(s.pc.PlayerID, board)
	s.logger.Info("player ready", zap.Int("ships", len(ships)))

	if err := h.m.broadcast(s.mc, uuid.Nil, false, func(pid uuid.UUID) (*wire.ServerEnvelope, error) {
		return &wire.ServerEnvelope{ReadyState: s.mc.ReadyStateFor(pid)}, nil
	}); err != nil {
		return err
	}

	if bothReady {
		if err := h.m.store.SetPhase(ctx, s.match.ID, game.PhaseBattle); err != nil {
			return errors.Wrap(err, "advance match to battle")
		}
		s.logger.Info("both players ready, match advances to battle")
		h.m.closeMatch(s.match.ID, CloseNormal, "placement complete")
	}
	return nil
}

// CleanUp prunes lobbies that only ever saw one player: when that
// player leaves, the match record is deleted so nobody can join a dead
// lobby later.
func (h *placementHandler) CleanUp(ctx context.Context, s *session) {
	if s.mc.NumPlayers() > 1 {
		return
	}
	s.logger.Info("lobby abandoned before a second player joined, deleting match")
	if err := h.m.store.DeleteMatch(ctx, s.match.ID); err != nil {
		s.logger.Error("delete abandoned match", zap.Error(err))
	}
	h.m.closeMatch(s.match.ID, CloseNormal, "a player disconnected before both players were ready")
}
