package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lab1702/seabattle-server/game"
	"github.com/lab1702/seabattle-server/store"
	"github.com/lab1702/seabattle-server/wire"
)

// session is one socket's run through a manager: the match and link
// records as read at connect time, the shared match state, the
// player's connection, the raw socket this loop reads, and the
// generation that socket was installed under.
type session struct {
	match game.Match
	link  game.Link
	mc    *MatchConns
	pc    *PlayerConn
	sock  *websocket.Conn
	gen   uint64
	// superseded marks a connect that replaced a socket which was
	// still open, as opposed to a reconnect after a disconnect.
	superseded bool
	// crash cancels this connection's message loop with a cause.
	// Background tasks spawned by handlers use it to bring the
	// connection down when they fail.
	crash  context.CancelCauseFunc
	logger *zap.Logger
}

// PhaseHandler supplies the phase-specific half of a Manager: which
// match phase it serves, how to prepare a player's connection state,
// and what happens on connect, on each message, and on disconnect.
type PhaseHandler interface {
	Phase() game.Phase
	// NewConn builds the player's connection state for a fresh socket.
	// When the player already has state in the match, the returned
	// conn is discarded and only its socket is installed.
	NewConn(ctx context.Context, match game.Match, link game.Link, sock *websocket.Conn) (*PlayerConn, error)
	// OnConnect runs after the socket is installed and presence has
	// been announced.
	OnConnect(ctx context.Context, s *session) error
	// HandleEnvelope consumes one phase message.
	HandleEnvelope(ctx context.Context, s *session, env *wire.ClientEnvelope) error
	// CleanUp runs once per connection after its loop has exited,
	// unless a newer socket superseded it.
	CleanUp(ctx context.Context, s *session)
}

// Manager runs every live connection of one match phase: it installs
// sockets into MatchConns records, pumps their message loops, pings
// them, and tears matches down. Placement and battle are two Manager
// instances with different PhaseHandlers.
type Manager struct {
	logger  *zap.Logger
	store   store.Store
	cfg     Config
	handler PhaseHandler
	tasks   *tasks

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	matches map[uuid.UUID]*MatchConns
	// clockStop is non-nil while the heartbeat clock runs. The clock
	// starts with the first connection and stops when the last match
	// entry leaves the map.
	clockStop context.CancelFunc
}

func newManager(logger *zap.Logger, st store.Store, cfg Config, handler PhaseHandler) *Manager {
	logger = logger.Named(handler.Phase().String())
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		store:   st,
		cfg:     cfg,
		handler: handler,
		tasks:   newTasks(logger),
		ctx:     ctx,
		stop:    stop,
		matches: make(map[uuid.UUID]*MatchConns),
	}
}

// Phase reports which match phase this manager serves.
func (m *Manager) Phase() game.Phase { return m.handler.Phase() }

// HandleSocket runs one upgraded socket through its full lifecycle:
// phase guard, install, presence fan-out, message loop, cleanup. It
// blocks until the connection is finished.
func (m *Manager) HandleSocket(sock *websocket.Conn, match game.Match, link game.Link) {
	logger := m.logger.With(
		zap.Stringer("match", match.ID),
		zap.Stringer("player", link.PlayerID),
	)

	if m.ctx.Err() != nil {
		logger.Warn("socket refused, manager is shut down")
		closeSocket(sock, websocket.CloseGoingAway, "server shutting down", m.cfg.WriteTimeout)
		return
	}
	if match.Phase != m.handler.Phase() {
		logger.Warn("socket refused, match is in another phase",
			zap.Stringer("phase", match.Phase))
		ce := closeError(ClosePolicyViolation,
			"match %s is not in the %s phase", match.ID, m.handler.Phase())
		closeSocket(sock, ce.Code, ce.Reason, m.cfg.WriteTimeout)
		return
	}

	fresh, err := m.handler.NewConn(m.ctx, match, link, sock)
	if err != nil {
		logger.Error("preparing connection state failed", zap.Error(err))
		ce := closeFor(err)
		closeSocket(sock, ce.Code, ce.Reason, m.cfg.WriteTimeout)
		return
	}

	mc := m.matchConns(match.ID)
	pc, gen, prev, resumed, err := mc.addPlayer(fresh)
	if err != nil {
		logger.Warn("player refused", zap.Error(err))
		ce := closeFor(err)
		closeSocket(sock, ce.Code, ce.Reason, m.cfg.WriteTimeout)
		return
	}
	if prev != nil {
		logger.Info("superseding an open duplicate connection")
		closeSocket(prev, ClosePolicyViolation, "superseded by a new connection", m.cfg.WriteTimeout)
	}
	m.ensureClock()

	s := &session{
		match:      match,
		link:       link,
		mc:         mc,
		pc:         pc,
		sock:       sock,
		gen:        gen,
		superseded: prev != nil,
		logger:     logger,
	}
	defer m.cleanUp(s)

	logger.Info("player connected", zap.Bool("resumed", resumed))

	if err := m.announcePresence(s); err != nil {
		m.failConn(s, errors.Wrap(err, "announce presence"))
		return
	}
	if err := m.handler.OnConnect(m.ctx, s); err != nil {
		m.failConn(s, err)
		return
	}
	if err := m.messageLoop(s); err != nil {
		m.failConn(s, err)
	}
}

// messageLoop pumps the socket until it closes or a handler fails. A
// router goroutine decodes frames and fans them out to two bounded
// channels; one consumer services heartbeats, the other feeds the
// phase handler. The returned error is nil for a clean client close.
func (m *Manager) messageLoop(s *session) error {
	ctx, crash := context.WithCancelCause(m.ctx)
	defer crash(nil)
	s.crash = crash

	g, gctx := errgroup.WithContext(ctx)

	general := make(chan *wire.ClientEnvelope, m.cfg.ChannelCapacity)
	phase := make(chan *wire.ClientEnvelope, m.cfg.ChannelCapacity)

	// ReadMessage has no context support; expire the read deadline to
	// unblock it when the loop is being torn down.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-gctx.Done():
			s.sock.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	g.Go(func() error {
		defer close(general)
		defer close(phase)
		for {
			_, data, err := s.sock.ReadMessage()
			if err != nil {
				if gctx.Err() == nil && websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived) {
					s.logger.Debug("socket read ended", zap.Error(err))
				}
				return nil
			}
			env, err := wire.DecodeClient(data)
			if err != nil {
				if errors.Is(err, wire.ErrUnknownVariant) {
					s.logger.Warn("unknown client message variant, dropping", zap.Error(err))
					continue
				}
				return closeError(CloseProtocolError, "malformed client message")
			}
			dst := phase
			if env.Heartbeat != nil {
				dst = general
			}
			select {
			case dst <- env:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		for range general {
			s.pc.heartbeat.Set()
		}
		return nil
	})

	g.Go(func() error {
		for env := range phase {
			if err := m.handler.HandleEnvelope(gctx, s, env); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		// A background task may have brought the loop down through the
		// crash func; surface its cause.
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
	}
	return err
}

// failConn converts a connection-fatal error into a close frame on the
// socket this session owns. State cleanup follows through the deferred
// cleanUp call.
func (m *Manager) failConn(s *session, err error) {
	ce := closeFor(err)
	if ce.Code == CloseInternalError {
		s.logger.Error("connection failed", zap.Error(err))
	} else {
		s.logger.Warn("connection closed", zap.Int("code", ce.Code), zap.Error(err))
	}
	s.pc.closeGen(s.gen, ce.Code, ce.Reason, m.cfg.WriteTimeout)
}

// cleanUp runs once per connection after HandleSocket's loop exits. A
// stale generation means a newer socket superseded this one and owns
// the player state now; the old loop backs out without touching
// anything. Player entries and their boards stay in the match for
// later reconnects; entries leave the map only through closeMatch.
func (m *Manager) cleanUp(s *session) {
	if !s.pc.closeCurrent(s.gen) {
		s.logger.Info("superseded connection exited")
		return
	}
	ctx := context.WithoutCancel(m.ctx)
	m.handler.CleanUp(ctx, s)
	if opp := s.mc.OpponentConn(s.pc.PlayerID); opp != nil {
		m.sendBestEffort(opp, &wire.ServerEnvelope{OpponentPresence: s.mc.Presence(s.pc.PlayerID)})
	}
	s.logger.Info("player disconnected")
}

// announcePresence tells the opponent this player arrived (best
// effort) and tells this player whether an opponent is around
// (strict). A player with no opponent yet hears nothing.
func (m *Manager) announcePresence(s *session) error {
	if opp := s.mc.OpponentConn(s.pc.PlayerID); opp != nil {
		m.sendBestEffort(opp, &wire.ServerEnvelope{OpponentPresence: s.mc.Presence(s.pc.PlayerID)})
	}
	oppID, ok := s.mc.OpponentID(s.pc.PlayerID)
	if !ok {
		return nil
	}
	return s.pc.Send(&wire.ServerEnvelope{OpponentPresence: s.mc.Presence(oppID)}, m.cfg.WriteTimeout)
}

// sendBestEffort delivers env unless the conn is closed, logging send
// failures instead of returning them.
func (m *Manager) sendBestEffort(pc *PlayerConn, env *wire.ServerEnvelope) {
	if !pc.Connected() {
		return
	}
	if err := pc.Send(env, m.cfg.WriteTimeout); err != nil {
		m.logger.Error("best-effort send failed",
			zap.Stringer("player", pc.PlayerID), zap.Error(err))
	}
}

// envelopeFactory builds a per-recipient payload.
type envelopeFactory func(pid uuid.UUID) (*wire.ServerEnvelope, error)

// broadcast sends a per-recipient envelope to every connected player
// of the match, skipping skip when non-nil. Factory errors always
// abort; send failures abort only in strict mode, otherwise they are
// logged and the loop keeps going.
func (m *Manager) broadcast(mc *MatchConns, skip uuid.UUID, strict bool, factory envelopeFactory) error {
	for _, pc := range mc.conns() {
		if skip != uuid.Nil && pc.PlayerID == skip {
			continue
		}
		if !pc.Connected() {
			continue
		}
		env, err := factory(pc.PlayerID)
		if err != nil {
			return err
		}
		if err := pc.Send(env, m.cfg.WriteTimeout); err != nil {
			if strict {
				return errors.Wrapf(err, "send to player %s", pc.PlayerID)
			}
			m.logger.Error("broadcast send failed",
				zap.Stringer("match", mc.MatchID),
				zap.Stringer("player", pc.PlayerID),
				zap.Error(err))
		}
	}
	return nil
}

// matchConns returns the live record for matchID, creating it on first
// use.
func (m *Manager) matchConns(matchID uuid.UUID) *MatchConns {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc := m.matches[matchID]
	if mc == nil {
		mc = newMatchConns(matchID)
		m.matches[matchID] = mc
	}
	return mc
}

// removeMatch drops the entry and stops the heartbeat clock when the
// map empties. It returns the removed record, nil when none existed.
func (m *Manager) removeMatch(matchID uuid.UUID) *MatchConns {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc := m.matches[matchID]
	if mc == nil {
		return nil
	}
	delete(m.matches, matchID)
	if len(m.matches) == 0 && m.clockStop != nil {
		m.clockStop()
		m.clockStop = nil
	}
	return mc
}

// ensureClock starts the heartbeat clock if it is not already running.
func (m *Manager) ensureClock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clockStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.clockStop = cancel
	m.tasks.Go("heartbeat clock", nil, func() error {
		m.runHeartbeatClock(ctx)
		return nil
	})
}

// closeMatch drops the match entry and closes every socket with one
// frame. Calling it twice is safe, the second call finds nothing.
func (m *Manager) closeMatch(matchID uuid.UUID, code int, reason string) {
	mc := m.removeMatch(matchID)
	if mc == nil {
		return
	}
	for _, pc := range mc.conns() {
		pc.Close(code, reason, m.cfg.WriteTimeout)
	}
	m.logger.Info("match closed",
		zap.Stringer("match", matchID),
		zap.Int("code", code),
		zap.String("reason", reason))
}

// Evict force-closes a match's connections, used by the sweeper after
// deleting the backing record. It reports whether this manager held an
// entry.
func (m *Manager) Evict(matchID uuid.UUID, code int, reason string) bool {
	m.mu.Lock()
	_, ok := m.matches[matchID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.closeMatch(matchID, code, reason)
	return true
}

// Shutdown closes every connection and waits for background tasks to
// drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.matches))
	for id := range m.matches {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.closeMatch(id, websocket.CloseGoingAway, "server shutting down")
	}
	m.stop()
	m.tasks.Wait()
}
