package server

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/lab1702/seabattle-server/game"
	"github.com/lab1702/seabattle-server/wire"
)

// closeSocket writes a close frame and tears the raw socket down.
// Errors are ignored; the peer may already be gone.
func closeSocket(sock *websocket.Conn, code int, reason string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	sock.Close()
}

// PlayerConn is one player's live presence in a match. The struct
// outlives individual sockets: a reconnect or duplicate connection
// swaps the socket in place and keeps the placement and battle state.
type PlayerConn struct {
	PlayerID uuid.UUID

	mu     sync.Mutex
	sock   *websocket.Conn
	closed bool
	// gen counts installed sockets. A connection loop holds the value
	// from install time; cleanup that observes a newer one belongs to
	// a superseded socket and must not touch shared state.
	gen uint64

	heartbeat *signal

	// Phase state, guarded by the owning MatchConns mutex.
	Ready bool
	Board *game.Board
}

func newPlayerConn(playerID uuid.UUID, sock *websocket.Conn) *PlayerConn {
	return &PlayerConn{PlayerID: playerID, sock: sock, heartbeat: newSignal()}
}

// Send stamps env with the current time and writes it as one binary
// message under the write deadline.
func (c *PlayerConn) Send(env *wire.ServerEnvelope, timeout time.Duration) error {
	env.TimestampMS = time.Now().UnixMilli()
	data, err := wire.EncodeServer(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Errorf("connection of player %s is closed", c.PlayerID)
	}
	c.sock.SetWriteDeadline(time.Now().Add(timeout))
	return errors.Wrap(c.sock.WriteMessage(websocket.BinaryMessage, data), "write envelope")
}

// Connected reports whether the installed socket is still open.
func (c *PlayerConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close sends a close frame and shuts the socket. Repeat closes are
// no-ops.
func (c *PlayerConn) Close(code int, reason string, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	closeSocket(c.sock, code, reason, timeout)
}

// swapSocket installs a fresh socket, bumping the generation. It
// returns the superseded socket, whether that socket was still open,
// and the new generation.
func (c *PlayerConn) swapSocket(sock *websocket.Conn) (old *websocket.Conn, wasOpen bool, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, wasOpen = c.sock, !c.closed
	c.sock = sock
	c.closed = false
	c.gen++
	return old, wasOpen, c.gen
}

// closeCurrent shuts the socket down if gen still names it. A false
// return means a newer socket superseded this one and its cleanup owns
// the player state now.
func (c *PlayerConn) closeCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	if !c.closed {
		c.closed = true
		c.sock.Close()
	}
	return true
}

// closeGen sends a close frame and shuts the socket down, but only
// when gen still names the installed socket.
func (c *PlayerConn) closeGen(gen uint64, code int, reason string, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.closed {
		return
	}
	c.closed = true
	closeSocket(c.sock, code, reason, timeout)
}

// MatchConns is the living state of one match under a phase manager:
// up to two player connections plus the battle's turn bookkeeping. One
// mutex guards all of it, including the boards hanging off the
// players; callers build outbound payloads under the lock and send
// after releasing it.
type MatchConns struct {
	MatchID uuid.UUID

	mu      sync.Mutex
	players map[uuid.UUID]*PlayerConn
	// first is the player who connected first; they shoot first.
	first uuid.UUID

	started   bool
	ended     bool
	turn      uuid.UUID
	mode      game.Mode
	salvoSize int
	salvoLeft int

	// shot serializes the battle pipeline. It is locked when a shot or
	// a reconnection grace wait is in flight and released when the
	// server is ready for the next shot. sync.Mutex allows the lock
	// and unlock to happen on different goroutines, which the pipeline
	// relies on.
	shot sync.Mutex

	// reconnect wakes a grace wait when the turn player comes back.
	reconnect *signal
}

func newMatchConns(matchID uuid.UUID) *MatchConns {
	return &MatchConns{
		MatchID:   matchID,
		players:   make(map[uuid.UUID]*PlayerConn),
		reconnect: newSignal(),
	}
}

// armReconnectWait checks whether pid is attached and, when they are
// not, clears the reconnect signal in the same critical section.
// Socket installs in addPlayer hold the same lock, so a reattach
// either lands before the check and is seen as connected, or lands
// after the clear and its pulse survives for the waiter. It reports
// whether a grace wait is needed.
func (mc *MatchConns) armReconnectWait(pid uuid.UUID) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if pc := mc.players[pid]; pc != nil && pc.Connected() {
		return false
	}
	mc.reconnect.Clear()
	return true
}

// addPlayer installs a prepared connection. A player with existing
// state keeps it: only the socket is swapped in, and the superseded
// socket is returned when it was still open. A third distinct player
// is refused with a policy close.
func (mc *MatchConns) addPlayer(fresh *PlayerConn) (pc *PlayerConn, gen uint64, prev *websocket.Conn, resumed bool, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if pc = mc.players[fresh.PlayerID]; pc != nil {
		old, wasOpen, gen := pc.swapSocket(fresh.sock)
		if !wasOpen {
			old = nil
		}
		return pc, gen, old, true, nil
	}
	if len(mc.players) >= game.MaxSlot {
		return nil, 0, nil, false, closeError(ClosePolicyViolation,
			"a third player cannot join match %s", mc.MatchID)
	}
	if len(mc.players) == 0 {
		mc.first = fresh.PlayerID
	}
	mc.players[fresh.PlayerID] = fresh
	return fresh, 0, nil, false, nil
}

func (mc *MatchConns) get(pid uuid.UUID) *PlayerConn {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.players[pid]
}

func (mc *MatchConns) opponentLocked(pid uuid.UUID) *PlayerConn {
	for id, pc := range mc.players {
		if id != pid {
			return pc
		}
	}
	return nil
}

// OpponentConn returns the other player's connection state, nil when
// no second player ever joined.
func (mc *MatchConns) OpponentConn(pid uuid.UUID) *PlayerConn {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.opponentLocked(pid)
}

// OpponentID returns the other player's id, if they ever connected.
func (mc *MatchConns) OpponentID(pid uuid.UUID) (uuid.UUID, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if pc := mc.opponentLocked(pid); pc != nil {
		return pc.PlayerID, true
	}
	return uuid.Nil, false
}

// NumPlayers counts players that ever connected.
func (mc *MatchConns) NumPlayers() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.players)
}

// NumConnected counts players whose socket is currently open.
func (mc *MatchConns) NumConnected() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	n := 0
	for _, pc := range mc.players {
		if pc.Connected() {
			n++
		}
	}
	return n
}

// conns snapshots the player connections for iteration outside the
// lock.
func (mc *MatchConns) conns() []*PlayerConn {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make([]*PlayerConn, 0, len(mc.players))
	for _, pc := range mc.players {
		out = append(out, pc)
	}
	return out
}

// Presence describes pid as their opponent should see them.
func (mc *MatchConns) Presence(pid uuid.UUID) *wire.OpponentPresence {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	pc, ok := mc.players[pid]
	return &wire.OpponentPresence{
		OpponentConnected:  ok && pc.Connected(),
		InitiallyConnected: ok,
	}
}

// ReadyStateFor builds the placement ready-state as pid should see it.
func (mc *MatchConns) ReadyStateFor(pid uuid.UUID) *wire.ReadyState {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	count := 0
	for _, pc := range mc.players {
		if pc.Ready {
			count++
		}
	}
	self := false
	if pc := mc.players[pid]; pc != nil {
		self = pc.Ready
	}
	return &wire.ReadyState{ReadyCount: count, SelfReady: self}
}

// IsReady reports pid's placement readiness.
func (mc *MatchConns) IsReady(pid uuid.UUID) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	pc := mc.players[pid]
	return pc != nil && pc.Ready
}

// SetFleet marks pid ready with their validated board installed. It
// reports whether both players are now ready.
func (mc *MatchConns) SetFleet(pid uuid.UUID, board *game.Board) (bothReady bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	pc := mc.players[pid]
	if pc == nil {
		return false
	}
	pc.Ready = true
	pc.Board = board
	ready := 0
	for _, p := range mc.players {
		if p.Ready {
			ready++
		}
	}
	return ready == game.MaxSlot
}

// StartBattle hands the first turn to the first-connected player and
// fixes the turn-passing mode. It reports false when another
// connection already started the battle.
func (mc *MatchConns) StartBattle(mode game.Mode, salvoShots int) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.started {
		return false
	}
	mc.started = true
	mc.mode = mode
	mc.salvoSize = salvoShots
	mc.salvoLeft = salvoShots
	mc.turn = mc.first
	return true
}

// Started reports whether the battle has begun.
func (mc *MatchConns) Started() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.started
}

// Running reports whether the battle has begun and not yet ended.
func (mc *MatchConns) Running() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.started && !mc.ended
}

// EndBattle marks the battle over. It reports false when it already
// was, making battle teardown idempotent.
func (mc *MatchConns) EndBattle() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.ended {
		return false
	}
	mc.ended = true
	return true
}

// TurnPlayer returns the player whose shot the battle awaits.
func (mc *MatchConns) TurnPlayer() uuid.UUID {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.turn
}

// AdvanceTurn applies the turn-passing rule after a shot and reports
// whether the turn swapped.
func (mc *MatchConns) AdvanceTurn(hit bool) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	swap := false
	switch mc.mode {
	case game.ModeSingleShot:
		swap = true
	case game.ModeStreak:
		swap = !hit
	case game.ModeSalvo:
		mc.salvoLeft--
		if mc.salvoLeft == 0 {
			swap = true
			mc.salvoLeft = mc.salvoSize
		}
	}
	if swap {
		mc.swapTurnLocked()
	}
	return swap
}

func (mc *MatchConns) swapTurnLocked() {
	if mc.turn == uuid.Nil {
		mc.turn = mc.first
		return
	}
	if pc := mc.opponentLocked(mc.turn); pc != nil {
		mc.turn = pc.PlayerID
	}
}

// GameStateFor builds the battle snapshot as pid should see it: their
// own board in full, the opponent's shot history with only sunk ships.
func (mc *MatchConns) GameStateFor(pid uuid.UUID) (*wire.GameState, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	pc := mc.players[pid]
	if pc == nil || pc.Board == nil {
		return nil, errors.Errorf("player %s has no board in match %s", pid, mc.MatchID)
	}
	opp := mc.opponentLocked(pid)
	if opp == nil || opp.Board == nil {
		return nil, errors.Errorf("opponent of player %s has no board in match %s", pid, mc.MatchID)
	}
	return &wire.GameState{
		Own:      viewToWire(pc.Board.OwnView()),
		Opponent: viewToWire(opp.Board.OpponentView()),
	}, nil
}

// ShootAt resolves shooter's shot against the opponent board and
// reports whether it ended the game. Callers hold the shot lock, which
// keeps the turn stable across this call.
func (mc *MatchConns) ShootAt(shooter uuid.UUID, row, col int) (hit bool, sunk *game.ActiveShip, allSunk bool, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	opp := mc.opponentLocked(shooter)
	if opp == nil || opp.Board == nil {
		return false, nil, false, errors.Errorf("opponent of player %s has no board in match %s", shooter, mc.MatchID)
	}
	hit, sunk, err = opp.Board.ShootAt(row, col)
	if err != nil {
		return false, nil, false, err
	}
	return hit, sunk, opp.Board.AllSunk(), nil
}

// RandomShotFor picks a random legal shot for pid against the opponent
// board.
func (mc *MatchConns) RandomShotFor(pid uuid.UUID, rng *rand.Rand) (row, col int, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	opp := mc.opponentLocked(pid)
	if opp == nil || opp.Board == nil {
		return 0, 0, errors.Errorf("opponent of player %s has no board in match %s", pid, mc.MatchID)
	}
	return opp.Board.RandomShot(rng)
}

// Outcomes computes both players' results at battle end: nobody's
// fleet fully sunk means both leave with a premature result, otherwise
// the sunk fleet's owner lost.
func (mc *MatchConns) Outcomes() map[uuid.UUID]game.Outcome {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	anySunk := false
	for _, pc := range mc.players {
		if pc.Board != nil && pc.Board.AllSunk() {
			anySunk = true
		}
	}
	out := make(map[uuid.UUID]game.Outcome, len(mc.players))
	for pid, pc := range mc.players {
		switch {
		case !anySunk:
			out[pid] = game.OutcomePremature
		case pc.Board != nil && pc.Board.AllSunk():
			out[pid] = game.OutcomeLoss
		default:
			out[pid] = game.OutcomeWin
		}
	}
	return out
}
