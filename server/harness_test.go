package server

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lab1702/seabattle-server/game"
	"github.com/lab1702/seabattle-server/store"
	"github.com/lab1702/seabattle-server/wire"
)

// recvTimeout bounds every read a test client performs.
const recvTimeout = 3 * time.Second

// testConfig returns the production defaults with the heartbeat clock
// pushed far enough out that pings never interleave with scenario
// traffic. Tests that exercise heartbeats or grace timers override the
// relevant knobs.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Minute
	cfg.HeartbeatTimeout = time.Minute
	cfg.ReconnectTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second
	return cfg
}

// harness runs the full server surface over an in-process store: both
// phase managers behind the router on an httptest listener.
type harness struct {
	t         *testing.T
	cfg       Config
	store     *store.Memory
	placement *Manager
	battle    *Manager
	router    *Router
	ts        *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemory()
	h := &harness{t: t, cfg: cfg, store: st}
	h.placement = NewPlacementManager(logger, st, cfg)
	h.battle = NewBattleManager(logger, st, cfg)
	h.router = NewRouter(logger, st, nil, h.placement, h.battle)
	h.ts = httptest.NewServer(h.router)
	t.Cleanup(func() {
		h.closeConns()
		h.placement.Shutdown()
		h.battle.Shutdown()
		h.ts.Close()
	})
	return h
}

func (h *harness) closeConns() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
	h.conns = nil
}

// seedMatch creates a match record the router will accept sockets for.
func (h *harness) seedMatch(rows, cols int, lengths map[int]int, mode game.Mode, phase game.Phase) game.Match {
	h.t.Helper()
	m := game.Match{
		ID:          uuid.New(),
		Rows:        rows,
		Cols:        cols,
		ShipLengths: lengths,
		Phase:       phase,
		Mode:        mode,
		CreatedAt:   time.Now(),
	}
	require.NoError(h.t, h.store.CreateMatch(context.Background(), m))
	return m
}

// seedPlayer creates a player and links them into the match slot.
func (h *harness) seedPlayer(matchID uuid.UUID, slot int) uuid.UUID {
	h.t.Helper()
	ctx := context.Background()
	pid := uuid.New()
	require.NoError(h.t, h.store.CreatePlayer(ctx, game.Player{ID: pid}))
	require.NoError(h.t, h.store.AddLink(ctx, game.Link{MatchID: matchID, PlayerID: pid, Slot: slot}))
	return pid
}

func (h *harness) seedShips(matchID, playerID uuid.UUID, ships []wire.Ship) {
	h.t.Helper()
	require.NoError(h.t, h.store.PersistShips(context.Background(), matchID, playerID, shipsFromWire(ships)))
}

// seedBattle creates a battle-phase match with both players linked and
// both fleets persisted, ready for battle sockets.
func (h *harness) seedBattle(rows, cols int, lengths map[int]int, mode game.Mode, ships []wire.Ship) (game.Match, uuid.UUID, uuid.UUID) {
	h.t.Helper()
	m := h.seedMatch(rows, cols, lengths, mode, game.PhaseBattle)
	p1 := h.seedPlayer(m.ID, 1)
	p2 := h.seedPlayer(m.ID, 2)
	h.seedShips(m.ID, p1, ships)
	h.seedShips(m.ID, p2, ships)
	return m, p1, p2
}

func (h *harness) wsURL(matchID uuid.UUID, endpoint string, playerID uuid.UUID) string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") +
		"/ws/" + matchID.String() + "/" + endpoint + "?player=" + playerID.String()
}

// dial opens a websocket to the given endpoint and registers it for
// teardown.
func (h *harness) dial(matchID uuid.UUID, endpoint string, playerID uuid.UUID) *client {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(matchID, endpoint, playerID), nil)
	require.NoError(h.t, err)
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()
	return &client{t: h.t, conn: conn}
}

// dialRefused dials expecting the handshake to be rejected before the
// upgrade and returns the HTTP status of the refusal.
func (h *harness) dialRefused(url string) int {
	h.t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(h.t, err, websocket.ErrBadHandshake)
	require.Nil(h.t, conn)
	require.NotNil(h.t, resp)
	defer resp.Body.Close()
	return resp.StatusCode
}

// joinedPlayers reports how many players have been installed for the
// match, giving tests a sync point for deterministic join order.
func joinedPlayers(m *Manager, matchID uuid.UUID) int {
	m.mu.Lock()
	mc := m.matches[matchID]
	m.mu.Unlock()
	if mc == nil {
		return 0
	}
	return mc.NumPlayers()
}

func (h *harness) waitJoined(m *Manager, matchID uuid.UUID, n int) {
	h.t.Helper()
	waitFor(h.t, "player install", func() bool {
		return joinedPlayers(m, matchID) >= n
	})
}

// joinBattle connects both players in order, consuming the opening
// presence, game state and turn envelopes. The first player to connect
// holds the first turn.
func (h *harness) joinBattle(m game.Match, p1, p2 uuid.UUID) (*client, *client) {
	h.t.Helper()
	c1 := h.dial(m.ID, "battle", p1)
	h.waitJoined(h.battle, m.ID, 1)
	c2 := h.dial(m.ID, "battle", p2)

	env := c1.expect(wire.ServerTagOpponentPresence)
	require.True(h.t, env.OpponentPresence.OpponentConnected)
	state := c1.expect(wire.ServerTagGameState)
	require.NotEmpty(h.t, state.GameState.Own.Ships, "own fleet must be visible")
	require.Empty(h.t, state.GameState.Opponent.Ships, "unsunk opponent ships must stay hidden")
	env = c1.expect(wire.ServerTagTurn)
	require.False(h.t, env.Turn.OpponentsTurn, "first joiner shoots first")

	env = c2.expect(wire.ServerTagOpponentPresence)
	require.True(h.t, env.OpponentPresence.OpponentConnected)
	c2.expect(wire.ServerTagGameState)
	env = c2.expect(wire.ServerTagTurn)
	require.True(h.t, env.Turn.OpponentsTurn)

	return c1, c2
}

// waitFor polls cond until it holds or the read timeout budget runs
// out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(recvTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("gave up waiting for %s", what)
}

// client is one test-side websocket speaking the envelope codec.
type client struct {
	t    *testing.T
	conn *websocket.Conn
}

// recvRaw reads and decodes the next server envelope.
func (c *client) recvRaw() (*wire.ServerEnvelope, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(recvTimeout)); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.DecodeServer(data)
}

// recv reads the next envelope, skipping heartbeat requests.
func (c *client) recv() *wire.ServerEnvelope {
	c.t.Helper()
	for {
		env, err := c.recvRaw()
		require.NoError(c.t, err)
		if env.HeartbeatRequest != nil {
			continue
		}
		return env
	}
}

// expect reads the next non-heartbeat envelope and asserts its variant.
func (c *client) expect(tag wire.ServerTag) *wire.ServerEnvelope {
	c.t.Helper()
	env := c.recv()
	require.Equal(c.t, tag, env.Variant(), "unexpected envelope %+v", env)
	return env
}

// collectReconnect reads the connect replay after a battle reconnect.
// The grace waiter's turn dispatch races the presence announce and
// state replay, so the three envelopes may land in any order.
func (c *client) collectReconnect(opponentsTurn bool) {
	c.t.Helper()
	var sawPresence, sawState, sawTurn bool
	for !(sawPresence && sawState && sawTurn) {
		env := c.recv()
		switch env.Variant() {
		case wire.ServerTagOpponentPresence:
			require.True(c.t, env.OpponentPresence.OpponentConnected)
			sawPresence = true
		case wire.ServerTagGameState:
			sawState = true
		case wire.ServerTagTurn:
			require.Equal(c.t, opponentsTurn, env.Turn.OpponentsTurn)
			sawTurn = true
		default:
			c.t.Fatalf("unexpected envelope in reconnect replay: %+v", env)
		}
	}
}

// collectOpponentReturn reads the opponent-side fan-out after the turn
// player reconnects: a presence update and a turn notice, in either
// order.
func (c *client) collectOpponentReturn() {
	c.t.Helper()
	var sawPresence, sawTurn bool
	for !(sawPresence && sawTurn) {
		env := c.recv()
		switch env.Variant() {
		case wire.ServerTagOpponentPresence:
			require.True(c.t, env.OpponentPresence.OpponentConnected)
			sawPresence = true
		case wire.ServerTagTurn:
			require.True(c.t, env.Turn.OpponentsTurn)
			sawTurn = true
		default:
			c.t.Fatalf("unexpected envelope while the opponent returns: %+v", env)
		}
	}
}

// expectClose drains the connection until the server closes it and
// asserts the close code, returning the close reason.
func (c *client) expectClose(code int) string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(recvTimeout)))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(c.t, err, &ce, "want close %d", code)
		require.Equal(c.t, code, ce.Code)
		return ce.Text
	}
}

// expectSilence asserts that nothing arrives for d. The connection is
// not readable afterwards; gorilla reads stay failed after a deadline
// error.
func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	_, _, err := c.conn.ReadMessage()
	require.Error(c.t, err, "expected no traffic")
	var netErr net.Error
	require.ErrorAs(c.t, err, &netErr)
	require.True(c.t, netErr.Timeout(), "expected a read timeout, got %v", err)
}

func (c *client) send(env *wire.ClientEnvelope) {
	c.t.Helper()
	data, err := wire.EncodeClient(env)
	require.NoError(c.t, err)
	c.sendRaw(data)
}

func (c *client) sendRaw(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(recvTimeout)))
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, data))
}

func (c *client) sendReady(ships []wire.Ship) {
	c.t.Helper()
	c.send(&wire.ClientEnvelope{SetReady: &wire.SetReady{Ships: ships}})
}

func (c *client) sendShot(row, col int) {
	c.t.Helper()
	c.send(&wire.ClientEnvelope{Shot: &wire.Shot{Row: row, Col: col}})
}

func (c *client) sendHeartbeat() {
	c.t.Helper()
	c.send(&wire.ClientEnvelope{Heartbeat: &wire.Heartbeat{}})
}

// close drops the TCP connection without a close handshake, the way a
// crashed client would.
func (c *client) close() {
	c.conn.Close()
}

func fleetOf(ships ...wire.Ship) []wire.Ship { return ships }

// singleCellFleet is one length-1 ship in the top-left corner.
func singleCellFleet() []wire.Ship {
	return fleetOf(wire.Ship{Length: 1, Orientation: wire.Horizontal, HeadRow: 0, HeadCol: 0})
}

// twoCellFleet is two length-1 ships stacked in column zero.
func twoCellFleet() []wire.Ship {
	return fleetOf(
		wire.Ship{Length: 1, Orientation: wire.Horizontal, HeadRow: 0, HeadCol: 0},
		wire.Ship{Length: 1, Orientation: wire.Horizontal, HeadRow: 1, HeadCol: 0},
	)
}
