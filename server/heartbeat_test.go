package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/lab1702/seabattle-server/game"
	"github.com/lab1702/seabattle-server/store"
)

func TestHeartbeatKeepsResponsiveConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	m := h.seedMatch(2, 2, map[int]int{2: 1}, game.ModeSingleShot, game.PhasePlacement)
	p1 := h.seedPlayer(m.ID, 1)

	c := h.dial(m.ID, "placement", p1)
	env, err := c.recvRaw()
	require.NoError(t, err)
	require.NotNil(t, env.ReadyState)

	// Answer three pings in a row; the session stays up.
	for i := 0; i < 3; i++ {
		env, err := c.recvRaw()
		require.NoError(t, err)
		require.NotNil(t, env.HeartbeatRequest, "expected a ping, got %+v", env)
		c.sendHeartbeat()
	}

	_, err = h.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err, "a responsive player must not be evicted")
}

func TestHeartbeatEvictsSilentConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	m := h.seedMatch(2, 2, map[int]int{2: 1}, game.ModeSingleShot, game.PhasePlacement)
	p1 := h.seedPlayer(m.ID, 1)

	c := h.dial(m.ID, "placement", p1)
	env, err := c.recvRaw()
	require.NoError(t, err)
	require.NotNil(t, env.ReadyState)

	// Never answer. The server drops the socket with its in-frame
	// abnormal-closure code, which gorilla clients surface as a
	// protocol error rather than a CloseError.
	deadline := time.Now().Add(recvTimeout)
	for {
		require.True(t, time.Now().Before(deadline), "connection was never dropped")
		env, err := c.recvRaw()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("read timed out instead of the server dropping the socket: %v", err)
			}
			break
		}
		require.NotNil(t, env.HeartbeatRequest, "expected only pings, got %+v", env)
	}

	// The evicted player was alone, so the lobby goes with them.
	waitFor(t, "lobby prune", func() bool {
		_, err := h.store.GetMatch(context.Background(), m.ID)
		return errors.Is(err, store.ErrNotFound)
	})
}
