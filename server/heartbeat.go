package server

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/lab1702/seabattle-server/wire"
)

// pingYieldEvery bounds how many ping tasks a single tick spawns
// before yielding the scheduler.
const pingYieldEvery = 10000

// runHeartbeatClock pings every open connection once per interval and
// evicts the ones that stay silent past the heartbeat timeout. One
// clock runs per manager while it has live matches.
func (m *Manager) runHeartbeatClock(ctx context.Context) {
	m.logger.Info("heartbeat clock started",
		zap.Duration("interval", m.cfg.HeartbeatInterval),
		zap.Duration("timeout", m.cfg.HeartbeatTimeout))
	defer m.logger.Info("heartbeat clock stopped")

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pingAll(ctx)
		}
	}
}

// pingAll snapshots the live connections and spawns one ping task per
// open socket.
func (m *Manager) pingAll(ctx context.Context) {
	m.mu.Lock()
	mcs := make([]*MatchConns, 0, len(m.matches))
	for _, mc := range m.matches {
		mcs = append(mcs, mc)
	}
	m.mu.Unlock()

	spawned := 0
	for _, mc := range mcs {
		for _, pc := range mc.conns() {
			if !pc.Connected() {
				continue
			}
			pc := pc
			m.tasks.Go("heartbeat ping", nil, func() error {
				m.pingOne(ctx, pc)
				return nil
			})
			spawned++
			if spawned%pingYieldEvery == 0 {
				runtime.Gosched()
			}
		}
	}
}

// pingOne requests one heartbeat and closes the connection when no
// response arrives in time. Send errors are swallowed; a dying socket
// is detected by its own read loop.
func (m *Manager) pingOne(ctx context.Context, pc *PlayerConn) {
	pc.heartbeat.Clear()
	_ = pc.Send(&wire.ServerEnvelope{HeartbeatRequest: &wire.HeartbeatRequest{}}, m.cfg.WriteTimeout)
	if pc.heartbeat.Wait(ctx, m.cfg.HeartbeatTimeout) {
		return
	}
	if ctx.Err() != nil {
		return
	}
	m.logger.Info("no heartbeat response, disconnecting",
		zap.Stringer("player", pc.PlayerID))
	pc.Close(CloseNoHeartbeat, "No heartbeat response", m.cfg.WriteTimeout)
}
