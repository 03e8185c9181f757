package server

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config holds the timing and backpressure knobs of the session
// server. Zero values are not valid; start from DefaultConfig or
// ConfigFromEnv.
type Config struct {
	// SweepInterval is how often the sweeper scans for stale matches.
	SweepInterval time.Duration
	// PlacementTTL is how long a match may sit in placement before the
	// sweeper removes it.
	PlacementTTL time.Duration
	// BattleTTL is how long a match may sit in battle before the
	// sweeper removes it.
	BattleTTL time.Duration
	// HeartbeatInterval is how often connected players are pinged.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a player has to answer a ping
	// before being disconnected.
	HeartbeatTimeout time.Duration
	// ReconnectTimeout is how long the battle waits for the turn
	// player to come back before shooting for them.
	ReconnectTimeout time.Duration
	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration
	// ChannelCapacity bounds the per-connection inbound message queues.
	ChannelCapacity int
	// SalvoShots is the number of shots per turn in salvo mode.
	SalvoShots int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     5 * time.Minute,
		PlacementTTL:      10 * time.Minute,
		BattleTTL:         35 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		ReconnectTimeout:  8 * time.Second,
		WriteTimeout:      10 * time.Second,
		ChannelCapacity:   10,
		SalvoShots:        3,
	}
}

// ConfigFromEnv starts from the defaults and applies SEABATTLE_*
// overrides. Durations use time.ParseDuration syntax.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"SEABATTLE_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"SEABATTLE_PLACEMENT_TTL", &cfg.PlacementTTL},
		{"SEABATTLE_BATTLE_TTL", &cfg.BattleTTL},
		{"SEABATTLE_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"SEABATTLE_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"SEABATTLE_RECONNECT_TIMEOUT", &cfg.ReconnectTimeout},
		{"SEABATTLE_WRITE_TIMEOUT", &cfg.WriteTimeout},
	}
	for _, v := range durations {
		raw, ok := os.LookupEnv(v.name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", v.name)
		}
		*v.dst = d
	}

	counts := []struct {
		name string
		dst  *int
	}{
		{"SEABATTLE_CHANNEL_CAPACITY", &cfg.ChannelCapacity},
		{"SEABATTLE_SALVO_SHOTS", &cfg.SalvoShots},
	}
	for _, v := range counts {
		raw, ok := os.LookupEnv(v.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", v.name)
		}
		*v.dst = n
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"sweep interval", c.SweepInterval},
		{"placement ttl", c.PlacementTTL},
		{"battle ttl", c.BattleTTL},
		{"heartbeat interval", c.HeartbeatInterval},
		{"heartbeat timeout", c.HeartbeatTimeout},
		{"reconnect timeout", c.ReconnectTimeout},
		{"write timeout", c.WriteTimeout},
	}
	for _, v := range durations {
		if v.d <= 0 {
			return errors.Errorf("%s must be positive", v.name)
		}
	}
	if c.ChannelCapacity < 1 {
		return errors.New("channel capacity must be positive")
	}
	if c.SalvoShots < 1 {
		return errors.New("salvo shots must be positive")
	}
	return nil
}
