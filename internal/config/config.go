// Package config holds groupwired's tunable constants, overridable by
// environment variables following the teacher's envInt pattern
// (internal/daemon/connman.go's outboundTarget/maxBackoff/pexInterval
// helpers), generalized into a single struct built once at startup instead
// of re-read per call.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DataDir string

	EngineTick     time.Duration
	SyncInterval   time.Duration
	PingInterval   time.Duration
	LinkUnconfirmedTimeout time.Duration
	LinkConfirmedTimeout   time.Duration

	ChannelMaxAttempts int

	ConfirmedPeerMax int
	CandidateCap     int
	CandidateTTL     time.Duration

	ControlSocketPath string
}

const (
	defaultEngineTick     = 100 * time.Millisecond
	defaultSyncInterval   = 20 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultUnconfirmedTimeout = 10 * time.Second
	defaultConfirmedTimeout   = 72 * time.Second
	defaultChannelMaxAttempts = 8
	defaultConfirmedPeerMax   = 100
	defaultCandidateCap       = 256
	defaultCandidateTTL       = 10 * time.Minute
)

// Load builds a Config from environment overrides layered on defaults,
// the way the teacher derives every connection-manager constant from
// WEB4_*-prefixed env vars at call time.
func Load(dataDir string) Config {
	return Config{
		DataDir:                dataDir,
		EngineTick:             envDuration("GROUPWIRE_ENGINE_TICK_MS", defaultEngineTick, time.Millisecond),
		SyncInterval:           envDuration("GROUPWIRE_SYNC_INTERVAL_SEC", defaultSyncInterval, time.Second),
		PingInterval:           envDuration("GROUPWIRE_PING_INTERVAL_SEC", defaultPingInterval, time.Second),
		LinkUnconfirmedTimeout: envDuration("GROUPWIRE_LINK_UNCONFIRMED_TIMEOUT_SEC", defaultUnconfirmedTimeout, time.Second),
		LinkConfirmedTimeout:   envDuration("GROUPWIRE_LINK_CONFIRMED_TIMEOUT_SEC", defaultConfirmedTimeout, time.Second),
		ChannelMaxAttempts:     envInt("GROUPWIRE_CHANNEL_MAX_ATTEMPTS", defaultChannelMaxAttempts),
		ConfirmedPeerMax:       envInt("GROUPWIRE_CONFIRMED_PEER_MAX", defaultConfirmedPeerMax),
		CandidateCap:           envInt("GROUPWIRE_CANDIDATE_CAP", defaultCandidateCap),
		CandidateTTL:           envDuration("GROUPWIRE_CANDIDATE_TTL_SEC", defaultCandidateTTL, time.Second),
		ControlSocketPath:      envString("GROUPWIRE_CONTROL_SOCKET", dataDir+"/groupwired.sock"),
	}
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration, unit time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * unit
}

func envString(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
