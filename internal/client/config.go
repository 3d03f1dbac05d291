package client

import (
	"time"

	"github.com/stupidafcoder/leechgo/internal/peerconn"
	"github.com/stupidafcoder/leechgo/internal/piecemgr"
)

// Config holds the tunables spec §5 and §4.7 leave to the
// implementation. A zero Config falls back to the spec's recommended
// defaults; this is the surface the out-of-scope CLI shell builds
// from flags (SPEC_FULL §2.3) instead of the core taking a config
// file.
type Config struct {
	// MaxPeers bounds the number of concurrently active peer
	// connections (spec §4.7's K, recommended 40).
	MaxPeers int

	// BlockSize is the wire transfer unit (spec §3, 16 KiB).
	BlockSize int

	// PendingTimeout is how long a requested block is held against
	// a peer before the next selection recycles it (spec §3, 5s).
	PendingTimeout time.Duration

	// HandshakeTimeout bounds how long a peer connection waits for
	// the remote's handshake (spec §5, 30s).
	HandshakeTimeout time.Duration

	// TrackerTimeout bounds a single tracker HTTP round-trip (spec
	// §5, 30s).
	TrackerTimeout time.Duration

	// DialRatePerSec paces outgoing TCP connection attempts so a
	// freshly refilled peer queue does not open hundreds of sockets
	// in the same instant.
	DialRatePerSec float64

	// ListenPort is the port this client advertises to the tracker.
	// It never actually listens (spec §4.5: pure leecher).
	ListenPort uint16
}

const (
	defaultMaxPeers       = 40
	defaultTrackerTimeout = 30 * time.Second
	defaultDialRate       = 20
	defaultListenPort     = 6881
)

func (c Config) withDefaults() Config {
	if c.MaxPeers == 0 {
		c.MaxPeers = defaultMaxPeers
	}
	if c.BlockSize == 0 {
		c.BlockSize = piecemgr.BlockSize
	}
	if c.PendingTimeout == 0 {
		c.PendingTimeout = piecemgr.PendingTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = peerconn.HandshakeTimeout
	}
	if c.TrackerTimeout == 0 {
		c.TrackerTimeout = defaultTrackerTimeout
	}
	if c.DialRatePerSec == 0 {
		c.DialRatePerSec = defaultDialRate
	}
	if c.ListenPort == 0 {
		c.ListenPort = defaultListenPort
	}
	return c
}
