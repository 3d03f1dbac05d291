package wire

import (
	"github.com/pkg/errors"
)

// ErrProtocol is the sentinel behind every wire-level decode or
// handshake failure (spec's PeerProtocolError).
var ErrProtocol = errors.New("peer protocol error")

func errWrongID(want, got ID) error {
	return errors.Wrapf(ErrProtocol, "expected %s message, got %s", want, got)
}

func errShortPayload(id ID, want, got int) error {
	return errors.Wrapf(ErrProtocol, "%s payload too short: want at least %d bytes, got %d", id, want, got)
}
