package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

const protocolString = "BitTorrent protocol"

// HandshakeLen is the fixed handshake frame size: 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 1 + len(protocolString) + 8 + 20 + 20

// Handshake is the fixed 68-byte peer-protocol preamble.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake to send.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes the fixed handshake frame.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	cursor := 0
	buf[cursor] = byte(len(protocolString))
	cursor++
	cursor += copy(buf[cursor:], protocolString)
	cursor += 8 // reserved, zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads exactly HandshakeLen bytes from r and validates
// the protocol string. It does not validate the info-hash against a
// session; callers compare InfoHash themselves so the error can
// report both sides.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, errors.Wrap(ErrProtocol, "reading handshake: "+err.Error())
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolString) {
		return Handshake{}, errors.Wrapf(ErrProtocol, "unexpected protocol string length %d", pstrlen)
	}
	if !bytes.Equal(buf[1:1+pstrlen], []byte(protocolString)) {
		return Handshake{}, errors.Wrapf(ErrProtocol, "unexpected protocol string %q", buf[1:1+pstrlen])
	}
	var h Handshake
	cursor := 1 + pstrlen + 8
	copy(h.InfoHash[:], buf[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], buf[cursor:cursor+20])
	return h, nil
}
