// Package wire implements the BitTorrent peer wire protocol: the
// fixed handshake, the length-prefixed message framing, and a
// restartable stream parser that turns a growing byte buffer into a
// sequence of typed messages.
package wire

import (
	"encoding/binary"
)

// ID identifies a peer message type.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9

	// Unknown tags a message whose id this client does not
	// recognize; it is decoded, not fatal, and skipped.
	Unknown ID = 255

	// KeepAlive has no id on the wire (it is the zero-length
	// frame); this id exists only so callers can switch on it like
	// any other message.
	KeepAlive ID = 254
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case KeepAlive:
		return "keep_alive"
	default:
		return "unknown"
	}
}

// Message is one framed peer-protocol message. KeepAlive messages
// have ID == KeepAlive and a nil Payload.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m as <length:4><id:1><payload>, or a zero-length
// frame for keep-alive.
func (m Message) Serialize() []byte {
	if m.ID == KeepAlive {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// NewHave builds a have(index) message.
func NewHave(index int) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return Message{ID: Have, Payload: payload}
}

// NewRequest builds a request(index, begin, length) message.
func NewRequest(index, begin, length int) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return Message{ID: Request, Payload: payload}
}

// NewCancel builds a cancel(index, begin, length) message.
func NewCancel(index, begin, length int) Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// NewBitfieldMsg wraps a raw bitfield payload as a bitfield message.
func NewBitfieldMsg(payload []byte) Message {
	return Message{ID: Bitfield, Payload: payload}
}

// Simple builds a payload-less message: choke, unchoke, interested,
// or not-interested.
func Simple(id ID) Message {
	return Message{ID: id}
}

// RequestPayload is the parsed payload of a request or cancel
// message.
type RequestPayload struct {
	Index, Begin, Length int
}

// ParseRequest decodes a request or cancel message's payload.
func ParseRequest(m Message) (RequestPayload, error) {
	if len(m.Payload) != 12 {
		return RequestPayload{}, errShortPayload(m.ID, 12, len(m.Payload))
	}
	return RequestPayload{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}

// ParseHave decodes a have message's payload.
func ParseHave(m Message) (int, error) {
	if m.ID != Have {
		return 0, errWrongID(Have, m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, errShortPayload(m.ID, 4, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// PiecePayload is the parsed header of a piece message; Block is a
// sub-slice of the original message payload, not a copy.
type PiecePayload struct {
	Index, Begin int
	Block        []byte
}

// ParsePiece decodes a piece message's payload.
func ParsePiece(m Message) (PiecePayload, error) {
	if m.ID != Piece {
		return PiecePayload{}, errWrongID(Piece, m.ID)
	}
	if len(m.Payload) < 8 {
		return PiecePayload{}, errShortPayload(m.ID, 8, len(m.Payload))
	}
	return PiecePayload{
		Index: int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Block: m.Payload[8:],
	}, nil
}
