package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Parse consumes as many complete frames as are present at the head
// of buf, returning the decoded messages and the residual
// (incomplete-frame) tail. It never blocks and never mutates buf; it
// is safe to call repeatedly as more bytes arrive, and splitting the
// same overall byte stream at any boundary across multiple calls
// yields the same messages as parsing it in one call.
func Parse(buf []byte) (msgs []Message, rest []byte, err error) {
	for {
		if len(buf) < 4 {
			return msgs, buf, nil
		}
		length := binary.BigEndian.Uint32(buf[0:4])
		if length == 0 {
			msgs = append(msgs, Message{ID: KeepAlive})
			buf = buf[4:]
			continue
		}
		if uint64(len(buf)) < 4+uint64(length) {
			return msgs, buf, nil
		}
		frame := buf[4 : 4+length]
		id := ID(frame[0])
		payload := frame[1:]
		// Own the payload: buf's backing array will be reused or
		// dropped by the caller once this frame advances. An empty
		// payload stays nil, as Simple builds it.
		var owned []byte
		if len(payload) > 0 {
			owned = make([]byte, len(payload))
			copy(owned, payload)
		}
		if !isKnownID(id) {
			msgs = append(msgs, Message{ID: Unknown, Payload: owned})
		} else {
			msgs = append(msgs, Message{ID: id, Payload: owned})
		}
		buf = buf[4+length:]
	}
}

func isKnownID(id ID) bool {
	switch id {
	case Choke, Unchoke, Interested, NotInterested, Have, Bitfield, Request, Piece, Cancel, Port:
		return true
	default:
		return false
	}
}

// StreamReader incrementally decodes messages off an io.Reader,
// buffering partial frames across reads. It is restartable: Next may
// be called any number of times, each time blocking on the
// underlying reader only if no complete frame is already buffered.
type StreamReader struct {
	r       io.Reader
	buf     []byte
	tmp     []byte
	pending []Message
	err     error
}

// NewStreamReader wraps r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r, tmp: make([]byte, 32*1024)}
}

// Next returns the next decoded message, reading from the underlying
// reader as needed.
func (s *StreamReader) Next() (Message, error) {
	if len(s.pending) > 0 {
		m := s.pending[0]
		s.pending = s.pending[1:]
		return m, nil
	}
	if s.err != nil {
		return Message{}, s.err
	}
	for {
		msgs, rest, err := Parse(s.buf)
		if err != nil {
			return Message{}, err
		}
		if len(msgs) > 0 {
			s.buf = rest
			if len(msgs) > 1 {
				// Stash extras by prepending their re-serialized
				// form is wasteful; instead keep them in a small
				// pending queue.
				s.pending = append(s.pending, msgs[1:]...)
			}
			return msgs[0], nil
		}
		s.buf = rest

		n, rerr := s.r.Read(s.tmp)
		if n > 0 {
			s.buf = append(s.buf, s.tmp[:n]...)
		}
		if rerr != nil {
			// A terminal error can arrive together with the last
			// complete frame(s) in the same Read; re-parse before
			// surfacing it so those frames aren't dropped. Any
			// remaining error is remembered and returned once the
			// buffered frames are drained.
			msgs, rest, perr := Parse(s.buf)
			if perr != nil {
				return Message{}, perr
			}
			s.buf = rest
			s.err = errors.Wrap(rerr, "reading from peer")
			if len(msgs) > 0 {
				if len(msgs) > 1 {
					s.pending = append(s.pending, msgs[1:]...)
				}
				return msgs[0], nil
			}
			return Message{}, s.err
		}
	}
}
