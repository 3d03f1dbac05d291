// Package peerconn implements one remote peer connection: the
// handshake, the Active-state message loop, and the request pump
// that pulls block assignments from a piece manager and feeds
// received blocks back to it. Every Conn is a pure leecher (spec
// §4.5 Policy): it sends only handshake, interested, and request.
package peerconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stupidafcoder/leechgo/internal/bitfield"
	"github.com/stupidafcoder/leechgo/internal/piecemgr"
	"github.com/stupidafcoder/leechgo/internal/wire"
)

// ErrPeerIO wraps transport-level failures: dial failure, TCP reset,
// read/write timeout (spec's PeerIOError). Like wire.ErrProtocol, it
// never propagates past Run; callers only see Run's return value for
// logging (spec §7: peer-level errors never cross the Peer
// Connection boundary).
var ErrPeerIO = errors.New("peer I/O error")

// HandshakeTimeout bounds how long Run waits for the remote's
// handshake before giving up (spec §5 Timeouts).
const HandshakeTimeout = 30 * time.Second

// requestPumpInterval is how often the Active loop retries the
// request pump when no message has arrived recently -- e.g. right
// after a peer unchokes us with nothing else to say.
const requestPumpInterval = 200 * time.Millisecond

// Conn drives a single remote peer through Connecting →
// HandshakeSent → HandshakeReceived → Active → Closed (spec §4.5).
type Conn struct {
	addr     string
	dialer   net.Dialer
	infoHash [20]byte
	ourID    [20]byte

	mgr              *piecemgr.Manager
	log              *zap.SugaredLogger
	clk              clock.Clock
	handshakeTimeout time.Duration

	conn   net.Conn
	peerID [20]byte
	bf     bitfield.Bitfield

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	inFlight *piecemgr.Request
}

// Options configures a Conn's tunables. A zero Options uses the
// spec §5 default 30s handshake timeout, the real wall clock, and a
// no-op logger.
type Options struct {
	HandshakeTimeout time.Duration
	Clock            clock.Clock
	Log              *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = HandshakeTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	return o
}

// New builds a Conn that will dial addr when Run is called.
func New(addr string, infoHash, ourID [20]byte, mgr *piecemgr.Manager, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		addr:             addr,
		infoHash:         infoHash,
		ourID:            ourID,
		mgr:              mgr,
		log:              opts.Log,
		clk:              opts.Clock,
		handshakeTimeout: opts.HandshakeTimeout,
		amChoking:        true,
		peerChoking:      true,
	}
}

// Run executes the full state machine. It blocks until the
// connection closes -- by error, by the remote, or because ctx is
// canceled -- and always unwinds by closing the socket and releasing
// any block this peer held back to Missing (spec §5 Cancellation).
func (c *Conn) Run(ctx context.Context) error {
	defer c.releasePeer()

	if err := c.connect(ctx); err != nil {
		return err
	}
	defer c.conn.Close()

	if err := c.handshake(); err != nil {
		return err
	}
	c.log = c.log.With("peer", fmt.Sprintf("%x", c.peerID))

	c.bf = bitfield.New(c.mgr.NumPieces())
	c.mgr.AddPeer(c.peerID, c.bf)

	if err := c.sendInterested(); err != nil {
		return err
	}

	return c.runActive(ctx)
}

func (c *Conn) releasePeer() {
	var zero [20]byte
	if c.peerID != zero {
		c.mgr.RemovePeer(c.peerID)
	}
}

func (c *Conn) connect(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errors.Wrapf(ErrPeerIO, "dial %s: %v", c.addr, err)
	}
	c.conn = conn
	return nil
}

func (c *Conn) handshake() error {
	c.conn.SetDeadline(time.Now().Add(c.handshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(wire.NewHandshake(c.infoHash, c.ourID).Serialize()); err != nil {
		return errors.Wrap(ErrPeerIO, "sending handshake: "+err.Error())
	}

	hs, err := wire.ReadHandshake(c.conn)
	if err != nil {
		return err
	}
	if hs.InfoHash != c.infoHash {
		return errors.Wrapf(wire.ErrProtocol, "info-hash mismatch: got %x want %x", hs.InfoHash, c.infoHash)
	}
	c.peerID = hs.PeerID
	return nil
}

func (c *Conn) sendInterested() error {
	c.amInterested = true
	return c.send(wire.Simple(wire.Interested))
}

func (c *Conn) send(m wire.Message) error {
	if _, err := c.conn.Write(m.Serialize()); err != nil {
		return errors.Wrap(ErrPeerIO, "writing "+m.ID.String()+": "+err.Error())
	}
	return nil
}

// runActive drives the Active state: a reader goroutine decodes
// frames off the socket onto msgCh while the select loop below
// processes them and re-runs the request pump, all without holding
// the connection across a blocking read. ctx cancellation and read
// errors both end the loop; done tells the reader to stop retrying
// msgCh once the loop has returned.
func (c *Conn) runActive(ctx context.Context) error {
	msgCh := make(chan wire.Message, 16)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go c.readLoop(msgCh, errCh, done)
	defer close(done)

	ticker := c.clk.Ticker(requestPumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			if err := c.handleMessage(msg); err != nil {
				return err
			}
			if err := c.pumpRequest(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.pumpRequest(); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) readLoop(msgCh chan<- wire.Message, errCh chan<- error, done <-chan struct{}) {
	sr := wire.NewStreamReader(c.conn)
	for {
		msg, err := sr.Next()
		if err != nil {
			select {
			case errCh <- errors.Wrap(ErrPeerIO, err.Error()):
			case <-done:
			}
			return
		}
		select {
		case msgCh <- msg:
		case <-done:
			return
		}
	}
}

func (c *Conn) handleMessage(msg wire.Message) error {
	switch msg.ID {
	case wire.Bitfield:
		c.bf = bitfield.Bitfield(append([]byte(nil), msg.Payload...))
		c.mgr.AddPeer(c.peerID, c.bf)
	case wire.Have:
		idx, err := wire.ParseHave(msg)
		if err != nil {
			return err
		}
		c.bf.SetPiece(idx)
		c.mgr.UpdatePeer(c.peerID, idx)
	case wire.Choke:
		c.peerChoking = true
		c.inFlight = nil // the pending ledger entry recycles on its own timeout
	case wire.Unchoke:
		c.peerChoking = false
	case wire.Piece:
		p, err := wire.ParsePiece(msg)
		if err != nil {
			return err
		}
		c.inFlight = nil
		if err := c.mgr.BlockReceived(c.peerID, p.Index, p.Begin, p.Block); err != nil {
			c.log.Warnw("block rejected", "piece", p.Index, "begin", p.Begin, "error", err)
		}
	case wire.Request, wire.Cancel, wire.Interested, wire.NotInterested:
		c.log.Debugw("ignoring message, this client does not seed", "type", msg.ID.String())
	case wire.KeepAlive, wire.Port, wire.Unknown:
		// no-op
	}
	return nil
}

func (c *Conn) pumpRequest() error {
	if !c.amInterested || c.peerChoking || c.inFlight != nil {
		return nil
	}
	req, ok := c.mgr.NextRequest(c.peerID)
	if !ok {
		return nil
	}
	if err := c.send(wire.NewRequest(req.Index, req.Begin, req.Length)); err != nil {
		return err
	}
	c.inFlight = &req
	return nil
}
