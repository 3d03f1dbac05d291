// Package piecemgr owns the download plan for a single-file torrent:
// which pieces exist, which blocks within each piece are missing,
// pending, or retrieved, the pending-request ledger used to recycle
// abandoned requests, and the output file they are assembled into.
package piecemgr

import (
	"bytes"
	"crypto/sha1"
	"os"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/stupidafcoder/leechgo/internal/bitfield"
	"github.com/stupidafcoder/leechgo/internal/metainfo"
)

// BlockSize is the fixed wire transfer unit (spec §3): 16 KiB.
const BlockSize = 16 * 1024

// PendingTimeout is how long a requested-but-unreturned block is
// held against a peer before the next selection recycles it back to
// Missing (spec §3 Pending Request Ledger, §5 Timeouts).
const PendingTimeout = 5 * time.Second

// ErrFileIO is the sentinel behind output file failures (spec's
// FileIOError); it is fatal to the session.
var ErrFileIO = errors.New("output file I/O error")

// ErrUnexpectedBlock is returned when a peer delivers a block that
// does not fit this torrent's layout. A block for a piece already
// Complete is dropped without an error. It is not protocol-fatal:
// the caller logs it and moves on, per spec §4.5's handling of a
// piece message.
var ErrUnexpectedBlock = errors.New("unexpected block")

type blockState int

const (
	blockMissing blockState = iota
	blockPending
	blockRetrieved
)

type block struct {
	offset int
	length int
	state  blockState
	data   []byte
}

type piece struct {
	index  int
	hash   [20]byte
	blocks []block
	done   bool
}

func newPiece(index int, hash [20]byte, length int64, blockSize int) *piece {
	n := int((length + int64(blockSize) - 1) / int64(blockSize))
	if length == 0 {
		n = 0
	}
	blocks := make([]block, n)
	for i := range blocks {
		offset := i * blockSize
		l := blockSize
		if int64(offset+l) > length {
			l = int(length) - offset
		}
		blocks[i] = block{offset: offset, length: l, state: blockMissing}
	}
	return &piece{index: index, hash: hash, blocks: blocks}
}

func (p *piece) concat() []byte {
	total := 0
	if len(p.blocks) > 0 {
		last := p.blocks[len(p.blocks)-1]
		total = last.offset + last.length
	}
	buf := make([]byte, total)
	for _, b := range p.blocks {
		copy(buf[b.offset:], b.data)
	}
	return buf
}

func (p *piece) resetToMissing() {
	for i := range p.blocks {
		p.blocks[i].state = blockMissing
		p.blocks[i].data = nil
	}
}

type pendingKey struct {
	piece  int
	offset int
}

type pendingEntry struct {
	peerID   string
	issuedAt time.Time
}

// Request is a block assignment handed to a peer connection.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// Manager owns the whole download plan. Every exported method that
// touches piece or peer state locks internally, and Complete,
// Downloaded and Left read atomic counters, so the same Manager is
// safe to call concurrently from every peer connection's goroutine; spec §5 requires each operation
// to be atomic from the perspective of other tasks, and a mutex is
// the Go-idiomatic way to provide that without a single-threaded
// runtime (cf. the pack's LocalStore in
// uber-kraken/tracker/peerstore/local.go).
type Manager struct {
	log *zap.SugaredLogger
	clk clock.Clock

	blockSize      int
	pendingTimeout time.Duration

	mu      sync.Mutex
	pieces  []*piece
	peers   map[string]bitfield.Bitfield
	pending map[pendingKey]pendingEntry
	numDone int

	downloaded atomic.Int64
	complete   atomic.Bool

	totalLength int64
	pieceLength int64
	out         *os.File
}

// Options configures a Manager's tunables. A zero Options uses the
// spec §5 defaults: 16 KiB blocks, a 5s pending-request timeout, the
// real wall clock, and a no-op logger.
type Options struct {
	BlockSize      int
	PendingTimeout time.Duration
	Clock          clock.Clock
	Log            *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.BlockSize == 0 {
		o.BlockSize = BlockSize
	}
	if o.PendingTimeout == 0 {
		o.PendingTimeout = PendingTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	return o
}

// New builds a Manager for m, writing the completed file to outPath.
func New(m *metainfo.Metainfo, outPath string, opts Options) (*Manager, error) {
	opts = opts.withDefaults()

	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(ErrFileIO, err.Error())
	}
	if err := f.Truncate(m.Length); err != nil {
		f.Close()
		return nil, errors.Wrap(ErrFileIO, err.Error())
	}

	pieces := make([]*piece, m.NumPieces())
	for i := range pieces {
		pieces[i] = newPiece(i, m.PieceHashes[i], m.PieceLen(i), opts.BlockSize)
	}

	mgr := &Manager{
		log:            opts.Log.With("component", "piece_manager"),
		clk:            opts.Clock,
		blockSize:      opts.BlockSize,
		pendingTimeout: opts.PendingTimeout,
		pieces:         pieces,
		peers:          make(map[string]bitfield.Bitfield),
		pending:        make(map[pendingKey]pendingEntry),
		totalLength:    m.Length,
		pieceLength:    m.PieceLength,
		out:            f,
	}
	mgr.log.Infow("piece manager ready",
		"pieces", len(pieces),
		"total_length", datasize.ByteSize(m.Length).HumanReadable(),
		"piece_length", datasize.ByteSize(m.PieceLength).HumanReadable(),
	)
	if len(pieces) == 0 {
		mgr.complete.Store(true)
		f.Close()
	}
	return mgr, nil
}

func peerKey(peerID [20]byte) string { return string(peerID[:]) }

// NumPieces reports the number of pieces in the torrent.
func (m *Manager) NumPieces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pieces)
}

// AddPeer records peer's claimed bitfield, replacing any previously
// stored bitfield for the same peer-id.
func (m *Manager) AddPeer(peerID [20]byte, bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peerKey(peerID)] = bf.Clone()
}

// UpdatePeer sets bit index in peer's bitfield (spec's "have"
// handling), allocating an empty bitfield first if this is the
// peer's first claim.
func (m *Manager) UpdatePeer(peerID [20]byte, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := peerKey(peerID)
	bf, ok := m.peers[key]
	if !ok {
		bf = bitfield.New(len(m.pieces))
		m.peers[key] = bf
	}
	bf.SetPiece(index)
}

// RemovePeer drops peer and recycles every block pending on it back
// to Missing.
func (m *Manager) RemovePeer(peerID [20]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := peerKey(peerID)
	delete(m.peers, key)
	for k, entry := range m.pending {
		if entry.peerID == key {
			m.recycleLocked(k)
		}
	}
}

func (m *Manager) recycleLocked(k pendingKey) {
	delete(m.pending, k)
	if k.piece < 0 || k.piece >= len(m.pieces) {
		return
	}
	p := m.pieces[k.piece]
	for i := range p.blocks {
		if p.blocks[i].offset == k.offset {
			p.blocks[i].state = blockMissing
			p.blocks[i].data = nil
			return
		}
	}
}

func (m *Manager) sweepExpiredLocked() {
	now := m.clk.Now()
	for k, entry := range m.pending {
		if now.Sub(entry.issuedAt) > m.pendingTimeout {
			m.recycleLocked(k)
		}
	}
}

// NextRequest implements the selection policy of spec §4.6:
// sequential scan for the lowest-indexed incomplete piece the peer
// claims to have, lowest-offset Missing block within it. Returns
// false if no eligible block exists for this peer right now.
func (m *Manager) NextRequest(peerID [20]byte) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepExpiredLocked()

	key := peerKey(peerID)
	bf := m.peers[key]
	for _, p := range m.pieces {
		if p.done {
			continue
		}
		if bf == nil || !bf.HasPiece(p.index) {
			continue
		}
		for i := range p.blocks {
			if p.blocks[i].state != blockMissing {
				continue
			}
			p.blocks[i].state = blockPending
			pk := pendingKey{piece: p.index, offset: p.blocks[i].offset}
			m.pending[pk] = pendingEntry{peerID: key, issuedAt: m.clk.Now()}
			return Request{Index: p.index, Begin: p.blocks[i].offset, Length: p.blocks[i].length}, true
		}
	}
	return Request{}, false
}

// BlockReceived validates and stores a delivered block. When it
// completes a piece, the piece is hashed and, on match, flushed to
// the output file; on mismatch every block of that piece resets to
// Missing and the piece re-enters the work set (spec §4.6).
func (m *Manager) BlockReceived(peerID [20]byte, index, begin int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return errors.Wrapf(ErrUnexpectedBlock, "piece index %d out of range", index)
	}
	p := m.pieces[index]
	key := pendingKey{piece: index, offset: begin}
	if p.done {
		delete(m.pending, key)
		return nil
	}

	found := false
	for i := range p.blocks {
		if p.blocks[i].offset != begin {
			continue
		}
		if len(data) != p.blocks[i].length {
			// Reject and recycle: the block stays Pending with no
			// ledger entry otherwise, and neither the sweep nor
			// selection can ever touch it again.
			m.recycleLocked(key)
			return errors.Wrapf(ErrUnexpectedBlock,
				"piece %d offset %d: expected %d bytes, got %d", index, begin, p.blocks[i].length, len(data))
		}
		delete(m.pending, key)
		p.blocks[i].data = append([]byte(nil), data...)
		p.blocks[i].state = blockRetrieved
		found = true
		break
	}
	if !found {
		m.recycleLocked(key)
		return errors.Wrapf(ErrUnexpectedBlock, "piece %d has no block at offset %d", index, begin)
	}

	for i := range p.blocks {
		if p.blocks[i].state != blockRetrieved {
			return nil
		}
	}
	return m.verifyAndWriteLocked(p)
}

func (m *Manager) verifyAndWriteLocked(p *piece) error {
	payload := p.concat()
	sum := sha1.Sum(payload)
	if !bytes.Equal(sum[:], p.hash[:]) {
		m.log.Warnw("piece hash mismatch, refetching", "piece", p.index)
		p.resetToMissing()
		return nil
	}

	offset := int64(p.index) * m.pieceLength
	if _, err := m.out.WriteAt(payload, offset); err != nil {
		return errors.Wrap(ErrFileIO, err.Error())
	}

	p.done = true
	p.blocks = nil // release the in-memory buffer once flushed
	m.numDone++
	m.downloaded.Add(int64(len(payload)))
	m.log.Infow("piece complete", "piece", p.index, "done", m.numDone, "total", len(m.pieces))

	if m.numDone == len(m.pieces) {
		m.complete.Store(true)
		if err := m.out.Close(); err != nil {
			return errors.Wrap(ErrFileIO, err.Error())
		}
		m.log.Infow("download complete", "bytes", datasize.ByteSize(m.downloaded.Load()).HumanReadable())
	}
	return nil
}

// Complete reports whether every piece has been verified and
// flushed.
func (m *Manager) Complete() bool { return m.complete.Load() }

// PiecesComplete is the number of pieces verified and flushed so far.
func (m *Manager) PiecesComplete() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numDone
}

// Downloaded is the cumulative number of verified bytes, used for
// the tracker's "downloaded" parameter and progress reporting.
func (m *Manager) Downloaded() int64 { return m.downloaded.Load() }

// Left is the tracker's "left" parameter.
func (m *Manager) Left() int64 {
	return m.totalLength - m.downloaded.Load()
}
