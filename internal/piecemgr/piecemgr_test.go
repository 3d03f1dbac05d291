package piecemgr

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupidafcoder/leechgo/internal/bitfield"
	"github.com/stupidafcoder/leechgo/internal/metainfo"
)

func peerID(b byte) [20]byte {
	var id [20]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func allOnes(numPieces int) bitfield.Bitfield {
	bf := bitfield.New(numPieces)
	for i := 0; i < numPieces; i++ {
		bf.SetPiece(i)
	}
	return bf
}

// threePieceMetainfo builds a 3-piece torrent: pieces 0 and 1 are
// BlockSize*2 bytes (two blocks) filled with 0x01 and 0x02, and the
// last piece is a single short block of BlockSize/2 bytes of 0xAB.
func threePieceMetainfo(t *testing.T) (*metainfo.Metainfo, [][]byte) {
	t.Helper()
	pieceLen := int64(BlockSize * 2)
	var pieces [][]byte
	var hashes [][20]byte
	for i := 0; i < 2; i++ {
		data := make([]byte, pieceLen)
		for j := range data {
			data[j] = byte(i + 1)
		}
		pieces = append(pieces, data)
		h := sha1.Sum(data)
		hashes = append(hashes, h)
	}
	// last piece is short: one block only.
	last := make([]byte, BlockSize/2)
	for j := range last {
		last[j] = 0xAB
	}
	pieces = append(pieces, last)
	hashes = append(hashes, sha1.Sum(last))

	total := int64(0)
	for _, p := range pieces {
		total += int64(len(p))
	}

	m := &metainfo.Metainfo{
		Announce:    "http://example.invalid/announce",
		PieceHashes: hashes,
		PieceLength: pieceLen,
		Length:      total,
		Name:        "zeros.bin",
	}
	return m, pieces
}

func blocksOf(data []byte) [][]byte {
	var out [][]byte
	for off := 0; off < len(data); off += BlockSize {
		end := off + BlockSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

func newTestManager(t *testing.T, m *metainfo.Metainfo, clk clock.Clock) *Manager {
	t.Helper()
	dir := t.TempDir()
	mgr, err := New(m, filepath.Join(dir, m.Name), Options{Clock: clk})
	require.NoError(t, err)
	return mgr
}

func TestSequentialDownloadToCompletion(t *testing.T) {
	m, pieces := threePieceMetainfo(t)
	mgr := newTestManager(t, m, nil)

	peer := peerID(1)
	mgr.AddPeer(peer, allOnes(m.NumPieces()))

	requests := 0
	for !mgr.Complete() {
		req, ok := mgr.NextRequest(peer)
		require.True(t, ok, "expected a request while incomplete")
		requests++
		block := blocksOf(pieces[req.Index])[req.Begin/BlockSize]
		require.Equal(t, req.Length, len(block))
		require.NoError(t, mgr.BlockReceived(peer, req.Index, req.Begin, block))
	}
	assert.Equal(t, 5, requests) // 2 + 2 + 1 blocks across three pieces

	out := filepath.Join(t.TempDir(), "unused")
	_ = out
	assert.Equal(t, int64(len(pieces[0])+len(pieces[1])+len(pieces[2])), mgr.Downloaded())
	assert.Equal(t, int64(0), mgr.Left())
}

func TestRemovePeerRecyclesPendingBlocksToAnotherPeer(t *testing.T) {
	m, _ := threePieceMetainfo(t)
	mgr := newTestManager(t, m, nil)

	slow := peerID(1)
	fast := peerID(2)
	mgr.AddPeer(slow, allOnes(m.NumPieces()))
	mgr.AddPeer(fast, allOnes(m.NumPieces()))

	req1, ok := mgr.NextRequest(slow)
	require.True(t, ok)
	req2, ok := mgr.NextRequest(slow)
	require.True(t, ok)

	mgr.RemovePeer(slow)

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		req, ok := mgr.NextRequest(fast)
		require.True(t, ok)
		seen[req.Begin] = true
	}
	assert.True(t, seen[req1.Begin])
	assert.True(t, seen[req2.Begin])
}

func TestPendingRequestExpiresAndIsReissued(t *testing.T) {
	m, _ := threePieceMetainfo(t)
	clk := clock.NewMock()
	mgr := newTestManager(t, m, clk)

	p1 := peerID(1)
	p2 := peerID(2)
	mgr.AddPeer(p1, allOnes(m.NumPieces()))
	mgr.AddPeer(p2, allOnes(m.NumPieces()))

	req, ok := mgr.NextRequest(p1)
	require.True(t, ok)

	// Before the timeout, the block is still Pending: p2 gets the
	// next block in line, not the same one.
	next, ok := mgr.NextRequest(p2)
	require.True(t, ok)
	assert.NotEqual(t, req, next)

	clk.Add(PendingTimeout + time.Millisecond)

	reissued, ok := mgr.NextRequest(p2)
	require.True(t, ok)
	assert.Equal(t, req, reissued)
}

func TestHashMismatchResetsPieceForRefetch(t *testing.T) {
	m, pieces := threePieceMetainfo(t)
	mgr := newTestManager(t, m, nil)

	peer := peerID(1)
	mgr.AddPeer(peer, allOnes(m.NumPieces()))

	req, ok := mgr.NextRequest(peer)
	require.True(t, ok)
	require.Equal(t, 0, req.Index)

	garbage := make([]byte, req.Length)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	require.NoError(t, mgr.BlockReceived(peer, req.Index, req.Begin, garbage))

	req2, ok := mgr.NextRequest(peer)
	require.True(t, ok)
	require.Equal(t, 0, req2.Index)
	garbage2 := make([]byte, req2.Length)
	for i := range garbage2 {
		garbage2[i] = 0xFF
	}
	require.NoError(t, mgr.BlockReceived(peer, req2.Index, req2.Begin, garbage2))

	// Piece 0 now has every block Retrieved but with the wrong
	// content; the digest check must fail and reset it.
	assert.False(t, mgr.Complete())

	// Piece 0 is selectable again from the start.
	req3, ok := mgr.NextRequest(peer)
	require.True(t, ok)
	assert.Equal(t, 0, req3.Index)
	assert.Equal(t, 0, req3.Begin)

	blocks := blocksOf(pieces[0])
	require.NoError(t, mgr.BlockReceived(peer, 0, 0, blocks[0]))
	req4, ok := mgr.NextRequest(peer)
	require.True(t, ok)
	require.NoError(t, mgr.BlockReceived(peer, 0, req4.Begin, blocks[1]))
}

func TestBlockReceivedRejectsWrongLength(t *testing.T) {
	m, _ := threePieceMetainfo(t)
	mgr := newTestManager(t, m, nil)
	peer := peerID(1)
	mgr.AddPeer(peer, allOnes(m.NumPieces()))

	req, ok := mgr.NextRequest(peer)
	require.True(t, ok)

	err := mgr.BlockReceived(peer, req.Index, req.Begin, make([]byte, req.Length+1))
	assert.ErrorIs(t, err, ErrUnexpectedBlock)
}

func TestEmptyTorrentIsImmediatelyComplete(t *testing.T) {
	m := &metainfo.Metainfo{
		Announce:    "http://example.invalid/announce",
		PieceHashes: nil,
		PieceLength: BlockSize,
		Length:      0,
		Name:        "empty.bin",
	}
	mgr := newTestManager(t, m, nil)
	assert.True(t, mgr.Complete())
}

func TestOutputFileHasExpectedSize(t *testing.T) {
	m, _ := threePieceMetainfo(t)
	dir := t.TempDir()
	path := filepath.Join(dir, m.Name)
	_, err := New(m, path, Options{})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, m.Length, info.Size())
}
