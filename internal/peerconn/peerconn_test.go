package peerconn

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupidafcoder/leechgo/internal/metainfo"
	"github.com/stupidafcoder/leechgo/internal/piecemgr"
	"github.com/stupidafcoder/leechgo/internal/wire"
)

// threeByThreeZeroTorrent builds the scenario from spec §8 test 4: a
// 3-piece, 3-block-per-piece, all-zeros torrent.
func threeByThreeZeroTorrent(t *testing.T) *metainfo.Metainfo {
	t.Helper()
	pieceLen := int64(piecemgr.BlockSize * 3)
	data := make([]byte, pieceLen)
	hash := sha1.Sum(data)
	return &metainfo.Metainfo{
		Announce:    "http://example.invalid/announce",
		PieceHashes: [][20]byte{hash, hash, hash},
		PieceLength: pieceLen,
		Length:      pieceLen * 3,
		Name:        "zeros.bin",
	}
}

// runStubPeer accepts one connection, completes the handshake,
// announces a full bitfield, unchokes immediately, and answers every
// request with a zero-filled piece message. It returns the number of
// requests it served.
func runStubPeer(t *testing.T, ln net.Listener, infoHash [20]byte, numPieces int) *int32 {
	t.Helper()
	var requests int32

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hs, err := wire.ReadHandshake(conn)
		if err != nil || hs.InfoHash != infoHash {
			return
		}
		var stubID [20]byte
		copy(stubID[:], "-ST0001-stubpeer0001"[:20])
		if _, err := conn.Write(wire.NewHandshake(infoHash, stubID).Serialize()); err != nil {
			return
		}

		full := make([]byte, (numPieces+7)/8)
		for i := 0; i < numPieces; i++ {
			full[i/8] |= 1 << (7 - uint(i%8))
		}
		if _, err := conn.Write(wire.NewBitfieldMsg(full).Serialize()); err != nil {
			return
		}
		if _, err := conn.Write(wire.Simple(wire.Unchoke).Serialize()); err != nil {
			return
		}

		sr := wire.NewStreamReader(conn)
		for {
			msg, err := sr.Next()
			if err != nil {
				return
			}
			switch msg.ID {
			case wire.Request:
				req, err := wire.ParseRequest(msg)
				if err != nil {
					return
				}
				atomic.AddInt32(&requests, 1)
				payload := append([]byte{}, msg.Payload[:8]...)
				payload = append(payload, make([]byte, req.Length)...)
				piece := wire.Message{ID: wire.Piece, Payload: payload}
				if _, err := conn.Write(piece.Serialize()); err != nil {
					return
				}
			case wire.Interested, wire.NotInterested, wire.KeepAlive:
				// ignore
			default:
				return
			}
		}
	}()

	return &requests
}

func TestRequestPieceExchangeDrivesToCompletion(t *testing.T) {
	m := threeByThreeZeroTorrent(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	requests := runStubPeer(t, ln, m.InfoHash, m.NumPieces())

	dir := t.TempDir()
	outPath := filepath.Join(dir, m.Name)
	mgr, err := piecemgr.New(m, outPath, piecemgr.Options{})
	require.NoError(t, err)

	var ourID [20]byte
	copy(ourID[:], "-PC0001-000000000000"[:20])

	conn := New(ln.Addr().String(), m.InfoHash, ourID, mgr, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !mgr.Complete() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for download to complete")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	assert.Equal(t, int32(9), atomic.LoadInt32(requests))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	want := make([]byte, 9*piecemgr.BlockSize)
	assert.True(t, bytes.Equal(want, got))
}
