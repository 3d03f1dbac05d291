package client

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupidafcoder/leechgo/internal/bencode"
	"github.com/stupidafcoder/leechgo/internal/metainfo"
	"github.com/stupidafcoder/leechgo/internal/wire"
)

// runStubPeer accepts connections until the listener is closed; on
// each one it handshakes, claims every piece, unchokes, and answers
// every request with a zero-filled block. It never closes a
// connection on its own -- the session shuts itself down once the
// download completes.
func runStubPeer(t *testing.T, infoHash [20]byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				hs, err := wire.ReadHandshake(conn)
				if err != nil || hs.InfoHash != infoHash {
					return
				}
				var stubID [20]byte
				copy(stubID[:], "-ST0001-stubpeer0001")
				if _, err := conn.Write(wire.NewHandshake(infoHash, stubID).Serialize()); err != nil {
					return
				}
				if _, err := conn.Write(wire.NewBitfieldMsg([]byte{0x80}).Serialize()); err != nil {
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
					if msg.ID != wire.Request {
						continue
					}
					req, err := wire.ParseRequest(msg)
					if err != nil {
						return
					}
					payload := append([]byte{}, msg.Payload[:8]...)
					payload = append(payload, make([]byte, req.Length)...)
					piece := wire.Message{ID: wire.Piece, Payload: payload}
					if _, err := conn.Write(piece.Serialize()); err != nil {
						return
					}
				}
			}()
		}
	}()

	return ln
}

// runStubTracker serves a single-peer compact announce response
// pointing at peerAddr, with a short interval so the test doesn't
// wait long for the periodic re-announce that notices completion.
func runStubTracker(t *testing.T, peerAddr *net.TCPAddr) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer := make([]byte, 6)
		copy(peer[0:4], peerAddr.IP.To4())
		binary.BigEndian.PutUint16(peer[4:6], uint16(peerAddr.Port))
		resp := bencode.Dict(map[string]bencode.Value{
			"interval": bencode.Int(1),
			"peers":    bencode.String(peer),
		})
		w.Write(bencode.Encode(resp))
	}))
}

func singleBlockMetainfo(announce string) *metainfo.Metainfo {
	data := make([]byte, 1024)
	hash := sha1.Sum(data)
	return &metainfo.Metainfo{
		Announce:    announce,
		PieceHashes: [][20]byte{hash},
		PieceLength: 1024,
		Length:      1024,
		Name:        "zeros.bin",
	}
}

func TestSessionDownloadsAndShutsDownOnCompletion(t *testing.T) {
	// Build the metainfo first so its info-hash is known to both
	// stubs, matching how a real handshake validates it.
	m := singleBlockMetainfo("placeholder")
	ln := runStubPeer(t, m.InfoHash)
	defer ln.Close()

	srv := runStubTracker(t, ln.Addr().(*net.TCPAddr))
	defer srv.Close()
	m.Announce = srv.URL

	outDir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := Start(ctx, m, outDir, Config{MaxPeers: 2, DialRatePerSec: 100}, nil)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.Wait() }()

	select {
	case err := <-waitErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not shut down after completion")
	}

	assert.True(t, c.Complete())
	got, err := os.ReadFile(filepath.Join(outDir, m.Name))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 1024), got)
}
