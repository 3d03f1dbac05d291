// Package metainfo parses a single-file torrent descriptor: the
// bencoded dictionary with an "announce" URL and an "info"
// dictionary naming the file, its piece layout, and its SHA-1 piece
// hashes.
package metainfo

import (
	"crypto/sha1"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/stupidafcoder/leechgo/internal/bencode"
)

// ErrUnsupportedTorrent is returned for anything this core does not
// implement: multi-file torrents.
var ErrUnsupportedTorrent = errors.New("unsupported torrent")

// ErrMalformedMetainfo is returned when the decoded bencoding does
// not have the shape a single-file torrent descriptor requires.
var ErrMalformedMetainfo = errors.New("malformed metainfo")

const HashSize = 20

// Metainfo is immutable once parsed. InfoHash is computed over the
// exact bytes of the "info" sub-dictionary as seen on the wire, not
// over a re-encoding of the decoded tree, so it is stable even if
// the original encoder used a key order or integer style this
// package's own encoder would not reproduce.
type Metainfo struct {
	Announce    string
	InfoHash    [HashSize]byte
	PieceHashes [][HashSize]byte
	PieceLength int64
	Length      int64
	Name        string
}

// Parse reads a bencoded torrent descriptor from r.
func Parse(r io.Reader) (*Metainfo, error) {
	raw, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading metainfo")
	}
	return ParseBytes(raw)
}

// ParseBytes is Parse over an in-memory buffer.
func ParseBytes(raw []byte) (*Metainfo, error) {
	top, err := bencode.Decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decoding metainfo")
	}
	if top.Kind != bencode.KindDict {
		return nil, errors.Wrap(ErrMalformedMetainfo, "top-level value is not a dictionary")
	}

	announce, ok := top.Dict["announce"]
	if !ok || announce.Kind != bencode.KindString {
		return nil, errors.Wrap(ErrMalformedMetainfo, "missing or non-string \"announce\"")
	}

	info, ok := top.Dict["info"]
	if !ok || info.Kind != bencode.KindDict {
		return nil, errors.Wrap(ErrMalformedMetainfo, "missing or non-dictionary \"info\"")
	}

	if _, multiFile := info.Dict["files"]; multiFile {
		return nil, errors.Wrap(ErrUnsupportedTorrent, "multi-file torrents are not supported")
	}

	name, ok := info.Dict["name"]
	if !ok || name.Kind != bencode.KindString {
		return nil, errors.Wrap(ErrMalformedMetainfo, "missing or non-string \"info.name\"")
	}
	pieceLength, ok := info.Dict["piece length"]
	if !ok || pieceLength.Kind != bencode.KindInt || pieceLength.Int <= 0 {
		return nil, errors.Wrap(ErrMalformedMetainfo, "missing or invalid \"info.piece length\"")
	}
	length, ok := info.Dict["length"]
	if !ok || length.Kind != bencode.KindInt || length.Int < 0 {
		return nil, errors.Wrap(ErrMalformedMetainfo, "missing or invalid \"info.length\"")
	}
	piecesField, ok := info.Dict["pieces"]
	if !ok || piecesField.Kind != bencode.KindString {
		return nil, errors.Wrap(ErrMalformedMetainfo, "missing or non-string \"info.pieces\"")
	}

	pieceHashes, err := splitPieceHashes(piecesField.Str)
	if err != nil {
		return nil, err
	}

	expected := (length.Int + pieceLength.Int - 1) / pieceLength.Int
	if length.Int == 0 {
		expected = 0
	}
	if int64(len(pieceHashes)) != expected {
		return nil, errors.Wrapf(ErrMalformedMetainfo,
			"piece count %d does not match ceil(length/piece_length) = %d", len(pieceHashes), expected)
	}

	infoHash := sha1.Sum(info.Raw)

	return &Metainfo{
		Announce:    string(announce.Str),
		InfoHash:    infoHash,
		PieceHashes: pieceHashes,
		PieceLength: pieceLength.Int,
		Length:      length.Int,
		Name:        string(name.Str),
	}, nil
}

func splitPieceHashes(pieces []byte) ([][HashSize]byte, error) {
	if len(pieces)%HashSize != 0 {
		return nil, errors.Wrapf(ErrMalformedMetainfo, "\"pieces\" length %d is not a multiple of %d", len(pieces), HashSize)
	}
	n := len(pieces) / HashSize
	hashes := make([][HashSize]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], pieces[i*HashSize:(i+1)*HashSize])
	}
	return hashes, nil
}

// PieceLen returns the byte length of piece index i: PieceLength for
// every piece except possibly the last, which may be shorter.
func (m *Metainfo) PieceLen(index int) int64 {
	begin := int64(index) * m.PieceLength
	end := begin + m.PieceLength
	if end > m.Length {
		end = m.Length
	}
	return end - begin
}

// NumPieces is len(PieceHashes), exposed for readability at call
// sites that only need the count.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}
