// Package tracker implements the HTTP tracker announce protocol: it
// builds the announce request, issues it, and parses the compact or
// dictionary peer list out of the bencoded response.
package tracker

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/stupidafcoder/leechgo/internal/bencode"
	"github.com/stupidafcoder/leechgo/internal/metainfo"
)

// ErrTrackerFailure wraps the tracker's own "failure reason".
var ErrTrackerFailure = errors.New("tracker failure")

// ErrTrackerUnreachable wraps transport-level failures (timeout,
// connection refused, non-HTTP(S) scheme) and responses that cannot
// be decoded as a tracker reply.
var ErrTrackerUnreachable = errors.New("tracker unreachable")

// Event is the tracker announce "event" query parameter.
type Event string

const (
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventNone      Event = ""
)

// PeerAddr is a tracker-supplied peer endpoint.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// AnnounceResult is the parsed tracker response.
type AnnounceResult struct {
	Interval time.Duration
	Peers    []PeerAddr
}

// Client issues announces against a single torrent's tracker.
type Client struct {
	HTTP    *http.Client
	PeerID  [20]byte
	Port    uint16
	Log     *zap.SugaredLogger
	Backoff func() backoff.BackOff

	downloaded atomic.Int64
	uploaded   atomic.Int64
}

// NewClient builds a tracker client. log may be nil, in which case a
// no-op logger is used.
func NewClient(peerID [20]byte, port uint16, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		PeerID: peerID,
		Port:   port,
		Log:    log,
		Backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
		},
	}
}

// GeneratePeerID builds a -PC0001- prefixed peer-id with 12 random
// ASCII digits, per spec §4.3's recommended form.
func GeneratePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-PC0001-")
	digits := make([]byte, 12)
	randBytes := make([]byte, 12)
	if _, err := rand.Read(randBytes); err != nil {
		return id, errors.Wrap(err, "generating peer id")
	}
	for i, b := range randBytes {
		digits[i] = '0' + b%10
	}
	copy(id[8:], digits)
	return id, nil
}

// Announce issues one tracker request, retrying it on failure as
// c.Backoff allows (one retry with the default policy) for every
// event. An error is returned only once that policy gives up. The
// Orchestrator's periodic refreshes call AnnounceOnceRetryable and
// defer a remaining failure to the next interval (spec §5 Timeouts,
// §7).
func (c *Client) Announce(ctx context.Context, m *metainfo.Metainfo, event Event, downloaded, left int64) (*AnnounceResult, error) {
	var result *AnnounceResult
	op := func() error {
		r, err := c.AnnounceOnce(ctx, m, event, downloaded, left)
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	if event == EventStarted {
		if err := backoff.Retry(op, c.Backoff()); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err := c.AnnounceOnceRetryable(ctx, m, event, downloaded, left, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// AnnounceOnceRetryable wraps AnnounceOnce with the single-retry
// policy used for periodic refreshes.
func (c *Client) AnnounceOnceRetryable(ctx context.Context, m *metainfo.Metainfo, event Event, downloaded, left int64, out **AnnounceResult) error {
	return backoff.Retry(func() error {
		r, err := c.AnnounceOnce(ctx, m, event, downloaded, left)
		if err != nil {
			return err
		}
		*out = r
		return nil
	}, c.Backoff())
}

// AnnounceOnce issues a single HTTP GET with no retry.
func (c *Client) AnnounceOnce(ctx context.Context, m *metainfo.Metainfo, event Event, downloaded, left int64) (*AnnounceResult, error) {
	announceURL, err := c.buildURL(m, event, downloaded, left)
	if err != nil {
		return nil, errors.Wrap(ErrTrackerUnreachable, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, errors.Wrap(ErrTrackerUnreachable, err.Error())
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrTrackerUnreachable, "GET %s: %v", m.Announce, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(ErrTrackerUnreachable, "reading tracker response: "+err.Error())
	}

	return parseAnnounceResponse(body)
}

func (c *Client) buildURL(m *metainfo.Metainfo, event Event, downloaded, left int64) (string, error) {
	base, err := url.Parse(m.Announce)
	if err != nil {
		return "", err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("unsupported tracker scheme %q (only http/https announces are supported)", base.Scheme)
	}

	q := url.Values{
		"port":       []string{strconv.Itoa(int(c.Port))},
		"uploaded":   []string{strconv.FormatInt(c.uploaded.Load(), 10)},
		"downloaded": []string{strconv.FormatInt(downloaded, 10)},
		"left":       []string{strconv.FormatInt(left, 10)},
		"compact":    []string{"1"},
	}
	if event != EventNone {
		q.Set("event", string(event))
	}
	base.RawQuery = q.Encode()
	base.RawQuery += "&info_hash=" + percentEncode(m.InfoHash[:])
	base.RawQuery += "&peer_id=" + percentEncode(c.PeerID[:])
	c.downloaded.Store(downloaded)
	return base.String(), nil
}

func percentEncode(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, v := range b {
		out = append(out, '%')
		out = append(out, hexDigit(v>>4), hexDigit(v&0xf))
	}
	return string(out)
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

func parseAnnounceResponse(body []byte) (*AnnounceResult, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, errors.Wrap(ErrTrackerUnreachable, "decoding tracker response: "+err.Error())
	}
	if v.Kind != bencode.KindDict {
		return nil, errors.Wrap(ErrTrackerUnreachable, "tracker response is not a dictionary")
	}
	if reason, ok := v.Dict["failure reason"]; ok {
		return nil, errors.Wrap(ErrTrackerFailure, string(reason.Str))
	}

	interval := int64(0)
	if iv, ok := v.Dict["interval"]; ok && iv.Kind == bencode.KindInt {
		interval = iv.Int
	}

	peersVal, ok := v.Dict["peers"]
	if !ok {
		return &AnnounceResult{Interval: time.Duration(interval) * time.Second}, nil
	}

	var peers []PeerAddr
	switch peersVal.Kind {
	case bencode.KindString:
		peers, err = parseCompactPeers(peersVal.Str)
	case bencode.KindList:
		peers, err = parseDictPeers(peersVal.List)
	default:
		err = errors.New("\"peers\" is neither a string nor a list")
	}
	if err != nil {
		return nil, errors.Wrap(ErrTrackerUnreachable, err.Error())
	}

	return &AnnounceResult{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}

func parseCompactPeers(raw []byte) ([]PeerAddr, error) {
	const peerSize = 6
	if len(raw)%peerSize != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of %d", len(raw), peerSize)
	}
	n := len(raw) / peerSize
	peers := make([]PeerAddr, n)
	for i := 0; i < n; i++ {
		off := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, raw[off:off+4])
		port := uint16(raw[off+4])<<8 | uint16(raw[off+5])
		peers[i] = PeerAddr{IP: ip, Port: port}
	}
	return peers, nil
}

func parseDictPeers(list []bencode.Value) ([]PeerAddr, error) {
	peers := make([]PeerAddr, 0, len(list))
	for _, item := range list {
		if item.Kind != bencode.KindDict {
			return nil, errors.New("peer list entry is not a dictionary")
		}
		ipVal, ok := item.Dict["ip"]
		if !ok || ipVal.Kind != bencode.KindString {
			return nil, errors.New("peer dictionary missing string \"ip\"")
		}
		portVal, ok := item.Dict["port"]
		if !ok || portVal.Kind != bencode.KindInt {
			return nil, errors.New("peer dictionary missing integer \"port\"")
		}
		ip := net.ParseIP(string(ipVal.Str))
		if ip == nil {
			return nil, fmt.Errorf("invalid peer ip %q", ipVal.Str)
		}
		peers = append(peers, PeerAddr{IP: ip, Port: uint16(portVal.Int)})
	}
	return peers, nil
}
