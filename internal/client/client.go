// Package client is the Orchestrator of spec §4.7: it owns the peer
// queue, spawns a bounded pool of peer workers fed by periodic
// tracker announces, and drives the whole session from start to
// completion or cancellation.
package client

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/stupidafcoder/leechgo/internal/metainfo"
	"github.com/stupidafcoder/leechgo/internal/peerconn"
	"github.com/stupidafcoder/leechgo/internal/piecemgr"
	"github.com/stupidafcoder/leechgo/internal/tracker"
)

// queueDepthFactor sizes the peer queue's buffer as a small multiple
// of the worker bound so a tracker refresh doesn't stall on a full
// queue before the dispatcher drains it.
const queueDepthFactor = 4

// Progress is a point-in-time snapshot of a session, useful to the
// out-of-scope CLI shell without being part of the download
// algorithm itself (SPEC_FULL §4).
type Progress struct {
	PiecesComplete  int
	PiecesTotal     int
	BytesDownloaded int64
	TotalBytes      int64
	ActivePeers     int32
}

// Client orchestrates one download session: a piece manager, a
// tracker client, and a bounded pool of peer connections fed by a
// peer queue that the tracker scheduler refills on each announce.
type Client struct {
	cfg    Config
	meta   *metainfo.Metainfo
	mgr    *piecemgr.Manager
	trk    *tracker.Client
	peerID [20]byte

	log     *zap.SugaredLogger
	clk     clock.Clock
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	queue chan tracker.PeerAddr

	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	errs  []error

	activePeers atomic.Int32
}

// Start parses nothing itself -- m is an already-parsed Metainfo --
// constructs the Piece Manager and Tracker Client, issues the first
// ("started") announce, populates the peer queue, and spawns the
// scheduler and dispatcher goroutines. It returns as soon as the
// session is running; call Wait or Stop to block on its outcome.
func Start(ctx context.Context, m *metainfo.Metainfo, outputDir string, cfg Config, log *zap.SugaredLogger) (*Client, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	clk := clock.New()

	peerID, err := tracker.GeneratePeerID()
	if err != nil {
		return nil, errors.Wrap(err, "generating peer id")
	}

	mgr, err := piecemgr.New(m, filepath.Join(outputDir, m.Name), piecemgr.Options{
		BlockSize:      cfg.BlockSize,
		PendingTimeout: cfg.PendingTimeout,
		Clock:          clk,
		Log:            log,
	})
	if err != nil {
		return nil, err
	}

	trk := tracker.NewClient(peerID, cfg.ListenPort, log)
	trk.HTTP.Timeout = cfg.TrackerTimeout

	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:     cfg,
		meta:    m,
		mgr:     mgr,
		trk:     trk,
		peerID:  peerID,
		log:     log.With("torrent", m.Name),
		clk:     clk,
		limiter: rate.NewLimiter(rate.Limit(cfg.DialRatePerSec), 1),
		sem:     semaphore.NewWeighted(int64(cfg.MaxPeers)),
		queue:   make(chan tracker.PeerAddr, cfg.MaxPeers*queueDepthFactor),
		cancel:  cancel,
	}

	// The first announce is fatal on failure (spec §7: "if the first
	// started announce fails after one retry, fatal"); the tracker
	// Client's Backoff policy already retries it once. It runs here,
	// synchronously, so Start can surface that failure to the
	// caller instead of only recording it for a later Wait.
	res, err := trk.Announce(cctx, m, tracker.EventStarted, mgr.Downloaded(), mgr.Left())
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "initial tracker announce")
	}
	interval := res.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	c.enqueue(cctx, res.Peers)

	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.recordErr(c.runScheduler(cctx, interval)) }()
	go func() { defer c.wg.Done(); c.recordErr(c.runDispatcher(cctx)) }()

	return c, nil
}

func (c *Client) recordErr(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	c.errMu.Lock()
	c.errs = append(c.errs, err)
	c.errMu.Unlock()
}

func (c *Client) enqueue(ctx context.Context, peers []tracker.PeerAddr) {
	for _, p := range peers {
		select {
		case c.queue <- p:
		case <-ctx.Done():
			return
		default:
			// Queue is full; drop. The next announce offers fresh
			// endpoints and duplicate endpoints are tolerated
			// regardless (spec §3 Peer Queue).
		}
	}
}

// runScheduler re-announces every interval: a regular refresh while
// the download is in progress, then a final "completed" event once
// the Piece Manager reports completion, after which it broadcasts
// shutdown by canceling the session (spec §4.7 Scheduler task).
func (c *Client) runScheduler(ctx context.Context, interval time.Duration) error {
	sentCompleted := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.clk.After(interval):
		}

		event := tracker.EventNone
		if c.mgr.Complete() && !sentCompleted {
			event = tracker.EventCompleted
		}

		var out *tracker.AnnounceResult
		if err := c.trk.AnnounceOnceRetryable(ctx, c.meta, event, c.mgr.Downloaded(), c.mgr.Left(), &out); err != nil {
			c.log.Warnw("tracker refresh failed, deferring to next interval", "error", err)
			continue
		}

		if event == tracker.EventCompleted {
			sentCompleted = true
		}
		c.enqueue(ctx, out.Peers)
		if out.Interval > 0 {
			interval = out.Interval
		}

		if sentCompleted {
			c.log.Infow("download complete, shutting down")
			c.cancel()
			return nil
		}
	}
}

func (c *Client) runDispatcher(ctx context.Context) error {
	var workers sync.WaitGroup
	defer workers.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case addr := <-c.queue:
			if err := c.limiter.Wait(ctx); err != nil {
				return nil
			}
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			c.activePeers.Inc()
			workers.Add(1)
			go c.runWorker(ctx, addr, &workers)
		}
	}
}

func (c *Client) runWorker(ctx context.Context, addr tracker.PeerAddr, workers *sync.WaitGroup) {
	defer workers.Done()
	defer c.sem.Release(1)
	defer c.activePeers.Dec()

	conn := peerconn.New(addr.String(), c.meta.InfoHash, c.peerID, c.mgr, peerconn.Options{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Clock:            c.clk,
		Log:              c.log,
	})
	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debugw("peer connection closed", "peer", addr.String(), "error", err)
	}
}

// Wait blocks until the scheduler and dispatcher have both unwound
// -- by completion or by cancellation -- and returns every non-nil,
// non-cancellation teardown error combined into one.
func (c *Client) Wait() error {
	c.wg.Wait()
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return multierr.Combine(c.errs...)
}

// Stop requests cancellation of the whole session: the scheduler and
// every worker observe it at their next suspension point and unwind,
// returning any pending block to Missing. Stop blocks until teardown
// completes or ctx expires first.
func (c *Client) Stop(ctx context.Context) error {
	c.cancel()
	done := make(chan error, 1)
	go func() { done <- c.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress reports a snapshot of session state.
func (c *Client) Progress() Progress {
	return Progress{
		PiecesComplete:  c.mgr.PiecesComplete(),
		PiecesTotal:     c.meta.NumPieces(),
		BytesDownloaded: c.mgr.Downloaded(),
		TotalBytes:      c.meta.Length,
		ActivePeers:     c.activePeers.Load(),
	}
}

// Complete reports whether every piece has been verified and
// flushed to disk.
func (c *Client) Complete() bool { return c.mgr.Complete() }
