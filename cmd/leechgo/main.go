// Command leechgo downloads a single-file torrent given its .torrent
// descriptor, reporting progress on stderr until every piece is
// verified and flushed to disk.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"go.uber.org/zap"

	"github.com/stupidafcoder/leechgo/internal/client"
	"github.com/stupidafcoder/leechgo/internal/metainfo"
)

var (
	app = kingpin.New("leechgo", "A single-file BitTorrent leecher")

	torrentPath = app.Arg("torrent", ".torrent file to download").Required().String()
	outputDir   = app.Flag("output", "Directory to write the downloaded file into").Short('o').Default(".").String()
	maxPeers    = app.Flag("max-peers", "Maximum concurrent peer connections").Default("40").Int()
	listenPort  = app.Flag("port", "Port advertised to the tracker").Default("6881").Uint16()
	dialRate    = app.Flag("dial-rate", "Outgoing connection attempts per second").Default("20").Float64()
	verbose     = app.Flag("verbose", "Enable debug logging").Short('v').Bool()
)

func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		// zap itself failed to build, fall back to a logger that at
		// least doesn't panic the rest of the program.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

func run() error {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	log := newLogger(*verbose)
	defer log.Sync()

	f, err := os.Open(*torrentPath)
	if err != nil {
		return fmt.Errorf("opening torrent file: %w", err)
	}
	m, err := metainfo.Parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parsing torrent file: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := client.Config{
		MaxPeers:       *maxPeers,
		ListenPort:     *listenPort,
		DialRatePerSec: *dialRate,
	}

	sess, err := client.Start(ctx, m, *outputDir, cfg, log)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	go reportProgress(ctx, sess, log)

	if err := sess.Wait(); err != nil {
		return fmt.Errorf("download session: %w", err)
	}
	log.Infow("download finished", "name", m.Name)
	return nil
}

// reportProgress logs a periodic snapshot until ctx is done or the
// download is complete; it is purely informational and never affects
// the download itself.
func reportProgress(ctx context.Context, sess *client.Client, log *zap.SugaredLogger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := sess.Progress()
			log.Infow("progress",
				"pieces", fmt.Sprintf("%d/%d", p.PiecesComplete, p.PiecesTotal),
				"bytes", fmt.Sprintf("%d/%d", p.BytesDownloaded, p.TotalBytes),
				"peers", p.ActivePeers,
			)
			if sess.Complete() {
				return
			}
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "leechgo:", err)
		os.Exit(1)
	}
}
