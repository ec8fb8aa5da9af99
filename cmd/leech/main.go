// Command leech downloads a single torrent's content to disk, using a
// tracker to discover peers and a first-fit piece scheduler across up to
// -max-peers concurrent connections.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"github.com/mrigger/leech/internal/clientlog"
	"github.com/mrigger/leech/internal/config"
	"github.com/mrigger/leech/internal/dispatcher"
	"github.com/mrigger/leech/internal/metainfo"
	"github.com/mrigger/leech/internal/peerid"
	"github.com/mrigger/leech/internal/statsreport"
	"github.com/mrigger/leech/internal/store"
	"github.com/mrigger/leech/internal/tracker"
	"github.com/mrigger/leech/internal/tracker/httptracker"
	"github.com/mrigger/leech/internal/tracker/udptracker"
)

func main() {
	fs := flag.NewFlagSet("leech", flag.ExitOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: leech [flags] <torrent-file>")
		os.Exit(2)
	}
	torrentPath := fs.Arg(0)

	cfg, err := config.Load(fs.Lookup("config").Value.String(), fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "leech: loading config:", err)
		os.Exit(1)
	}

	log, err := clientlog.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "leech: building logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	runID := uuid.NewV4()
	log = log.With(zap.String("run_id", runID.String()))

	if err := run(cfg, torrentPath, log); err != nil {
		log.Error("leech exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, torrentPath string, log *zap.Logger) error {
	meta, err := metainfo.Load(torrentPath)
	if err != nil {
		return fmt.Errorf("loading metainfo: %w", err)
	}
	log.Info("loaded torrent",
		zap.String("name", meta.Name),
		zap.Int("pieces", meta.NumPieces()),
		zap.Int64("total_length", meta.TotalLength))

	ourID, err := peerid.Generate()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	dataStore, err := store.Allocate(cfg.OutDir, meta)
	if err != nil {
		return fmt.Errorf("allocating output files: %w", err)
	}
	defer dataStore.Close()

	stats := statsreport.New()
	defer stats.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigC
		log.Info("shutdown requested")
		cancel()
	}()

	trackerOut := make(chan tracker.Event, 8)
	go runTracker(ctx, meta, ourID, cfg, trackerOut, log)

	d := dispatcher.NewWithMaxPeers(meta, dataStore, ourID, log, stats, cfg.MaxPeers)
	if err := d.Run(ctx, trackerOut); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	rate, total := stats.Snapshot()
	log.Info("finished", zap.Int64("bytes_downloaded", total), zap.Float64("avg_rate_bytes_per_sec", rate))
	return nil
}

func runTracker(ctx context.Context, meta *metainfo.TorrentMeta, ourID [20]byte, cfg *config.Config, out chan<- tracker.Event, log *zap.Logger) {
	req := tracker.AnnounceRequest{
		InfoHash: meta.InfoHash,
		PeerID:   ourID,
		Port:     cfg.PeerPort,
		Left:     meta.TotalLength,
	}

	scheme := schemeOf(meta.Announce)
	switch scheme {
	case "udp":
		t, err := udptracker.New(meta.Announce, cfg.TrackerUDPPort, req)
		if err != nil {
			log.Error("building udp tracker", zap.Error(err))
			close(out)
			return
		}
		t.Run(ctx, out)
	case "http", "https":
		httptracker.New(meta.Announce, req).Run(ctx, out)
	default:
		log.Error("unsupported announce scheme", zap.String("announce", meta.Announce))
	}
	close(out)
}

func schemeOf(announceURL string) string {
	for i := 0; i < len(announceURL); i++ {
		if announceURL[i] == ':' {
			return announceURL[:i]
		}
	}
	return ""
}
