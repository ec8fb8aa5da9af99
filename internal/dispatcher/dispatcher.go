// Package dispatcher runs the central event loop that owns a torrent's
// data store, fans out peer-wire clients, and assigns pieces to peers.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mrigger/leech/internal/bitfield"
	"github.com/mrigger/leech/internal/metainfo"
	"github.com/mrigger/leech/internal/peerwire"
	"github.com/mrigger/leech/internal/statsreport"
	"github.com/mrigger/leech/internal/store"
	"github.com/mrigger/leech/internal/tracker"
)

// MaxPeers caps the number of concurrently connected peers.
const MaxPeers = 50

// peerRecord is the dispatcher's view of one connected (or connecting)
// peer, mirroring the {address, locked_piece, channel} record.
type peerRecord struct {
	addr        string
	lockedPiece int // -1 when not fetching a specific piece
	control     chan peerwire.Control
	ctx         context.Context
	cancel      context.CancelFunc
}

// sendControl delivers ctrl to the peer unless it has already exited,
// which would otherwise leave the dispatcher blocked on a send nobody is
// left to receive.
func (rec *peerRecord) sendControl(ctrl peerwire.Control) {
	select {
	case rec.control <- ctrl:
	case <-rec.ctx.Done():
	}
}

// peerEvent wraps a peerwire.Event with the key identifying its source, so
// every connected peer's events can be multiplexed onto one channel.
type peerEvent struct {
	key string
	ev  peerwire.Event
}

// Dispatcher owns a torrent's store and peer set for the lifetime of one
// download.
type Dispatcher struct {
	meta     *metainfo.TorrentMeta
	store    *store.Store
	ourID    [20]byte
	log      *zap.Logger
	stats    *statsreport.Reporter
	maxPeers int

	peers    map[string]*peerRecord
	peerIn   chan peerEvent
}

// New constructs a Dispatcher for meta, writing verified pieces into s, with
// the default MaxPeers concurrency cap.
func New(meta *metainfo.TorrentMeta, s *store.Store, ourID [20]byte, log *zap.Logger, stats *statsreport.Reporter) *Dispatcher {
	return NewWithMaxPeers(meta, s, ourID, log, stats, MaxPeers)
}

// NewWithMaxPeers is like New but lets the caller override the concurrency
// cap, e.g. from the -max-peers CLI flag.
func NewWithMaxPeers(meta *metainfo.TorrentMeta, s *store.Store, ourID [20]byte, log *zap.Logger, stats *statsreport.Reporter, maxPeers int) *Dispatcher {
	if maxPeers <= 0 {
		maxPeers = MaxPeers
	}
	return &Dispatcher{
		meta:     meta,
		store:    s,
		ourID:    ourID,
		log:      log,
		stats:    stats,
		maxPeers: maxPeers,
		peers:    make(map[string]*peerRecord),
		peerIn:   make(chan peerEvent, 64),
	}
}

// Run drives the dispatcher until the torrent completes, ctx is canceled,
// or the tracker gives up. It blocks on a single select over the tracker's
// events and the peer fan-in channel, per the event-loop style the design
// notes prefer over fixed-interval polling.
func (d *Dispatcher) Run(ctx context.Context, trackerEvents <-chan tracker.Event) error {
	defer d.closeAllPeers()

	for {
		if d.store.Complete() {
			d.log.Info("download complete")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-trackerEvents:
			if !ok {
				return nil
			}
			d.handleTrackerEvent(ctx, ev)

		case pe := <-d.peerIn:
			d.handlePeerEvent(pe)
		}
	}
}

func (d *Dispatcher) handleTrackerEvent(ctx context.Context, ev tracker.Event) {
	switch ev.Kind {
	case tracker.EventConnected:
		d.log.Debug("tracker connected", zap.Uint64("connection_id", ev.ConnectionID))
	case tracker.EventAnnounced:
		for _, addr := range ev.Peers {
			d.maybeConnect(ctx, addr)
		}
	case tracker.EventClose:
		d.log.Warn("tracker closed", zap.String("reason", ev.Reason))
	}
}

func (d *Dispatcher) maybeConnect(ctx context.Context, addr tracker.PeerAddr) {
	if len(d.peers) >= d.maxPeers {
		return
	}
	key := addr.IP.String()
	if _, exists := d.peers[key]; exists {
		return
	}

	peerCtx, cancel := context.WithCancel(ctx)
	rec := &peerRecord{
		addr:        addr.String(),
		lockedPiece: -1,
		control:     make(chan peerwire.Control),
		ctx:         peerCtx,
		cancel:      cancel,
	}
	d.peers[key] = rec

	go d.runPeer(peerCtx, key, rec)
}

func (d *Dispatcher) runPeer(ctx context.Context, key string, rec *peerRecord) {
	client := peerwire.New(d.meta.InfoHash, d.ourID, d.meta.NumPieces(), d.meta.PieceLength)
	if err := client.Dial(ctx, rec.addr); err != nil {
		d.forward(key, peerwire.Event{Kind: peerwire.CloseEvent, Reason: err.Error()})
		return
	}

	out := make(chan peerwire.Event)
	go func() {
		for ev := range out {
			d.forward(key, ev)
		}
	}()
	client.Run(ctx, rec.control, out)
	close(out)
}

func (d *Dispatcher) forward(key string, ev peerwire.Event) {
	d.peerIn <- peerEvent{key: key, ev: ev}
}

func (d *Dispatcher) handlePeerEvent(pe peerEvent) {
	rec, ok := d.peers[pe.key]
	if !ok {
		return
	}

	switch pe.ev.Kind {
	case peerwire.CloseEvent:
		d.log.Info("peer closed", zap.String("addr", rec.addr), zap.String("reason", pe.ev.Reason))
		rec.cancel()
		delete(d.peers, pe.key)

	case peerwire.Need:
		piece := d.pickPiece(pe.ev.Have)
		if piece < 0 {
			rec.sendControl(peerwire.Control{Kind: peerwire.CloseControl, Reason: "nothing of interest"})
			return
		}
		rec.lockedPiece = piece
		rec.sendControl(peerwire.Control{Kind: peerwire.Want, Piece: piece, Size: d.meta.PieceSize(piece)})

	case peerwire.Commit:
		rec.lockedPiece = -1
		if err := d.store.Write(pe.ev.Piece, pe.ev.Data); err != nil {
			d.log.Warn("piece failed verification", zap.Int("piece", pe.ev.Piece), zap.Error(err))
			return
		}
		have, total := d.store.Have.Count(), d.meta.NumPieces()
		fields := []zap.Field{zap.Int("piece", pe.ev.Piece), zap.Int("have", have), zap.Int("total", total),
			zap.Float64("percent", 100*float64(have)/float64(total))}
		if d.stats != nil {
			d.stats.RecordPiece(int64(len(pe.ev.Data)))
			_, committed := d.stats.Snapshot()
			fields = append(fields, zap.Int64("bytes_committed", committed))
		}
		d.log.Info("piece committed", fields...)
	}
}

// pickPiece implements the first-fit policy: the lowest-indexed piece the
// peer has that we don't, skipping pieces a peer has locked while maxPeers
// or more pieces remain (that rule is dropped once the tail is in sight).
func (d *Dispatcher) pickPiece(have *bitfield.Bitfield) int {
	remaining := d.meta.NumPieces() - d.store.Have.Count()
	enforceUniqueness := remaining >= d.maxPeers

	locked := make(map[int]bool)
	if enforceUniqueness {
		for _, rec := range d.peers {
			if rec.lockedPiece >= 0 {
				locked[rec.lockedPiece] = true
			}
		}
	}

	for p := 0; p < d.meta.NumPieces(); p++ {
		if d.store.Have.Get(p) {
			continue
		}
		if !have.Get(p) {
			continue
		}
		if enforceUniqueness && locked[p] {
			continue
		}
		return p
	}
	return -1
}

func (d *Dispatcher) closeAllPeers() {
	var wg sync.WaitGroup
	for key, rec := range d.peers {
		wg.Add(1)
		go func(key string, rec *peerRecord) {
			defer wg.Done()
			rec.cancel()
		}(key, rec)
	}
	wg.Wait()
}
