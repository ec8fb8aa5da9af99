// Package statsreport tracks download throughput and byte totals for a
// single torrent, the way the teacher's session package tracks per-torrent
// speed with an EWMA.
package statsreport

import (
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// tickInterval matches the standard go-metrics EWMA sampling window;
// Tick must be called on this cadence for Rate to report bytes/sec.
const tickInterval = 5 * time.Second

// Reporter accumulates committed-piece byte counts and a one-minute EWMA
// download rate.
type Reporter struct {
	mu            sync.Mutex
	downloadSpeed metrics.EWMA
	bytesTotal    int64

	stopC chan struct{}
	doneC chan struct{}
}

// New constructs a Reporter and starts its background EWMA ticker.
func New() *Reporter {
	r := &Reporter{
		downloadSpeed: metrics.NewEWMA1(),
		stopC:         make(chan struct{}),
		doneC:         make(chan struct{}),
	}
	go r.tickLoop()
	return r
}

// RecordPiece accounts for n freshly committed bytes.
func (r *Reporter) RecordPiece(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloadSpeed.Update(n)
	r.bytesTotal += n
}

// Snapshot returns the current EWMA rate in bytes/sec and total bytes
// committed so far.
func (r *Reporter) Snapshot() (rate float64, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloadSpeed.Rate(), r.bytesTotal
}

// Close stops the background ticker.
func (r *Reporter) Close() {
	close(r.stopC)
	<-r.doneC
}

func (r *Reporter) tickLoop() {
	defer close(r.doneC)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			r.downloadSpeed.Tick()
			r.mu.Unlock()
		case <-r.stopC:
			return
		}
	}
}
