// Package stats tracks the rolling per-peer rate estimates the choke
// controller ranks on, the tracker-announce byte counters, and the
// termination summary counters (spec §4.2, §7).
package stats

import (
	"sync"

	"github.com/Chaitanya-Shahare/leech/bterrors"
	underscore "github.com/ahl5esoft/golang-underscore"
)

// ewmaAlpha is the smoothing factor for the per-tick rate estimate:
// rate <- alpha*sample + (1-alpha)*rate, spec §4.2.
const ewmaAlpha = 0.2

// PeerStat is one peer's rolling rate state, sampled once per tick by
// the coordinator.
type PeerStat struct {
	mu sync.Mutex

	downloadAccum int64
	uploadAccum   int64

	DownloadRate float64
	UploadRate   float64
}

// AddDownloaded folds b bytes of a just-received piece payload into
// this tick's accumulator.
func (p *PeerStat) AddDownloaded(b int) {
	p.mu.Lock()
	p.downloadAccum += int64(b)
	p.mu.Unlock()
}

// AddUploaded folds b bytes of a just-sent piece payload into this
// tick's accumulator.
func (p *PeerStat) AddUploaded(b int) {
	p.mu.Lock()
	p.uploadAccum += int64(b)
	p.mu.Unlock()
}

// Tick reads and zeroes the accumulators, folding the sample into the
// EWMA. Called once per second by the coordinator's rate ticker.
func (p *PeerStat) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	samples := []float64{ewmaAlpha * float64(p.downloadAccum), weightedPrevious(p.DownloadRate)}
	var downSum float64
	underscore.Chain(samples).Reduce(sumReduce, 0.0).Value(&downSum)
	p.DownloadRate = downSum

	upSamples := []float64{ewmaAlpha * float64(p.uploadAccum), weightedPrevious(p.UploadRate)}
	var upSum float64
	underscore.Chain(upSamples).Reduce(sumReduce, 0.0).Value(&upSum)
	p.UploadRate = upSum

	p.downloadAccum = 0
	p.uploadAccum = 0
}

// weightedPrevious pre-multiplies the previous rate by (1-alpha) so the
// two-element fold in Tick is a plain sum of {alpha*sample, (1-alpha)*rate}.
func weightedPrevious(rate float64) float64 {
	return (1 - ewmaAlpha) * rate
}

func sumReduce(acc float64, x float64, _ int) float64 {
	return acc + x
}

// Snapshot is a read-only copy of a peer's current rates, safe to sort
// and range over without holding the peer's lock.
type Snapshot struct {
	PeerID       string
	DownloadRate float64
	UploadRate   float64
}

// Stats aggregates tracker byte counters, per-peer rates, and
// per-error-class counts for one download.
type Stats struct {
	mu sync.Mutex

	peers map[string]*PeerStat

	uploaded   int64
	downloaded int64
	wasted     int64

	Errors bterrors.Counters
}

// New creates an empty Stats tracker.
func New() *Stats {
	return &Stats{peers: make(map[string]*PeerStat)}
}

// Peer returns the PeerStat for id, creating it on first use.
func (s *Stats) Peer(id string) *PeerStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		p = &PeerStat{}
		s.peers[id] = p
	}
	return p
}

// RemovePeer drops a peer's tracked rate state on session close.
func (s *Stats) RemovePeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// TickAll samples and decays every tracked peer's EWMA. Called once
// per second by the coordinator's rate ticker.
func (s *Stats) TickAll() {
	s.mu.Lock()
	peers := make([]*PeerStat, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Tick()
	}
}

// Snapshots returns a rate snapshot for every tracked peer, used by
// the choke controller to rank interested peers by download rate.
func (s *Stats) Snapshots() map[string]Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Snapshot, len(s.peers))
	for id, p := range s.peers {
		p.mu.Lock()
		out[id] = Snapshot{PeerID: id, DownloadRate: p.DownloadRate, UploadRate: p.UploadRate}
		p.mu.Unlock()
	}
	return out
}

// AddDownloaded records total bytes downloaded for the tracker
// announce and the termination summary.
func (s *Stats) AddDownloaded(n int) {
	s.mu.Lock()
	s.downloaded += int64(n)
	s.mu.Unlock()
}

// AddUploaded records total bytes uploaded for the tracker announce.
func (s *Stats) AddUploaded(n int) {
	s.mu.Lock()
	s.uploaded += int64(n)
	s.mu.Unlock()
}

// AddWasted records bytes received but discarded to verification
// failure or duplication, for the termination summary (spec §7).
func (s *Stats) AddWasted(n int) {
	s.mu.Lock()
	s.wasted += int64(n)
	s.mu.Unlock()
}

// TrackerCounters returns (uploaded, downloaded, left) for the next
// tracker announce, where left is derived from totalLength.
func (s *Stats) TrackerCounters(totalLength int64) (uploaded, downloaded, left int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	left = totalLength - s.downloaded
	if left < 0 {
		left = 0
	}
	return s.uploaded, s.downloaded, left
}

// Summary is the termination report, spec §7.
type Summary struct {
	Downloaded int64
	Uploaded   int64
	Wasted     int64
	Errors     bterrors.Counters
}

// Summary snapshots the counters for the shutdown report.
func (s *Stats) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{Downloaded: s.downloaded, Uploaded: s.uploaded, Wasted: s.wasted, Errors: s.Errors}
}
