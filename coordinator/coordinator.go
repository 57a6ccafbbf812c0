// Package coordinator wires the metainfo, storage, piece scheduler,
// peer manager, choke controller, listener, and tracker client
// together into one running download (spec §4.6).
package coordinator

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/Chaitanya-Shahare/leech/bterrors"
	"github.com/Chaitanya-Shahare/leech/choke"
	"github.com/Chaitanya-Shahare/leech/metainfo"
	"github.com/Chaitanya-Shahare/leech/peer"
	"github.com/Chaitanya-Shahare/leech/piece"
	"github.com/Chaitanya-Shahare/leech/server"
	"github.com/Chaitanya-Shahare/leech/stats"
	"github.com/Chaitanya-Shahare/leech/storage"
	"github.com/Chaitanya-Shahare/leech/tracker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// targetActivePeers is how many simultaneous outbound sessions the
// coordinator tries to keep alive, spec §4.6.
const targetActivePeers = 5

// rateTickInterval is how often per-peer EWMA rates are sampled,
// matching the choke controller's need for fresh snapshots (spec §4.2).
const rateTickInterval = 1 * time.Second

// ShutdownGrace bounds the final stopped/completed tracker announce
// that stopWithEvent makes during shutdown (spec §4.6).
const ShutdownGrace = 2 * time.Second

const peerIDPrefix = "-LE0001-"

// Config names the inputs a Download is built from.
type Config struct {
	MetainfoPath string
	OutputDir    string // defaults to the metainfo's declared name
	MaxPieces    int    // 0 means unbounded: download every piece
}

// Download is one running leech session, wiring together every
// component named in spec §4.
type Download struct {
	mi        *metainfo.Metainfo
	store     storage.Storage
	sched     *piece.Scheduler
	st        *stats.Stats
	mgr       *peer.Manager
	choke     *choke.Controller
	srv       *server.Server
	trClient  *tracker.Client
	peerID    [20]byte
	maxPieces int
	log       *logrus.Entry
}

// New loads the metainfo at cfg.MetainfoPath and wires every component
// of a download without starting any goroutines.
func New(cfg Config) (*Download, error) {
	mi, err := metainfo.Load(cfg.MetainfoPath)
	if err != nil {
		return nil, err
	}

	root := cfg.OutputDir
	if root == "" {
		root = mi.Raw.Info.Name
	}
	store, err := storage.New(afero.NewOsFs(), root, mi)
	if err != nil {
		return nil, err
	}

	peerID, err := generatePeerID()
	if err != nil {
		return nil, err
	}

	st := stats.New()
	sched := piece.New(mi, store, nil)
	mgr := peer.NewManager(mi, sched, st, store, peerID)
	sched.SetBroadcaster(mgr)

	srv, err := server.New(mgr)
	if err != nil {
		return nil, err
	}

	return &Download{
		mi:        mi,
		store:     store,
		sched:     sched,
		st:        st,
		mgr:       mgr,
		choke:     choke.New(mgr, st),
		srv:       srv,
		trClient:  tracker.New(mi, peerID, uint16(srv.Port())),
		peerID:    peerID,
		maxPieces: cfg.MaxPieces,
		log:       logrus.WithField("component", "coordinator"),
	}, nil
}

func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	if _, err := rand.Read(id[len(peerIDPrefix):]); err != nil {
		return id, err
	}
	return id, nil
}

// Run drives the download to completion (or ctx cancellation): it
// announces to the tracker, connects to peers, keeps the unchoke
// rotation and rate sampler running, and returns once every piece is
// verified and written (or maxPieces have been written, if capped).
func (d *Download) Run(ctx context.Context) error {
	result, err := d.trClient.Announce(ctx, tracker.Started, 0, 0, d.mi.TotalLength)
	if err != nil {
		d.st.Errors.Count(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.srv.Serve(runCtx)
	go d.choke.Run(runCtx)
	go d.rateSamplerLoop(runCtx)
	go d.reannounceLoop(runCtx, result.Interval)

	available := result.Peers
	for {
		d.connectUpToTarget(runCtx, &available)

		if d.complete() {
			break
		}

		select {
		case <-runCtx.Done():
			return d.stopWithEvent(ctx, nil)
		case <-time.After(time.Second):
		}

		if len(available) == 0 && d.mgr.Count() == 0 {
			_, downloaded, left := d.st.TrackerCounters(d.mi.TotalLength)
			result, err := d.trClient.Announce(runCtx, tracker.None, 0, downloaded, left)
			if err != nil {
				d.st.Errors.Count(err)
				continue
			}
			available = result.Peers
			if len(available) == 0 {
				return d.stopWithEvent(ctx, &bterrors.PeersExhausted{})
			}
		}
	}

	return d.stopWithEvent(ctx, nil)
}

func (d *Download) complete() bool {
	if d.maxPieces > 0 {
		return d.piecesHave() >= d.maxPieces
	}
	return d.sched.IsComplete()
}

func (d *Download) piecesHave() int {
	n := 0
	for i := 0; i < d.mi.NumPieces; i++ {
		if d.sched.HasPiece(i) {
			n++
		}
	}
	return n
}

// connectUpToTarget dials peers off the front of available until
// targetActivePeers outbound sessions are running or available is
// exhausted, each in its own goroutine (spec §4.6).
func (d *Download) connectUpToTarget(ctx context.Context, available *[]string) {
	for d.mgr.Count() < targetActivePeers && len(*available) > 0 {
		addr := (*available)[0]
		*available = (*available)[1:]
		go func(addr string) {
			if err := d.mgr.Connect(ctx, addr, 5*time.Second); err != nil {
				d.log.WithError(err).WithField("peer", addr).Debug("outbound connect failed")
			}
		}(addr)
	}
}

func (d *Download) rateSamplerLoop(ctx context.Context) {
	ticker := time.NewTicker(rateTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.st.TickAll()
		}
	}
}

func (d *Download) reannounceLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uploaded, downloaded, left := d.st.TrackerCounters(d.mi.TotalLength)
			if _, err := d.trClient.Announce(ctx, tracker.None, uploaded, downloaded, left); err != nil {
				d.st.Errors.Count(err)
				d.log.WithError(err).Warn("periodic re-announce failed")
			}
		}
	}
}

// stopWithEvent sends the stopped (or completed) tracker event and
// closes every session, bounded by ShutdownGrace (spec §4.6). cause,
// if non-nil, is the terminal error to report unless the download
// turns out to be complete regardless (e.g. the last piece landed
// just as peers ran out).
func (d *Download) stopWithEvent(ctx context.Context, cause error) error {
	event := tracker.Stopped
	finalErr := cause
	if d.sched.IsComplete() {
		event = tracker.Completed
		finalErr = nil
	} else if finalErr == nil && ctx.Err() != nil {
		finalErr = ctx.Err()
	}

	uploaded, downloaded, left := d.st.TrackerCounters(d.mi.TotalLength)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	if _, err := d.trClient.Announce(shutdownCtx, event, uploaded, downloaded, left); err != nil {
		d.st.Errors.Count(err)
		d.log.WithError(err).Warn("final tracker announce failed")
	}

	d.mgr.Shutdown()
	return finalErr
}

// Summary returns the termination report (spec §7).
func (d *Download) Summary() stats.Summary {
	return d.st.Summary()
}

// IsComplete reports whether every piece has been verified and written.
func (d *Download) IsComplete() bool {
	return d.sched.IsComplete()
}
