// Package choke implements the tit-for-tat unchoke rotation: every
// interval the fastest downloading interested peers are unchoked, and
// periodically the last of those slots goes instead to a randomly
// chosen interested peer, unchoked optimistically so newcomers get a
// chance to prove themselves (spec §4.3).
package choke

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/Chaitanya-Shahare/leech/peer"
	"github.com/Chaitanya-Shahare/leech/stats"
	"github.com/sirupsen/logrus"
)

// Interval is how often the unchoke set is recalculated, spec §4.3.
const Interval = 10 * time.Second

// UnchokeSlots is how many interested peers are unchoked on download
// rate alone, spec §4.3.
const UnchokeSlots = 4

// OptimisticEveryNRounds gives the last unchoke slot to a peer chosen
// at random, in place of the fourth-ranked peer, once every this many
// rounds (spec §4.3: "every 30s", i.e. every third 10s round).
const OptimisticEveryNRounds = 3

// Controller runs the periodic recalculation loop.
type Controller struct {
	mgr *peer.Manager
	st  *stats.Stats
	log *logrus.Entry

	round int
}

// New creates a Controller for one download's peer set.
func New(mgr *peer.Manager, st *stats.Stats) *Controller {
	return &Controller{mgr: mgr, st: st, log: logrus.WithField("component", "choke")}
}

// Run recalculates the unchoke set every Interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.round++
			c.recalculate()
		}
	}
}

type candidate struct {
	session *peer.Session
	info    peer.Info
	rate    float64
}

// rankedPeer is the minimal view decideUnchokeSet needs, factored out
// so the ranking rule can be tested without a live wire session.
type rankedPeer struct {
	ID   string
	Rate float64
}

// recalculate ranks every interested peer by EWMA download rate,
// unchokes the top UnchokeSlots, chokes the rest, and every third
// round substitutes one random interested peer for the fourth-ranked
// one as an optimistic slot.
func (c *Controller) recalculate() {
	sessions := c.mgr.List()
	snapshots := c.st.Snapshots()

	interested := make([]candidate, 0, len(sessions))
	ranked := make([]rankedPeer, 0, len(sessions))
	for _, s := range sessions {
		info := s.Info()
		if !info.PeerInterested {
			if !info.ClientChoking {
				if err := s.SendChoke(); err != nil {
					c.log.WithError(err).WithField("peer", info.ID).Debug("choke send failed")
				}
			}
			continue
		}
		rate := snapshots[info.ID].DownloadRate
		interested = append(interested, candidate{session: s, info: info, rate: rate})
		ranked = append(ranked, rankedPeer{ID: info.ID, Rate: rate})
	}

	unchoke := decideUnchokeSet(ranked, c.round, rand.Intn)

	for _, cand := range interested {
		var err error
		if unchoke[cand.info.ID] {
			err = cand.session.SendUnchoke()
		} else {
			err = cand.session.SendChoke()
		}
		if err != nil {
			c.log.WithError(err).WithField("peer", cand.info.ID).Debug("choke transition failed")
		}
	}
}

// decideUnchokeSet ranks interested peers by rate descending and
// unchokes the top UnchokeSlots-1 outright. The last slot goes to the
// next-ranked peer, except on rounds divisible by
// OptimisticEveryNRounds, when it instead goes to one peer chosen at
// random from the remainder by pickIndex(n) (rand.Intn in production,
// deterministic in tests) — a substitution for the fourth-ranked peer,
// not an extra slot, so the unchoked set never exceeds UnchokeSlots.
func decideUnchokeSet(interested []rankedPeer, round int, pickIndex func(n int) int) map[string]bool {
	sorted := make([]rankedPeer, len(interested))
	copy(sorted, interested)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rate > sorted[j].Rate })

	unchoke := make(map[string]bool, UnchokeSlots)
	top := UnchokeSlots - 1
	if top > len(sorted) {
		top = len(sorted)
	}
	for i := 0; i < top; i++ {
		unchoke[sorted[i].ID] = true
	}

	rest := sorted[top:]
	if len(rest) == 0 {
		return unchoke
	}
	if round%OptimisticEveryNRounds == 0 {
		unchoke[rest[pickIndex(len(rest))].ID] = true
	} else {
		unchoke[rest[0].ID] = true
	}
	return unchoke
}
