package choke

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func peersWithRates(rates map[string]float64) []rankedPeer {
	out := make([]rankedPeer, 0, len(rates))
	for id, rate := range rates {
		out = append(out, rankedPeer{ID: id, Rate: rate})
	}
	return out
}

func firstIndex(int) int { return 0 }
func lastIndex(n int) int { return n - 1 }

func TestDecideUnchokeSetPicksTopFourByRate(t *testing.T) {
	peers := peersWithRates(map[string]float64{
		"a": 500, "b": 400, "c": 300, "d": 200, "e": 100, "f": 50,
	})

	unchoke := decideUnchokeSet(peers, 1, firstIndex)

	assert.Len(t, unchoke, UnchokeSlots)
	assert.True(t, unchoke["a"])
	assert.True(t, unchoke["b"])
	assert.True(t, unchoke["c"])
	// non-optimistic round: the last slot goes to the next-ranked peer.
	assert.True(t, unchoke["d"])
	assert.False(t, unchoke["e"])
	assert.False(t, unchoke["f"])
}

func TestDecideUnchokeSetSubstitutesOptimisticSlotOnThirdRound(t *testing.T) {
	peers := peersWithRates(map[string]float64{
		"a": 500, "b": 400, "c": 300, "d": 200, "e": 100, "f": 50,
	})

	nonOptimistic := decideUnchokeSet(peers, 1, lastIndex)
	assert.Len(t, nonOptimistic, UnchokeSlots)
	assert.True(t, nonOptimistic["d"])

	optimistic := decideUnchokeSet(peers, OptimisticEveryNRounds, lastIndex)
	assert.Len(t, optimistic, UnchokeSlots)
	// the optimistic slot substitutes for, rather than adds to, the
	// fourth-ranked peer: "d" drops out and "f" (lastIndex picks the
	// last of the remaining peers) takes its place.
	assert.True(t, optimistic["a"])
	assert.True(t, optimistic["b"])
	assert.True(t, optimistic["c"])
	assert.False(t, optimistic["d"])
	assert.False(t, optimistic["e"])
	assert.True(t, optimistic["f"])
}

func TestDecideUnchokeSetHandlesFewerPeersThanSlots(t *testing.T) {
	peers := peersWithRates(map[string]float64{"a": 10, "b": 5})
	unchoke := decideUnchokeSet(peers, 1, firstIndex)
	assert.Len(t, unchoke, 2)
	assert.True(t, unchoke["a"])
	assert.True(t, unchoke["b"])
}
