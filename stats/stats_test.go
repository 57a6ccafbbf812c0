package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerStatEWMA(t *testing.T) {
	p := &PeerStat{}
	p.AddDownloaded(1000)
	p.Tick()
	assert.InDelta(t, 200.0, p.DownloadRate, 0.001)

	p.AddDownloaded(1000)
	p.Tick()
	assert.InDelta(t, 0.2*1000+0.8*200, p.DownloadRate, 0.001)
}

func TestStatsSummaryAggregatesCounters(t *testing.T) {
	s := New()
	s.AddDownloaded(500)
	s.AddUploaded(100)
	s.AddWasted(50)

	summary := s.Summary()
	assert.EqualValues(t, 500, summary.Downloaded)
	assert.EqualValues(t, 100, summary.Uploaded)
	assert.EqualValues(t, 50, summary.Wasted)
}

func TestTrackerCountersDerivesLeft(t *testing.T) {
	s := New()
	s.AddDownloaded(4000)

	uploaded, downloaded, left := s.TrackerCounters(10000)
	assert.EqualValues(t, 0, uploaded)
	assert.EqualValues(t, 4000, downloaded)
	assert.EqualValues(t, 6000, left)
}

func TestSnapshotsReflectPerPeerRates(t *testing.T) {
	s := New()
	p := s.Peer("1.2.3.4:6881")
	p.AddDownloaded(2000)
	s.TickAll()

	snaps := s.Snapshots()
	snap, ok := snaps["1.2.3.4:6881"]
	assert.True(t, ok)
	assert.InDelta(t, 400.0, snap.DownloadRate, 0.001)
}
