package piece

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/Chaitanya-Shahare/leech/bterrors"
	"github.com/Chaitanya-Shahare/leech/metainfo"
	"github.com/Chaitanya-Shahare/leech/storage"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	haves []int
}

func (r *recordingBroadcaster) BroadcastHave(index int) {
	r.haves = append(r.haves, index)
}

func twoPieceMetainfo(t *testing.T) (*metainfo.Metainfo, [][]byte) {
	t.Helper()
	piece0 := bytes.Repeat([]byte{0xAA}, BlockSize*2)
	piece1 := bytes.Repeat([]byte{0xBB}, BlockSize)
	d0 := sha1.Sum(piece0)
	d1 := sha1.Sum(piece1)

	mi := &metainfo.Metainfo{}
	mi.Raw.Info.Name = "file.bin"
	mi.Raw.Info.PieceLength = BlockSize * 2
	mi.Raw.Info.Length = int64(len(piece0) + len(piece1))
	mi.Raw.Info.Pieces = string(d0[:]) + string(d1[:])
	mi.TotalLength = mi.Raw.Info.Length
	mi.NumPieces = 2
	return mi, [][]byte{piece0, piece1}
}

func newTestScheduler(t *testing.T) (*Scheduler, *recordingBroadcaster, storage.Storage) {
	t.Helper()
	mi, _ := twoPieceMetainfo(t)
	fs := afero.NewMemMapFs()
	store, err := storage.New(fs, "file.bin", mi)
	require.NoError(t, err)
	bcast := &recordingBroadcaster{}
	s := New(mi, store, bcast)
	// Pin the bootstrap phase's random pick to the lowest-index
	// candidate so these tests see a deterministic block order.
	s.shuffle = func(int, func(i, j int)) {}
	return s, bcast, store
}

func fullBitfield(n int) bitmap.Bitmap {
	bf := bitmap.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i, true)
	}
	return bf
}

func TestSinglePieceDownloadCompletesAndBroadcasts(t *testing.T) {
	s, bcast, store := newTestScheduler(t)
	_, pieces := twoPieceMetainfo(t)
	peerBF := fullBitfield(2)

	req1, ok := s.NextRequest("peerA", peerBF)
	require.True(t, ok)
	assert.Equal(t, 0, req1.Begin)

	req2, ok := s.NextRequest("peerA", peerBF)
	require.True(t, ok)
	assert.Equal(t, BlockSize, req2.Begin)

	res, err := s.Deliver("peerA", req1.Index, req1.Begin, pieces[0][req1.Begin:req1.Begin+req1.Length])
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	res, err = s.Deliver("peerA", req2.Index, req2.Begin, pieces[0][req2.Begin:req2.Begin+req2.Length])
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	assert.True(t, s.HasPiece(0))
	assert.Equal(t, []int{0}, bcast.haves)

	onDisk, err := store.ReadBlock(0, 0, BlockSize*2)
	require.NoError(t, err)
	assert.Equal(t, pieces[0], onDisk)
}

func TestCorruptedPieceResetsAndCanBeRetried(t *testing.T) {
	s, bcast, _ := newTestScheduler(t)
	_, pieces := twoPieceMetainfo(t)
	peerBF := fullBitfield(2)

	req1, _ := s.NextRequest("peerA", peerBF)
	req2, _ := s.NextRequest("peerA", peerBF)

	garbage := bytes.Repeat([]byte{0xFF}, req1.Length)
	res, err := s.Deliver("peerA", req1.Index, req1.Begin, garbage)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	res, err = s.Deliver("peerA", req2.Index, req2.Begin, pieces[0][req2.Begin:req2.Begin+req2.Length])
	require.Error(t, err)
	var verr *bterrors.VerificationFailed
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, Accepted, res)
	assert.False(t, s.HasPiece(0))
	assert.Empty(t, bcast.haves)

	retry1, ok := s.NextRequest("peerB", peerBF)
	require.True(t, ok)
	assert.Equal(t, 0, retry1.Index)
	retry2, ok := s.NextRequest("peerB", peerBF)
	require.True(t, ok)

	_, err = s.Deliver("peerB", retry1.Index, retry1.Begin, pieces[0][retry1.Begin:retry1.Begin+retry1.Length])
	require.NoError(t, err)
	_, err = s.Deliver("peerB", retry2.Index, retry2.Begin, pieces[0][retry2.Begin:retry2.Begin+retry2.Length])
	require.NoError(t, err)
	assert.True(t, s.HasPiece(0))
}

func TestDisjointBitfieldsDownloadInParallelWithoutOverlap(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	bfOnlyPiece0 := bitmap.New(2)
	bfOnlyPiece0.Set(0, true)
	bfOnlyPiece1 := bitmap.New(2)
	bfOnlyPiece1.Set(1, true)

	reqA1, ok := s.NextRequest("peerA", bfOnlyPiece0)
	require.True(t, ok)
	assert.Equal(t, 0, reqA1.Index)

	reqB1, ok := s.NextRequest("peerB", bfOnlyPiece1)
	require.True(t, ok)
	assert.Equal(t, 1, reqB1.Index)

	_, ok = s.NextRequest("peerA", bfOnlyPiece0)
	assert.True(t, ok)
	_, ok = s.NextRequest("peerB", bfOnlyPiece1)
	assert.False(t, ok, "peer B's single block was already requested")
}

func TestDuplicateDeliveryIsIgnored(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, pieces := twoPieceMetainfo(t)
	peerBF := fullBitfield(2)

	req, _ := s.NextRequest("peerA", peerBF)
	data := pieces[0][req.Begin : req.Begin+req.Length]

	res, err := s.Deliver("peerA", req.Index, req.Begin, data)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	res, err = s.Deliver("peerA", req.Index, req.Begin, data)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
}

func TestUnsolicitedBlockIsTreatedAsDuplicate(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	res, err := s.Deliver("peerA", 0, 0, make([]byte, BlockSize))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
}

func TestTimedOutRequestIsReclaimed(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	now := time.Now()
	s.clock = func() time.Time { return now }
	peerBF := fullBitfield(2)

	req, ok := s.NextRequest("peerA", peerBF)
	require.True(t, ok)

	_, ok = s.NextRequest("peerA", peerBF)
	require.True(t, ok, "second block of piece 0 still available")

	now = now.Add(31 * time.Second)
	retry, ok := s.NextRequest("peerB", peerBF)
	require.True(t, ok)
	assert.Equal(t, req.Begin, retry.Begin)
	assert.Equal(t, req.Index, retry.Index)
}

func TestPeerGoneReleasesItsInFlightBlocks(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	peerBF := fullBitfield(2)

	req, ok := s.NextRequest("peerA", peerBF)
	require.True(t, ok)

	s.PeerGone("peerA", peerBF)

	retry, ok := s.NextRequest("peerB", peerBF)
	require.True(t, ok)
	assert.Equal(t, req.Index, retry.Index)
	assert.Equal(t, req.Begin, retry.Begin)
}

func TestRandomFirstBootstrapThenRarestFirst(t *testing.T) {
	mi := &metainfo.Metainfo{}
	mi.Raw.Info.Name = "many.bin"
	mi.Raw.Info.PieceLength = BlockSize
	mi.Raw.Info.Length = BlockSize * 6
	mi.Raw.Info.Pieces = string(make([]byte, 20*6))
	mi.TotalLength = mi.Raw.Info.Length
	mi.NumPieces = 6

	fs := afero.NewMemMapFs()
	store, err := storage.New(fs, "many.bin", mi)
	require.NoError(t, err)
	s := New(mi, store, nil)

	peerBF := fullBitfield(6)
	s.PeerBitfield(peerBF)
	s.availability[3] = 100 // make piece 3 artificially common

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		req, ok := s.NextRequest("peerA", peerBF)
		require.True(t, ok)
		seen[req.Index] = true
		s.pieces[req.Index].state = Have
		s.havePieces++
	}
	assert.Len(t, seen, 4, "bootstrap phase should not repeat a piece across these four picks")

	req, ok := s.NextRequest("peerB", peerBF)
	require.True(t, ok)
	assert.NotEqual(t, 3, req.Index, "rarest-first phase must avoid the artificially common piece")
}
