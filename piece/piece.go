// Package piece owns the piece table: the source of truth for which
// pieces and blocks are Missing, InFlight, Have, or Corrupt, and the
// only place block selection, verification, and write-out happen
// (spec §4.4).
package piece

import (
	"crypto/sha1"
	"math/rand"
	"sync"
	"time"

	"github.com/Chaitanya-Shahare/leech/bterrors"
	"github.com/Chaitanya-Shahare/leech/metainfo"
	"github.com/Chaitanya-Shahare/leech/storage"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
)

// BlockSize is the fixed request granularity, spec §GLOSSARY.
const BlockSize = 16384

// requestTimeout is how long a Requested slot may sit before it is
// reclaimed as Absent, spec §5 "Timeouts".
const requestTimeout = 30 * time.Second

// bootstrapPieceThreshold is how many Have pieces trigger the switch
// from random-first to rarest-first selection, spec §4.4.
const bootstrapPieceThreshold = 4

// State is a piece's lifecycle stage.
type State int

const (
	Missing State = iota
	InFlight
	Have
	Corrupt
)

// BlockState is a single block slot's lifecycle stage.
type BlockState int

const (
	Absent BlockState = iota
	Requested
	Present
)

// Request is a (piece index, byte offset, length) triple, spec §3.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// DeliverResult is the outcome of a Deliver call, spec §4.4.
type DeliverResult int

const (
	Accepted DeliverResult = iota
	Duplicate
	Rejected
)

type block struct {
	state       BlockState
	length      int
	requestedBy string
	requestedAt time.Time
	data        []byte
}

type pieceRecord struct {
	state        State
	blocks       []*block
	contributors mapset.Set
}

func (pr *pieceRecord) allPresent() bool {
	for _, b := range pr.blocks {
		if b.state != Present {
			return false
		}
	}
	return true
}

func (pr *pieceRecord) concat() []byte {
	out := make([]byte, 0, len(pr.blocks)*BlockSize)
	for _, b := range pr.blocks {
		out = append(out, b.data...)
	}
	return out
}

func (pr *pieceRecord) resetBlocks() {
	for _, b := range pr.blocks {
		b.state = Absent
		b.requestedBy = ""
		b.data = nil
	}
}

// Broadcaster notifies connected sessions of newly completed pieces
// (spec §4.4: "broadcast have(i) to all sessions").
type Broadcaster interface {
	BroadcastHave(index int)
}

// Scheduler is the piece table's public contract. Every method is
// internally serialized: callers observe atomic operations (spec §5).
type Scheduler struct {
	mu sync.Mutex

	mi      *metainfo.Metainfo
	store   storage.Storage
	bcast   Broadcaster
	log     *logrus.Entry
	clock   func() time.Time
	shuffle func(n int, swap func(i, j int))

	pieces         []*pieceRecord
	clientBitfield bitmap.Bitmap
	availability   []int
	havePieces     int
}

// New builds the piece table for mi, with every piece initially
// Missing. store is where verified pieces are written; bcast is
// notified of each newly-completed piece.
func New(mi *metainfo.Metainfo, store storage.Storage, bcast Broadcaster) *Scheduler {
	s := &Scheduler{
		mi:             mi,
		store:          store,
		bcast:          bcast,
		log:            logrus.WithField("component", "piece"),
		clock:          time.Now,
		shuffle:        rand.Shuffle,
		pieces:         make([]*pieceRecord, mi.NumPieces),
		clientBitfield: bitmap.New(mi.NumPieces),
		availability:   make([]int, mi.NumPieces),
	}
	for i := 0; i < mi.NumPieces; i++ {
		s.pieces[i] = &pieceRecord{blocks: makeBlocks(mi.PieceLength(i)), contributors: mapset.NewSet()}
	}
	return s
}

func makeBlocks(pieceLen int64) []*block {
	n := int((pieceLen + BlockSize - 1) / BlockSize)
	blocks := make([]*block, n)
	for i := range blocks {
		length := BlockSize
		if i == n-1 {
			last := pieceLen - int64(i)*BlockSize
			length = int(last)
		}
		blocks[i] = &block{length: length}
	}
	return blocks
}

// SetBroadcaster (re)binds the completion broadcaster, for callers
// that must construct the scheduler before the broadcaster exists
// (spec §4.6, "wiring order").
func (s *Scheduler) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bcast = b
}

// Bitfield returns the client's own bitfield, MSB-first within each byte.
func (s *Scheduler) Bitfield() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, (s.mi.NumPieces+7)/8)
	for i := 0; i < s.mi.NumPieces; i++ {
		if s.clientBitfield.Get(i) {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// HasPiece reports whether piece i is in state Have.
func (s *Scheduler) HasPiece(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces[i].state == Have
}

// IsComplete reports whether every piece is in state Have.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.havePieces == s.mi.NumPieces
}

// NeedsAnythingFrom reports whether peerBitfield advertises any piece
// still Missing or InFlight, used to decide whether to become
// interested in a peer (spec §4.2).
func (s *Scheduler) NeedsAnythingFrom(peerBitfield bitmap.Bitmap) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, pr := range s.pieces {
		if pr.state != Have && peerBitfield.Get(i) {
			return true
		}
	}
	return false
}

// PeerHave records that a peer now advertises piece i, adjusting rarity.
func (s *Scheduler) PeerHave(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability[index]++
}

// PeerBitfield bulk-records an entire bitfield's worth of availability.
func (s *Scheduler) PeerBitfield(bf bitmap.Bitmap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.mi.NumPieces; i++ {
		if bf.Get(i) {
			s.availability[i]++
		}
	}
}

// PeerGone releases every block this peer had Requested back to
// Absent and removes its contribution to piece availability, per the
// cancellation rules in spec §5.
func (s *Scheduler) PeerGone(peerID string, bf bitmap.Bitmap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bf != nil {
		for i := 0; i < s.mi.NumPieces && i < bf.Len(); i++ {
			if bf.Get(i) {
				s.availability[i]--
			}
		}
	}
	for _, pr := range s.pieces {
		for _, b := range pr.blocks {
			if b.state == Requested && b.requestedBy == peerID {
				b.state = Absent
				b.requestedBy = ""
			}
		}
	}
}

// ReleaseRequest restores a single block slot to Absent, used when a
// session cancels or times out an individual request without closing.
func (s *Scheduler) ReleaseRequest(peerID string, index, begin int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blockIndex := begin / BlockSize
	if index < 0 || index >= len(s.pieces) {
		return
	}
	pr := s.pieces[index]
	if blockIndex < 0 || blockIndex >= len(pr.blocks) {
		return
	}
	b := pr.blocks[blockIndex]
	if b.state == Requested && b.requestedBy == peerID {
		b.state = Absent
		b.requestedBy = ""
	}
}

// NextRequest selects the next block this peer should request, per
// the rarest-first / random-first rule in spec §4.4. It returns
// ok=false when the peer holds nothing currently requestable.
func (s *Scheduler) NextRequest(peerID string, peerBitfield bitmap.Bitmap) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reclaimTimedOutLocked()

	candidates := s.candidatePiecesLocked(peerBitfield)
	if len(candidates) == 0 {
		return Request{}, false
	}

	var chosen int
	if s.havePieces < bootstrapPieceThreshold {
		chosen = candidates[randIntn(len(candidates), s.shuffle)]
	} else {
		chosen = candidates[0]
		best := s.availability[chosen]
		for _, c := range candidates[1:] {
			if s.availability[c] < best {
				best = s.availability[c]
				chosen = c
			}
		}
	}

	pr := s.pieces[chosen]
	if pr.state == Missing {
		pr.state = InFlight
	}
	for blockIndex, b := range pr.blocks {
		if b.state == Absent {
			b.state = Requested
			b.requestedBy = peerID
			b.requestedAt = s.clock()
			return Request{Index: chosen, Begin: blockIndex * BlockSize, Length: b.length}, true
		}
	}
	return Request{}, false
}

// candidatePiecesLocked returns, in ascending index order, every
// piece index the peer holds that is Missing/InFlight and has at
// least one Absent block slot. Caller must hold s.mu.
func (s *Scheduler) candidatePiecesLocked(peerBitfield bitmap.Bitmap) []int {
	candidates := make([]int, 0)
	for i, pr := range s.pieces {
		if pr.state != Missing && pr.state != InFlight {
			continue
		}
		if peerBitfield == nil || !peerBitfield.Get(i) {
			continue
		}
		for _, b := range pr.blocks {
			if b.state == Absent {
				candidates = append(candidates, i)
				break
			}
		}
	}
	return candidates
}

// reclaimTimedOutLocked resets any Requested slot older than
// requestTimeout back to Absent. Caller must hold s.mu.
func (s *Scheduler) reclaimTimedOutLocked() {
	now := s.clock()
	for _, pr := range s.pieces {
		for _, b := range pr.blocks {
			if b.state == Requested && now.Sub(b.requestedAt) > requestTimeout {
				b.state = Absent
				b.requestedBy = ""
			}
		}
	}
}

// Deliver stores an inbound block. On completion of a piece it
// verifies against the metainfo digest, writing through to storage
// and broadcasting have(i) on success, or resetting to Missing and
// discarding the bytes on failure (spec §4.4).
func (s *Scheduler) Deliver(peerID string, index, begin int, data []byte) (DeliverResult, error) {
	s.mu.Lock()

	if index < 0 || index >= len(s.pieces) {
		s.mu.Unlock()
		return Rejected, nil
	}
	pr := s.pieces[index]
	blockIndex := begin / BlockSize
	if blockIndex < 0 || blockIndex >= len(pr.blocks) {
		s.mu.Unlock()
		return Rejected, nil
	}
	b := pr.blocks[blockIndex]

	if b.state == Present {
		s.mu.Unlock()
		return Duplicate, nil
	}
	if b.state != Requested || b.requestedBy != peerID {
		s.mu.Unlock()
		return Duplicate, nil
	}
	if len(data) != b.length {
		s.mu.Unlock()
		return Rejected, nil
	}

	b.state = Present
	b.data = data
	pr.contributors.Add(peerID)

	if !pr.allPresent() {
		s.mu.Unlock()
		return Accepted, nil
	}

	pieceData := pr.concat()
	expected := s.mi.PieceDigest(index)
	actual := sha1.Sum(pieceData)

	if actual != expected {
		pr.state = Missing
		pr.resetBlocks()
		s.mu.Unlock()
		s.log.WithField("piece", index).Warn("piece failed verification, reset to missing")
		return Accepted, &bterrors.VerificationFailed{PieceIndex: index}
	}

	pr.state = Have
	s.clientBitfield.Set(index, true)
	s.havePieces++
	s.mu.Unlock()

	if err := s.store.WritePiece(index, pieceData); err != nil {
		return Accepted, err
	}
	if s.bcast != nil {
		s.bcast.BroadcastHave(index)
	}
	return Accepted, nil
}

func randIntn(n int, shuffle func(int, func(i, j int))) int {
	if n == 1 {
		return 0
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order[0]
}
