// Package peer drives a single peer wire connection end to end: the
// handshake, the inbound message dispatch, and the outbound request
// pipeline, plus the manager that tracks every live session (spec
// §4.2, §4.3).
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Chaitanya-Shahare/leech/bterrors"
	"github.com/Chaitanya-Shahare/leech/metainfo"
	"github.com/Chaitanya-Shahare/leech/piece"
	"github.com/Chaitanya-Shahare/leech/stats"
	"github.com/Chaitanya-Shahare/leech/storage"
	"github.com/Chaitanya-Shahare/leech/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"
)

// MaxPipelineDepth is the default number of outstanding block
// requests kept in flight per peer, spec §4.2.
const MaxPipelineDepth = 5

const keepAliveInterval = 90 * time.Second
const ioTimeout = 120 * time.Second

// requestTimeout mirrors the piece scheduler's block-request timeout
// (spec §4.2): a session that still has requests outstanding but has
// neither received a block nor sent a request for this long is not
// making progress and is closed.
const requestTimeout = 30 * time.Second

// watchdogInterval is how often the request watchdog checks for a
// stalled pipeline; well under requestTimeout so the session doesn't
// linger much past the deadline.
const watchdogInterval = 5 * time.Second

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

// Info is a read-only snapshot of a session's negotiated state, safe
// to use outside the session's own goroutine (e.g. from the choke
// controller).
type Info struct {
	ID             string
	PeerInterested bool
	ClientChoking  bool
	PeerChoking    bool
}

// Session owns one peer connection's wire and protocol state.
type Session struct {
	id        string
	w         wire.Wire
	mi        *metainfo.Metainfo
	scheduler *piece.Scheduler
	st        *stats.Stats
	store     storage.Storage
	mgr       *Manager
	log       *logrus.Entry

	mu              sync.Mutex
	state           connState
	peerBitfield    bitmap.Bitmap
	pipelineDepth   int
	lastBlockAt     time.Time
	dispatchedFirst bool
}

func newSession(id string, conn net.Conn, mi *metainfo.Metainfo, scheduler *piece.Scheduler, st *stats.Stats, store storage.Storage, mgr *Manager) *Session {
	return &Session{
		id:           id,
		w:            wire.New(conn, ioTimeout),
		mi:           mi,
		scheduler:    scheduler,
		st:           st,
		store:        store,
		mgr:          mgr,
		log:          logrus.WithField("peer", id),
		state:        connState{peerChoking: true, clientChoking: true},
		peerBitfield: bitmap.New(mi.NumPieces),
	}
}

// Info returns a snapshot of the session's negotiated state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{ID: s.id, PeerInterested: s.state.peerInterested, ClientChoking: s.state.clientChoking, PeerChoking: s.state.peerChoking}
}

// SendChoke chokes the peer if not already choked.
func (s *Session) SendChoke() error {
	s.mu.Lock()
	if s.state.clientChoking {
		s.mu.Unlock()
		return nil
	}
	s.state.clientChoking = true
	s.mu.Unlock()
	return s.w.SendChoke()
}

// SendUnchoke unchokes the peer if not already unchoked.
func (s *Session) SendUnchoke() error {
	s.mu.Lock()
	if !s.state.clientChoking {
		s.mu.Unlock()
		return nil
	}
	s.state.clientChoking = false
	s.mu.Unlock()
	return s.w.SendUnchoke()
}

// Run performs the handshake, exchanges the initial bitfield, and then
// services the connection until ctx is cancelled or the connection
// fails. weInitiated selects who speaks first in the handshake, per
// the BitTorrent wire protocol (spec §4.1).
func (s *Session) Run(ctx context.Context, weInitiated bool, ourPeerID [20]byte) error {
	defer s.close()

	if err := s.handshake(weInitiated, ourPeerID); err != nil {
		return err
	}
	if err := s.w.SendBitfield(s.scheduler.Bitfield()); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.keepAliveLoop(stop)

	errCh := make(chan error, 1)
	go s.requestWatchdogLoop(stop, errCh)

	go func() {
		for {
			msg, err := s.w.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			if msg.IsKeepAlive() {
				continue
			}
			if err := s.dispatch(msg); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		s.w.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Session) handshake(weInitiated bool, ourPeerID [20]byte) error {
	send := func() error { return s.w.SendHandshake(wire.Handshake{InfoHash: s.mi.InfoHash, PeerID: ourPeerID}) }
	recv := func() error {
		hs, err := s.w.ReadHandshake()
		if err != nil {
			return err
		}
		if hs.InfoHash != s.mi.InfoHash {
			return &bterrors.WireError{Kind: bterrors.HandshakeMismatch, Peer: s.id}
		}
		return nil
	}

	if weInitiated {
		if err := send(); err != nil {
			return err
		}
		return recv()
	}
	if err := recv(); err != nil {
		return err
	}
	return send()
}

func (s *Session) keepAliveLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(s.w.LastMessageSent()) >= keepAliveInterval {
				if err := s.w.SendKeepAlive(); err != nil {
					return
				}
			}
		}
	}
}

// requestWatchdogLoop closes the session if it has block requests
// outstanding and no block has arrived, and no new request has been
// sent, for requestTimeout: the peer has
// stopped making progress on the pipeline it accepted, and lingering
// past the timeout only delays reassigning those blocks to someone
// else (spec §4.2).
func (s *Session) requestWatchdogLoop(stop <-chan struct{}, errCh chan<- error) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			stalled := s.pipelineDepth > 0 && !s.lastBlockAt.IsZero() && time.Since(s.lastBlockAt) > requestTimeout
			s.mu.Unlock()
			if stalled {
				select {
				case errCh <- &bterrors.PeerTimeout{Peer: s.id, What: "block request"}:
				default:
				}
				return
			}
		}
	}
}

func (s *Session) dispatch(msg wire.Message) error {
	s.mu.Lock()
	isFirst := !s.dispatchedFirst
	s.dispatchedFirst = true
	s.mu.Unlock()

	switch msg.ID {
	case wire.Choke:
		s.mu.Lock()
		s.state.peerChoking = true
		s.mu.Unlock()
	case wire.Unchoke:
		s.mu.Lock()
		s.state.peerChoking = false
		s.mu.Unlock()
		return s.fillPipeline()
	case wire.Interested:
		s.mu.Lock()
		s.state.peerInterested = true
		s.mu.Unlock()
	case wire.NotInterested:
		s.mu.Lock()
		s.state.peerInterested = false
		s.mu.Unlock()
	case wire.Have:
		index, err := wire.ParseHave(msg.Payload)
		if err != nil {
			return &bterrors.WireError{Kind: bterrors.FramingViolation, Peer: s.id}
		}
		s.mu.Lock()
		s.peerBitfield.Set(index, true)
		s.mu.Unlock()
		s.scheduler.PeerHave(index)
		return s.maybeDeclareInterest()
	case wire.Bitfield:
		// Legal only as the first message after the handshake (spec §4.2).
		if !isFirst {
			return &bterrors.WireError{Kind: bterrors.ProtocolSequence, Peer: s.id}
		}
		if err := s.validateBitfield(msg.Payload); err != nil {
			return err
		}
		s.mu.Lock()
		for i := 0; i < s.mi.NumPieces; i++ {
			if msg.Payload[i/8]&(0x80>>uint(i%8)) != 0 {
				s.peerBitfield.Set(i, true)
			}
		}
		bf := s.peerBitfield
		s.mu.Unlock()
		s.scheduler.PeerBitfield(bf)
		return s.maybeDeclareInterest()
	case wire.Request:
		return s.handleRequest(msg.Payload)
	case wire.Piece:
		return s.handlePiece(msg.Payload)
	case wire.Cancel:
		// Requests are serviced synchronously in handleRequest, so
		// there is no queued work left to cancel by the time this
		// arrives; accepted as a no-op per spec §4.2.
	default:
		// Unknown ids are silently discarded: wire.ReadMessage already
		// consumed exactly the declared length, so there is nothing
		// left to do and no protocol violation to report (spec §4.1).
	}
	return nil
}

// validateBitfield rejects a bitfield payload whose length doesn't
// match the metainfo's piece count, or whose spare high bits (beyond
// the last real piece, in the final byte) are set (spec §4.1).
func (s *Session) validateBitfield(payload []byte) error {
	expectedLen := (s.mi.NumPieces + 7) / 8
	if len(payload) != expectedLen {
		return &bterrors.WireError{Kind: bterrors.FramingViolation, Peer: s.id}
	}
	spareBits := expectedLen*8 - s.mi.NumPieces
	if spareBits == 0 {
		return nil
	}
	mask := byte(0xFF) >> uint(8-spareBits)
	if payload[expectedLen-1]&mask != 0 {
		return &bterrors.WireError{Kind: bterrors.FramingViolation, Peer: s.id}
	}
	return nil
}

func (s *Session) maybeDeclareInterest() error {
	s.mu.Lock()
	bf := s.peerBitfield
	wasInterested := s.state.clientInterested
	s.mu.Unlock()

	needed := s.scheduler.NeedsAnythingFrom(bf)
	if needed == wasInterested {
		return nil
	}
	s.mu.Lock()
	s.state.clientInterested = needed
	s.mu.Unlock()
	if needed {
		return s.w.SendInterested()
	}
	return s.w.SendNotInterested()
}

func (s *Session) handleRequest(payload []byte) error {
	index, begin, length, err := wire.ParseRequest(payload)
	if err != nil {
		return &bterrors.WireError{Kind: bterrors.FramingViolation, Peer: s.id}
	}
	s.mu.Lock()
	choking, interested := s.state.clientChoking, s.state.peerInterested
	s.mu.Unlock()
	if choking || !interested {
		return nil
	}
	block, err := s.store.ReadBlock(index, begin, length)
	if err != nil {
		return err
	}
	if err := s.w.SendPiece(index, begin, block); err != nil {
		return err
	}
	s.st.AddUploaded(length)
	s.st.Peer(s.id).AddUploaded(length)
	return nil
}

func (s *Session) handlePiece(payload []byte) error {
	index, begin, block, err := wire.ParsePiece(payload)
	if err != nil {
		return &bterrors.WireError{Kind: bterrors.FramingViolation, Peer: s.id}
	}

	s.mu.Lock()
	s.pipelineDepth--
	if s.pipelineDepth < 0 {
		s.pipelineDepth = 0
	}
	s.lastBlockAt = time.Now()
	s.mu.Unlock()

	result, err := s.scheduler.Deliver(s.id, index, begin, block)
	if err != nil {
		// A verification failure discards the bytes but is not the
		// delivering peer's fault: don't penalize or disconnect it
		// (spec §4.3, "Failure semantics").
		s.st.Errors.Count(err)
		s.log.WithError(err).Debug("piece failed verification")
	}
	switch result {
	case piece.Accepted:
		s.st.AddDownloaded(len(block))
		s.st.Peer(s.id).AddDownloaded(len(block))
		if err != nil {
			s.st.AddWasted(len(block))
		}
	case piece.Duplicate:
		s.st.AddWasted(len(block))
	case piece.Rejected:
		return &bterrors.WireError{Kind: bterrors.ProtocolSequence, Peer: s.id}
	}

	return s.fillPipeline()
}

// fillPipeline tops up this peer's outstanding request count to
// MaxPipelineDepth, selecting blocks via the piece scheduler.
func (s *Session) fillPipeline() error {
	s.mu.Lock()
	choking := s.state.peerChoking
	depth := s.pipelineDepth
	bf := s.peerBitfield
	s.mu.Unlock()
	if choking {
		return nil
	}

	sent := false
	for depth < MaxPipelineDepth {
		req, ok := s.scheduler.NextRequest(s.id, bf)
		if !ok {
			break
		}
		if err := s.w.SendRequest(req.Index, req.Begin, req.Length); err != nil {
			return err
		}
		depth++
		sent = true
	}

	s.mu.Lock()
	s.pipelineDepth = depth
	if sent {
		s.lastBlockAt = time.Now()
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) close() {
	s.w.Close()
	s.mu.Lock()
	bf := s.peerBitfield
	s.mu.Unlock()
	s.scheduler.PeerGone(s.id, bf)
	s.st.RemovePeer(s.id)
	if s.mgr != nil {
		s.mgr.remove(s.id)
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s)", s.id)
}
