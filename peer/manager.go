package peer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/Chaitanya-Shahare/leech/metainfo"
	"github.com/Chaitanya-Shahare/leech/piece"
	"github.com/Chaitanya-Shahare/leech/stats"
	"github.com/Chaitanya-Shahare/leech/storage"
	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
)

// MaxPeers bounds the number of simultaneously connected sessions
// (spec §4.3).
const MaxPeers = 50

// Manager tracks every live session, enforces the connection cap and
// the ban list, and fans broadcasts (have, shutdown) out to all of
// them.
type Manager struct {
	mu          sync.RWMutex
	mi          *metainfo.Metainfo
	scheduler   *piece.Scheduler
	st          *stats.Stats
	store       storage.Storage
	sessions    map[string]*Session
	bannedPeers mapset.Set
	ourPeerID   [20]byte
	log         *logrus.Entry
}

// NewManager creates a Manager for one download.
func NewManager(mi *metainfo.Metainfo, scheduler *piece.Scheduler, st *stats.Stats, store storage.Storage, ourPeerID [20]byte) *Manager {
	return &Manager{
		mi:          mi,
		scheduler:   scheduler,
		st:          st,
		store:       store,
		sessions:    make(map[string]*Session),
		bannedPeers: mapset.NewSet(),
		ourPeerID:   ourPeerID,
		log:         logrus.WithField("component", "peer-manager"),
	}
}

// Count returns the number of currently connected sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns a snapshot slice of every live session.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Ban permanently excludes id from future connection attempts, for
// protocol-level violations (spec §4.3). Verification failures are
// explicitly NOT grounds for banning (spec §4.3).
func (m *Manager) Ban(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bannedPeers.Add(id)
}

func (m *Manager) isBanned(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bannedPeers.Contains(id)
}

// BroadcastHave sends have(index) to every connected, handshaked
// session (spec §4.4).
func (m *Manager) BroadcastHave(index int) {
	for _, s := range m.List() {
		s.w.SendHave(index)
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Connect dials id ("ip:port"), runs the session to completion, and
// removes it from the manager on exit. Blocks until the session ends;
// callers run it in its own goroutine.
func (m *Manager) Connect(ctx context.Context, id string, dialTimeout time.Duration) error {
	if m.isBanned(id) {
		return nil
	}
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok || len(m.sessions) >= MaxPeers {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := net.DialTimeout("tcp", id, dialTimeout)
	if err != nil {
		return err
	}
	s := newSession(id, conn, m.mi, m.scheduler, m.st, m.store, m)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s.Run(ctx, true, m.ourPeerID)
}

// Accept wraps an already-accepted inbound connection in a session and
// runs it to completion, for peers that connect to our listener (spec
// §4.6, "Incoming connections").
func (m *Manager) Accept(ctx context.Context, conn net.Conn) error {
	id := conn.RemoteAddr().String()
	if m.isBanned(id) {
		conn.Close()
		return nil
	}
	m.mu.Lock()
	if len(m.sessions) >= MaxPeers {
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	s := newSession(id, conn, m.mi, m.scheduler, m.st, m.store, m)
	m.sessions[id] = s
	m.mu.Unlock()

	return s.Run(ctx, false, m.ourPeerID)
}

// Shutdown closes every live session, used during the bounded shutdown
// sequence (spec §4.6).
func (m *Manager) Shutdown() {
	for _, s := range m.List() {
		s.w.Close()
	}
}
