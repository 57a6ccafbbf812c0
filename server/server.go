// Package server accepts inbound peer connections on an ephemeral
// port, handed off to the peer manager for handshake and dispatch
// (spec §4.6, "Incoming connections").
package server

import (
	"context"
	"net"

	"github.com/Chaitanya-Shahare/leech/peer"
	"github.com/sirupsen/logrus"
)

// Server listens for inbound peer connections and hands each one to a
// peer.Manager.
type Server struct {
	listener net.Listener
	mgr      *peer.Manager
	log      *logrus.Entry
}

// New binds an ephemeral TCP port and returns a Server ready to Serve.
func New(mgr *peer.Manager) (*Server, error) {
	listener, err := net.Listen("tcp4", "")
	if err != nil {
		return nil, err
	}
	return &Server{listener: listener, mgr: mgr, log: logrus.WithField("component", "server")}, nil
}

// Port returns the bound listener's port, for announcing to the
// tracker.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close releases the listener without waiting for Serve's context to
// be cancelled, used by callers that never start Serve (e.g. tests
// that only need the bound port).
func (s *Server) Close() error {
	return s.listener.Close()
}

// Serve accepts connections until ctx is cancelled or the listener
// closes. Each accepted connection is handed to the manager in its
// own goroutine.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		go func() {
			if err := s.mgr.Accept(ctx, conn); err != nil {
				s.log.WithError(err).WithField("peer", conn.RemoteAddr().String()).Debug("inbound session ended")
			}
		}()
	}
}
