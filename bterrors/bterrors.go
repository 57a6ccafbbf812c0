// Package bterrors holds the error taxonomy shared across the client.
//
// Each class is a distinct type so callers can branch with errors.As
// instead of string matching, while pkg/errors.Wrap preserves a stack
// at the point a package first observes the failure.
package bterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Wrap annotates err with msg and, if err does not already carry one, a
// stack trace taken at the call site. Packages call this before boxing the
// result in one of this package's taxonomy types, so logging the taxonomy
// error with "%+v" prints the stack from the point the failure was first
// observed rather than from wherever it was last handled.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// MetainfoError wraps a failure to parse or validate a metainfo descriptor.
// It always aborts before any peer activity.
type MetainfoError struct {
	Reason string
	Cause  error
}

func (e *MetainfoError) Error() string {
	return fmt.Sprintf("metainfo: %s", e.Reason)
}

func (e *MetainfoError) Unwrap() error {
	return e.Cause
}

// TrackerError wraps a failure to announce to, or parse a reply from, a tracker.
type TrackerError struct {
	Tracker string
	Reason  string
	Cause   error
}

func (e *TrackerError) Error() string {
	return fmt.Sprintf("tracker %s: %s", e.Tracker, e.Reason)
}

func (e *TrackerError) Unwrap() error {
	return e.Cause
}

// WireKind distinguishes the ways a peer connection can violate the protocol.
type WireKind int

const (
	HandshakeMismatch WireKind = iota
	FramingViolation
	OversizeMessage
	ProtocolSequence
)

func (k WireKind) String() string {
	switch k {
	case HandshakeMismatch:
		return "handshake mismatch"
	case FramingViolation:
		return "framing violation"
	case OversizeMessage:
		return "oversize message"
	case ProtocolSequence:
		return "protocol sequence violation"
	default:
		return "unknown wire error"
	}
}

// WireError reports a protocol-level violation on a single peer connection.
// It terminates that session only.
type WireError struct {
	Kind WireKind
	Peer string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("wire: %s (peer %s)", e.Kind, e.Peer)
}

// PeersExhausted reports that the tracker's peer list, and every
// currently connected peer, has been exhausted before every piece was
// verified: there is nowhere left to look for the remaining pieces.
type PeersExhausted struct{}

func (e *PeersExhausted) Error() string {
	return "no peers left to try before the download completed"
}

// PeerTimeout reports a handshake, request, or idle timeout on a session.
type PeerTimeout struct {
	Peer string
	What string
}

func (e *PeerTimeout) Error() string {
	return fmt.Sprintf("peer %s timed out waiting for %s", e.Peer, e.What)
}

// VerificationFailed reports a piece whose SHA-1 did not match the metainfo digest.
// Recovered internally by resetting the piece to Missing.
type VerificationFailed struct {
	PieceIndex int
}

func (e *VerificationFailed) Error() string {
	return fmt.Sprintf("piece %d failed verification", e.PieceIndex)
}

// IoError wraps a failure writing to, or reading from, the output sink.
// Fatal when it occurs on the output sink.
type IoError struct {
	Op     string
	Reason string
	Cause  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io %s: %s", e.Op, e.Reason)
}

func (e *IoError) Unwrap() error {
	return e.Cause
}

// Counters tallies how many times each error class has been observed,
// surfaced in the termination summary (spec §7).
type Counters struct {
	Metainfo     int
	Tracker      int
	Wire         int
	PeerTimeout  int
	Verification int
	Io           int
}

// Count increments the counter matching err's taxonomy class.
// Unrecognized errors are silently ignored by design: this is a tally,
// not a catch-all logger.
func (c *Counters) Count(err error) {
	switch err.(type) {
	case *MetainfoError:
		c.Metainfo++
	case *TrackerError:
		c.Tracker++
	case *WireError:
		c.Wire++
	case *PeerTimeout:
		c.PeerTimeout++
	case *VerificationFailed:
		c.Verification++
	case *IoError:
		c.Io++
	}
}
