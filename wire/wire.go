// Package wire implements the BitTorrent peer wire protocol: the
// opening handshake and the length-prefixed post-handshake message
// framing (spec §4.1).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Chaitanya-Shahare/leech/bterrors"
)

// Message ids, spec §4.1.
const (
	Choke         = 0
	Unchoke       = 1
	Interested    = 2
	NotInterested = 3
	Have          = 4
	Bitfield      = 5
	Request       = 6
	Piece         = 7
	Cancel        = 8
)

const (
	protocolLabel = "BitTorrent protocol"
	handshakeLen  = 68
	// MaxMessageLen bounds a single message body: a 128 KiB block reply
	// plus the 9-byte piece-message header, per spec §4.1.
	MaxMessageLen = 1<<17 + 9
)

// Handshake is the 68-byte opening exchange.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Message is one post-handshake frame: an id plus its payload.
// A keep-alive is represented as ID == -1 with a nil Payload.
type Message struct {
	ID      int
	Payload []byte
}

const keepAlive = -1

// IsKeepAlive reports whether m is the empty keep-alive frame.
func (m Message) IsKeepAlive() bool { return m.ID == keepAlive }

// Wire frames the handshake and post-handshake messages of a single
// peer connection.
type Wire interface {
	SendHandshake(h Handshake) error
	ReadHandshake() (Handshake, error)

	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(pieceIndex int) error
	SendBitfield(bitfield []byte) error
	SendRequest(index, begin, length int) error
	SendPiece(index, begin int, block []byte) error
	SendCancel(index, begin, length int) error

	ReadMessage() (Message, error)

	LastMessageSent() time.Time
	Close() error
}

type wire struct {
	conn            net.Conn
	timeout         time.Duration
	lastMessageSent time.Time
}

// New wraps conn in a Wire that applies timeout as both the read and
// write deadline for every operation.
func New(conn net.Conn, timeout time.Duration) Wire {
	return &wire{conn: conn, timeout: timeout}
}

func (w *wire) Close() error { return w.conn.Close() }

func (w *wire) LastMessageSent() time.Time { return w.lastMessageSent }

func (w *wire) SendHandshake(h Handshake) error {
	buf := &bytes.Buffer{}
	buf.WriteByte(19)
	buf.WriteString(protocolLabel)
	buf.Write(make([]byte, 8))
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])
	return w.write(buf.Bytes())
}

func (w *wire) ReadHandshake() (Handshake, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeout))
	data := make([]byte, handshakeLen)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return Handshake{}, err
	}
	if data[0] != 19 || string(data[1:20]) != protocolLabel {
		return Handshake{}, &bterrors.WireError{Kind: bterrors.HandshakeMismatch, Peer: w.conn.RemoteAddr().String()}
	}
	var h Handshake
	copy(h.InfoHash[:], data[28:48])
	copy(h.PeerID[:], data[48:68])
	return h, nil
}

func (w *wire) SendKeepAlive() error {
	return w.write(encodeLength(0))
}

func (w *wire) SendChoke() error         { return w.sendSimple(Choke) }
func (w *wire) SendUnchoke() error       { return w.sendSimple(Unchoke) }
func (w *wire) SendInterested() error    { return w.sendSimple(Interested) }
func (w *wire) SendNotInterested() error { return w.sendSimple(NotInterested) }

func (w *wire) sendSimple(id byte) error {
	buf := &bytes.Buffer{}
	buf.Write(encodeLength(1))
	buf.WriteByte(id)
	return w.write(buf.Bytes())
}

func (w *wire) SendHave(pieceIndex int) error {
	buf := &bytes.Buffer{}
	buf.Write(encodeLength(5))
	buf.WriteByte(Have)
	binary.Write(buf, binary.BigEndian, uint32(pieceIndex))
	return w.write(buf.Bytes())
}

func (w *wire) SendBitfield(bitfield []byte) error {
	buf := &bytes.Buffer{}
	buf.Write(encodeLength(1 + len(bitfield)))
	buf.WriteByte(Bitfield)
	buf.Write(bitfield)
	return w.write(buf.Bytes())
}

func (w *wire) SendRequest(index, begin, length int) error {
	buf := &bytes.Buffer{}
	buf.Write(encodeLength(13))
	buf.WriteByte(Request)
	binary.Write(buf, binary.BigEndian, uint32(index))
	binary.Write(buf, binary.BigEndian, uint32(begin))
	binary.Write(buf, binary.BigEndian, uint32(length))
	return w.write(buf.Bytes())
}

func (w *wire) SendPiece(index, begin int, block []byte) error {
	buf := &bytes.Buffer{}
	buf.Write(encodeLength(9 + len(block)))
	buf.WriteByte(Piece)
	binary.Write(buf, binary.BigEndian, uint32(index))
	binary.Write(buf, binary.BigEndian, uint32(begin))
	buf.Write(block)
	return w.write(buf.Bytes())
}

func (w *wire) SendCancel(index, begin, length int) error {
	buf := &bytes.Buffer{}
	buf.Write(encodeLength(13))
	buf.WriteByte(Cancel)
	binary.Write(buf, binary.BigEndian, uint32(index))
	binary.Write(buf, binary.BigEndian, uint32(begin))
	binary.Write(buf, binary.BigEndian, uint32(length))
	return w.write(buf.Bytes())
}

func encodeLength(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func (w *wire) write(msg []byte) error {
	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	_, err := w.conn.Write(msg)
	return err
}

// ReadMessage reads exactly one frame: a 4-byte length prefix followed
// by that many bytes. A length of 0 is the keep-alive. A length beyond
// MaxMessageLen is rejected with an OversizeMessage WireError before
// the body is read — the caller must close the session.
func (w *wire) ReadMessage() (Message, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeout))

	var length uint32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return Message{}, err
	}
	if length == 0 {
		return Message{ID: keepAlive}, nil
	}
	if length > MaxMessageLen {
		return Message{}, &bterrors.WireError{Kind: bterrors.OversizeMessage, Peer: w.conn.RemoteAddr().String()}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(w.conn, body); err != nil {
		return Message{}, err
	}
	return Message{ID: int(body[0]), Payload: body[1:]}, nil
}

// ParseHave extracts the piece index from a have payload.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("have payload must be 4 bytes, got %d", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// ParseRequest extracts (index, begin, length) from a request or cancel payload.
func ParseRequest(payload []byte) (index, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("request payload must be 12 bytes, got %d", len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece extracts (index, begin, block) from a piece payload.
func ParsePiece(payload []byte) (index, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("piece payload must be at least 8 bytes, got %d", len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	block = payload[8:]
	return index, begin, block, nil
}
