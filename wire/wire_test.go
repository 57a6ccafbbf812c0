package wire

import (
	"net"
	"testing"
	"time"

	"github.com/Chaitanya-Shahare/leech/bterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeSymmetryMatchingDigest(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := New(clientConn, time.Second)
	server := New(serverConn, time.Second)

	infoHash := [20]byte{1, 2, 3}
	clientPeerID := [20]byte{9}
	serverPeerID := [20]byte{8}

	done := make(chan error, 1)
	go func() {
		done <- client.SendHandshake(Handshake{InfoHash: infoHash, PeerID: clientPeerID})
	}()

	received, err := server.ReadHandshake()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, infoHash, received.InfoHash)
	assert.Equal(t, clientPeerID, received.PeerID)

	go func() {
		done <- server.SendHandshake(Handshake{InfoHash: infoHash, PeerID: serverPeerID})
	}()
	back, err := client.ReadHandshake()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, serverPeerID, back.PeerID)
}

func TestHandshakeMismatchRejectsBadProtocolLabel(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := New(serverConn, time.Second)

	go func() {
		malformed := append([]byte{19}, []byte("Not the BT protocol")...)
		malformed = append(malformed, make([]byte, 8+20+20)...)
		clientConn.Write(malformed[:68])
	}()

	_, err := server.ReadHandshake()
	require.Error(t, err)
	wireErr, ok := err.(*bterrors.WireError)
	require.True(t, ok)
	assert.Equal(t, bterrors.HandshakeMismatch, wireErr.Kind)
}

func TestMessageRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := New(clientConn, time.Second)
	server := New(serverConn, time.Second)

	go client.SendRequest(3, 16384, 16384)

	msg, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, Request, msg.ID)

	index, begin, length, err := ParseRequest(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)
}

func TestKeepAliveHasNoBody(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := New(clientConn, time.Second)
	server := New(serverConn, time.Second)

	go client.SendKeepAlive()

	msg, err := server.ReadMessage()
	require.NoError(t, err)
	assert.True(t, msg.IsKeepAlive())
}

func TestOversizeMessageIsRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := New(serverConn, time.Second)

	go func() {
		clientConn.Write(encodeLength(MaxMessageLen + 1))
	}()

	_, err := server.ReadMessage()
	require.Error(t, err)
	wireErr, ok := err.(*bterrors.WireError)
	require.True(t, ok)
	assert.Equal(t, bterrors.OversizeMessage, wireErr.Kind)
}
