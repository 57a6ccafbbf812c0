// Package tracker implements the HTTP tracker announce protocol: compact
// peer list parsing and the started/stopped/completed event lifecycle
// (spec §4.5).
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Chaitanya-Shahare/leech/bencode"
	"github.com/Chaitanya-Shahare/leech/bterrors"
	"github.com/Chaitanya-Shahare/leech/metainfo"
	"github.com/sirupsen/logrus"
)

// Event is the tracker announce event, spec §4.5.
type Event int

const (
	None Event = iota
	Started
	Stopped
	Completed
)

func (e Event) queryValue() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}

// maxAttemptsPerURL bounds how many times a single announce URL is
// retried with exponential backoff before moving to the next tier.
const maxAttemptsPerURL = 5

const initialBackoff = 1 * time.Second
const maxBackoff = 30 * time.Second

// AnnounceResult is a successful tracker reply, spec §4.5.
type AnnounceResult struct {
	Interval time.Duration
	Leechers int
	Seeders  int
	Peers    []string // "ip:port"
}

type announceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int32
	Leechers      int32 `bencode:"incomplete"`
	Seeders       int32 `bencode:"complete"`
	Peers         string
}

// Client announces this download's progress to the metainfo's
// announce URL(s) and retrieves compact peer lists.
type Client struct {
	mi      *metainfo.Metainfo
	peerID  [20]byte
	port    uint16
	numWant int
	key     int32
	http    *http.Client
	log     *logrus.Entry
}

// New creates a tracker client for mi, identifying this client as
// peerID and listening for incoming connections on port (0 if the
// listener is disabled).
func New(mi *metainfo.Metainfo, peerID [20]byte, port uint16) *Client {
	return &Client{
		mi:      mi,
		peerID:  peerID,
		port:    port,
		numWant: 50,
		key:     rand.Int31(),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     logrus.WithField("component", "tracker"),
	}
}

// Announce sends a single announce event, trying every announce URL
// in priority order and retrying each with exponential backoff
// (1s, 2s, 4s, 8s, capped at 30s) before falling through to the next
// tier, per spec §4.5.
func (c *Client) Announce(ctx context.Context, event Event, uploaded, downloaded, left int64) (AnnounceResult, error) {
	urls := c.mi.AnnounceURLs()
	var lastErr error
	var lastURL string

	for _, u := range urls {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			c.log.WithField("url", u).Debug("skipping non-HTTP announce URL")
			continue
		}
		lastURL = u
		backoff := initialBackoff
		for attempt := 0; attempt < maxAttemptsPerURL; attempt++ {
			result, err := c.announceOnce(ctx, u, event, uploaded, downloaded, left)
			if err == nil {
				return result, nil
			}
			lastErr = err
			c.log.WithError(err).WithField("url", u).WithField("attempt", attempt).Warn("announce failed")

			if attempt == maxAttemptsPerURL-1 {
				break
			}
			select {
			case <-ctx.Done():
				return AnnounceResult{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable HTTP announce URL in metainfo")
	}
	wrapped := bterrors.Wrap(lastErr, "announce")
	return AnnounceResult{}, &bterrors.TrackerError{Tracker: lastURL, Reason: wrapped.Error(), Cause: wrapped}
}

func (c *Client) announceOnce(ctx context.Context, trackerURL string, event Event, uploaded, downloaded, left int64) (AnnounceResult, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return AnnounceResult{}, err
	}

	q := u.Query()
	q.Set("info_hash", string(c.mi.InfoHash[:]))
	q.Set("peer_id", string(c.peerID[:]))
	q.Set("uploaded", strconv.FormatInt(uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(downloaded, 10))
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("key", strconv.Itoa(int(c.key)))
	q.Set("numwant", strconv.Itoa(c.numWant))
	q.Set("port", strconv.Itoa(int(c.port)))
	q.Set("compact", "1")
	if ev := event.queryValue(); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return AnnounceResult{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return AnnounceResult{}, err
	}
	defer resp.Body.Close()

	var parsed announceResponse
	if err := bencode.Unmarshal(resp.Body, &parsed); err != nil {
		return AnnounceResult{}, fmt.Errorf("malformed tracker reply: %w", err)
	}
	if parsed.FailureReason != "" {
		return AnnounceResult{}, fmt.Errorf("tracker failure: %s", parsed.FailureReason)
	}

	peers, err := parseCompactPeers([]byte(parsed.Peers))
	if err != nil {
		return AnnounceResult{}, err
	}

	return AnnounceResult{
		Interval: time.Duration(parsed.Interval) * time.Second,
		Leechers: int(parsed.Leechers),
		Seeders:  int(parsed.Seeders),
		Peers:    peers,
	}, nil
}

// parseCompactPeers splits a compact peer string into "ip:port"
// entries, 6 bytes per peer: 4-byte big-endian IPv4 plus 2-byte
// big-endian port (spec §4.5).
func parseCompactPeers(raw []byte) ([]string, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of 6", len(raw))
	}
	peers := make([]string, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, fmt.Sprintf("%s:%d", ip.String(), port))
	}
	return peers, nil
}
