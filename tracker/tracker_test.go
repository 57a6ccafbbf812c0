package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/Chaitanya-Shahare/leech/bencode"
	"github.com/Chaitanya-Shahare/leech/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bencodeAnnounceReply(t *testing.T, peers []byte, interval int32) []byte {
	t.Helper()
	reply := map[string]interface{}{
		"interval":   interval,
		"incomplete": int32(3),
		"complete":   int32(7),
		"peers":      string(peers),
	}
	raw, err := bencode.Encode(reply)
	require.NoError(t, err)
	return raw
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	peers := []byte{192, 168, 1, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	reply := bencodeAnnounceReply(t, peers, 1800)

	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write(reply)
	}))
	defer server.Close()

	mi := &metainfo.Metainfo{}
	mi.Raw.Announce = server.URL
	mi.InfoHash = [20]byte{1, 2, 3}

	c := New(mi, [20]byte{4, 5, 6}, 6881)
	result, err := c.Announce(context.Background(), Started, 0, 0, 1000)
	require.NoError(t, err)

	assert.Equal(t, []string{"192.168.1.1:6881", "10.0.0.2:6882"}, result.Peers)
	assert.Equal(t, 3, result.Leechers)
	assert.Equal(t, 7, result.Seeders)
	assert.EqualValues(t, 1800, result.Interval.Seconds())
	assert.Equal(t, "started", gotQuery.Get("event"))
	assert.Equal(t, "1", gotQuery.Get("compact"))
	assert.Equal(t, "1000", gotQuery.Get("left"))
}

func TestAnnounceSurfacesTrackerFailureReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := bencode.Encode(map[string]interface{}{"failure reason": "unregistered torrent"})
		w.Write(raw)
	}))
	defer server.Close()

	mi := &metainfo.Metainfo{}
	mi.Raw.Announce = server.URL
	mi.InfoHash = [20]byte{1}

	c := New(mi, [20]byte{2}, 6881)
	_, err := c.Announce(context.Background(), Started, 0, 0, 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered torrent")
}

func TestAnnounceSkipsNonHTTPAnnounceURLs(t *testing.T) {
	mi := &metainfo.Metainfo{}
	mi.Raw.AnnounceList = [][]string{{"udp://tracker.example.com:80"}}
	mi.InfoHash = [20]byte{1}

	c := New(mi, [20]byte{2}, 6881)
	_, err := c.Announce(context.Background(), Started, 0, 0, 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no usable HTTP announce URL")
}
