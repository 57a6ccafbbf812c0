// Package metainfo loads a bencoded metainfo descriptor and derives
// the values the rest of the client needs: the info digest, the piece
// count, and the logical file layout.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"github.com/Chaitanya-Shahare/leech/bencode"
	"github.com/Chaitanya-Shahare/leech/bterrors"
)

// File is one entry of a multi-file torrent's declared file tree, in
// the order it contributes to the logical byte stream.
type File struct {
	Length int64
	Path   []string
	Md5sum string
}

// Info is the bencoded `info` sub-dictionary.
type Info struct {
	PieceLength int64 `bencode:"piece length"`
	Pieces      string
	Name        string
	Length      int64
	Md5sum      string
	Private     int
	Files       []File
}

// Raw is the full decoded metainfo dictionary, field names matching
// the bencode keys spec §6 requires.
type Raw struct {
	Info         Info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int64      `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

// Metainfo is the immutable, derived view of a metainfo descriptor
// that the tracker client, scheduler, and storage layer consume.
type Metainfo struct {
	Raw         Raw
	InfoHash    [20]byte
	NumPieces   int
	TotalLength int64
}

// Load reads and parses the metainfo descriptor at path.
func Load(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		wrapped := bterrors.Wrap(err, "open "+path)
		return nil, &bterrors.MetainfoError{Reason: wrapped.Error(), Cause: wrapped}
	}
	defer f.Close()
	return LoadReader(f)
}

// LoadReader parses a metainfo descriptor from r, computing the info
// digest over the canonical bencoding of the `info` sub-dictionary
// (spec §6): decode once to isolate the `info` value, re-encode just
// that value canonically, and SHA-1 the result. This equals the digest
// of the original bytes when the source encoded `info` canonically.
func LoadReader(r io.ReadSeeker) (*Metainfo, error) {
	decoded, err := bencode.Decode(r)
	if err != nil {
		wrapped := bterrors.Wrap(err, "malformed bencode")
		return nil, &bterrors.MetainfoError{Reason: wrapped.Error(), Cause: wrapped}
	}
	topLevel, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, &bterrors.MetainfoError{Reason: "top-level value is not a dictionary"}
	}
	infoValue, ok := topLevel["info"]
	if !ok {
		return nil, &bterrors.MetainfoError{Reason: "missing required key \"info\""}
	}
	infoBytes, err := bencode.Encode(infoValue)
	if err != nil {
		wrapped := bterrors.Wrap(err, "could not re-encode info dict")
		return nil, &bterrors.MetainfoError{Reason: wrapped.Error(), Cause: wrapped}
	}
	infoHash := sha1.Sum(infoBytes)

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		wrapped := bterrors.Wrap(err, "seek")
		return nil, &bterrors.MetainfoError{Reason: wrapped.Error(), Cause: wrapped}
	}
	var raw Raw
	if err := bencode.Unmarshal(r, &raw); err != nil {
		wrapped := bterrors.Wrap(err, "malformed metainfo")
		return nil, &bterrors.MetainfoError{Reason: wrapped.Error(), Cause: wrapped}
	}

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, &bterrors.MetainfoError{Reason: fmt.Sprintf("pieces string length %d is not a multiple of 20", len(raw.Info.Pieces))}
	}
	if raw.Info.PieceLength <= 0 {
		return nil, &bterrors.MetainfoError{Reason: "piece length must be positive"}
	}

	mi := &Metainfo{
		Raw:       raw,
		InfoHash:  infoHash,
		NumPieces: len(raw.Info.Pieces) / 20,
	}
	if len(raw.Info.Files) > 0 {
		for _, f := range raw.Info.Files {
			mi.TotalLength += f.Length
		}
	} else {
		mi.TotalLength = raw.Info.Length
	}
	if mi.NumPieces == 0 {
		return nil, &bterrors.MetainfoError{Reason: "metainfo declares zero pieces"}
	}
	return mi, nil
}

// IsMultiFile reports whether the torrent describes a directory of
// files rather than a single file.
func (m *Metainfo) IsMultiFile() bool {
	return len(m.Raw.Info.Files) > 0
}

// Files returns the declared file list. For single-file mode this is
// synthesized as a single entry named Info.Name.
func (m *Metainfo) Files() []File {
	if m.IsMultiFile() {
		return m.Raw.Info.Files
	}
	return []File{{Length: m.Raw.Info.Length, Path: []string{m.Raw.Info.Name}}}
}

// PieceDigest returns the published SHA-1 digest for piece i.
func (m *Metainfo) PieceDigest(i int) [20]byte {
	var digest [20]byte
	copy(digest[:], m.Raw.Info.Pieces[20*i:20*(i+1)])
	return digest
}

// PieceLength returns the logical length of piece i: Info.PieceLength
// for every piece except the last, which is whatever remains of
// TotalLength.
func (m *Metainfo) PieceLength(i int) int64 {
	if i == m.NumPieces-1 {
		return m.TotalLength - int64(m.NumPieces-1)*m.Raw.Info.PieceLength
	}
	return m.Raw.Info.PieceLength
}

// AnnounceURLs flattens announce-list (if present) into a single
// priority-ordered slice, falling back to the single Announce key.
func (m *Metainfo) AnnounceURLs() []string {
	if len(m.Raw.AnnounceList) > 0 {
		urls := make([]string, 0, len(m.Raw.AnnounceList))
		for _, tier := range m.Raw.AnnounceList {
			urls = append(urls, tier...)
		}
		return urls
	}
	return []string{m.Raw.Announce}
}
