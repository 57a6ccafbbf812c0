// Package storage is the output sink: it maps the logical byte stream
// described by a metainfo's file list onto real files, splitting
// piece writes across file boundaries where they straddle one (spec
// §4.4, "Output writer").
package storage

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/Chaitanya-Shahare/leech/bterrors"
	"github.com/Chaitanya-Shahare/leech/metainfo"
	"github.com/spf13/afero"
)

// Storage is the piece scheduler's write-through target and the
// upload path's read source.
type Storage interface {
	// ReadBlock returns length bytes starting at the given byte offset
	// within piece pieceIndex, for servicing upload requests.
	ReadBlock(pieceIndex, begin, length int) ([]byte, error)
	// WritePiece writes the full, already-verified bytes of pieceIndex
	// at its logical offset, splitting across files as needed.
	WritePiece(pieceIndex int, data []byte) error
}

type fileSpan struct {
	file   afero.File
	length int64
	lock   *sync.Mutex
}

type randomAccess struct {
	fs          afero.Fs
	mi          *metainfo.Metainfo
	spans       []fileSpan
	pieceLength int64
}

// New creates (if absent) the declared file tree under root and
// returns a Storage backed by fs. root is the output path itself:
// single-file mode creates root as the one output file; multi-file
// mode creates root as a directory containing the declared sub-tree.
// Nothing is appended to root in either mode. Each file is
// truncated to its full declared length up front so writes at any
// offset succeed without a prior write at a lower offset (sparse
// where the filesystem supports it).
func New(fs afero.Fs, root string, mi *metainfo.Metainfo) (Storage, error) {
	ra := &randomAccess{fs: fs, mi: mi, pieceLength: mi.Raw.Info.PieceLength}

	if mi.IsMultiFile() {
		if err := fs.MkdirAll(root, 0o755); err != nil {
			wrapped := bterrors.Wrap(err, "mkdir "+root)
			return nil, &bterrors.IoError{Op: "mkdir", Reason: wrapped.Error(), Cause: wrapped}
		}
	} else if err := fs.MkdirAll(filepath.Dir(root), 0o755); err != nil && filepath.Dir(root) != "." {
		wrapped := bterrors.Wrap(err, "mkdir "+filepath.Dir(root))
		return nil, &bterrors.IoError{Op: "mkdir", Reason: wrapped.Error(), Cause: wrapped}
	}

	for _, f := range mi.Files() {
		var path string
		if mi.IsMultiFile() {
			path = SanitizedPath(root, f.Path)
			if dir := filepath.Dir(path); dir != "." {
				if err := fs.MkdirAll(dir, 0o755); err != nil {
					wrapped := bterrors.Wrap(err, "mkdir "+dir)
					return nil, &bterrors.IoError{Op: "mkdir", Reason: wrapped.Error(), Cause: wrapped}
				}
			}
		} else {
			path = root
		}

		handle, err := fs.OpenFile(path, osCreateReadWrite, 0o644)
		if err != nil {
			wrapped := bterrors.Wrap(err, "open "+path)
			return nil, &bterrors.IoError{Op: "open " + path, Reason: wrapped.Error(), Cause: wrapped}
		}
		if err := handle.Truncate(f.Length); err != nil {
			wrapped := bterrors.Wrap(err, "truncate "+path)
			return nil, &bterrors.IoError{Op: "truncate " + path, Reason: wrapped.Error(), Cause: wrapped}
		}
		ra.spans = append(ra.spans, fileSpan{file: handle, length: f.Length, lock: &sync.Mutex{}})
	}
	return ra, nil
}

// osCreateReadWrite mirrors os.O_CREATE|os.O_RDWR without importing
// "os" solely for the flag constants.
const osCreateReadWrite = 0x2 | 0x40 // O_RDWR | O_CREATE

func (ra *randomAccess) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	offset := int64(pieceIndex)*ra.pieceLength + int64(begin)
	out := make([]byte, 0, length)
	remaining := int64(length)

	spanIndex, localOffset, err := ra.locate(offset)
	if err != nil {
		return nil, err
	}
	for remaining > 0 {
		span := ra.spans[spanIndex]
		chunk := span.length - localOffset
		if chunk > remaining {
			chunk = remaining
		}
		buf := make([]byte, chunk)
		span.lock.Lock()
		_, err := span.file.ReadAt(buf, localOffset)
		span.lock.Unlock()
		if err != nil {
			wrapped := bterrors.Wrap(err, "read")
			return nil, &bterrors.IoError{Op: "read", Reason: wrapped.Error(), Cause: wrapped}
		}
		out = append(out, buf...)
		remaining -= chunk
		spanIndex++
		localOffset = 0
	}
	return out, nil
}

func (ra *randomAccess) WritePiece(pieceIndex int, data []byte) error {
	offset := int64(pieceIndex) * ra.pieceLength
	spanIndex, localOffset, err := ra.locate(offset)
	if err != nil {
		return err
	}

	for len(data) > 0 {
		span := ra.spans[spanIndex]
		writeLen := span.length - localOffset
		if writeLen > int64(len(data)) {
			writeLen = int64(len(data))
		}
		span.lock.Lock()
		_, err := span.file.WriteAt(data[:writeLen], localOffset)
		span.lock.Unlock()
		if err != nil {
			wrapped := bterrors.Wrap(err, "write")
			return &bterrors.IoError{Op: "write", Reason: wrapped.Error(), Cause: wrapped}
		}
		data = data[writeLen:]
		spanIndex++
		localOffset = 0
	}
	return nil
}

// locate maps a logical byte offset to a (span index, offset within
// that span) pair.
func (ra *randomAccess) locate(offset int64) (int, int64, error) {
	for i, span := range ra.spans {
		if offset < span.length {
			return i, offset, nil
		}
		offset -= span.length
	}
	return 0, 0, &bterrors.IoError{Op: "locate", Reason: "offset beyond declared content length"}
}

// SanitizedPath joins a torrent's file path components the way the
// teacher's storage layer did, guarding against a metainfo path
// component that tries to escape the output directory.
func SanitizedPath(root string, components []string) string {
	clean := make([]string, 0, len(components)+1)
	clean = append(clean, root)
	for _, c := range components {
		if c == "" || c == "." || c == ".." {
			continue
		}
		clean = append(clean, c)
	}
	return strings.Join(clean, string(filepath.Separator))
}
