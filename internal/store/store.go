// Package store owns the on-disk representation of a torrent's content:
// pre-allocating the declared files, writing verified pieces at their
// byte offsets, and tracking which pieces are present.
package store

import (
	"crypto/sha1"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mrigger/leech/internal/bitfield"
	"github.com/mrigger/leech/internal/metainfo"
)

// ErrHashMismatch is returned by Write when the supplied bytes do not
// hash to the piece's declared SHA-1 digest. The piece is left absent so
// another peer may supply it.
var ErrHashMismatch = errors.New("store: piece data does not match its declared hash")

type fileHandle struct {
	entry metainfo.FileEntry
	f     *os.File
}

// Store pre-allocates and writes a torrent's file set, verifying each
// piece's hash before marking it present.
type Store struct {
	meta  *metainfo.TorrentMeta
	files []fileHandle
	Have  *bitfield.Bitfield
}

// Allocate creates (if necessary) and opens every file declared in
// meta.Files under dir, pre-sized to its declared length, and returns a
// Store ready to accept writes. Existing files of the correct size are
// reopened as-is; this does not verify their contents (verification
// happens per piece in Write).
func Allocate(dir string, meta *metainfo.TorrentMeta) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "store: creating output directory")
	}
	handles := make([]fileHandle, 0, len(meta.Files))
	for _, fe := range meta.Files {
		path := filepath.Join(dir, filepath.FromSlash(fe.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "store: creating directory for %s", fe.Path)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "store: opening %s", fe.Path)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "store: stating %s", fe.Path)
		}
		if info.Size() != fe.Length {
			if err := f.Truncate(fe.Length); err != nil {
				f.Close()
				return nil, errors.Wrapf(err, "store: allocating %s", fe.Path)
			}
		}
		handles = append(handles, fileHandle{entry: fe, f: f})
	}
	return &Store{
		meta:  meta,
		files: handles,
		Have:  bitfield.New(meta.NumPieces()),
	}, nil
}

// Close closes every underlying file handle.
func (s *Store) Close() error {
	var firstErr error
	for _, fh := range s.files {
		if err := fh.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Write verifies data against the declared hash for piece index, and if
// it matches, writes it across the files it overlaps at their correct
// byte offsets and marks the piece present. On a hash mismatch it returns
// ErrHashMismatch without writing anything or marking the piece present.
func (s *Store) Write(index int, data []byte) error {
	if index < 0 || index >= s.meta.NumPieces() {
		return errors.Errorf("store: piece index %d out of range", index)
	}
	want := int(s.meta.PieceSize(index))
	if len(data) != want {
		return errors.Errorf("store: piece %d has %d bytes, expected %d", index, len(data), want)
	}
	sum := sha1.Sum(data)
	if sum != s.meta.Pieces[index] {
		return ErrHashMismatch
	}

	pieceStart := int64(index) * s.meta.PieceLength
	pieceEnd := pieceStart + int64(len(data))
	for _, fh := range s.files {
		fileStart := fh.entry.Start
		fileEnd := fileStart + fh.entry.Length
		if fileEnd <= pieceStart || fileStart >= pieceEnd {
			continue
		}
		overlapStart := max64(pieceStart, fileStart)
		overlapEnd := min64(pieceEnd, fileEnd)
		srcOffset := overlapStart - pieceStart
		dstOffset := overlapStart - fileStart
		n := overlapEnd - overlapStart
		if _, err := fh.f.WriteAt(data[srcOffset:srcOffset+n], dstOffset); err != nil {
			return errors.Wrapf(err, "store: writing piece %d to %s", index, fh.entry.Path)
		}
	}
	s.Have.Set(index)
	return nil
}

// Complete reports whether every piece has been written.
func (s *Store) Complete() bool { return s.Have.All() }

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
