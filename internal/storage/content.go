package storage

import (
	"crypto/sha1"
	"os"

	"github.com/kdriss/burrow/internal/errs"
)

// FlatFileStore implements scheduler.ContentStore over a single flat
// file representing the torrent's virtual byte space (spec.md §6: file
// boundary splitting for multi-file torrents is out of scope here,
// mirroring spec.md's own "on-disk block I/O" non-goal — this exists
// only so scheduler.Torrent has a concrete collaborator to exercise).
type FlatFileStore struct {
	f           *os.File
	pieceLength int32
}

// OpenFlatFileStore opens (creating if absent) the flat content file at
// path, preallocated to size bytes.
func OpenFlatFileStore(path string, size int64, pieceLength int32) (*FlatFileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "open content file")
	}

	if fi, err := f.Stat(); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IO, err, "stat content file")
	} else if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.IO, err, "grow content file")
		}
	}

	return &FlatFileStore{f: f, pieceLength: pieceLength}, nil
}

// WriteBlock implements scheduler.ContentStore.
func (s *FlatFileStore) WriteBlock(pieceIndex int, begin int32, data []byte) error {
	off := int64(pieceIndex)*int64(s.pieceLength) + int64(begin)
	if _, err := s.f.WriteAt(data, off); err != nil {
		return errs.Wrap(errs.IO, err, "write block")
	}
	return nil
}

// ReadBlock implements scheduler.ContentStore: reads length bytes at begin
// within pieceIndex, serving an inbound REQUEST (spec.md §6).
func (s *FlatFileStore) ReadBlock(pieceIndex int, begin, length int32) ([]byte, error) {
	buf := make([]byte, length)
	off := int64(pieceIndex)*int64(s.pieceLength) + int64(begin)
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return nil, errs.Wrap(errs.IO, err, "read block")
	}
	return buf, nil
}

// VerifyPiece implements scheduler.ContentStore: reads the piece back
// from disk and compares its SHA-1 digest against expect.
func (s *FlatFileStore) VerifyPiece(pieceIndex int, expect [sha1.Size]byte, length int32) (bool, error) {
	buf := make([]byte, length)
	off := int64(pieceIndex) * int64(s.pieceLength)
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return false, errs.Wrap(errs.IO, err, "read piece for verification")
	}
	return sha1.Sum(buf) == expect, nil
}

// Close closes the underlying file.
func (s *FlatFileStore) Close() error {
	return s.f.Close()
}
