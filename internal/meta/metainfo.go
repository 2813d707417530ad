// Package meta defines the metainfo snapshot a Torrent is constructed
// from. Parsing a .torrent file into this shape is out of scope for this
// module (spec.md §1) — callers hand in an already-parsed Metainfo.
package meta

import "crypto/sha1"

// Metainfo is the subset of a parsed .torrent file the scheduler needs:
// piece geometry, per-piece hashes, and the file layout of the virtual
// flat content space (spec.md §3, §6).
type Metainfo struct {
	// InfoHash identifies the swarm.
	InfoHash [sha1.Size]byte

	// AnnounceURL is the tracker's announce endpoint.
	AnnounceURL string

	// Name is the torrent's display/suggested directory name.
	Name string

	// PieceLength is the length in bytes of every piece except possibly
	// the last.
	PieceLength int32

	// TotalLength is the sum of all file lengths (the virtual flat space
	// size).
	TotalLength int64

	// PieceHashes holds the expected SHA-1 digest of every piece, indexed
	// by piece index.
	PieceHashes [][sha1.Size]byte

	// Files lists the on-disk layout in metainfo order. A single-file
	// torrent has exactly one entry.
	Files []FileEntry
}

// FileEntry is one file within the virtual flat content space.
type FileEntry struct {
	// Path is relative to <torrent>/content/ (spec.md §6).
	Path string
	// Offset is this file's start offset within the flat space.
	Offset int64
	// Length is this file's length in bytes.
	Length int64
}

// PieceCount returns the number of pieces, i.e. the number of entries in
// PieceHashes.
func (m *Metainfo) PieceCount() int {
	return len(m.PieceHashes)
}

// PieceByteLength returns the byte length of piece index, accounting for
// a short last piece when TotalLength isn't an exact multiple of
// PieceLength.
func (m *Metainfo) PieceByteLength(index int) int32 {
	if index == m.PieceCount()-1 {
		if rem := m.TotalLength % int64(m.PieceLength); rem != 0 {
			return int32(rem)
		}
	}
	return m.PieceLength
}
