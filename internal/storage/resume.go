// Package storage implements the on-disk collaborators spec.md §6 leaves
// external: resume-file persistence (concrete, since spec.md names its
// exact byte layout) and the flat-file content store (interface only in
// spec.md, given a minimal concrete implementation here so the module
// builds end to end).
package storage

import (
	"math"
	"os"

	"github.com/kdriss/burrow/internal/errs"
	"github.com/kdriss/burrow/pkg/bitfield"
	"golang.org/x/sys/unix"
)

// resumeBlockGranularity is the resume file's per-piece block-presence
// chunk size (spec.md §6): 128 KiB, distinct from the 16 KiB wire
// BLOCKLEN. btpd's torrent.c calls this ceil(piece_length/2^17).
const resumeBlockGranularity = 128 * 1024

// Resume memory-maps a fixed-layout file tracking have_field and, per
// piece, which 128 KiB chunks are present on disk (spec.md §6, §9's
// resume-file lifecycle). The mapping is MAP_SHARED, so anything written
// into it is visible to the file immediately. HaveField returns a copy of
// the mapped bytes, so have_field reaches the mapping only through Flush
// (called from on_ok_piece and unload).
type Resume struct {
	mem        []byte
	haveBytes  int
	chunksPer  int
	pieceCount int
}

// layout returns the exact byte size of the resume file for a torrent of
// pieceCount pieces of pieceLength bytes, mirroring btpd's
// torrent_load2: ceil(n/8) + n*ceil(piece_length/131072).
func layout(pieceCount int, pieceLength int32) (haveBytes, chunksPerPiece, total int) {
	haveBytes = (pieceCount + 7) / 8
	chunksPerPiece = int(math.Ceil(float64(pieceLength) / resumeBlockGranularity))
	total = haveBytes + pieceCount*chunksPerPiece
	return
}

// Open mmaps the resume file at path, creating and zero-filling it if
// absent. A file that exists with the wrong size refuses to load
// (errs.Config, spec.md §7) rather than silently truncating or growing
// it: a size mismatch almost certainly means a stale resume file from a
// different torrent.
func Open(path string, pieceCount int, pieceLength int32) (*Resume, error) {
	haveBytes, chunksPerPiece, total := layout(pieceCount, pieceLength)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "open resume file")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "stat resume file")
	}

	if fi.Size() == 0 {
		if err := f.Truncate(int64(total)); err != nil {
			return nil, errs.Wrap(errs.IO, err, "grow resume file")
		}
	} else if fi.Size() != int64(total) {
		return nil, errs.New(errs.Config, "resume file has wrong size for this torrent")
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "mmap resume file")
	}

	return &Resume{
		mem:        mem,
		haveBytes:  haveBytes,
		chunksPer:  chunksPerPiece,
		pieceCount: pieceCount,
	}, nil
}

// Close unmaps the resume file. The mapping being MAP_SHARED means every
// prior write is already durable in the page cache; Close only releases
// the address space.
func (r *Resume) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// HaveField returns the persisted have_field, reconstructed from the
// mapping (btpd's torrent_load3 popcounts this to seed have_npieces).
func (r *Resume) HaveField() bitfield.Bitfield {
	return bitfield.FromBytes(r.mem[:r.haveBytes])
}

// BlockPresent reports whether the 128 KiB chunk at (pieceIndex, chunk)
// has been marked present by MarkBlockPresent (the per-block area mirrors
// btpd's block_field). Nothing in this module reads it on load:
// pieces_in_progress is not reconstructed from it across a restart.
func (r *Resume) BlockPresent(pieceIndex, chunk int) bool {
	if pieceIndex < 0 || pieceIndex >= r.pieceCount || chunk < 0 || chunk >= r.chunksPer {
		return false
	}
	off := r.haveBytes + pieceIndex*r.chunksPer + chunk
	return r.mem[off] != 0
}

// MarkBlockPresent records that chunk of pieceIndex has been written to
// disk, independent of piece-level verification.
func (r *Resume) MarkBlockPresent(pieceIndex, chunk int) {
	if pieceIndex < 0 || pieceIndex >= r.pieceCount || chunk < 0 || chunk >= r.chunksPer {
		return
	}
	r.mem[r.haveBytes+pieceIndex*r.chunksPer+chunk] = 1
}

// ChunkForBlock maps a wire-granularity block offset to its resume-file
// 128 KiB chunk index.
func ChunkForBlock(begin int32) int {
	return int(begin) / resumeBlockGranularity
}

// Flush implements scheduler.ResumeStore: writes have back to the
// mapping. busy is accepted to satisfy the interface but, matching
// btpd's own design, is never persisted — only have_field and the
// per-block presence chunks survive a restart; busy_field starts empty on
// every load.
func (r *Resume) Flush(have, busy bitfield.Bitfield) error {
	copy(r.mem[:r.haveBytes], have.Bytes())
	return nil
}
