// Package piece implements the in-flight piece/block model of spec.md
// §4.B and §3's Piece data model: block ownership, end-game state, and the
// arena that owns every Piece a torrent currently has in progress.
//
// Pieces are shared between the torrent's pieces_in_progress list and every
// peer currently fetching one of their blocks (peers_downloading). Per
// spec.md §9's design note on shared ownership, this package models that
// as an arena owned by the torrent plus stable IDs: peers and the
// scheduler hold IDs, never *Piece pointers, so there is exactly one
// owner of the backing memory and no aliasing across goroutines.
package piece

import (
	"crypto/sha1"

	"github.com/kdriss/burrow/internal/config"
	"github.com/kdriss/burrow/pkg/bitfield"
)

// BlockLength is BLOCKLEN from spec.md §3.
var BlockLength = config.Default().BlockLength

// ID stably identifies a Piece within an Arena. IDs are never reused while
// a torrent is loaded, so a stale ID reliably misses in Arena.Get after
// the piece it named has been freed.
type ID uint64

// PeerID identifies the peer side of a peers_downloading membership. It is
// a lookup key only, never an owning reference (spec.md §9).
type PeerID string

// Piece is a not-yet-complete piece being assembled from blocks (spec.md
// §3's Piece data model).
type Piece struct {
	id     ID
	Index  int
	Length int32

	NumBlocks       int
	LastBlockLength int32
	SHA             [sha1.Size]byte

	// HaveBlock[b] is set once block b's data has been written to disk.
	HaveBlock bitfield.Bitfield
	// RequestField[b] is set while a BlockRequest exists for block b.
	RequestField bitfield.Bitfield
	// NReqs[b] counts outstanding requests for block b; >1 only possible
	// in end-game.
	NReqs []int

	NBlocksGot int
	NReqsTotal int

	// PeersDownloading is a multiset: count of outstanding requests this
	// peer currently holds against this piece. A peer is considered
	// "downloading" this piece while its count is > 0.
	PeersDownloading map[PeerID]int

	// EG is the end-game flag for this individual piece (spec.md §4.B).
	EG bool
}

// BlockBounds returns the [begin, length) of block b within the piece.
func (pc *Piece) BlockBounds(b int) (begin, length int32) {
	begin = int32(b) * BlockLength
	length = BlockLength
	if b == pc.NumBlocks-1 {
		length = pc.LastBlockLength
	}
	return begin, length
}

// Full reports piece_full(pc): every block either requested (outside
// end-game) or, in end-game, NReqsTotal has reached NumBlocks with every
// block requested at least once (spec.md §4.B).
func (pc *Piece) Full() bool {
	if pc.EG {
		return pc.NReqsTotal >= pc.NumBlocks && pc.RequestField.Count() == pc.NumBlocks
	}
	return pc.RequestField.Count() == pc.NumBlocks
}

// Complete reports whether every block has arrived and is ready for
// verification.
func (pc *Piece) Complete() bool { return pc.NBlocksGot == pc.NumBlocks }

// downloaderCount returns how many distinct peers are fetching this piece.
func (pc *Piece) downloaderCount() int { return len(pc.PeersDownloading) }

// resetBlockState clears all per-block progress, used by on_bad_piece to
// re-queue a piece that failed hash verification.
func (pc *Piece) resetBlockState() {
	for b := 0; b < pc.NumBlocks; b++ {
		pc.HaveBlock.Clear(b)
		pc.RequestField.Clear(b)
	}
	for b := range pc.NReqs {
		pc.NReqs[b] = 0
	}
	pc.NBlocksGot = 0
	pc.NReqsTotal = 0
	pc.PeersDownloading = make(map[PeerID]int)
	pc.EG = false
}

// Arena owns every in-progress Piece of a torrent, keyed by stable ID, and
// preserves insertion order for pieces_in_progress iteration (spec.md §3).
type Arena struct {
	byID    map[ID]*Piece
	byIndex map[int]ID
	order   []ID
	nextID  ID
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{
		byID:    make(map[ID]*Piece),
		byIndex: make(map[int]ID),
	}
}

// New implements new_piece(tp, i): allocates a Piece for torrent piece
// index i, inserts it into pieces_in_progress (the arena's insertion
// order), and returns its stable ID. Callers are responsible for setting
// busy_field[i] on the torrent's Bitfield.
func (a *Arena) New(index int, length int32, sha [sha1.Size]byte) (*Piece, ID) {
	numBlocks := int((length + BlockLength - 1) / BlockLength)
	lastBlockLength := length - int32(numBlocks-1)*BlockLength
	if lastBlockLength <= 0 {
		lastBlockLength = BlockLength
	}

	id := a.nextID
	a.nextID++

	pc := &Piece{
		id:               id,
		Index:            index,
		Length:           length,
		NumBlocks:        numBlocks,
		LastBlockLength:  lastBlockLength,
		SHA:              sha,
		HaveBlock:        bitfield.New(numBlocks),
		RequestField:     bitfield.New(numBlocks),
		NReqs:            make([]int, numBlocks),
		PeersDownloading: make(map[PeerID]int),
	}

	a.byID[id] = pc
	a.byIndex[index] = id
	a.order = append(a.order, id)

	return pc, id
}

// Get looks up a piece by ID. ok is false if the piece has been freed.
func (a *Arena) Get(id ID) (*Piece, bool) {
	pc, ok := a.byID[id]
	return pc, ok
}

// ByIndex looks up the in-progress piece at torrent piece index, if any.
func (a *Arena) ByIndex(index int) (*Piece, ID, bool) {
	id, ok := a.byIndex[index]
	if !ok {
		return nil, 0, false
	}
	return a.byID[id], id, true
}

// Free implements free_piece(pc): detaches the piece from the arena.
// Callers clear busy_field[i] themselves, conditional on whether the
// piece completed (spec.md §4.B: "clear busy_field[i] iff piece not
// complete" is the caller's on_bad_piece/on_ok_piece responsibility, since
// both paths call Free but want different busy_field outcomes).
func (a *Arena) Free(id ID) {
	pc, ok := a.byID[id]
	if !ok {
		return
	}

	delete(a.byID, id)
	delete(a.byIndex, pc.Index)

	for i, oid := range a.order {
		if oid == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Reset reverts a piece to freshly-allocated state in place, used by
// on_bad_piece (spec.md §4.D): the Piece stays in the arena under the same
// ID, but every block reverts to WANT.
func (a *Arena) Reset(id ID) {
	if pc, ok := a.byID[id]; ok {
		pc.resetBlockState()
	}
}

// InProgress returns the ids of every in-progress piece, in insertion
// order (the torrent's pieces_in_progress set).
func (a *Arena) InProgress() []ID {
	return append([]ID(nil), a.order...)
}

// Len reports how many pieces are currently in progress.
func (a *Arena) Len() int { return len(a.order) }

// RemovePeer detaches peer from every in-progress piece's
// PeersDownloading multiset, used on peer loss (spec.md §4.D, §5).
func (a *Arena) RemovePeer(pid PeerID) {
	for _, id := range a.order {
		delete(a.byID[id].PeersDownloading, pid)
	}
}
