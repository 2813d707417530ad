// Package availability implements the rarity index named in spec.md §4.A:
// piece_count[i], the number of known peers advertising piece i, kept in
// dense per-level buckets so the request planner can find the rarest
// pieces in O(1)-O(64) time instead of scanning piece_count linearly.
//
// Dense bucket arrays with swap-remove and a non-empty-bucket bitmap keep
// lookup and update near O(1); the bound on availability is the piece's
// actual peer count rather than a fixed cap, and a violated monotonicity
// invariant panics instead of clamping, since spec.md calls that a fatal
// bug rather than a condition to tolerate silently.
package availability

import (
	"math/bits"
	"math/rand/v2"
	"sync"
)

// Index tracks piece_count[0..N) and the rarest-first bucket structure
// built on top of it.
type Index struct {
	mu sync.RWMutex

	// buckets[a] holds the dense slice of piece indices with piece_count
	// exactly a. Always densely packed: removal is swap-with-last.
	buckets [][]int

	// count[i] is piece_count[i], the authoritative rarity of piece i.
	count []int

	// pos[i] is the index of piece i inside buckets[count[i]].
	pos []int

	// nonEmptyBits is a bitmap of which buckets are non-empty. Bit k of
	// word w is bucket (w*64 + k).
	nonEmptyBits []uint64

	rng *rand.Rand
}

// New builds an Index for a torrent of pieceCount pieces, all initially at
// availability 0. maxPeers bounds the number of buckets (the maximum
// plausible piece_count); it grows on demand if exceeded.
func New(pieceCount, maxPeers int, seed uint64) *Index {
	if maxPeers < 1 {
		maxPeers = 1
	}

	idx := &Index{
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		buckets:      make([][]int, maxPeers+1),
		count:        make([]int, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxPeers>>6)+1),
	}

	idx.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		idx.buckets[0][i] = i
		idx.pos[i] = i
	}
	if pieceCount > 0 {
		idx.setBit(0)
	}

	return idx
}

// Count returns piece_count[i].
func (idx *Index) Count(i int) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count[i]
}

// FirstNonEmpty returns the smallest availability level with at least one
// piece, i.e. the rarity of the currently-rarest pieces.
func (idx *Index) FirstNonEmpty() (level int, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for w := 0; w < len(idx.nonEmptyBits); w++ {
		if x := idx.nonEmptyBits[w]; x != 0 {
			return w<<6 + bits.TrailingZeros64(x), true
		}
	}
	return 0, false
}

// Bucket returns a copy of the piece indices at the given availability
// level.
func (idx *Index) Bucket(level int) []int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if level < 0 || level >= len(idx.buckets) {
		return nil
	}
	return append([]int(nil), idx.buckets[level]...)
}

// Inc increments piece_count[i], called on every HAVE/BITFIELD
// contribution from a peer (spec.md §4.A).
func (idx *Index) Inc(i int) { idx.move(i, 1) }

// Dec decrements piece_count[i], called on peer loss (spec.md §4.A,
// §4.D's Cancellation/timeouts note). Decrementing past zero is the
// monotonicity violation spec.md calls a fatal bug.
func (idx *Index) Dec(i int) { idx.move(i, -1) }

func (idx *Index) move(i, delta int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	oldLevel := idx.count[i]
	newLevel := oldLevel + delta
	if newLevel < 0 {
		panic("availability: piece_count monotonicity violated")
	}

	if newLevel == oldLevel {
		return
	}

	idx.growTo(newLevel)
	idx.removeFrom(i, oldLevel)
	idx.addTo(i, newLevel)
	idx.count[i] = newLevel
}

func (idx *Index) growTo(level int) {
	for level >= len(idx.buckets) {
		idx.buckets = append(idx.buckets, nil)
	}
	for level>>6 >= len(idx.nonEmptyBits) {
		idx.nonEmptyBits = append(idx.nonEmptyBits, 0)
	}
}

func (idx *Index) removeFrom(i, level int) {
	pos := idx.pos[i]
	bucket := idx.buckets[level]
	last := len(bucket) - 1

	bucket[pos] = bucket[last]
	idx.pos[bucket[pos]] = pos
	bucket = bucket[:last]
	idx.buckets[level] = bucket

	if len(bucket) == 0 {
		idx.clearBit(level)
	}
}

// addTo inserts piece i into buckets[level], shuffling its slot so
// rarest-first selection among ties does not always favor the same piece.
func (idx *Index) addTo(i, level int) {
	bucket := append(idx.buckets[level], i)
	last := len(bucket) - 1

	if last > 0 {
		j := idx.rng.IntN(last + 1)
		bucket[last], bucket[j] = bucket[j], bucket[last]
		idx.pos[bucket[last]] = last
		idx.pos[bucket[j]] = j
	} else {
		idx.pos[i] = 0
	}

	idx.buckets[level] = bucket
	idx.setBit(level)
}

func (idx *Index) setBit(level int) {
	w, bit := level>>6, uint(level&63)
	idx.nonEmptyBits[w] |= 1 << bit
}

func (idx *Index) clearBit(level int) {
	w, bit := level>>6, uint(level&63)
	idx.nonEmptyBits[w] &^= 1 << bit
}
