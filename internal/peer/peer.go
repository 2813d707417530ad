// Package peer implements the per-peer session model of spec.md §3/§4.C:
// choke/interest flags, the outstanding-request queue, and the rate EMAs
// the choking algorithm ranks peers by.
//
// Peer here owns no network connection and runs no goroutines: spec.md §5
// mandates a single-threaded cooperative event loop as the sole writer of
// scheduler state, so Peer is a plain struct mutated only from the
// dispatcher (internal/scheduler). Framing and socket I/O are the wire
// layer's job and are out of scope (spec.md §1); a Peer only exposes an
// Outbox of already-encoded messages for that external layer to drain.
package peer

import (
	"math"
	"time"

	"github.com/kdriss/burrow/internal/piece"
	"github.com/kdriss/burrow/internal/wire"
	"github.com/kdriss/burrow/pkg/bitfield"
)

// ID is a peer's 20-byte BitTorrent peer id.
type ID [20]byte

// Key returns the arena/multiset lookup key for this peer (piece.PeerID).
func (id ID) Key() piece.PeerID { return piece.PeerID(id[:]) }

// BlockRequest is (piece_index, block_index, length) per spec.md §3,
// resident in exactly one Peer's RequestsOut outside end-game.
type BlockRequest struct {
	PieceIndex  int
	BlockIndex  int
	Length      int32
	RequestedAt time.Time
}

// Peer is one live peer session (spec.md §3's Peer data model).
type Peer struct {
	ID ID

	// PieceField is the peer's advertised haves; NPieces is its popcount,
	// kept incrementally rather than recomputed.
	PieceField bitfield.Bitfield
	NPieces    int

	// Flags, spec.md §3.
	WeChoke         bool
	PeerChoke       bool
	WeInterest      bool
	PeerInterest    bool
	Attached        bool
	SentOurBitfield bool

	// RequestsOut is the ordered sequence of blocks this peer owes us.
	RequestsOut []BlockRequest
	// RequestsIn is queued piece sends we owe this peer.
	RequestsIn []BlockRequest

	// RateDown, RateUp are byte/sec EMAs with a 20s half-life (spec.md §3).
	RateDown float64
	RateUp   float64

	// PendingDownload, PendingUpload accumulate bytes transferred since the
	// last TakeRates call, the per-tick feed for the RateDown/RateUp EMAs.
	PendingDownload uint64
	PendingUpload   uint64

	// ConnectedAt is used for the MinUnchokedAge choke-candidate gate and
	// as a choke tie-break (spec.md §4.E).
	ConnectedAt time.Time
	// LastUnchokedAt is the most-recent time we unchoked this peer, used
	// as a choke-ranking tie-break (older first, spec.md §4.E).
	LastUnchokedAt time.Time

	// Snubbed marks a peer that stalled past the timeout (spec.md §4.G):
	// its request depth is pinned to SnubbedRequestDepth until a block
	// arrives.
	Snubbed bool

	// Outbox queues already-encoded wire messages for the external
	// connection layer to send, in order.
	Outbox chan *wire.Message
}

// New allocates a Peer session, flags fully choked/uninterested per
// spec.md's handshake default.
func New(id ID, pieceCount, outboxSize int, now time.Time) *Peer {
	return &Peer{
		ID:          id,
		PieceField:  bitfield.New(pieceCount),
		WeChoke:     true,
		PeerChoke:   true,
		Attached:    true,
		ConnectedAt: now,
		Outbox:      make(chan *wire.Message, outboxSize),
	}
}

// Key returns this peer's piece.PeerID lookup key.
func (p *Peer) Key() piece.PeerID { return p.ID.Key() }

// Send enqueues m for the wire layer, dropping it if the outbox is full
// rather than blocking the event loop (back-pressure per spec.md's
// Non-goals: no more than "simple back-pressure").
func (p *Peer) Send(m *wire.Message) bool {
	select {
	case p.Outbox <- m:
		return true
	default:
		return false
	}
}

// MarkPieceOwned records a HAVE/BITFIELD contribution for piece i.
func (p *Peer) MarkPieceOwned(i int) bool {
	if p.PieceField.Set(i) {
		p.NPieces++
		return true
	}
	return false
}

// RequestDepth returns the effective target queue depth for this peer:
// snubbed peers are pinned to snubbedDepth until a block arrives (spec.md
// §4.G).
func (p *Peer) RequestDepth(normalDepth, snubbedDepth int) int {
	if p.Snubbed {
		return snubbedDepth
	}
	return normalDepth
}

// AliveFor reports how long this peer has been connected, as of now.
func (p *Peer) AliveFor(now time.Time) time.Duration { return now.Sub(p.ConnectedAt) }

// AddDownloaded accumulates n bytes of block data received from this peer
// since the last TakeRates call (spec.md §4.D's on_block).
func (p *Peer) AddDownloaded(n int) { p.PendingDownload += uint64(n) }

// AddUploaded accumulates n bytes of block data served to this peer since
// the last TakeRates call (spec.md §6: serving a REQUEST).
func (p *Peer) AddUploaded(n int) { p.PendingUpload += uint64(n) }

// TakeRates drains the pending byte counters accumulated since the last
// call and feeds them into one tick of EMA decay (spec.md §4.G:
// dl_by_second decays the rate EMAs every second using bytes transferred
// since the previous tick).
func (p *Peer) TakeRates(elapsed, halfLife time.Duration) {
	p.DecayRates(p.PendingUpload, p.PendingDownload, elapsed, halfLife)
	p.PendingUpload = 0
	p.PendingDownload = 0
}

// DecayRates applies one tick of exponential decay to the rate EMAs
// (spec.md §4.G: dl_by_second decays rate EMAs every second). deltaUp and
// deltaDown are bytes transferred since the previous tick; halfLife and
// elapsed parameterize the EMA smoothing factor.
func (p *Peer) DecayRates(deltaUp, deltaDown uint64, elapsed, halfLife time.Duration) {
	alpha := emaAlpha(elapsed, halfLife)
	instUp := float64(deltaUp) / elapsed.Seconds()
	instDown := float64(deltaDown) / elapsed.Seconds()

	p.RateUp = alpha*instUp + (1-alpha)*p.RateUp
	p.RateDown = alpha*instDown + (1-alpha)*p.RateDown
}

// emaAlpha derives a smoothing factor from a half-life: the EMA weight
// that makes a constant input decay to half its steady-state contribution
// after halfLife has elapsed (alpha = 1 - 0.5^(elapsed/halfLife)).
func emaAlpha(elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	ratio := elapsed.Seconds() / halfLife.Seconds()
	return 1 - math.Pow(2, -ratio)
}
