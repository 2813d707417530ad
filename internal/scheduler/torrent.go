// Package scheduler is the heart of the engine: the request planner
// (spec.md §4.D), the choking algorithm (§4.E), the tagged-event
// dispatcher (§4.F), and the tick driver (§4.G), bound together by the
// Torrent aggregate (§3). Every exported mutator is meant to be called
// only from the single cooperative event loop described in spec.md §5;
// nothing in this package takes a lock; the caller's loop is the lock.
package scheduler

import (
	"crypto/sha1"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/kdriss/burrow/internal/availability"
	"github.com/kdriss/burrow/internal/config"
	"github.com/kdriss/burrow/internal/errs"
	"github.com/kdriss/burrow/internal/meta"
	"github.com/kdriss/burrow/internal/peer"
	"github.com/kdriss/burrow/internal/piece"
	"github.com/kdriss/burrow/internal/wire"
	"github.com/kdriss/burrow/pkg/bitfield"
)

// ContentStore is the disk collaborator a Torrent writes blocks through
// and verifies pieces against. On-disk block I/O is out of scope (spec.md
// §1); this is the seam a concrete implementation plugs into.
type ContentStore interface {
	WriteBlock(pieceIndex int, begin int32, data []byte) error
	ReadBlock(pieceIndex int, begin, length int32) ([]byte, error)
	VerifyPiece(pieceIndex int, expect [sha1.Size]byte, length int32) (bool, error)
}

// ResumeStore persists have_field/busy_field across restarts (spec.md
// §6's resume file). Flush is called from on_ok_piece and on unload.
type ResumeStore interface {
	Flush(have, busy bitfield.Bitfield) error
}

// TrackerEvent is one of the announce events spec.md §6 names.
type TrackerEvent int

const (
	TrackerStarted TrackerEvent = iota
	TrackerStopped
	TrackerCompleted
	TrackerNone
)

// Tracker is the external announce collaborator (spec.md §6). Its HTTP/UDP
// client is out of scope; Torrent only needs to fire events at it.
type Tracker interface {
	Announce(event TrackerEvent) ([]net.Addr, error)
}

// Torrent is the per-swarm aggregate of spec.md §3: metainfo snapshot,
// have_field/busy_field, the piece_count rarity index, attached peers, and
// the set of in-progress pieces.
type Torrent struct {
	InfoHash [sha1.Size]byte
	Meta     *meta.Metainfo
	Cfg      *config.Config
	Log      *slog.Logger

	// HaveField is the persisted bitset of pieces we have (spec.md §3).
	HaveField bitfield.Bitfield
	HaveCount int

	// BusyField marks pieces currently being downloaded.
	BusyField bitfield.Bitfield

	// Avail is piece_count[0..N): swarm rarity (spec.md §4.A).
	Avail *availability.Index

	// Arena owns every in-progress Piece (spec.md §9's shared-ownership
	// note).
	Arena *piece.Arena

	// Peers is every attached peer session, keyed by its lookup key.
	Peers map[piece.PeerID]*peer.Peer

	// EndGame is the torrent-wide end-game flag (spec.md §4.D).
	EndGame bool

	// Seeding is true once HaveCount == N.
	Seeding bool

	// ChokeRound counts completed 10s choke cycles, used to schedule the
	// 30s optimistic-unchoke rotation (spec.md §4.E).
	ChokeRound int

	// ticks counts 1 Hz Tick calls, used to detect 10s choke-cycle
	// boundaries.
	ticks int

	// OptimisticPeer is the peer currently holding the optimistic-unchoke
	// slot, if any.
	OptimisticPeer piece.PeerID

	Rng   *rand.Rand
	Clock clock.Clock

	Store    ContentStore
	Resume   ResumeStore
	Tracker  Tracker
}

// New constructs a Torrent from a parsed metainfo snapshot. have seeds
// HaveField (e.g. reconstructed from a resume file); pass nil for a fresh
// download.
func New(m *meta.Metainfo, cfg *config.Config, have bitfield.Bitfield, store ContentStore, resume ResumeStore, tracker Tracker, log *slog.Logger, clk clock.Clock) *Torrent {
	n := m.PieceCount()

	hf := have
	if hf == nil {
		hf = bitfield.New(n)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	t := &Torrent{
		InfoHash:  m.InfoHash,
		Meta:      m,
		Cfg:       cfg,
		Log:       log,
		HaveField: hf,
		HaveCount: hf.Count(),
		BusyField: bitfield.New(n),
		Avail:     availability.New(n, 64, seed),
		Arena:     piece.NewArena(),
		Peers:     make(map[piece.PeerID]*peer.Peer),
		Rng:       rand.New(rand.NewPCG(seed, seed^0xa5a5a5a5)),
		Clock:     clk,
		Store:     store,
		Resume:    resume,
		Tracker:   tracker,
	}

	if t.HaveCount == n && n > 0 {
		t.Seeding = true
	}

	return t
}

// pieceLength returns the byte length of piece index, accounting for a
// short last piece.
func (t *Torrent) pieceLength(index int) int32 {
	return t.Meta.PieceByteLength(index)
}

// AttachPeer registers a new peer session (on_new_peer, spec.md §4.F).
func (t *Torrent) AttachPeer(p *peer.Peer) error {
	if _, dup := t.Peers[p.Key()]; dup {
		return errs.New(errs.Duplicate, "peer already attached")
	}
	t.Peers[p.Key()] = p
	return nil
}

// DetachPeer implements on_lost_peer (spec.md §4.F, §5): runs
// unassign_requests, removes the peer from every piece's
// peers_downloading, and decrements piece_count by the peer's advertised
// bitfield.
func (t *Torrent) DetachPeer(key piece.PeerID) {
	p, ok := t.Peers[key]
	if !ok {
		return
	}

	unassignRequests(t, p)
	t.Arena.RemovePeer(key)

	p.PieceField.Each(func(i int) bool {
		if !t.HaveField.Has(i) {
			t.Avail.Dec(i)
		}
		return true
	})

	if t.OptimisticPeer == key {
		t.OptimisticPeer = ""
	}

	delete(t.Peers, key)
}

// broadcastHave sends a HAVE message to every attached peer (on_ok_piece,
// spec.md §4.D). Ordering guarantee (spec.md §5): this must complete
// before any new request against the now-completed piece is planned.
func (t *Torrent) broadcastHave(index int) {
	for _, p := range t.Peers {
		p.Send(wire.MessageHave(uint32(index)))
	}
}
