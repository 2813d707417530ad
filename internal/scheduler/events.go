package scheduler

import (
	"github.com/kdriss/burrow/internal/errs"
	"github.com/kdriss/burrow/internal/peer"
	"github.com/kdriss/burrow/internal/piece"
	"github.com/kdriss/burrow/internal/wire"
	"github.com/kdriss/burrow/pkg/bitfield"
)

// Event is the single discriminated type every wire/peer occurrence is
// funneled through before reaching Dispatch (spec.md §9: "tagged events
// instead of callback tables"). Dispatch is the sole writer of Torrent and
// Peer state (spec.md §4.F); every invariant holds again by the time it
// returns.
type Event interface {
	peerKey() piece.PeerID
}

type peerEvent[T any] struct {
	Peer piece.PeerID
	Data T
}

func (e peerEvent[T]) peerKey() piece.PeerID { return e.Peer }

type (
	lostPeerData   struct{}
	chokeData      struct{}
	unchokeData    struct{}
	interestData   struct{}
	uninterestData struct{}
)

type (
	// NewPeerEvent carries the freshly-attached Peer itself, since the
	// dispatcher has not yet registered it with the torrent.
	NewPeerEvent = peerEvent[*peer.Peer]

	LostPeerEvent      = peerEvent[lostPeerData]
	ChokeEvent         = peerEvent[chokeData]
	UnchokeEvent       = peerEvent[unchokeData]
	InterestEvent      = peerEvent[interestData]
	UninterestEvent    = peerEvent[uninterestData]
	PieceAnnounceEvent = peerEvent[int]
	BitfieldEvent      = peerEvent[bitfield.Bitfield]
	BlockEvent         = peerEvent[blockPayload]
	RequestEvent       = peerEvent[requestPayload]
)

type blockPayload struct {
	PieceIndex int
	Begin      int
	Data       []byte
}

type requestPayload struct {
	PieceIndex int
	Begin      int32
	Length     int32
}

func NewPeerAttached(p *peer.Peer) NewPeerEvent { return NewPeerEvent{Peer: p.Key(), Data: p} }
func NewPeerLost(key piece.PeerID) LostPeerEvent { return LostPeerEvent{Peer: key} }
func NewChoke(key piece.PeerID) ChokeEvent       { return ChokeEvent{Peer: key} }
func NewUnchoke(key piece.PeerID) UnchokeEvent   { return UnchokeEvent{Peer: key} }
func NewInterest(key piece.PeerID) InterestEvent { return InterestEvent{Peer: key} }
func NewUninterest(key piece.PeerID) UninterestEvent {
	return UninterestEvent{Peer: key}
}
func NewPieceAnnounce(key piece.PeerID, index int) PieceAnnounceEvent {
	return PieceAnnounceEvent{Peer: key, Data: index}
}
func NewBitfield(key piece.PeerID, bf bitfield.Bitfield) BitfieldEvent {
	return BitfieldEvent{Peer: key, Data: bf}
}
func NewBlock(key piece.PeerID, pieceIndex, begin int, data []byte) BlockEvent {
	return BlockEvent{Peer: key, Data: blockPayload{PieceIndex: pieceIndex, Begin: begin, Data: data}}
}
func NewRequest(key piece.PeerID, pieceIndex int, begin, length int32) RequestEvent {
	return RequestEvent{Peer: key, Data: requestPayload{PieceIndex: pieceIndex, Begin: begin, Length: length}}
}

// Dispatch routes ev to the state transition it names (spec.md §4.F).
func Dispatch(t *Torrent, ev Event) error {
	switch e := ev.(type) {
	case NewPeerEvent:
		return onNewPeer(t, e.Data)
	case LostPeerEvent:
		onLostPeer(t, e.Peer)
	case ChokeEvent:
		onChoke(t, e.Peer)
	case UnchokeEvent:
		onUnchoke(t, e.Peer)
	case InterestEvent:
		onInterest(t, e.Peer)
	case UninterestEvent:
		onUninterest(t, e.Peer)
	case PieceAnnounceEvent:
		onPieceAnnounce(t, e.Peer, e.Data)
	case BitfieldEvent:
		onBitfield(t, e.Peer, e.Data)
	case BlockEvent:
		return onBlock(t, t.Peers[e.Peer], e.Data.PieceIndex, e.Data.Begin, e.Data.Data)
	case RequestEvent:
		return onRequest(t, t.Peers[e.Peer], e.Data.PieceIndex, e.Data.Begin, e.Data.Length)
	default:
		return errs.New(errs.Protocol, "unknown event type")
	}
	return nil
}

func onNewPeer(t *Torrent, p *peer.Peer) error {
	return t.AttachPeer(p)
}

func onLostPeer(t *Torrent, key piece.PeerID) {
	t.DetachPeer(key)
}

// onChoke handles the peer choking us: our outstanding requests to them
// are released (unassign_requests), per spec.md §4.D's Cancellation note.
func onChoke(t *Torrent, key piece.PeerID) {
	p, ok := t.Peers[key]
	if !ok {
		return
	}
	p.PeerChoke = true
	unassignRequests(t, p)
}

// onUnchoke handles the peer unchoking us: top up the request planner.
func onUnchoke(t *Torrent, key piece.PeerID) {
	p, ok := t.Peers[key]
	if !ok {
		return
	}
	p.PeerChoke = false
	topUp(t, p)
}

// onInterest/onUninterest record the peer's interest in our data. Per
// spec.md §9's open question (a), whether to re-evaluate we_choke on them
// happens only at the next 10s choke boundary, not here.
func onInterest(t *Torrent, key piece.PeerID) {
	if p, ok := t.Peers[key]; ok {
		p.PeerInterest = true
	}
}

func onUninterest(t *Torrent, key piece.PeerID) {
	if p, ok := t.Peers[key]; ok {
		p.PeerInterest = false
	}
}

// onPieceAnnounce handles a HAVE: updates the peer's advertised bitfield
// and bumps piece_count[i] (spec.md §4.A, §4.F).
func onPieceAnnounce(t *Torrent, key piece.PeerID, index int) {
	p, ok := t.Peers[key]
	if !ok || index < 0 || index >= p.PieceField.Len() {
		return
	}
	if p.MarkPieceOwned(index) && !t.HaveField.Has(index) {
		t.Avail.Inc(index)
	}
	considerInterest(t, p)
}

// onBitfield handles the post-handshake BITFIELD: same rarity bookkeeping
// as repeated HAVEs, applied in bulk.
func onBitfield(t *Torrent, key piece.PeerID, bf bitfield.Bitfield) {
	p, ok := t.Peers[key]
	if !ok {
		return
	}

	bf.Each(func(i int) bool {
		if p.MarkPieceOwned(i) && !t.HaveField.Has(i) {
			t.Avail.Inc(i)
		}
		return true
	})
	considerInterest(t, p)
}

// considerInterest sends INTERESTED the first time a peer is found to
// advertise a piece we lack.
func considerInterest(t *Torrent, p *peer.Peer) {
	if p.WeInterest {
		return
	}

	want := false
	p.PieceField.Each(func(i int) bool {
		if !t.HaveField.Has(i) {
			want = true
			return false
		}
		return true
	})

	if want {
		p.WeInterest = true
		p.Send(wire.MessageInterested())
		topUp(t, p)
	}
}
