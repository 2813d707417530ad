package scheduler

import (
	"sort"
	"time"

	"github.com/kdriss/burrow/internal/peer"
	"github.com/kdriss/burrow/internal/piece"
	"github.com/kdriss/burrow/internal/wire"
)

// Rechoke runs one 10s choke cycle (spec.md §4.E): recomputes the regular
// unchoke slots every call, and rotates the optimistic slot every
// OptimisticUnchokeEvery calls.
func Rechoke(t *Torrent) {
	t.ChokeRound++

	regular := regularUnchokes(t)
	applyRegularUnchokes(t, regular)

	if (t.ChokeRound-1)%t.Cfg.OptimisticUnchokeEvery == 0 {
		rotateOptimistic(t, regular)
	} else if t.OptimisticPeer != "" {
		if p, ok := t.Peers[t.OptimisticPeer]; ok {
			ensureUnchoked(t, p)
		}
	}

	chokeEveryoneNotSelected(t, regular)
}

// candidatesForChoke returns peers interested in us, attached, and alive
// longer than MinUnchokedAge (spec.md §4.E step 1).
func candidatesForChoke(t *Torrent) []*peer.Peer {
	now := t.Clock.Now()

	var out []*peer.Peer
	for _, p := range t.Peers {
		if p.PeerInterest && p.Attached && p.AliveFor(now) > t.Cfg.MinUnchokedAge {
			out = append(out, p)
		}
	}
	return out
}

// regularUnchokes selects the top MaxUploads-1 candidates, ranked by
// rate_down (leeching) or rate_up (seeding), tiebroken by oldest unchoke
// timestamp then connection age (spec.md §4.E steps 2-3).
func regularUnchokes(t *Torrent) map[piece.PeerID]*peer.Peer {
	candidates := candidatesForChoke(t)

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		var ra, rb float64
		if t.Seeding {
			ra, rb = a.RateUp, b.RateUp
		} else {
			ra, rb = a.RateDown, b.RateDown
		}
		if ra != rb {
			return ra > rb
		}

		if !a.LastUnchokedAt.Equal(b.LastUnchokedAt) {
			return a.LastUnchokedAt.Before(b.LastUnchokedAt)
		}
		return a.ConnectedAt.Before(b.ConnectedAt)
	})

	slots := t.Cfg.MaxUploads - 1
	if slots < 0 {
		slots = 0
	}
	if slots > len(candidates) {
		slots = len(candidates)
	}

	selected := make(map[piece.PeerID]*peer.Peer, slots)
	for i := 0; i < slots; i++ {
		selected[candidates[i].Key()] = candidates[i]
	}
	return selected
}

func applyRegularUnchokes(t *Torrent, selected map[piece.PeerID]*peer.Peer) {
	for _, p := range selected {
		ensureUnchoked(t, p)
	}
}

// rotateOptimistic implements §4.E step 4: every 30s, pick uniformly at
// random among candidates not already in a regular slot, weighting newly
// connected peers by OptimisticNewPeerWeight.
func rotateOptimistic(t *Torrent, regular map[piece.PeerID]*peer.Peer) {
	candidates := candidatesForChoke(t)
	threshold := t.Cfg.ChokeInterval * time.Duration(t.Cfg.OptimisticUnchokeEvery)
	now := t.Clock.Now()

	var pool []*peer.Peer
	for _, p := range candidates {
		if _, isRegular := regular[p.Key()]; isRegular {
			continue
		}

		weight := 1
		if p.AliveFor(now) < threshold {
			weight = t.Cfg.OptimisticNewPeerWeight
		}
		for i := 0; i < weight; i++ {
			pool = append(pool, p)
		}
	}

	if len(pool) == 0 {
		t.OptimisticPeer = ""
		return
	}

	chosen := pool[t.Rng.IntN(len(pool))]
	t.OptimisticPeer = chosen.Key()
	ensureUnchoked(t, chosen)
}

func ensureUnchoked(t *Torrent, p *peer.Peer) {
	if p.WeChoke {
		p.WeChoke = false
		p.LastUnchokedAt = t.Clock.Now()
		p.Send(wire.MessageUnchoke())
	}
}

// chokeEveryoneNotSelected sends CHOKE to every previously-unchoked peer
// not in the regular set or the optimistic slot (spec.md §4.E step 5).
// Choking a peer is asymmetric: it never touches our own outgoing
// requests to them (we_choke controls uploads to them, not our downloads
// from them).
func chokeEveryoneNotSelected(t *Torrent, regular map[piece.PeerID]*peer.Peer) {
	for key, p := range t.Peers {
		if _, isRegular := regular[key]; isRegular {
			continue
		}
		if key == t.OptimisticPeer {
			continue
		}

		if !p.WeChoke {
			p.WeChoke = true
			p.Send(wire.MessageChoke())
		}
	}
}
