package scheduler

import (
	"time"

	"github.com/kdriss/burrow/internal/peer"
)

// Tick implements dl_by_second(tp): the 1 Hz driver of spec.md §4.G. It
// decays rate EMAs, advances the choking cycle, expires stalled requests,
// and arms end-game once the request planner can no longer find new
// pieces to hand out.
func Tick(t *Torrent) {
	now := t.Clock.Now()

	for _, p := range t.Peers {
		p.TakeRates(t.Cfg.TickInterval, t.Cfg.RateHalfLife)
		expireStalledRequests(t, p, now)
	}

	t.ticks++
	ticksPerRound := int(t.Cfg.ChokeInterval / t.Cfg.TickInterval)
	if ticksPerRound <= 0 {
		ticksPerRound = 1
	}
	if t.ticks%ticksPerRound == 0 {
		Rechoke(t)
	}

	armEndGameIfNeeded(t)
}

// expireStalledRequests implements the stall-timeout half of spec.md
// §4.G: a request outstanding for more than StallTimeout from a
// non-choking peer snubs that peer — its requests are unassigned and its
// depth pinned to SnubbedRequestDepth until a block arrives.
func expireStalledRequests(t *Torrent, p *peer.Peer, now time.Time) {
	if p.PeerChoke {
		return
	}

	for _, r := range p.RequestsOut {
		if now.Sub(r.RequestedAt) > t.Cfg.StallTimeout {
			if !p.Snubbed {
				p.Snubbed = true
				unassignRequests(t, p)
			}
			return
		}
	}
}

// armEndGameIfNeeded implements the end-game arming condition of spec.md
// §4.D: armed when no peer can find a new-piece candidate (§4.D step 2b),
// yet in-progress pieces remain. Arming
// flips every in-progress piece to end-game, reorders each one's
// outstanding requests (piece_reorder_eg) and immediately tops up every
// peer via the duplicate-request end-game planner, matching spec.md's
// "once armed, start racing the stragglers" behavior rather than leaving
// it to the next unrelated top-up call.
func armEndGameIfNeeded(t *Torrent) {
	if t.EndGame || t.Arena.Len() == 0 {
		return
	}

	for _, p := range t.Peers {
		if _, ok := rarestCandidate(t, p); ok {
			return
		}
	}

	t.EndGame = true
	for _, id := range t.Arena.InProgress() {
		pc, _ := t.Arena.Get(id)
		pc.EG = true
		pieceReorderEG(pc, downloadersOf(t, pc))
	}

	for _, p := range t.Peers {
		assignRequestsEG(t, p)
	}
}
