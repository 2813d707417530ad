package scheduler

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/kdriss/burrow/internal/peer"
)

func advanceClock(tr *Torrent, d time.Duration) {
	tr.Clock.(*clock.Mock).Add(d)
}

func TestRechokeSelectsTopRatesByDownloadRate(t *testing.T) {
	tr, _ := newTestTorrent(t, 1, 1)

	var peers []*peer.Peer
	for i := byte(1); i <= 6; i++ {
		p := addPeer(tr, i)
		p.PeerInterest = true
		p.RateDown = float64(i) * 10
		peers = append(peers, p)
	}
	advanceClock(tr, tr.Cfg.MinUnchokedAge+time.Second)

	Rechoke(tr)

	unchokedCount := 0
	for _, p := range peers {
		if !p.WeChoke {
			unchokedCount++
		}
	}
	if unchokedCount < tr.Cfg.MaxUploads-1 {
		t.Fatalf("want at least %d unchoked, got %d", tr.Cfg.MaxUploads-1, unchokedCount)
	}
	if unchokedCount > tr.Cfg.MaxUploads {
		t.Fatalf("want at most MaxUploads (%d) unchoked, got %d", tr.Cfg.MaxUploads, unchokedCount)
	}

	if peers[5].WeChoke {
		t.Fatal("expected the highest download-rate peer to be unchoked")
	}
	if peers[4].WeChoke {
		t.Fatal("expected the second highest download-rate peer to be unchoked")
	}
}

func TestRechokeExcludesPeersBelowMinAge(t *testing.T) {
	tr, _ := newTestTorrent(t, 1, 1)
	p := addPeer(tr, 1)
	p.PeerInterest = true
	p.RateDown = 1000

	Rechoke(tr) // peer is brand new: alive for 0 < MinUnchokedAge

	if !p.WeChoke {
		t.Fatal("expected a too-new peer to remain choked")
	}
}

func TestOptimisticRotationPicksNonRegularCandidate(t *testing.T) {
	tr, _ := newTestTorrent(t, 1, 1)
	tr.Cfg.MaxUploads = 2 // 1 regular slot + 1 optimistic

	var peers []*peer.Peer
	for i := byte(1); i <= 4; i++ {
		p := addPeer(tr, i)
		p.PeerInterest = true
		p.RateDown = float64(5 - i) // peer 1 has the highest rate
		peers = append(peers, p)
	}
	advanceClock(tr, tr.Cfg.MinUnchokedAge+time.Second)

	for i := 0; i < tr.Cfg.OptimisticUnchokeEvery; i++ {
		Rechoke(tr)
	}

	if tr.OptimisticPeer == "" {
		t.Fatal("expected an optimistic peer to be chosen")
	}
	if tr.OptimisticPeer == peers[0].Key() {
		t.Fatal("expected the optimistic slot to avoid the regular-unchoke peer")
	}
}
