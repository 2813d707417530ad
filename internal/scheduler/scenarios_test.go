package scheduler

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/kdriss/burrow/internal/config"
	"github.com/kdriss/burrow/internal/meta"
	"github.com/kdriss/burrow/internal/peer"
	"github.com/kdriss/burrow/internal/wire"
)

// fakeTracker records every Announce call, standing in for the out-of-scope
// HTTP/UDP tracker client (spec.md §6).
type fakeTracker struct {
	events []TrackerEvent
}

func (f *fakeTracker) Announce(event TrackerEvent) ([]net.Addr, error) {
	f.events = append(f.events, event)
	return nil, nil
}

func newScenarioTorrent(t *testing.T, pieceCount, blocksPerPiece int, tracker Tracker) (*Torrent, *fakeStore) {
	t.Helper()

	pieceLen := int32(blocksPerPiece) * 16384
	m := &meta.Metainfo{
		PieceLength: pieceLen,
		TotalLength: int64(pieceCount) * int64(pieceLen),
		PieceHashes: make([][sha1.Size]byte, pieceCount),
	}

	cfg := config.Default()
	cfg.Seed = 1
	store := &fakeStore{verifyOK: true}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := New(m, cfg, nil, store, nil, tracker, log, clock.NewMock())
	return tr, store
}

// deliverBlock resolves one outstanding request from p, driving onBlock the
// way the wire layer would on PIECE receipt.
func deliverBlock(t *testing.T, tr *Torrent, p *peer.Peer, pieceIndex, blockIndex int) {
	t.Helper()
	for _, r := range p.RequestsOut {
		if r.PieceIndex == pieceIndex && r.BlockIndex == blockIndex {
			if err := onBlock(tr, p, pieceIndex, blockIndex*16384, make([]byte, r.Length)); err != nil {
				t.Fatalf("onBlock: %v", err)
			}
			return
		}
	}
	t.Fatalf("peer has no outstanding request for piece %d block %d", pieceIndex, blockIndex)
}

// Scenario 1 (spec.md §8): cold start against a single seeding peer.
func TestScenarioColdStart(t *testing.T) {
	tracker := &fakeTracker{}
	tr, store := newScenarioTorrent(t, 4, 4, tracker)

	p := addPeer(tr, 1, 0, 1, 2, 3)
	onUnchoke(tr, p.Key())

	if len(p.RequestsOut) != 5 {
		t.Fatalf("want 5 requests after the initial top-up (REQQ), got %d", len(p.RequestsOut))
	}

	delivered := 0
	for delivered < 16 {
		if len(p.RequestsOut) == 0 {
			t.Fatalf("planner stalled after %d of 16 blocks", delivered)
		}
		r := p.RequestsOut[0]
		deliverBlock(t, tr, p, r.PieceIndex, r.BlockIndex)
		delivered++
	}

	if tr.HaveCount != 4 {
		t.Fatalf("want have_count 4, got %d", tr.HaveCount)
	}
	if len(store.writes) != 16 {
		t.Fatalf("want 16 disk writes, got %d", len(store.writes))
	}
	if !tr.Seeding {
		t.Fatal("expected torrent to transition to seeding")
	}

	completed := 0
	for _, ev := range tracker.events {
		if ev == TrackerCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("want exactly 1 tracker COMPLETED, got %d", completed)
	}
}

// Scenario 2 (spec.md §8): a hash mismatch requeues the whole piece.
func TestScenarioHashMismatch(t *testing.T) {
	tr, store := newScenarioTorrent(t, 1, 4, nil)
	store.verifyOK = false
	p := addPeer(tr, 1, 0)
	onUnchoke(tr, p.Key())

	if len(p.RequestsOut) != 4 {
		t.Fatalf("want all 4 blocks requested up front, got %d", len(p.RequestsOut))
	}

	// Deliver every block once; the 4th delivery completes the piece,
	// fails verification, and on_block's trailing assign_requests
	// immediately reissues the whole piece to the same peer.
	for i := 0; i < 4; i++ {
		r := p.RequestsOut[0]
		deliverBlock(t, tr, p, r.PieceIndex, r.BlockIndex)
	}

	if tr.HaveCount != 0 {
		t.Fatal("expected have_count unchanged after failed verification")
	}
	pc, _, ok := tr.Arena.ByIndex(0)
	if !ok {
		t.Fatal("expected the piece to remain in progress for a retry")
	}
	if len(p.RequestsOut) != pc.NumBlocks {
		t.Fatalf("want the full piece reissued to the same peer (%d blocks), got %d",
			pc.NumBlocks, len(p.RequestsOut))
	}

	store.verifyOK = true
	for len(p.RequestsOut) > 0 {
		r := p.RequestsOut[0]
		deliverBlock(t, tr, p, r.PieceIndex, r.BlockIndex)
	}
	if tr.HaveCount != 1 {
		t.Fatal("expected the retried piece to complete once verification succeeds")
	}
}

// Scenario 3 (spec.md §8): end-game race resolved by CANCEL.
func TestScenarioEndGameRace(t *testing.T) {
	tr, _ := newScenarioTorrent(t, 1, 1, nil)
	a := addPeer(tr, 1, 0)
	b := addPeer(tr, 2, 0)

	tr.Arena.New(0, tr.pieceLength(0), tr.Meta.PieceHashes[0])
	tr.BusyField.Set(0)
	tr.EndGame = true
	pc, _, _ := tr.Arena.ByIndex(0)
	pc.EG = true

	assignRequestsEG(tr, a)
	assignRequestsEG(tr, b)

	if len(a.RequestsOut) != 1 || len(b.RequestsOut) != 1 {
		t.Fatalf("want both peers racing the single missing block, got %d and %d",
			len(a.RequestsOut), len(b.RequestsOut))
	}

	if err := onBlock(tr, a, 0, 0, make([]byte, pc.LastBlockLength)); err != nil {
		t.Fatalf("onBlock: %v", err)
	}

	if len(b.RequestsOut) != 0 {
		t.Fatal("expected peer b's duplicate request purged on peer a's arrival")
	}

	// b's outbox holds the REQUEST assignRequestsEG queued ahead of the CANCEL.
	if m := <-b.Outbox; m.ID != wire.Request {
		t.Fatalf("want peer b's end-game REQUEST queued first, got %v", m.ID)
	}

	select {
	case m := <-b.Outbox:
		if m.ID != wire.Cancel {
			t.Fatalf("want CANCEL queued for peer b, got %v", m.ID)
		}
	default:
		t.Fatal("expected a CANCEL queued for peer b")
	}
}

// Scenario 4 (spec.md §8): peer loss mid-flight releases its requests to
// the swarm's other peer on the next top-up.
func TestScenarioPeerLossMidFlight(t *testing.T) {
	tr, _ := newScenarioTorrent(t, 6, 4, nil)
	a := addPeer(tr, 1, 5)
	b := addPeer(tr, 2, 5)

	assignRequests(tr, a)
	if len(a.RequestsOut) != 4 {
		t.Fatalf("want peer a holding all 4 blocks of piece 5, got %d", len(a.RequestsOut))
	}
	pc, _, _ := tr.Arena.ByIndex(5)
	if pc.NReqsTotal != 4 {
		t.Fatalf("want nreqs_total 4, got %d", pc.NReqsTotal)
	}

	availBefore := tr.Avail.Count(5)
	tr.DetachPeer(a.Key())

	if tr.Avail.Count(5) != availBefore-1 {
		t.Fatal("expected piece_count[5] decremented by peer a's bitfield on loss")
	}
	if pc.RequestField.Any() || pc.NReqsTotal != 0 {
		t.Fatal("expected request_field cleared and nreqs_total zeroed after peer loss")
	}

	assignRequests(tr, b)
	if len(b.RequestsOut) != 4 {
		t.Fatalf("want peer b's next top-up to pick up all 4 freed blocks, got %d", len(b.RequestsOut))
	}
}

// Scenario 5 (spec.md §8): choke rotation among 6 interested peers with
// distinct download rates.
func TestScenarioChokeRotation(t *testing.T) {
	tr, _ := newScenarioTorrent(t, 1, 1, nil)

	var peers []*peer.Peer
	for i := byte(1); i <= 6; i++ {
		p := addPeer(tr, i)
		p.PeerInterest = true
		p.RateDown = float64(70 - int(i)*10) // peer1 fastest .. peer6 slowest
		peers = append(peers, p)
	}
	advanceClock(tr, tr.Cfg.MinUnchokedAge+time.Second)

	Rechoke(tr)

	regularUnchoked := 0
	for i := 0; i < 3; i++ {
		if !peers[i].WeChoke {
			regularUnchoked++
		}
	}
	if regularUnchoked != 3 {
		t.Fatalf("want the top 3 download rates unchoked, got %d of 3", regularUnchoked)
	}
	if tr.OptimisticPeer == "" {
		t.Fatal("expected an optimistic slot filled on the first round")
	}

	advanceClock(tr, 30*time.Second)
	Rechoke(tr)
	Rechoke(tr)

	if tr.ChokeRound != 3 {
		t.Fatalf("want choke_round 3 after 30s of 10s cycles, got %d", tr.ChokeRound)
	}
}

// Scenario 6 (spec.md §8): seeding switch fires tracker COMPLETED exactly
// once and flips choke ranking to rate_up.
func TestScenarioSeedingSwitch(t *testing.T) {
	tracker := &fakeTracker{}
	tr, _ := newScenarioTorrent(t, 1, 1, tracker)

	a := addPeer(tr, 1, 0)
	b := addPeer(tr, 2, 0)
	a.PeerInterest, b.PeerInterest = true, true

	onUnchoke(tr, a.Key())
	r := a.RequestsOut[0]
	deliverBlock(t, tr, a, r.PieceIndex, r.BlockIndex)

	if !tr.Seeding {
		t.Fatal("expected torrent seeding after its only piece completes")
	}

	completed := 0
	for _, ev := range tracker.events {
		if ev == TrackerCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("want tracker COMPLETED exactly once, got %d", completed)
	}

	a.RateUp, b.RateUp = 10, 90
	advanceClock(tr, tr.Cfg.MinUnchokedAge+time.Second)
	tr.Cfg.MaxUploads = 2 // isolate the rate_up ranking from the optimistic slot

	selected := regularUnchokes(tr)
	if _, ok := selected[b.Key()]; !ok {
		t.Fatal("expected the higher rate_up peer to win the sole regular slot")
	}
	if _, ok := selected[a.Key()]; ok {
		t.Fatal("expected the lower rate_up peer to lose the sole regular slot")
	}
}
