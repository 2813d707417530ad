package scheduler

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/kdriss/burrow/internal/config"
	"github.com/kdriss/burrow/internal/meta"
	"github.com/kdriss/burrow/internal/peer"
	"github.com/kdriss/burrow/internal/wire"
)

type fakeStore struct {
	writes    []blockPayload
	verifyOK  bool
	verifyErr error
}

func (f *fakeStore) WriteBlock(pieceIndex int, begin int32, data []byte) error {
	f.writes = append(f.writes, blockPayload{PieceIndex: pieceIndex, Begin: int(begin), Data: data})
	return nil
}

func (f *fakeStore) ReadBlock(pieceIndex int, begin, length int32) ([]byte, error) {
	return make([]byte, length), nil
}

func (f *fakeStore) VerifyPiece(pieceIndex int, expect [sha1.Size]byte, length int32) (bool, error) {
	return f.verifyOK, f.verifyErr
}

func newTestTorrent(t *testing.T, pieceCount int, blocksPerPiece int) (*Torrent, *fakeStore) {
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
	tr := New(m, cfg, nil, store, nil, nil, log, clock.NewMock())
	return tr, store
}

func addPeer(tr *Torrent, idByte byte, haves ...int) *peer.Peer {
	p := peer.New(peer.ID{idByte}, tr.Meta.PieceCount(), tr.Cfg.PeerOutboxSize, tr.Clock.Now())
	_ = tr.AttachPeer(p)
	for _, i := range haves {
		if p.MarkPieceOwned(i) && !tr.HaveField.Has(i) {
			tr.Avail.Inc(i)
		}
	}
	p.PeerChoke = false
	p.WeInterest = true
	return p
}

func TestAssignRequestsFillsDepthFromRarestPiece(t *testing.T) {
	tr, _ := newTestTorrent(t, 2, 2)
	p := addPeer(tr, 1, 0, 1)

	assignRequests(tr, p)

	if len(p.RequestsOut) != 4 {
		t.Fatalf("want all 4 available blocks requested, got %d", len(p.RequestsOut))
	}
	if tr.Arena.Len() == 0 {
		t.Fatal("expected at least one piece allocated")
	}
}

func TestAssignRequestsSendsNotInterestedWhenNothingEligible(t *testing.T) {
	tr, _ := newTestTorrent(t, 2, 2)
	p := addPeer(tr, 1) // advertises nothing

	assignRequests(tr, p)

	if p.WeInterest {
		t.Fatal("expected we_interest cleared when no eligible piece exists")
	}
	if len(p.RequestsOut) != 0 {
		t.Fatal("expected no requests assigned")
	}
}

func TestOnBlockCompletesPieceAndBroadcastsHave(t *testing.T) {
	tr, store := newTestTorrent(t, 1, 1)
	p := addPeer(tr, 1, 0)
	other := addPeer(tr, 2, 0)
	other.WeChoke = false

	assignRequests(tr, p)
	if len(p.RequestsOut) != 1 {
		t.Fatalf("want 1 request, got %d", len(p.RequestsOut))
	}

	req := p.RequestsOut[0]
	if err := onBlock(tr, p, req.PieceIndex, req.BlockIndex*16384, make([]byte, req.Length)); err != nil {
		t.Fatalf("onBlock: %v", err)
	}

	if tr.HaveCount != 1 {
		t.Fatalf("want HaveCount 1, got %d", tr.HaveCount)
	}
	if !tr.HaveField.Has(0) {
		t.Fatal("expected have_field bit set")
	}
	if len(store.writes) != 1 {
		t.Fatalf("want 1 disk write, got %d", len(store.writes))
	}
	if tr.Seeding != true {
		t.Fatal("expected torrent to transition to seeding (single piece torrent)")
	}

	select {
	case m := <-other.Outbox:
		if m.ID != wire.Have {
			t.Fatalf("want HAVE broadcast to the other peer, got %v", m.ID)
		}
	default:
		t.Fatal("expected a HAVE queued for the other peer")
	}
}

func TestOnBlockBadHashRequeuesPiece(t *testing.T) {
	tr, store := newTestTorrent(t, 1, 1)
	store.verifyOK = false
	p := addPeer(tr, 1, 0)

	assignRequests(tr, p)
	req := p.RequestsOut[0]
	if err := onBlock(tr, p, req.PieceIndex, req.BlockIndex*16384, make([]byte, req.Length)); err != nil {
		t.Fatalf("onBlock: %v", err)
	}

	if tr.HaveCount != 0 {
		t.Fatal("expected piece not marked have on hash mismatch")
	}
	pc, _, ok := tr.Arena.ByIndex(0)
	if !ok {
		t.Fatal("expected piece to remain in progress after bad hash")
	}
	if pc.HaveBlock.Any() || pc.NBlocksGot != 0 {
		t.Fatal("expected block state cleared after on_bad_piece")
	}
	if pc.RequestField.Count() != 1 || len(p.RequestsOut) != 1 {
		t.Fatal("expected on_block's top-up to re-request the reset block")
	}
}

func TestOnBlockDropsStaleArrivalAfterChoke(t *testing.T) {
	tr, store := newTestTorrent(t, 1, 1)
	p := addPeer(tr, 1, 0)

	assignRequests(tr, p)
	req := p.RequestsOut[0]

	onChoke(tr, p.Key())
	if len(p.RequestsOut) != 0 {
		t.Fatal("expected unassign_requests to clear requests_out on choke")
	}

	if err := onBlock(tr, p, req.PieceIndex, req.BlockIndex*16384, make([]byte, req.Length)); err != nil {
		t.Fatalf("onBlock: %v", err)
	}
	if len(store.writes) != 0 {
		t.Fatal("expected stale PIECE to be dropped silently, no disk write")
	}
}

func TestDetachPeerDecrementsAvailability(t *testing.T) {
	tr, _ := newTestTorrent(t, 2, 1)
	p := addPeer(tr, 1, 0, 1)

	if tr.Avail.Count(0) != 1 || tr.Avail.Count(1) != 1 {
		t.Fatal("expected availability incremented on peer attach's bitfield marks")
	}

	tr.DetachPeer(p.Key())

	if tr.Avail.Count(0) != 0 || tr.Avail.Count(1) != 0 {
		t.Fatal("expected availability decremented back on peer loss")
	}
}
