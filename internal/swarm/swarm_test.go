package swarm

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/kdriss/burrow/internal/config"
	"github.com/kdriss/burrow/internal/meta"
	"github.com/kdriss/burrow/internal/peer"
	"github.com/kdriss/burrow/internal/scheduler"
)

type fakeStore struct{}

func (fakeStore) WriteBlock(pieceIndex int, begin int32, data []byte) error { return nil }
func (fakeStore) ReadBlock(pieceIndex int, begin, length int32) ([]byte, error) {
	return make([]byte, length), nil
}
func (fakeStore) VerifyPiece(pieceIndex int, expect [sha1.Size]byte, length int32) (bool, error) {
	return true, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTorrent(t *testing.T, pieceCount int, pieceLength int32) *Torrent {
	t.Helper()
	m := &meta.Metainfo{
		PieceLength: pieceLength,
		TotalLength: int64(pieceCount) * int64(pieceLength),
		PieceHashes: make([][sha1.Size]byte, pieceCount),
	}
	cfg := config.Default()
	cfg.Seed = 1
	st := scheduler.New(m, cfg, nil, fakeStore{}, nil, nil, discardLogger(), clock.NewMock())
	return New(st, discardLogger())
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRunDispatchesEnqueuedEvents(t *testing.T) {
	sw := newTestTorrent(t, 4, 4*16384)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	id := peer.ID{1}
	p := peer.New(id, 4, 8, sw.Torrent.Clock.Now())
	sw.Enqueue(scheduler.NewPeerAttached(p))

	waitUntil(t, func() bool {
		_, ok := sw.Peers[p.Key()]
		return ok
	})

	if !sw.HasPeerID(id) {
		t.Fatal("expected HasPeerID true for the attached peer")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sw := newTestTorrent(t, 1, 16384)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestBytesLeftAccountsForShortLastPiece(t *testing.T) {
	sw := newTestTorrent(t, 3, 10)
	// total = 30, but the actual underlying content is shorter, leaving a
	// short last piece.
	sw.Meta.TotalLength = 25

	if got := sw.BytesLeft(); got != 25 {
		t.Fatalf("want 25 bytes left with nothing downloaded, got %d", got)
	}

	sw.HaveField.Set(0)
	sw.HaveCount++
	if got := sw.BytesLeft(); got != 15 {
		t.Fatalf("want 15 bytes left after piece 0, got %d", got)
	}

	sw.HaveField.Set(1)
	sw.HaveField.Set(2)
	sw.HaveCount += 2
	if got := sw.BytesLeft(); got != 0 {
		t.Fatalf("want 0 bytes left once every piece is had, got %d", got)
	}
}

func TestEnqueueDropsOnFullQueue(t *testing.T) {
	sw := newTestTorrent(t, 1, 16384)
	sw.Events = make(chan scheduler.Event, 1)

	id := peer.ID{9}
	p := peer.New(id, 1, 8, sw.Torrent.Clock.Now())

	sw.Enqueue(scheduler.NewPeerAttached(p))
	sw.Enqueue(scheduler.NewPeerLost(p.Key()))
	sw.Enqueue(scheduler.NewPeerLost(p.Key()))

	if len(sw.Events) != 1 {
		t.Fatalf("want the queue to stay at its capacity of 1, got %d", len(sw.Events))
	}
}
