package piece

import "testing"

func TestNewComputesBlockCounts(t *testing.T) {
	a := NewArena()
	pc, id := a.New(0, BlockLength*3+100, [20]byte{})
	if pc.NumBlocks != 4 {
		t.Fatalf("want 4 blocks, got %d", pc.NumBlocks)
	}
	if pc.LastBlockLength != 100 {
		t.Fatalf("want last block 100, got %d", pc.LastBlockLength)
	}
	if got, ok := a.Get(id); !ok || got != pc {
		t.Fatal("arena lookup failed")
	}
}

func TestNewExactMultipleHasFullLastBlock(t *testing.T) {
	a := NewArena()
	pc, _ := a.New(0, BlockLength*2, [20]byte{})
	if pc.NumBlocks != 2 {
		t.Fatalf("want 2 blocks, got %d", pc.NumBlocks)
	}
	if pc.LastBlockLength != BlockLength {
		t.Fatalf("want last block == BlockLength, got %d", pc.LastBlockLength)
	}
}

func TestFreeRemovesFromArenaAndOrder(t *testing.T) {
	a := NewArena()
	_, id1 := a.New(0, BlockLength, [20]byte{})
	_, id2 := a.New(1, BlockLength, [20]byte{})

	a.Free(id1)

	if _, ok := a.Get(id1); ok {
		t.Fatal("expected id1 to be freed")
	}
	if _, _, ok := a.ByIndex(0); ok {
		t.Fatal("expected index 0 to be detached")
	}

	order := a.InProgress()
	if len(order) != 1 || order[0] != id2 {
		t.Fatalf("want [id2], got %v", order)
	}
}

func TestFullOutsideEndGame(t *testing.T) {
	a := NewArena()
	pc, _ := a.New(0, BlockLength*2, [20]byte{})
	if pc.Full() {
		t.Fatal("expected not full before any request")
	}
	pc.RequestField.Set(0)
	pc.RequestField.Set(1)
	if !pc.Full() {
		t.Fatal("expected full once every block requested")
	}
}

func TestFullInEndGame(t *testing.T) {
	a := NewArena()
	pc, _ := a.New(0, BlockLength*2, [20]byte{})
	pc.EG = true
	pc.RequestField.Set(0)
	pc.RequestField.Set(1)
	pc.NReqsTotal = 1
	if pc.Full() {
		t.Fatal("expected not full until NReqsTotal >= NumBlocks")
	}
	pc.NReqsTotal = 2
	if !pc.Full() {
		t.Fatal("expected full once NReqsTotal reaches NumBlocks")
	}
}

func TestResetReturnsPieceToWant(t *testing.T) {
	a := NewArena()
	pc, id := a.New(0, BlockLength*2, [20]byte{})
	pc.RequestField.Set(0)
	pc.NReqs[0] = 1
	pc.NReqsTotal = 1
	pc.NBlocksGot = 1
	pc.HaveBlock.Set(0)
	pc.PeersDownloading["peerA"] = 1

	a.Reset(id)

	if pc.RequestField.Any() || pc.HaveBlock.Any() {
		t.Fatal("expected block state cleared")
	}
	if pc.NReqsTotal != 0 || pc.NBlocksGot != 0 {
		t.Fatal("expected counters reset")
	}
	if len(pc.PeersDownloading) != 0 {
		t.Fatal("expected peers_downloading cleared")
	}
}

func TestRemovePeerDetachesFromAllPieces(t *testing.T) {
	a := NewArena()
	pc1, _ := a.New(0, BlockLength, [20]byte{})
	pc2, _ := a.New(1, BlockLength, [20]byte{})
	pc1.PeersDownloading["peerA"] = 1
	pc2.PeersDownloading["peerA"] = 2

	a.RemovePeer("peerA")

	if len(pc1.PeersDownloading) != 0 || len(pc2.PeersDownloading) != 0 {
		t.Fatal("expected peerA removed from every piece")
	}
}

func TestBlockBoundsLastBlock(t *testing.T) {
	a := NewArena()
	pc, _ := a.New(0, BlockLength+500, [20]byte{})
	begin, length := pc.BlockBounds(1)
	if begin != BlockLength || length != 500 {
		t.Fatalf("want (BlockLength, 500), got (%d, %d)", begin, length)
	}
}
