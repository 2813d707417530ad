package scheduler

import (
	"sort"

	"github.com/kdriss/burrow/internal/errs"
	"github.com/kdriss/burrow/internal/peer"
	"github.com/kdriss/burrow/internal/piece"
	"github.com/kdriss/burrow/internal/wire"
)

// topUp re-runs the request planner for p, routing to the end-game
// duplicate-request path once the torrent has armed (spec.md §4.D).
func topUp(t *Torrent, p *peer.Peer) {
	if t.EndGame {
		assignRequestsEG(t, p)
		return
	}
	assignRequests(t, p)
}

// assignRequests implements assign_requests(peer p), the request
// planner's normal-mode path (spec.md §4.D).
func assignRequests(t *Torrent, p *peer.Peer) {
	if p.PeerChoke || !p.WeInterest {
		return
	}

	depth := p.RequestDepth(t.Cfg.RequestQueueDepth, t.Cfg.SnubbedRequestDepth)

	for len(p.RequestsOut) < depth {
		pc, id, ok := pickInProgressPiece(t, p)
		if !ok {
			pc, id, ok = newPieceForPeer(t, p)
			if !ok {
				break
			}
		}

		if !assignOneBlock(t, p, pc, id) {
			break
		}
	}

	if len(p.RequestsOut) == 0 && p.WeInterest {
		p.WeInterest = false
		p.Send(wire.MessageNotInterested())
	}
}

// pickInProgressPiece implements §4.D step 2a: pieces already in
// pieces_in_progress with an unrequested block that p advertises, ordered
// by ascending peers_downloading size, tiebroken by insertion order
// (Arena.InProgress is already insertion-ordered, and sort.SliceStable
// preserves that order among equal downloader counts).
func pickInProgressPiece(t *Torrent, p *peer.Peer) (*piece.Piece, piece.ID, bool) {
	ids := t.Arena.InProgress()

	var candidates []piece.ID
	for _, id := range ids {
		pc, _ := t.Arena.Get(id)
		if !p.PieceField.Has(pc.Index) {
			continue
		}
		if hasUnrequestedBlock(pc) {
			candidates = append(candidates, id)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, _ := t.Arena.Get(candidates[i])
		b, _ := t.Arena.Get(candidates[j])
		return len(a.PeersDownloading) < len(b.PeersDownloading)
	})

	if len(candidates) == 0 {
		return nil, 0, false
	}

	id := candidates[0]
	pc, _ := t.Arena.Get(id)
	return pc, id, true
}

func hasUnrequestedBlock(pc *piece.Piece) bool {
	for b := 0; b < pc.NumBlocks; b++ {
		if !pc.HaveBlock.Has(b) && !pc.RequestField.Has(b) {
			return true
		}
	}
	return false
}

// newPieceForPeer implements §4.D step 2b: pick a new piece p advertises
// that is neither busy nor had, preferring the rarest, uniform random
// among ties, and allocate it via new_piece.
func newPieceForPeer(t *Torrent, p *peer.Peer) (*piece.Piece, piece.ID, bool) {
	index, ok := rarestCandidate(t, p)
	if !ok {
		return nil, 0, false
	}

	pc, id := t.Arena.New(index, t.pieceLength(index), t.Meta.PieceHashes[index])
	t.BusyField.Set(index)
	return pc, id, true
}

// rarestCandidate scans piece_count buckets from rarest to most common and
// returns a uniform-random pick among the pieces p offers at the first
// non-empty level that contains an eligible candidate.
func rarestCandidate(t *Torrent, p *peer.Peer) (int, bool) {
	level, ok := t.Avail.FirstNonEmpty()
	for ; ok; level, ok = nextNonEmptyLevel(t, level) {
		var eligible []int
		for _, i := range t.Avail.Bucket(level) {
			if eligibleForNewPiece(t, p, i) {
				eligible = append(eligible, i)
			}
		}
		if len(eligible) > 0 {
			return eligible[t.Rng.IntN(len(eligible))], true
		}
	}

	return 0, false
}

func nextNonEmptyLevel(t *Torrent, from int) (int, bool) {
	for lvl := from + 1; ; lvl++ {
		b := t.Avail.Bucket(lvl)
		if b == nil && lvl > 4096 {
			return 0, false
		}
		if len(b) > 0 {
			return lvl, true
		}
		if lvl-from > 4096 {
			return 0, false
		}
	}
}

func eligibleForNewPiece(t *Torrent, p *peer.Peer, index int) bool {
	if !p.PieceField.Has(index) {
		return false
	}
	if t.BusyField.Has(index) {
		return false
	}
	if t.HaveField.Has(index) {
		return false
	}
	return true
}

// assignOneBlock assigns the lowest unrequested block of pc to p (§4.D
// step 3). Returns false if pc had no unrequested block after all
// (shouldn't happen given the caller's filtering, but keeps the planner
// loop from spinning).
func assignOneBlock(t *Torrent, p *peer.Peer, pc *piece.Piece, id piece.ID) bool {
	for b := 0; b < pc.NumBlocks; b++ {
		if pc.HaveBlock.Has(b) || pc.RequestField.Has(b) {
			continue
		}

		begin, length := pc.BlockBounds(b)
		pc.RequestField.Set(b)
		pc.NReqs[b]++
		pc.NReqsTotal++
		if _, already := pc.PeersDownloading[p.Key()]; !already {
			pc.PeersDownloading[p.Key()] = 0
		}
		pc.PeersDownloading[p.Key()]++

		p.RequestsOut = append(p.RequestsOut, peer.BlockRequest{
			PieceIndex: pc.Index,
			BlockIndex: b,
			Length:     length,
			RequestedAt: t.Clock.Now(),
		})
		p.Send(wire.MessageRequest(uint32(pc.Index), uint32(begin), uint32(length)))

		_ = id
		return true
	}
	return false
}

// assignRequestsEG implements assign_requests_eg(p): request every block
// of every in-progress piece p advertises and isn't already requesting, up
// to REQQ per peer, or SnubbedRequestDepth for a snubbed peer (spec.md §4.D).
func assignRequestsEG(t *Torrent, p *peer.Peer) {
	if p.PeerChoke || !p.WeInterest {
		return
	}

	depth := p.RequestDepth(t.Cfg.RequestQueueDepth, t.Cfg.SnubbedRequestDepth)

	for _, id := range t.Arena.InProgress() {
		if len(p.RequestsOut) >= depth {
			return
		}

		pc, _ := t.Arena.Get(id)
		if !p.PieceField.Has(pc.Index) {
			continue
		}

		for b := 0; b < pc.NumBlocks && len(p.RequestsOut) < depth; b++ {
			if pc.HaveBlock.Has(b) {
				continue
			}
			if alreadyRequesting(p, pc.Index, b) {
				continue
			}

			begin, length := pc.BlockBounds(b)
			pc.NReqs[b]++
			pc.NReqsTotal++
			pc.RequestField.Set(b)
			if _, already := pc.PeersDownloading[p.Key()]; !already {
				pc.PeersDownloading[p.Key()] = 0
			}
			pc.PeersDownloading[p.Key()]++

			p.RequestsOut = append(p.RequestsOut, peer.BlockRequest{
				PieceIndex: pc.Index,
				BlockIndex: b,
				Length:     length,
				RequestedAt: t.Clock.Now(),
			})
			p.Send(wire.MessageRequest(uint32(pc.Index), uint32(begin), uint32(length)))
		}
	}
}

func alreadyRequesting(p *peer.Peer, pieceIndex, blockIndex int) bool {
	for _, r := range p.RequestsOut {
		if r.PieceIndex == pieceIndex && r.BlockIndex == blockIndex {
			return true
		}
	}
	return false
}

// downloadersOf returns pc's current downloaders, sorted by peer key for
// a deterministic reorder offset assignment (spec.md §9's determinism
// requirement: map iteration order is not stable across runs).
func downloadersOf(t *Torrent, pc *piece.Piece) []*peer.Peer {
	var out []*peer.Peer
	for key := range pc.PeersDownloading {
		if p, ok := t.Peers[key]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// pieceReorderEG implements piece_reorder_eg(pc): when a piece enters
// end-game, rotate each downloading peer's outstanding-request list by a
// distinct offset so peers don't all race the same block first.
func pieceReorderEG(pc *piece.Piece, downloaders []*peer.Peer) {
	for idx, p := range downloaders {
		rotateRequests(p, pc.Index, idx)
	}
}

func rotateRequests(p *peer.Peer, pieceIndex, offset int) {
	var within, rest []peer.BlockRequest
	for _, r := range p.RequestsOut {
		if r.PieceIndex == pieceIndex {
			within = append(within, r)
		} else {
			rest = append(rest, r)
		}
	}
	if len(within) == 0 {
		return
	}

	offset %= len(within)
	rotated := append(append([]peer.BlockRequest(nil), within[offset:]...), within[:offset]...)
	p.RequestsOut = append(rest, rotated...)
}

// unassignRequests implements unassign_requests(p): on CHOKE or
// disconnect, every outstanding BlockRequest is released back to the pool
// (spec.md §4.D).
func unassignRequests(t *Torrent, p *peer.Peer) {
	for _, r := range p.RequestsOut {
		pc, _, ok := t.Arena.ByIndex(r.PieceIndex)
		if !ok {
			continue
		}

		if !pc.EG {
			pc.RequestField.Clear(r.BlockIndex)
		}
		if pc.NReqs[r.BlockIndex] > 0 {
			pc.NReqs[r.BlockIndex]--
		}
		if pc.NReqs[r.BlockIndex] == 0 {
			pc.RequestField.Clear(r.BlockIndex)
		}
		pc.NReqsTotal--

		if n, ok := pc.PeersDownloading[p.Key()]; ok {
			if n <= 1 {
				delete(pc.PeersDownloading, p.Key())
			} else {
				pc.PeersDownloading[p.Key()] = n - 1
			}
		}
	}

	p.RequestsOut = nil
}

// onBlock implements on_block(p, req, data): called on PIECE receipt
// (spec.md §4.D).
func onBlock(t *Torrent, p *peer.Peer, pieceIndex, begin int, data []byte) error {
	blockIndex := begin / int(piece.BlockLength)

	idx := findRequest(p, pieceIndex, blockIndex)
	if idx < 0 {
		return nil // stale after CHOKE; drop silently
	}
	p.RequestsOut = append(p.RequestsOut[:idx], p.RequestsOut[idx+1:]...)
	p.AddDownloaded(len(data))
	p.Snubbed = false

	pc, id, ok := t.Arena.ByIndex(pieceIndex)
	if !ok {
		return nil
	}

	// This request is resolved either way (block data arrived), so its
	// nreqs bookkeeping is released here regardless of end-game duplicate
	// status (spec.md §8 invariant 5: sum of requests_out equals sum of
	// nreqs_total). Clearing request_field once nreqs hits zero is safe
	// only because assign_one_block and hasUnrequestedBlock both also gate
	// on have_block, so an already-received block is never re-requested.
	if pc.NReqs[blockIndex] > 0 {
		pc.NReqs[blockIndex]--
	}
	if pc.NReqs[blockIndex] == 0 {
		pc.RequestField.Clear(blockIndex)
	}
	if pc.NReqsTotal > 0 {
		pc.NReqsTotal--
	}
	if n := pc.PeersDownloading[p.Key()]; n <= 1 {
		delete(pc.PeersDownloading, p.Key())
	} else {
		pc.PeersDownloading[p.Key()] = n - 1
	}

	if err := t.Store.WriteBlock(pieceIndex, int32(begin), data); err != nil {
		return errs.Wrap(errs.IO, err, "write block")
	}

	if !pc.HaveBlock.Set(blockIndex) {
		return nil // duplicate arrival (end-game), state already updated by first
	}
	pc.NBlocksGot++

	if pc.EG || t.EndGame {
		cancelDuplicateRequests(t, p, pc, blockIndex)
	}

	if pc.NBlocksGot == pc.NumBlocks {
		ok, err := t.Store.VerifyPiece(pieceIndex, pc.SHA, pc.Length)
		if err != nil {
			return errs.Wrap(errs.IO, err, "verify piece")
		}
		if ok {
			onOkPiece(t, pc, id)
		} else {
			onBadPiece(t, pc, id)
		}
	}

	topUp(t, p)
	return nil
}

// onRequest implements serving an inbound REQUEST (spec.md §6): a choked
// peer gets nothing; otherwise the block is read back and queued as a
// PIECE message, and the bytes served feed the upload rate EMA used by
// the choking algorithm (spec.md §3, §4.E). Oversize requests never
// reach here: wire.Message.Validate rejects them before decoding.
func onRequest(t *Torrent, p *peer.Peer, pieceIndex int, begin, length int32) error {
	if p == nil || p.WeChoke {
		return nil
	}

	data, err := t.Store.ReadBlock(pieceIndex, begin, length)
	if err != nil {
		return errs.Wrap(errs.IO, err, "read block for upload")
	}

	p.Send(wire.MessagePiece(uint32(pieceIndex), uint32(begin), data))
	p.AddUploaded(len(data))
	return nil
}

func findRequest(p *peer.Peer, pieceIndex, blockIndex int) int {
	for i, r := range p.RequestsOut {
		if r.PieceIndex == pieceIndex && r.BlockIndex == blockIndex {
			return i
		}
	}
	return -1
}

// cancelDuplicateRequests sends CANCEL to every other peer that still has
// an outstanding request for this block (end-game, spec.md §4.D).
func cancelDuplicateRequests(t *Torrent, arrivedFrom *peer.Peer, pc *piece.Piece, blockIndex int) {
	begin, length := pc.BlockBounds(blockIndex)

	for key, other := range t.Peers {
		if key == arrivedFrom.Key() {
			continue
		}

		idx := findRequest(other, pc.Index, blockIndex)
		if idx < 0 {
			continue
		}

		other.RequestsOut = append(other.RequestsOut[:idx], other.RequestsOut[idx+1:]...)
		other.Send(wire.MessageCancel(uint32(pc.Index), uint32(begin), uint32(length)))

		if pc.NReqs[blockIndex] > 0 {
			pc.NReqs[blockIndex]--
		}
		if pc.NReqsTotal > 0 {
			pc.NReqsTotal--
		}
		if n := pc.PeersDownloading[key]; n <= 1 {
			delete(pc.PeersDownloading, key)
		} else {
			pc.PeersDownloading[key] = n - 1
		}
	}
}

// onOkPiece implements on_ok_piece(pc): marks the piece complete,
// broadcasts HAVE, frees the piece, and transitions to seeding when
// complete (spec.md §4.D).
func onOkPiece(t *Torrent, pc *piece.Piece, id piece.ID) {
	t.HaveField.Set(pc.Index)
	t.HaveCount++
	t.BusyField.Clear(pc.Index)
	t.Arena.Free(id)

	t.broadcastHave(pc.Index)

	if t.Resume != nil {
		_ = t.Resume.Flush(t.HaveField, t.BusyField)
	}

	if t.HaveCount == t.Meta.PieceCount() {
		t.Seeding = true
		for _, p := range t.Peers {
			if p.WeInterest {
				p.WeInterest = false
				p.Send(wire.MessageNotInterested())
			}
		}
		if t.Tracker != nil {
			_, _ = t.Tracker.Announce(TrackerCompleted)
		}
	}
}

// onBadPiece implements on_bad_piece(pc): clears all block state and
// re-queues the piece for download (spec.md §4.D). Peer banning by hash is
// explicitly not required.
func onBadPiece(t *Torrent, pc *piece.Piece, id piece.ID) {
	t.Arena.Reset(id)
}
