// Package swarm drives the single cooperative event loop spec.md §5
// mandates: one goroutine per torrent, fed by a buffered channel of
// scheduler.Event from peer goroutines and a 1 Hz ticker, calling into
// internal/scheduler's Dispatch/Tick/Rechoke as the sole writer of that
// torrent's state. It wraps scheduler.Registry rather than duplicating it
// (Load/Unload and the tracker STARTED/STOPPED contract already live
// there), adding only what a running process needs on top: a per-load
// session id for log correlation across reconnects, and the swarm-level
// helpers spec.md's distillation treats as external (torrent_bytes_left,
// the pre-connect peer-id dedup check).
package swarm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kdriss/burrow/internal/peer"
	"github.com/kdriss/burrow/internal/scheduler"
)

// Torrent wraps a scheduler.Torrent with the event-loop plumbing spec.md
// §5 describes but leaves to the embedding process: an inbound event
// queue and a session id. Every exported scheduler.Torrent field and
// method remains reachable through embedding; only Dispatch/Tick/Rechoke
// are meant to be called exclusively from Run's goroutine.
type Torrent struct {
	*scheduler.Torrent

	SessionID uuid.UUID
	Events    chan scheduler.Event

	log *slog.Logger
}

// New wraps an already-constructed scheduler.Torrent for the event loop.
// The scheduler.Torrent itself is built by the caller (it needs the
// parsed metainfo, config, store, resume and tracker collaborators that
// this package has no opinion about).
func New(t *scheduler.Torrent, log *slog.Logger) *Torrent {
	sessionID := uuid.New()
	return &Torrent{
		Torrent:   t,
		SessionID: sessionID,
		Events:    make(chan scheduler.Event, t.Cfg.EventQueueSize),
		log:       log.With("session", sessionID.String(), "info_hash", fmt.Sprintf("%x", t.InfoHash)),
	}
}

// Enqueue hands ev to the event loop. Per spec.md's Non-goals ("no more
// than simple back-pressure"), a full queue drops the event and logs
// rather than blocking whatever peer goroutine is trying to report it.
func (t *Torrent) Enqueue(ev scheduler.Event) {
	select {
	case t.Events <- ev:
	default:
		t.log.Warn("event queue full, dropping event", "type", fmt.Sprintf("%T", ev))
	}
}

// Run is the cooperative event loop itself: it is the only goroutine that
// ever calls scheduler.Dispatch or scheduler.Tick for this torrent, so
// every invariant Dispatch/Tick/Rechoke assume (no concurrent writers)
// holds by construction. It returns when ctx is canceled or Events is
// closed.
func (t *Torrent) Run(ctx context.Context) error {
	ticker := t.Torrent.Clock.Ticker(t.Cfg.TickInterval)
	defer ticker.Stop()

	t.log.Info("torrent event loop started")
	defer t.log.Info("torrent event loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-t.Events:
			if !ok {
				return nil
			}
			if err := scheduler.Dispatch(t.Torrent, ev); err != nil {
				t.log.Warn("dispatch failed", "err", err)
			}

		case <-ticker.C:
			scheduler.Tick(t.Torrent)
		}
	}
}

// BytesLeft implements btpd's torrent_bytes_left (supplemented from
// original_source/btpd, not in spec.md's distillation): bytes remaining
// across every piece we do not yet have, accounting for a shorter last
// piece. Used as the tracker announce left= parameter.
func (t *Torrent) BytesLeft() int64 {
	n := t.Meta.PieceCount()
	if t.HaveCount == n {
		return 0
	}

	var have int64
	t.HaveField.Each(func(i int) bool {
		have += int64(t.Meta.PieceByteLength(i))
		return true
	})
	return t.Meta.TotalLength - have
}

// HasPeerID implements btpd's torrent_has_peer (supplemented from
// original_source/btpd): rejects a second connection from a peer id
// already attached to this torrent, checked before the handshake
// finishes so a duplicate connection never reaches AttachPeer only to be
// bounced there. AttachPeer's own dup check (keyed the same way) remains
// the authoritative guard; this lets the connection layer fail fast.
func (t *Torrent) HasPeerID(id peer.ID) bool {
	_, attached := t.Peers[id.Key()]
	return attached
}
