package scheduler

import (
	"crypto/sha1"

	"github.com/kdriss/burrow/internal/errs"
)

// Registry is the process-wide info-hash → torrent collection (spec.md
// §9). It is owned by the event loop: constructed at startup, torn down
// at shutdown, and never touched from another goroutine.
type Registry struct {
	torrents map[[sha1.Size]byte]*Torrent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{torrents: make(map[[sha1.Size]byte]*Torrent)}
}

// Load registers t under its info-hash. Duplicate loads fail the torrent
// load but leave the process and every other torrent running (spec.md
// §7).
func (r *Registry) Load(t *Torrent) error {
	if _, dup := r.torrents[t.InfoHash]; dup {
		return errs.New(errs.Duplicate, "info-hash already loaded")
	}

	r.torrents[t.InfoHash] = t
	if t.Tracker != nil {
		_, _ = t.Tracker.Announce(TrackerStarted)
	}

	return nil
}

// Unload tears down a torrent: kills every peer and frees every
// in-progress piece (spec.md §3's lifecycle note).
func (r *Registry) Unload(infoHash [sha1.Size]byte) {
	t, ok := r.torrents[infoHash]
	if !ok {
		return
	}

	for key := range t.Peers {
		t.DetachPeer(key)
	}
	for _, id := range t.Arena.InProgress() {
		t.Arena.Free(id)
	}

	if t.Resume != nil {
		_ = t.Resume.Flush(t.HaveField, t.BusyField)
	}
	if t.Tracker != nil {
		_, _ = t.Tracker.Announce(TrackerStopped)
	}

	delete(r.torrents, infoHash)
}

// Get returns the torrent for infoHash, if loaded.
func (r *Registry) Get(infoHash [sha1.Size]byte) (*Torrent, bool) {
	t, ok := r.torrents[infoHash]
	return t, ok
}

// All returns every currently loaded torrent.
func (r *Registry) All() []*Torrent {
	out := make([]*Torrent, 0, len(r.torrents))
	for _, t := range r.torrents {
		out = append(out, t)
	}
	return out
}
