package swarm

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"sync"

	"github.com/kdriss/burrow/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

// Registry is the process-wide collection of running event loops,
// mirroring btpd's global torrent list (spec.md §9) one level above
// scheduler.Registry: where that registry owns the info-hash → Torrent
// map and the Load/Unload state transition, Registry here owns the
// goroutine each loaded torrent runs its loop in, so Load/Unload double
// as start/stop of that goroutine.
type Registry struct {
	mu    sync.Mutex
	inner *scheduler.Registry
	log   *slog.Logger

	running map[[sha1.Size]byte]*runningTorrent
}

type runningTorrent struct {
	torrent *Torrent
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRegistry wraps a fresh scheduler.Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		inner:   scheduler.NewRegistry(),
		log:     log,
		running: make(map[[sha1.Size]byte]*runningTorrent),
	}
}

// Load registers t with the underlying scheduler.Registry (firing the
// tracker STARTED announce) and starts its event loop under ctx. Callers
// drive the loop's lifetime by canceling ctx or calling Unload.
func (r *Registry) Load(ctx context.Context, t *scheduler.Torrent) (*Torrent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.inner.Load(t); err != nil {
		return nil, err
	}

	sw := New(t, r.log)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.running[t.InfoHash] = &runningTorrent{torrent: sw, cancel: cancel, done: done}

	go func() {
		defer close(done)
		if err := sw.Run(loopCtx); err != nil {
			r.log.Error("torrent event loop exited with error", "info_hash", t.InfoHash, "err", err)
		}
	}()

	return sw, nil
}

// Unload stops infoHash's event loop and tears down its scheduler state
// (the tracker STOPPED announce, resume flush, peer/piece teardown all
// happen inside scheduler.Registry.Unload).
func (r *Registry) Unload(infoHash [sha1.Size]byte) {
	r.mu.Lock()
	rt, ok := r.running[infoHash]
	if ok {
		delete(r.running, infoHash)
	}
	r.mu.Unlock()

	if ok {
		rt.cancel()
		<-rt.done
	}

	r.inner.Unload(infoHash)
}

// Shutdown stops every running torrent concurrently, grounded on the
// teacher's own errgroup-driven goroutine-group lifecycle
// (internal/peer.Swarm.Run): unlike that single shared-lifetime group,
// each torrent here has its own independent start/stop time, so Shutdown
// fans Unload out across an errgroup.Group instead of waiting on them one
// at a time, then returns once every loop has actually exited.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	hashes := make([][sha1.Size]byte, 0, len(r.running))
	for h := range r.running {
		hashes = append(hashes, h)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, h := range hashes {
		h := h
		g.Go(func() error {
			r.Unload(h)
			return nil
		})
	}
	return g.Wait()
}

// Get returns the running swarm.Torrent for infoHash, if loaded.
func (r *Registry) Get(infoHash [sha1.Size]byte) (*Torrent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.running[infoHash]
	if !ok {
		return nil, false
	}
	return rt.torrent, true
}

// All returns every currently running swarm.Torrent.
func (r *Registry) All() []*Torrent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Torrent, 0, len(r.running))
	for _, rt := range r.running {
		out = append(out, rt.torrent)
	}
	return out
}
