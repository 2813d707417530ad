// Command burrowd is the process entrypoint: it wires config, logging,
// storage, the tracker client and the swarm registry together and runs a
// single torrent's event loop until interrupted. Parsing an actual
// .torrent file and speaking the wire protocol over real sockets are both
// out of scope (spec.md §1); this takes an already-parsed metainfo
// sidecar instead, the same seam internal/meta.Metainfo documents.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andres-erbsen/clock"
	"github.com/kdriss/burrow/internal/config"
	"github.com/kdriss/burrow/internal/logging"
	"github.com/kdriss/burrow/internal/meta"
	"github.com/kdriss/burrow/internal/piece"
	"github.com/kdriss/burrow/internal/scheduler"
	"github.com/kdriss/burrow/internal/storage"
	"github.com/kdriss/burrow/internal/swarm"
	"github.com/kdriss/burrow/internal/tracker"
)

// metainfoFile is the on-disk JSON shape burrowd reads in place of
// bencode .torrent parsing (out of scope, spec.md §1): the same fields
// internal/meta.Metainfo needs, hex-encoded where Metainfo uses raw
// bytes.
type metainfoFile struct {
	InfoHash    string   `json:"info_hash"`
	Name        string   `json:"name"`
	AnnounceURL string   `json:"announce_url"`
	PieceLength int32    `json:"piece_length"`
	TotalLength int64    `json:"total_length"`
	PieceHashes []string `json:"piece_hashes"`
}

func loadMetainfo(path string) (*meta.Metainfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var mf metainfoFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, err
	}

	infoHash, err := decodeHash(mf.InfoHash)
	if err != nil {
		return nil, err
	}

	hashes := make([][sha1.Size]byte, len(mf.PieceHashes))
	for i, h := range mf.PieceHashes {
		decoded, err := decodeHash(h)
		if err != nil {
			return nil, err
		}
		hashes[i] = decoded
	}

	return &meta.Metainfo{
		InfoHash:    infoHash,
		Name:        mf.Name,
		AnnounceURL: mf.AnnounceURL,
		PieceLength: mf.PieceLength,
		TotalLength: mf.TotalLength,
		PieceHashes: hashes,
	}, nil
}

func decodeHash(s string) ([sha1.Size]byte, error) {
	var out [sha1.Size]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

func randomPeerID() piece.PeerID {
	var id [20]byte
	copy(id[:], "-BR0001-")
	rand.Read(id[8:])
	return piece.PeerID(id[:])
}

func setupLogger() *slog.Logger {
	opts := logging.DefaultOptions()
	h := logging.New(os.Stdout, opts)
	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func main() {
	metaPath := flag.String("metainfo", "", "path to a JSON metainfo sidecar (see internal/meta.Metainfo)")
	contentPath := flag.String("content", "", "path to the flat content file")
	resumePath := flag.String("resume", "", "path to the resume file")
	port := flag.Int("port", 6881, "listening port advertised to the tracker")
	flag.Parse()

	log := setupLogger()

	if *metaPath == "" || *contentPath == "" || *resumePath == "" {
		log.Error("-metainfo, -content and -resume are all required")
		os.Exit(1)
	}

	m, err := loadMetainfo(*metaPath)
	if err != nil {
		log.Error("failed to load metainfo", "err", err)
		os.Exit(1)
	}

	store, err := storage.OpenFlatFileStore(*contentPath, m.TotalLength, m.PieceLength)
	if err != nil {
		log.Error("failed to open content store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	resume, err := storage.Open(*resumePath, m.PieceCount(), m.PieceLength)
	if err != nil {
		log.Error("failed to open resume file", "err", err)
		os.Exit(1)
	}
	defer resume.Close()

	cfg := config.Default()
	peerID := randomPeerID()

	st := scheduler.New(m, cfg, resume.HaveField(), store, resume, nil, log, clock.New())

	var trk scheduler.Tracker
	if m.AnnounceURL != "" {
		trk = tracker.New(m.AnnounceURL, m.InfoHash, peerID, uint16(*port), func() int64 {
			return swarmBytesLeft(st)
		}, log)
	}
	st.Tracker = trk

	registry := swarm.NewRegistry(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sw, err := registry.Load(ctx, st)
	if err != nil {
		log.Error("failed to load torrent", "err", err)
		os.Exit(1)
	}
	log.Info("torrent loaded", "session", sw.SessionID.String(), "pieces", m.PieceCount())

	<-ctx.Done()
	log.Info("shutting down")
	if err := registry.Shutdown(context.Background()); err != nil {
		log.Error("shutdown error", "err", err)
	}
}

// swarmBytesLeft mirrors swarm.Torrent.BytesLeft (btpd's
// torrent_bytes_left) without requiring a swarm.Torrent to already exist:
// the tracker client is constructed before the swarm.Torrent wrapping st,
// so it closes over st directly.
func swarmBytesLeft(t *scheduler.Torrent) int64 {
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
