// Package config centralizes the scheduler/policy tunables named in
// spec.md in a single struct with a Default() constructor rather than
// scattering magic numbers through the engine.
package config

import "time"

// Config holds every tunable named in spec.md plus the operational knobs
// a running engine needs (queue sizes, timeouts).
type Config struct {
	// BlockLength is the wire request granularity (spec.md §3: BLOCKLEN).
	BlockLength int32

	// RequestQueueDepth is the target number of outstanding requests per
	// peer (spec.md §4.D: REQQ).
	RequestQueueDepth int

	// MaxUploads is the number of unchoke slots, including the
	// optimistic slot (spec.md §4.E: MAX_UPLOADS).
	MaxUploads int

	// ChokeInterval is the regular choke-cycle period (spec.md §4.E: 10s).
	ChokeInterval time.Duration

	// OptimisticUnchokeEvery is how many choke cycles elapse between
	// optimistic-unchoke rotations (spec.md §4.E: every third round = 30s).
	OptimisticUnchokeEvery int

	// OptimisticNewPeerWeight multiplies a newly-connected peer's chance
	// of being picked for the optimistic slot (spec.md §4.E: ×3).
	OptimisticNewPeerWeight int

	// MinUnchokedAge is the minimum connection age before a peer is a
	// choke-cycle candidate (spec.md §4.E: alive > 20s).
	MinUnchokedAge time.Duration

	// StallTimeout is how long a request may stay outstanding from a
	// non-choking peer before it is snubbed (spec.md §4.G: 60s).
	StallTimeout time.Duration

	// SnubbedRequestDepth pins a snubbed peer's request depth until a
	// block arrives (spec.md §4.G).
	SnubbedRequestDepth int

	// TickInterval is the tick-driver period (spec.md §4.G: 1Hz).
	TickInterval time.Duration

	// RateHalfLife is the half-life of the upload/download rate EMAs
	// (spec.md §3: 20s half-life).
	RateHalfLife time.Duration

	// EventQueueSize bounds the per-torrent dispatcher's inbound event
	// channel.
	EventQueueSize int

	// PeerOutboxSize bounds each peer's outbound message queue.
	PeerOutboxSize int

	// Seed seeds the scheduler's PRNG (spec.md §9: a single seedable
	// PRNG so tests are deterministic). Seed==0 draws entropy from the
	// runtime clock at startup.
	Seed uint64
}

// Default returns the engine's stock tuning values.
func Default() *Config {
	return &Config{
		BlockLength:             16 * 1024,
		RequestQueueDepth:       5,
		MaxUploads:              4,
		ChokeInterval:           10 * time.Second,
		OptimisticUnchokeEvery:  3,
		OptimisticNewPeerWeight: 3,
		MinUnchokedAge:          20 * time.Second,
		StallTimeout:            60 * time.Second,
		SnubbedRequestDepth:     1,
		TickInterval:            time.Second,
		RateHalfLife:            20 * time.Second,
		EventQueueSize:          1024,
		PeerOutboxSize:          256,
	}
}
