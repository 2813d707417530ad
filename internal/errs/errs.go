// Package errs classifies the error kinds named in spec.md §7 and carries
// them across the event-dispatcher boundary so handlers can apply the
// right policy (kill the peer, fail torrent load, or unload the torrent)
// without parsing error strings.
package errs

import "github.com/pkg/errors"

// Kind identifies the broad category of failure, per spec.md §7.
type Kind int

const (
	// IO covers content/resume file read or write failures.
	IO Kind = iota
	// Protocol covers malformed or out-of-range wire messages.
	Protocol
	// HashMismatch covers a piece that failed SHA-1 verification.
	HashMismatch
	// Resource covers allocation or mmap failures.
	Resource
	// Config covers resume/metadata inconsistencies (e.g. resume file
	// size mismatch).
	Config
	// Duplicate covers an info-hash that is already loaded.
	Duplicate
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case Protocol:
		return "protocol"
	case HashMismatch:
		return "hash_mismatch"
	case Resource:
		return "resource"
	case Config:
		return "config"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type kindedError struct {
	kind Kind
	err  error
}

func (e *kindedError) Error() string { return e.err.Error() }
func (e *kindedError) Unwrap() error { return e.err }
func (e *kindedError) Cause() error  { return e.err }

// New wraps msg with a stack trace (via github.com/pkg/errors) and tags it
// with kind.
func New(kind Kind, msg string) error {
	return &kindedError{kind: kind, err: errors.New(msg)}
}

// Wrap tags err with kind, preserving its stack via github.com/pkg/errors.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: errors.Wrap(err, msg)}
}

// KindOf reports the Kind of err, or (0, false) if err was not produced by
// this package.
func KindOf(err error) (Kind, bool) {
	var ke *kindedError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}

// Is reports whether err was tagged with kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Cause unwraps to the innermost error, mirroring github.com/pkg/errors.
func Cause(err error) error { return errors.Cause(err) }
