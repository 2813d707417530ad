package storage

import (
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/kdriss/burrow/pkg/bitfield"
)

func TestResumeRoundTripsHaveField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume")

	r, err := Open(path, 10, 4*16384)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	have := bitfield.New(10)
	have.Set(0)
	have.Set(3)
	have.Set(9)
	if err := r.Flush(have, bitfield.New(10)); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(path, 10, 4*16384)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()

	got := r2.HaveField()
	if !got.Has(0) || !got.Has(3) || !got.Has(9) {
		t.Fatalf("want bits 0,3,9 set after reopen, got %s", got)
	}
	if got.Count() != 3 {
		t.Fatalf("want exactly 3 bits set, got %d", got.Count())
	}
}

func TestResumeRejectsSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume")

	r, err := Open(path, 10, 4*16384)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Close()

	if _, err := Open(path, 20, 4*16384); err == nil {
		t.Fatal("expected a size-mismatched resume file to be rejected")
	}
}

func TestResumeBlockPresence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume")
	r, err := Open(path, 2, 262144) // 2 chunks of 128 KiB per piece
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.BlockPresent(0, 1) {
		t.Fatal("expected chunk not present before MarkBlockPresent")
	}
	r.MarkBlockPresent(0, 1)
	if !r.BlockPresent(0, 1) {
		t.Fatal("expected chunk present after MarkBlockPresent")
	}
	if r.BlockPresent(1, 1) {
		t.Fatal("expected the other piece's chunk untouched")
	}
}

func TestFlatFileStoreWriteAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content")
	pieceLength := int32(16)
	store, err := OpenFlatFileStore(path, int64(pieceLength)*2, pieceLength)
	if err != nil {
		t.Fatalf("OpenFlatFileStore: %v", err)
	}
	defer store.Close()

	data := []byte("0123456789abcdef")
	if err := store.WriteBlock(1, 0, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	ok, err := store.VerifyPiece(1, sha1.Sum(data), pieceLength)
	if err != nil {
		t.Fatalf("VerifyPiece: %v", err)
	}
	if !ok {
		t.Fatal("expected verification to succeed for matching data")
	}

	ok, err = store.VerifyPiece(1, sha1.Sum([]byte("wrong data here!")), pieceLength)
	if err != nil {
		t.Fatalf("VerifyPiece: %v", err)
	}
	if ok {
		t.Fatal("expected verification to fail for a mismatched digest")
	}
}
