package contentkeys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
)

func TestIndexAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"OpenClose", testIndexOpenClose},
		{"PutGetDelete", testIndexPutGetDelete},
		{"ListAndDistribution", testIndexListAndDistribution},
		{"ReWrapCommit", testIndexReWrapCommit},
		{"ReWrapRevert", testIndexReWrapRevert},
		{"ReWrapCancelled", testIndexReWrapCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()

	index, err := Open(filepath.Join(t.TempDir(), "content-keys.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = index.Close() })
	return index
}

// fakeCT builds a reversible stand-in ciphertext: the secret XORed with a
// per-generation pad, with the pad byte carried in the nonce.
func fakeCT(secret []byte, pad byte) *hybrid.Ciphertext {
	wrapped := make([]byte, len(secret))
	for i, b := range secret {
		wrapped[i] = b ^ pad
	}
	return &hybrid.Ciphertext{
		KyberCiphertext: []byte{0x01},
		X25519Ephemeral: []byte{0x02},
		WrappedKey:      wrapped,
		Nonce:           []byte{pad},
		Version:         "fake",
	}
}

// fakeSession unwraps any fakeCT and wraps under a fixed new pad, standing in
// for the vault's rotation session.
type fakeSession struct {
	targetID string
	newPad   byte
}

func (s *fakeSession) Unwrap(ct *hybrid.Ciphertext) ([]byte, int, error) {
	if ct.Version != "fake" || len(ct.Nonce) != 1 {
		return nil, 0, errors.New("unknown ciphertext")
	}
	pad := ct.Nonce[0]
	secret := make([]byte, len(ct.WrappedKey))
	for i, b := range ct.WrappedKey {
		secret[i] = b ^ pad
	}
	return secret, int(pad), nil
}

func (s *fakeSession) Wrap(secret []byte) (*hybrid.Ciphertext, error) {
	return fakeCT(secret, s.newPad), nil
}

func (s *fakeSession) TargetKeyID() string { return s.targetID }

var _ keystore.ReWrapSession = (*fakeSession)(nil)

func testIndexOpenClose(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("Open accepted an empty path")
	}

	path := filepath.Join(t.TempDir(), "nested", "content-keys.db")
	index, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Index database was not created: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("Index database mode = %o, want 0600", info.Mode().Perm())
		}
	}

	if err := index.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := index.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}

	if err := index.Put("item", "key", fakeCT([]byte("secret"), 1)); err == nil {
		t.Error("Put succeeded on a closed index")
	}
	if _, err := index.Get("item"); err == nil {
		t.Error("Get succeeded on a closed index")
	}
	if _, err := index.Count(); err == nil {
		t.Error("Count succeeded on a closed index")
	}
}

func testIndexPutGetDelete(t *testing.T) {
	index := newTestIndex(t)

	secret := []byte("0123456789abcdef0123456789abcdef")
	ct := fakeCT(secret, 1)

	if err := index.Put("", "key-1", ct); err == nil {
		t.Error("Put accepted an empty item id")
	}
	if err := index.Put("doc-1", "", ct); err == nil {
		t.Error("Put accepted an empty key id")
	}

	if err := index.Put("doc-1", "key-1", ct); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := index.Get("doc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got.WrappedKey, ct.WrappedKey) || got.Version != ct.Version {
		t.Error("Retrieved ciphertext does not match stored ciphertext")
	}

	if _, err := index.Get("doc-unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get of missing item returned %v, want ErrNotFound", err)
	}

	// Upsert replaces the entry and its generation.
	replacement := fakeCT(secret, 2)
	if err := index.Put("doc-1", "key-2", replacement); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	got, err = index.Get("doc-1")
	if err != nil {
		t.Fatalf("Get after upsert failed: %v", err)
	}
	if !bytes.Equal(got.WrappedKey, replacement.WrappedKey) {
		t.Error("Upsert did not replace the ciphertext")
	}
	if n, err := index.CountDependents("key-1"); err != nil || n != 0 {
		t.Errorf("CountDependents(key-1) = %d, %v, want 0 after upsert", n, err)
	}
	if n, err := index.CountDependents("key-2"); err != nil || n != 1 {
		t.Errorf("CountDependents(key-2) = %d, %v, want 1", n, err)
	}

	if n, err := index.Count(); err != nil || n != 1 {
		t.Fatalf("Count = %d, %v, want 1", n, err)
	}

	if err := index.Delete("doc-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := index.Get("doc-1"); !errors.Is(err, ErrNotFound) {
		t.Error("Entry survived deletion")
	}
	// Deleting an absent entry is tolerated.
	if err := index.Delete("doc-1"); err != nil {
		t.Errorf("Second delete failed: %v", err)
	}
}

func testIndexListAndDistribution(t *testing.T) {
	index := newTestIndex(t)

	secret := []byte("0123456789abcdef0123456789abcdef")
	for i, keyID := range []string{"key-a", "key-a", "key-b"} {
		itemID := fmt.Sprintf("doc-%d", i)
		if err := index.Put(itemID, keyID, fakeCT(secret, 1)); err != nil {
			t.Fatalf("Put(%s) failed: %v", itemID, err)
		}
	}

	entries, err := index.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.CreatedAt.IsZero() || e.UpdatedAt.IsZero() {
			t.Errorf("Entry %s has zero timestamps", e.ItemID)
		}
	}
	// Newest first, item id as tiebreaker.
	if !sort.SliceIsSorted(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].ItemID < entries[j].ItemID
	}) {
		t.Error("List is not ordered newest first")
	}

	dist, err := index.KeyDistribution()
	if err != nil {
		t.Fatalf("KeyDistribution failed: %v", err)
	}
	if dist["key-a"] != 2 || dist["key-b"] != 1 {
		t.Errorf("KeyDistribution = %v, want key-a:2 key-b:1", dist)
	}
}

func testIndexReWrapCommit(t *testing.T) {
	index := newTestIndex(t)
	secret := []byte("0123456789abcdef0123456789abcdef")

	for i := 0; i < 3; i++ {
		itemID := fmt.Sprintf("doc-%d", i)
		if err := index.Put(itemID, "key-old", fakeCT(secret, 1)); err != nil {
			t.Fatalf("Put(%s) failed: %v", itemID, err)
		}
	}
	// An entry the session cannot unwrap keeps its old row.
	poisoned := fakeCT(secret, 1)
	poisoned.Version = "poison"
	if err := index.Put("doc-poisoned", "key-old", poisoned); err != nil {
		t.Fatalf("Put(poisoned) failed: %v", err)
	}

	session := &fakeSession{targetID: "key-new", newPad: 9}
	outcome, err := index.ReWrap(context.Background(), session)
	if err != nil {
		t.Fatalf("ReWrap failed: %v", err)
	}
	if outcome.Succeeded != 3 || outcome.Failed != 1 {
		t.Fatalf("Outcome = %+v, want 3 succeeded, 1 failed", outcome)
	}

	// Mutations are refused while the re-wrap is staged, and reads still see
	// the previous generation.
	if err := index.Put("doc-9", "key-old", fakeCT(secret, 1)); !errors.Is(err, ErrReWrapInProgress) {
		t.Errorf("Put while staged returned %v, want ErrReWrapInProgress", err)
	}
	if err := index.Delete("doc-0"); !errors.Is(err, ErrReWrapInProgress) {
		t.Errorf("Delete while staged returned %v, want ErrReWrapInProgress", err)
	}
	if _, err := index.ReWrap(context.Background(), session); !errors.Is(err, ErrReWrapInProgress) {
		t.Errorf("Second ReWrap returned %v, want ErrReWrapInProgress", err)
	}
	staged, err := index.Get("doc-0")
	if err != nil {
		t.Fatalf("Get while staged failed: %v", err)
	}
	if staged.Nonce[0] != 1 {
		t.Error("Read during staging saw uncommitted data")
	}

	if err := index.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if n, _ := index.CountDependents("key-new"); n != 3 {
		t.Errorf("CountDependents(key-new) = %d, want 3", n)
	}
	if n, _ := index.CountDependents("key-old"); n != 1 {
		t.Errorf("CountDependents(key-old) = %d, want 1 (poisoned entry)", n)
	}

	got, err := index.Get("doc-0")
	if err != nil {
		t.Fatalf("Get after commit failed: %v", err)
	}
	unwrapped, _, err := session.Unwrap(got)
	if err != nil {
		t.Fatalf("Re-wrapped ciphertext does not unwrap: %v", err)
	}
	if !bytes.Equal(unwrapped, secret) {
		t.Error("Re-wrapped ciphertext does not preserve the secret")
	}

	// Committing with nothing staged is a no-op.
	if err := index.Commit(); err != nil {
		t.Errorf("Idle commit failed: %v", err)
	}
}

func testIndexReWrapRevert(t *testing.T) {
	index := newTestIndex(t)
	secret := []byte("0123456789abcdef0123456789abcdef")

	for i := 0; i < 2; i++ {
		if err := index.Put(fmt.Sprintf("doc-%d", i), "key-old", fakeCT(secret, 1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	session := &fakeSession{targetID: "key-new", newPad: 9}
	outcome, err := index.ReWrap(context.Background(), session)
	if err != nil {
		t.Fatalf("ReWrap failed: %v", err)
	}
	if outcome.Succeeded != 2 {
		t.Fatalf("Outcome = %+v, want 2 succeeded", outcome)
	}

	if err := index.Revert(); err != nil {
		t.Fatalf("Revert failed: %v", err)
	}

	if n, _ := index.CountDependents("key-old"); n != 2 {
		t.Errorf("CountDependents(key-old) = %d, want 2 after revert", n)
	}
	if n, _ := index.CountDependents("key-new"); n != 0 {
		t.Errorf("CountDependents(key-new) = %d, want 0 after revert", n)
	}
	got, err := index.Get("doc-0")
	if err != nil {
		t.Fatalf("Get after revert failed: %v", err)
	}
	if got.Nonce[0] != 1 {
		t.Error("Revert did not restore the old ciphertext")
	}

	// The index is writable again, and an idle revert is a no-op.
	if err := index.Put("doc-9", "key-old", fakeCT(secret, 1)); err != nil {
		t.Errorf("Put after revert failed: %v", err)
	}
	if err := index.Revert(); err != nil {
		t.Errorf("Idle revert failed: %v", err)
	}
}

func testIndexReWrapCancelled(t *testing.T) {
	index := newTestIndex(t)
	secret := []byte("0123456789abcdef0123456789abcdef")

	if err := index.Put("doc-0", "key-old", fakeCT(secret, 1)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := index.ReWrap(ctx, &fakeSession{targetID: "key-new", newPad: 9})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ReWrap with cancelled context returned %v, want context.Canceled", err)
	}

	// Nothing stays staged after a cancelled re-wrap.
	if err := index.Put("doc-1", "key-old", fakeCT(secret, 1)); err != nil {
		t.Errorf("Put after cancelled re-wrap failed: %v", err)
	}
	if n, _ := index.CountDependents("key-old"); n != 2 {
		t.Errorf("CountDependents(key-old) = %d, want 2", n)
	}
}
