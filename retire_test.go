package keystore

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
)

func TestRetireAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"Destroy", testDestroyRetiredKeypair},
		{"DestroyRefusals", testDestroyRefusals},
		{"DestroyInUse", testDestroyInUse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

// usageStub reports canned dependent counts per key ID.
type usageStub struct {
	counts map[string]int
	err    error
}

func (u *usageStub) CountDependents(keyID string) (int, error) {
	if u.err != nil {
		return 0, u.err
	}
	return u.counts[keyID], nil
}

func testDestroyRetiredKeypair(t *testing.T) {
	vault := newInitializedVault(t)

	secret := testSecret(t)
	oldCT, err := vault.WrapContentKey(secret)
	if err != nil {
		t.Fatalf("WrapContentKey failed: %v", err)
	}

	result, err := vault.Rotate(context.Background(), RotationOptions{})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	retiredID := result.OldKeyID

	// Before destruction the old wrap still unwraps through the fallback.
	if _, generation, err := vault.UnwrapContentKey(oldCT); err != nil || generation != 1 {
		t.Fatalf("Pre-destroy unwrap: generation %d, err %v", generation, err)
	}

	usage := &usageStub{counts: map[string]int{}}
	if err := vault.DestroyRetiredKeypair(retiredID, usage); err != nil {
		t.Fatalf("DestroyRetiredKeypair failed: %v", err)
	}

	status, err := vault.GetRotationStatus()
	if err != nil {
		t.Fatalf("GetRotationStatus failed: %v", err)
	}
	if status.PreviousKeypairs != 0 {
		t.Errorf("Previous keypairs = %d, want 0", status.PreviousKeypairs)
	}

	// The generation is gone: its wraps are unrecoverable.
	if _, _, err := vault.UnwrapContentKey(oldCT); !errors.Is(err, hybrid.ErrAuthentication) {
		t.Errorf("Unwrap after destroy returned %v, want ErrAuthentication", err)
	}

	// Fresh wraps are unaffected.
	ct, err := vault.WrapContentKey(secret)
	if err != nil {
		t.Fatalf("WrapContentKey failed: %v", err)
	}
	if got, _, err := vault.UnwrapContentKey(ct); err != nil || !bytes.Equal(got, secret) {
		t.Errorf("Current-generation unwrap after destroy failed: %v", err)
	}

	// Destruction is persisted, not just in-memory. The rotation ledger
	// keeps its reference to the destroyed generation; only the sealed
	// record disappears.
	versioned, err := vault.store.LoadKeystore()
	if err != nil {
		t.Fatalf("LoadKeystore failed: %v", err)
	}
	persisted, err := decodeKeystore(versioned.Data)
	if err != nil {
		t.Fatalf("Failed to decode persisted keystore: %v", err)
	}
	if len(persisted.PreviousKeypairs) != 0 {
		t.Errorf("Persisted document still carries %d retired keypairs", len(persisted.PreviousKeypairs))
	}
	if len(persisted.RotationHistory) != 1 {
		t.Errorf("Rotation ledger length = %d, want 1", len(persisted.RotationHistory))
	}
}

func testDestroyRefusals(t *testing.T) {
	vault := newInitializedVault(t)
	currentID := vault.ks.CurrentKeypair.KeyID

	if err := vault.DestroyRetiredKeypair("", nil); err == nil {
		t.Error("Destroy accepted an empty key ID")
	}

	// The current generation is never destroyable.
	if err := vault.DestroyRetiredKeypair(currentID, nil); err == nil {
		t.Error("Destroy accepted the current keypair")
	} else if !strings.Contains(err.Error(), "rotate") {
		t.Errorf("Current-keypair refusal = %v, want a rotate-first hint", err)
	}

	if err := vault.DestroyRetiredKeypair("no-such-key", nil); err == nil {
		t.Error("Destroy accepted an unknown key ID")
	}

	vault.Lock(EventManualLock)
	if err := vault.DestroyRetiredKeypair("no-such-key", nil); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Destroy while locked returned %v, want ErrVaultLocked", err)
	}
}

func testDestroyInUse(t *testing.T) {
	vault := newInitializedVault(t)

	result, err := vault.Rotate(context.Background(), RotationOptions{})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	retiredID := result.OldKeyID

	usage := &usageStub{counts: map[string]int{retiredID: 3}}
	err = vault.DestroyRetiredKeypair(retiredID, usage)
	if !errors.Is(err, ErrKeypairInUse) {
		t.Fatalf("Destroy with dependents returned %v, want ErrKeypairInUse", err)
	}

	status, err := vault.GetRotationStatus()
	if err != nil {
		t.Fatalf("GetRotationStatus failed: %v", err)
	}
	if status.PreviousKeypairs != 1 {
		t.Errorf("Previous keypairs = %d, want 1 after refused destroy", status.PreviousKeypairs)
	}

	// A failing usage check blocks the destroy outright.
	usage = &usageStub{err: errors.New("index offline")}
	if err := vault.DestroyRetiredKeypair(retiredID, usage); err == nil {
		t.Error("Destroy succeeded despite a failing usage check")
	}

	// Once the dependents are gone the destroy goes through.
	usage = &usageStub{counts: map[string]int{}}
	if err := vault.DestroyRetiredKeypair(retiredID, usage); err != nil {
		t.Errorf("Destroy after dependents cleared failed: %v", err)
	}
}
