package keystore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Player420/OnestarStream1.0-sub001/persist"
)

const testExportPassword = "Export-Bundle-99!x"

func TestExportAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"Basic", testExportBasic},
		{"OpenContainer", testOpenExportContainer},
		{"TamperTaxonomy", testExportTamperTaxonomy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

func copyContainer(c *persist.ExportContainer) *persist.ExportContainer {
	out := *c
	out.Salt = append([]byte(nil), c.Salt...)
	return &out
}

// exportedContainer initializes a vault, rotates once, exports, and returns
// the vault together with the stored container.
func exportedContainer(t *testing.T) (*Vault, *persist.ExportContainer) {
	t.Helper()
	vault := newInitializedVault(t)

	if _, err := vault.Rotate(context.Background(), RotationOptions{}); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	result, err := vault.ExportKeystore(testExportPassword, testExportPassword)
	if err != nil {
		t.Fatalf("ExportKeystore failed: %v", err)
	}

	container, err := vault.store.LoadExport(result.Filename)
	if err != nil {
		t.Fatalf("LoadExport failed: %v", err)
	}
	return vault, container
}

func testExportBasic(t *testing.T) {
	vault := newInitializedVault(t)

	vault.Lock(EventManualLock)
	if _, err := vault.ExportKeystore(testExportPassword, testExportPassword); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Export while locked returned %v, want ErrVaultLocked", err)
	}
	if _, err := vault.Unlock(testPassword); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	var vErr *ValidationError
	if _, err := vault.ExportKeystore("short", "short"); !errors.As(err, &vErr) {
		t.Errorf("Export with short password returned %v, want ValidationError", err)
	}
	if _, err := vault.ExportKeystore(testExportPassword, "Something-Else-1!"); !errors.As(err, &vErr) {
		t.Errorf("Export with mismatched confirmation returned %v, want ValidationError", err)
	}

	if _, err := vault.Rotate(context.Background(), RotationOptions{}); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	result, err := vault.ExportKeystore(testExportPassword, testExportPassword)
	if err != nil {
		t.Fatalf("ExportKeystore failed: %v", err)
	}
	if result.ExportID == "" {
		t.Error("Export has no ID")
	}
	if !strings.HasPrefix(result.Filename, "keystore-export-") {
		t.Errorf("Filename = %q, want keystore-export- prefix", result.Filename)
	}
	if result.Keypairs != 2 {
		t.Errorf("Keypairs = %d, want 2 after one rotation", result.Keypairs)
	}

	infos, err := vault.store.ListExports()
	if err != nil {
		t.Fatalf("ListExports failed: %v", err)
	}
	found := false
	for _, info := range infos {
		if info.StorePath == result.Filename {
			found = true
			if !info.IsValid {
				t.Errorf("Listed export %s failed checksum validation", info.StorePath)
			}
		}
	}
	if !found {
		t.Errorf("ListExports does not contain %s", result.Filename)
	}

	// The export is traceable in sync history.
	last := vault.ks.SyncHistory[len(vault.ks.SyncHistory)-1]
	if last.SyncType != SyncTypeExport {
		t.Errorf("Last sync record type = %q, want export", last.SyncType)
	}
	if last.Signature == "" {
		t.Error("Export sync record carries no bundle signature")
	}
	if vault.ks.LastSyncedAt == nil {
		t.Error("LastSyncedAt was not set by the export")
	}
}

func testOpenExportContainer(t *testing.T) {
	vault, container := exportedContainer(t)

	if container.UserID != testUserID {
		t.Errorf("Container user = %q, want %q", container.UserID, testUserID)
	}
	if container.DeviceID != vault.ks.DeviceID {
		t.Error("Container device ID does not match the exporting device")
	}

	payload, err := openExportContainer(container, testExportPassword)
	if err != nil {
		t.Fatalf("openExportContainer failed: %v", err)
	}
	defer payload.wipe()

	if payload.UserID != testUserID {
		t.Errorf("Payload user = %q, want %q", payload.UserID, testUserID)
	}
	if payload.CurrentKeypair.KeyID != vault.ks.CurrentKeypair.KeyID {
		t.Error("Payload current keypair does not match the vault")
	}
	if len(payload.PreviousKeypairs) != 1 {
		t.Errorf("Payload previous keypairs = %d, want 1", len(payload.PreviousKeypairs))
	}
	if len(payload.RotationHistory) != 1 {
		t.Errorf("Payload rotation history = %d, want 1", len(payload.RotationHistory))
	}
	if !payload.CurrentKeypair.PublicKey.Equal(&vault.ks.CurrentKeypair.PublicKey) {
		t.Error("Payload public key does not match the vault")
	}

	// The portable form carries working private halves.
	kp := payload.CurrentKeypair.keypair()
	defer kp.Zeroize()
	if len(kp.KyberPrivate) == 0 || len(kp.X25519Private) == 0 {
		t.Error("Portable keypair is missing private key material")
	}

	if _, err := openExportContainer(container, "Wrong-Export-Pass-1!"); !errors.Is(err, ErrAuth) {
		t.Errorf("openExportContainer with wrong password returned %v, want ErrAuth", err)
	}
}

func testExportTamperTaxonomy(t *testing.T) {
	_, container := exportedContainer(t)

	tampered := func(mutate func(*persist.ExportContainer)) error {
		c := copyContainer(container)
		mutate(c)
		payload, err := openExportContainer(c, testExportPassword)
		if payload != nil {
			payload.wipe()
		}
		return err
	}

	cases := []struct {
		name   string
		mutate func(*persist.ExportContainer)
	}{
		{"missing payload", func(c *persist.ExportContainer) { c.EncryptedData = "" }},
		{"missing signature", func(c *persist.ExportContainer) { c.Signature = "" }},
		{"invalid base64", func(c *persist.ExportContainer) { c.EncryptedData = "!!!not-base64!!!" }},
		{"corrupted payload", func(c *persist.ExportContainer) {
			replacement := "A"
			if strings.HasPrefix(c.EncryptedData, "A") {
				replacement = "B"
			}
			c.EncryptedData = replacement + c.EncryptedData[1:]
		}},
		{"altered checksum", func(c *persist.ExportContainer) { c.Checksum = strings.Repeat("0", 64) }},
		{"altered envelope", func(c *persist.ExportContainer) { c.DeviceName = "impostor" }},
		{"altered keystore version", func(c *persist.ExportContainer) { c.KeystoreVersion = 3 }},
		{"garbage signature", func(c *persist.ExportContainer) { c.Signature = "zz-not-hex" }},
	}
	for _, tc := range cases {
		if err := tampered(tc.mutate); !errors.Is(err, ErrTamperedExport) {
			t.Errorf("openExportContainer(%s) returned %v, want ErrTamperedExport", tc.name, err)
		}
	}

	// Integrity is checked before the password: a corrupted bundle reports
	// tampering even when the password is also wrong.
	c := copyContainer(container)
	c.Checksum = strings.Repeat("0", 64)
	if _, err := openExportContainer(c, "Wrong-Export-Pass-1!"); !errors.Is(err, ErrTamperedExport) {
		t.Errorf("Corrupted bundle with wrong password returned %v, want ErrTamperedExport", err)
	}
}
