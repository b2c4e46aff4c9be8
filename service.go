// Package keystore provides a persistent, rotatable secret store for a hybrid
// post-quantum keypair. The keypair protects per-item 32-byte content keys:
// applications wrap content keys against the current public key and the vault
// unwraps them on demand, falling back across retired key generations so that
// rotation never strands old data.
//
// Key Features:
//   - Hybrid ML-KEM-768 + X25519 key encapsulation with authenticated wrapping
//   - Password-sealed keystore with atomic persistence and schema migration
//   - Key rotation with bounded re-wrap failure tolerance and automatic rollback
//   - Cross-device keystore export, import, and deterministic merge
//   - Downgrade, replay, and tamper detection on every imported bundle
//   - Comprehensive audit logging
//   - Memory protection for sensitive data
//
// Basic Usage:
//
//	vault, err := keystore.New(options, storeConfig, auditConfig)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer vault.Close()
//
//	// Unlock with the vault password
//	result, err := vault.Unlock("correct horse battery staple")
//
//	// Wrap a fresh content key for a new item
//	ct, err := vault.WrapContentKey(contentKey)
//
//	// Unwrap it later, across rotations
//	key, generation, err := vault.UnwrapContentKey(ct)
package keystore

import (
	"context"

	"github.com/Player420/OnestarStream1.0-sub001/audit"
	"github.com/Player420/OnestarStream1.0-sub001/bio"
	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
	"github.com/Player420/OnestarStream1.0-sub001/internal/mem"
)

// Service defines the public interface for interacting with the keystore
// vault.
//
// The vault manages the hybrid keypair internally and never exposes private
// key material. Private halves exist in memory only while the vault is
// unlocked and are zeroized on every path out of the unlocked state.
//
// Key Design Principles:
//   - Fail-secure: operations fail closed when the vault is locked
//   - Single code path: one sealing routine covers every keypair generation
//   - Audit-first: security-relevant operations are logged
//   - Memory-safe: sensitive data is wiped when no longer needed
//
// Thread Safety:
// Implementations must be safe for concurrent use. The reference
// implementation serializes all state transitions behind a single mutex, so
// an unlock can never interleave with a rotation or an import.
type Service interface {

	// === Lifecycle Operations ===

	// Initialize creates a brand-new keystore protected by password.
	//
	// A fresh salt and a fresh hybrid keypair are generated; the password
	// must pass strength validation. The vault is left unlocked.
	//
	// Parameters:
	//   - password: The vault password (validated for strength)
	//
	// Returns:
	//   - *UnlockResult: Public key and keystore metadata
	//   - error: ValidationError for a weak password, or an error if a
	//     keystore already exists for this user
	Initialize(password string) (*UnlockResult, error)

	// Initialized reports whether a keystore document exists for this vault.
	Initialized() bool

	// Unlock derives the key-encryption key from password and decrypts the
	// current keypair into protected memory.
	//
	// Parameters:
	//   - password: The vault password
	//
	// Returns:
	//   - *UnlockResult: Public key and keystore metadata (never private material)
	//   - error: ErrAuth on a wrong password or a tampered keypair record
	//
	// Security Notes:
	//   - Wrong password and tampered record are indistinguishable to callers
	//   - Failed attempts return after a randomized 100-300ms delay
	//   - Unlocking an unlocked vault refreshes the idle timer, nothing else
	Unlock(password string) (*UnlockResult, error)

	// UnlockWithBiometric unlocks the vault with a password previously
	// enrolled in the OS credential store.
	//
	// Parameters:
	//   - store: Platform credential store holding the enrolled password
	//
	// Returns:
	//   - *UnlockResult: Same as Unlock
	//   - error: ErrAuth if the stored password no longer opens the vault,
	//     bio.ErrNotEnrolled if biometric unlock was never enabled
	UnlockWithBiometric(store bio.CredentialStore) (*UnlockResult, error)

	// EnableBiometric enrolls the vault password into the OS credential
	// store so the vault can be unlocked without typing it.
	//
	// The password is verified against the keystore before it is stored;
	// the enrollment is recorded in the keystore's device-local biometric
	// profile.
	//
	// Parameters:
	//   - store: Platform credential store
	//   - method: The biometric method guarding the credential store entry
	//   - password: The current vault password
	//
	// Returns:
	//   - error: ErrAuth if password is wrong, or a store error
	EnableBiometric(store bio.CredentialStore, method bio.Method, password string) error

	// DisableBiometric removes the enrolled password from the OS credential
	// store and clears the biometric profile.
	DisableBiometric(store bio.CredentialStore) error

	// Lock zeroizes all private key material and drops the session key.
	// Safe to call from any state.
	Lock(reason SecurityEvent)

	// HandleSecurityEvent locks the vault in response to an OS-level
	// trigger (system sleep, screen lock), honoring the device-local vault
	// settings that enable or disable each trigger.
	HandleSecurityEvent(event SecurityEvent)

	// OnLock registers a listener invoked after the vault locks.
	OnLock(listener func(SecurityEvent))

	// RecordActivity resets the idle auto-lock timer.
	RecordActivity()

	// State returns the current lifecycle state.
	State() State

	IsUnlocked() bool

	// === Content Key Operations ===

	// CurrentPublicKey returns the public half of the current keypair.
	// Available in any state; wrapping needs no private material.
	CurrentPublicKey() (*hybrid.PublicKey, error)

	// WrapContentKey wraps a 32-byte content key under the current public
	// key. Only the current keypair ever wraps new secrets.
	WrapContentKey(secret []byte) (*hybrid.Ciphertext, error)

	// UnwrapContentKey unwraps a content key, trying the current keypair
	// first and falling back across retired generations.
	//
	// Returns:
	//   - []byte: The plaintext content key
	//   - int: The generation index that matched (0 = current)
	//   - error: ErrVaultLocked when locked, or the hybrid layer's
	//     authentication error when no generation matches
	UnwrapContentKey(ct *hybrid.Ciphertext) ([]byte, int, error)

	// UseContentKey unwraps a content key, passes it to fn, and wipes it
	// when fn returns, so the plaintext never outlives the callback.
	UseContentKey(ct *hybrid.Ciphertext, fn func(secret []byte) error) error

	// === Rotation Operations ===

	// Rotate generates a fresh keypair, re-wraps all content keys through
	// the supplied re-wrapper, and commits the new generation atomically.
	//
	// The previous current keypair is demoted into the retired list so
	// existing content keys stay unwrappable. If the re-wrap failure rate
	// exceeds the tolerance threshold the keystore is rolled back to a
	// pre-rotation snapshot and ErrRollbackPerformed is returned.
	//
	// Parameters:
	//   - ctx: Cancellation checked at defined checkpoints; a cancelled
	//     rotation never leaves a half-rotated keystore behind
	//   - opts: Reason, trigger attribution, the re-wrapper, and an
	//     optional progress channel
	//
	// Returns:
	//   - *RotationResult: Outcome counters, the new key id, duration
	//   - error: ErrLockContention if another device or process holds the
	//     rotation lock, ErrRotationAborted on cancellation,
	//     ErrRollbackPerformed when the failure tolerance was exceeded
	//
	// Security Notes:
	//   - The cross-device rotation lock is held for the whole operation
	//     and released on every exit path
	//   - The vault must be unlocked; rotation keeps it unlocked
	Rotate(ctx context.Context, opts RotationOptions) (*RotationResult, error)

	// GetRotationStatus reports whether rotation is due, when the next one
	// is scheduled, and a summary of the last rotation.
	GetRotationStatus() (*RotationStatus, error)

	GetRotationHistory() ([]RotationRecord, error)

	// DestroyRetiredKeypair permanently removes a retired keypair.
	//
	// Content wrapped solely under the destroyed generation becomes
	// permanently unrecoverable, so the keypair is refused while the usage
	// checker still reports dependent content keys.
	//
	// Parameters:
	//   - keyID: The retired keypair to destroy (never the current one)
	//   - usage: Reports whether any content key still depends on a keypair
	//
	// Returns:
	//   - error: ErrKeypairInUse while dependent content keys exist
	DestroyRetiredKeypair(keyID string, usage KeypairUsage) error

	// === Password Operations ===

	// ChangePassword re-seals every keypair record under a key derived
	// from newPassword and a fresh salt.
	//
	// Parameters:
	//   - currentPassword: Must open the vault
	//   - newPassword: Validated for strength before any re-sealing
	//
	// Returns:
	//   - error: ErrAuth for a wrong current password, ValidationError for
	//     a weak new password
	//
	// Security Notes:
	//   - Atomic: either every record is re-sealed and persisted, or the
	//     keystore is unchanged
	ChangePassword(currentPassword, newPassword string) error

	// === Sync Operations ===

	// ExportKeystore writes an encrypted bundle of the keystore to the
	// store's export area for transfer to another device.
	//
	// The bundle envelope (device identity, timestamps, KDF parameters) is
	// cleartext for inspection; the keypair material inside is sealed
	// under a key derived from the export password and the whole envelope
	// is signed so tampering is detected before any cryptography runs.
	//
	// Parameters:
	//   - exportPassword: Export transport password, minimum 12 characters
	//   - confirmPassword: Must match exportPassword
	//
	// Returns:
	//   - *ExportResult: Filename, export id, size
	//   - error: ValidationError for password problems
	ExportKeystore(exportPassword, confirmPassword string) (*ExportResult, error)

	// ImportKeystore reads an exported bundle, verifies and decrypts it,
	// and merges it into the local keystore.
	//
	// The merge is deterministic: the side with the newest rotation wins
	// the current keypair, retired keypairs and rotation history are
	// unioned, and device-local settings always stay local. Each bundle is
	// accepted at most once.
	//
	// Parameters:
	//   - ctx: Cancellation checked before the merge commits
	//   - filename: Bundle in the store's export area, or an absolute path
	//   - exportPassword: Password the bundle was exported with
	//
	// Returns:
	//   - *ImportResult: Merge statistics and the sync record
	//   - error: ErrTamperedExport on signature/checksum mismatch, ErrAuth
	//     on a wrong export password, ErrIdentityMismatch for a different
	//     user's bundle, ErrDowngradeAttack for a stale-rotation bundle
	//     claiming the current slot, ErrReplayAttack for an already
	//     imported bundle, ErrLockContention if rotation holds the lock
	ImportKeystore(ctx context.Context, filename, exportPassword string) (*ImportResult, error)

	// GetSyncStatus summarizes sync state: last synced time, known
	// devices, and counts of exports and imports.
	GetSyncStatus() (*SyncStatus, error)

	// ListSyncedDevices returns the devices that have appeared in sync
	// history, most recent first.
	ListSyncedDevices() ([]DeviceInfo, error)

	// === System Operations ===

	// Snapshot returns a deep copy of the keystore document for read-only
	// inspection.
	Snapshot() (*Keystore, error)

	// GetAudit returns the audit logger instance used by this vault.
	GetAudit() audit.Logger

	// MemoryProtection reports the memory-lock level achieved at startup.
	MemoryProtection() mem.ProtectionLevel

	// Close locks the vault, wipes key material, and releases the store
	// and audit logger. Idempotent.
	Close() error
}

// Compile-time check that Vault satisfies the service surface.
var _ Service = (*Vault)(nil)
