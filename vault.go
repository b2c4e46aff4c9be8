package keystore

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/Player420/OnestarStream1.0-sub001/audit"
	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
	"github.com/Player420/OnestarStream1.0-sub001/internal/crypto"
	"github.com/Player420/OnestarStream1.0-sub001/internal/mem"
	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
	"github.com/Player420/OnestarStream1.0-sub001/persist"
)

// State is the vault lifecycle state. Transitions are
// Locked -> Unlocking -> Unlocked -> Locked; every path out of Unlocked
// zeroizes the in-memory key material first.
type State int32

const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// SecurityEvent names a trigger that forces the vault to lock.
type SecurityEvent string

const (
	EventManualLock  SecurityEvent = "manual"
	EventIdleTimeout SecurityEvent = "idle-timeout"
	EventSystemSleep SecurityEvent = "system-sleep"
	EventScreenLock  SecurityEvent = "screen-lock"
	EventShutdown    SecurityEvent = "shutdown"
)

// Failed unlock attempts sleep for a randomized interval in this range
// before returning, to blunt password-guessing automation.
const (
	minUnlockFailureDelay = 100 * time.Millisecond
	maxUnlockFailureDelay = 300 * time.Millisecond
)

// UnlockResult is returned from a successful unlock. It carries only
// public material and metadata; private keys stay inside the vault.
type UnlockResult struct {
	PublicKey     *hybrid.PublicKey `json:"publicKey"`
	KeyID         string            `json:"keyId"`
	KeyCreatedAt  time.Time         `json:"keyCreatedAt"`
	RotationCount int               `json:"rotationCount"`
	DeviceID      string            `json:"deviceId"`
	DeviceName    string            `json:"deviceName"`
	UnlockedAt    time.Time         `json:"unlockedAt"`
}

// Vault owns one user's keystore: the persisted document, the lifecycle
// state machine, and the unlocked key material while it exists. All
// operations are serialized behind a single mutex, so an unlock can never
// race a rotation or a merge within one process; the cross-process
// serialization point is the store's rotation lock.
type Vault struct {
	mu sync.Mutex

	options Options
	store   persist.Store
	audit   audit.Logger

	// instanceID identifies this vault instance as a lock holder.
	instanceID string

	ks           *Keystore
	storeVersion string

	state      State
	sessionKey *memguard.Enclave
	keypair    *hybrid.Keypair
	unlockedAt time.Time

	idleTimer     *time.Timer
	lockListeners []func(SecurityEvent)

	memoryProtection mem.ProtectionLevel
	closed           bool
}

// New creates a Vault with a store built from storeConfig and an audit
// logger built from auditConfig. A nil or disabled audit config selects
// the no-op logger.
func New(options Options, storeConfig persist.StoreConfig, auditConfig *audit.Config) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	store, err := persist.NewStore(storeConfig, options.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	logger, err := audit.NewLogger(auditConfig)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	return NewWithStore(options, store, logger)
}

// NewWithStore creates a Vault on an existing store. If a keystore
// document is present it is loaded and migrated to the current schema;
// otherwise the vault stays uninitialized until Initialize is called.
// The vault starts Locked either way.
func NewWithStore(options Options, store persist.Store, auditLogger audit.Logger) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	v := &Vault{
		options:    options,
		store:      store,
		audit:      auditLogger,
		instanceID: fmt.Sprintf("%s-%d-%s", options.UserID, os.Getpid(), uuid.NewString()[:8]),
		state:      StateLocked,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock memory: %w", err)
		}
		v.memoryProtection = level
	}

	exists, err := store.KeystoreExists()
	if err != nil {
		return nil, fmt.Errorf("failed to check keystore existence: %w", err)
	}
	if exists {
		if err := v.loadKeystore(); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// loadKeystore reads the persisted document, runs the migration chain, and
// persists the upgraded form before decoding it.
func (v *Vault) loadKeystore() error {
	versioned, err := v.store.LoadKeystore()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}

	migrated, fromVersion, err := migrateDocument(versioned.Data, v.store.SaveMigrationBackup)
	if err != nil {
		return err
	}

	storeVersion := versioned.Version
	if fromVersion != misc.KeystoreVersion {
		newVersion, err := v.store.SaveKeystore(migrated, versioned.Version)
		if err != nil {
			return fmt.Errorf("failed to persist migrated keystore: %w", err)
		}
		storeVersion = newVersion
		_ = v.audit.Log("keystore_migrate", true, map[string]interface{}{
			"from_version": fromVersion,
			"to_version":   misc.KeystoreVersion,
		})
	}

	ks, err := decodeKeystore(migrated)
	if err != nil {
		return err
	}
	if ks.UserID != v.options.UserID {
		return fmt.Errorf("%w: keystore belongs to a different user", ErrCorruptKeystore)
	}

	v.ks = ks
	v.storeVersion = storeVersion
	return nil
}

// Initialized reports whether a keystore document exists for this vault.
func (v *Vault) Initialized() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ks != nil
}

// Initialize creates a brand-new keystore protected by password: fresh
// salt, fresh hybrid keypair, current schema version. The vault is left
// unlocked since the caller just proved knowledge of the password.
func (v *Vault) Initialize(password string) (*UnlockResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}
	if v.ks != nil {
		return nil, fmt.Errorf("keystore already initialized for user %s", v.options.UserID)
	}
	if validation := ValidatePassword(password); !validation.Valid {
		return nil, &ValidationError{Problems: validation.Errors}
	}

	salt, err := crypto.NewRandomSalt()
	if err != nil {
		return nil, err
	}

	key := crypto.DeriveKey([]byte(password), salt, v.options.Iterations)

	kp, err := hybrid.GenerateKeypair()
	if err != nil {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	record, err := sealKeypair(key, kp, uuid.NewString(), time.Now().UTC())
	if err != nil {
		kp.Zeroize()
		memguard.WipeBytes(key)
		return nil, err
	}

	v.ks = newKeystore(v.options.UserID, v.options.DeviceName, salt, v.options.Iterations, record)

	if err := v.persistLocked(); err != nil {
		kp.Zeroize()
		memguard.WipeBytes(key)
		v.ks = nil
		return nil, err
	}

	// NewEnclave wipes the source buffer.
	v.sessionKey = memguard.NewEnclave(key)
	v.keypair = kp
	v.state = StateUnlocked
	v.unlockedAt = time.Now().UTC()
	v.resetIdleTimerLocked()

	_ = v.audit.Log("keystore_create", true, map[string]interface{}{
		"key_id":    record.KeyID,
		"device_id": v.ks.DeviceID,
	})

	return v.unlockResultLocked(), nil
}

// Unlock derives the session key from password, opens the current keypair
// record, and transitions the vault to Unlocked. A wrong password and a
// tampered record are indistinguishable: both return ErrAuth after a
// randomized delay. Unlocking an already-unlocked vault refreshes the
// idle timer and returns the current handle.
func (v *Vault) Unlock(password string) (*UnlockResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}
	if v.ks == nil {
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}
	if v.state == StateUnlocked {
		v.resetIdleTimerLocked()
		return v.unlockResultLocked(), nil
	}

	v.state = StateUnlocking
	start := time.Now()

	key := crypto.DeriveKey([]byte(password), v.ks.Salt, v.ks.Iterations)

	kp, err := v.ks.CurrentKeypair.openKeypair(key)
	if err != nil {
		memguard.WipeBytes(key)
		v.state = StateLocked
		v.unlockFailureDelay()
		_ = v.audit.Log("vault_unlock_failed", false, map[string]interface{}{
			"error":       "authentication failed",
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, ErrAuth
	}

	v.sessionKey = memguard.NewEnclave(key)
	v.keypair = kp
	v.state = StateUnlocked
	v.unlockedAt = time.Now().UTC()
	v.resetIdleTimerLocked()

	_ = v.audit.Log("vault_unlock", true, map[string]interface{}{
		"key_id":      v.ks.CurrentKeypair.KeyID,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return v.unlockResultLocked(), nil
}

func (v *Vault) unlockResultLocked() *UnlockResult {
	pub := v.ks.CurrentKeypair.PublicKey.Clone()
	return &UnlockResult{
		PublicKey:     pub,
		KeyID:         v.ks.CurrentKeypair.KeyID,
		KeyCreatedAt:  v.ks.CurrentKeypair.CreatedAt,
		RotationCount: len(v.ks.RotationHistory),
		DeviceID:      v.ks.DeviceID,
		DeviceName:    v.ks.DeviceName,
		UnlockedAt:    v.unlockedAt,
	}
}

func (v *Vault) unlockFailureDelay() {
	jitter := time.Duration(rand.Int63n(int64(maxUnlockFailureDelay - minUnlockFailureDelay)))
	time.Sleep(minUnlockFailureDelay + jitter)
}

// Lock zeroizes all private key material, drops the session key, and
// stops the idle timer. Safe to call from any state.
func (v *Vault) Lock(reason SecurityEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lockLocked(reason)
}

func (v *Vault) lockLocked(reason SecurityEvent) {
	v.stopIdleTimerLocked()

	if v.state != StateUnlocked {
		v.state = StateLocked
		return
	}

	if v.keypair != nil {
		v.keypair.Zeroize()
		v.keypair = nil
	}
	v.sessionKey = nil
	v.state = StateLocked
	v.unlockedAt = time.Time{}

	_ = v.audit.Log("vault_lock", true, map[string]interface{}{
		"reason": string(reason),
	})

	listeners := append([]func(SecurityEvent){}, v.lockListeners...)
	go func() {
		for _, listener := range listeners {
			listener(reason)
		}
	}()
}

// HandleSecurityEvent locks the vault in response to an OS-level trigger,
// honoring the keystore's device-local vault settings.
func (v *Vault) HandleSecurityEvent(event SecurityEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	settings := defaultVaultSettings()
	if v.ks != nil {
		settings = v.ks.VaultSettings
	}

	switch event {
	case EventSystemSleep:
		if !settings.LockOnSleep {
			return
		}
	case EventScreenLock:
		if !settings.LockOnScreenLock {
			return
		}
	}

	v.lockLocked(event)
}

// OnLock registers a listener invoked (on its own goroutine) after the
// vault locks, with the reason.
func (v *Vault) OnLock(listener func(SecurityEvent)) {
	if listener == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lockListeners = append(v.lockListeners, listener)
}

// RecordActivity resets the idle timer. No-op unless unlocked.
func (v *Vault) RecordActivity() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateUnlocked {
		v.resetIdleTimerLocked()
	}
}

func (v *Vault) resetIdleTimerLocked() {
	v.stopIdleTimerLocked()
	if v.options.IdleTimeout <= 0 {
		return
	}
	v.idleTimer = time.AfterFunc(v.options.IdleTimeout, func() {
		v.Lock(EventIdleTimeout)
	})
}

func (v *Vault) stopIdleTimerLocked() {
	if v.idleTimer != nil {
		v.idleTimer.Stop()
		v.idleTimer = nil
	}
}

// State returns the current lifecycle state.
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// IsUnlocked reports whether key material is currently available.
func (v *Vault) IsUnlocked() bool {
	return v.State() == StateUnlocked
}

// CurrentPublicKey returns the public half of the current keypair. It is
// available even when locked since wrapping new secrets needs no private
// material.
func (v *Vault) CurrentPublicKey() (*hybrid.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}
	if v.ks == nil {
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}

	return v.ks.CurrentKeypair.PublicKey.Clone(), nil
}

// WrapContentKey wraps a 32-byte content key under the current public key.
// Wrapping works in any state; only unwrapping needs the vault unlocked.
// Keys with obviously low entropy are refused before any cryptography runs.
func (v *Vault) WrapContentKey(secret []byte) (*hybrid.Ciphertext, error) {
	if len(secret) != hybrid.SecretSize {
		return nil, fmt.Errorf("content key must be exactly %d bytes, got %d", hybrid.SecretSize, len(secret))
	}
	if crypto.IsWeakKey(secret) {
		return nil, fmt.Errorf("content key rejected: entropy too low")
	}
	pub, err := v.CurrentPublicKey()
	if err != nil {
		return nil, err
	}
	return hybrid.Wrap(secret, pub)
}

// UnwrapContentKey unwraps a content key, trying the current keypair first
// and falling back across retired generations. Returns the plaintext key
// and the generation index that matched (0 = current).
func (v *Vault) UnwrapContentKey(ct *hybrid.Ciphertext) ([]byte, int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, -1, ErrVaultClosed
	}
	if v.state != StateUnlocked {
		return nil, -1, ErrVaultLocked
	}
	v.resetIdleTimerLocked()

	previous, err := v.openPreviousKeypairsLocked()
	if err != nil {
		return nil, -1, err
	}
	defer func() {
		for _, kp := range previous {
			kp.Zeroize()
		}
	}()

	return hybrid.UnwrapWithFallback(ct, v.keypair, previous)
}

// UseContentKey unwraps a content key, passes it to fn, and wipes it when
// fn returns. The plaintext never escapes the callback scope, so callers
// cannot accidentally retain key material past its use.
func (v *Vault) UseContentKey(ct *hybrid.Ciphertext, fn func(secret []byte) error) error {
	secret, _, err := v.UnwrapContentKey(ct)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(secret)

	return fn(secret)
}

// openPreviousKeypairsLocked decrypts all retired generations with the
// session key, preserving keystore order (newest retirement first).
func (v *Vault) openPreviousKeypairsLocked() ([]*hybrid.Keypair, error) {
	if len(v.ks.PreviousKeypairs) == 0 {
		return nil, nil
	}

	enc := newSessionEncryptor(v.sessionKey)
	out := make([]*hybrid.Keypair, 0, len(v.ks.PreviousKeypairs))
	for i := range v.ks.PreviousKeypairs {
		kp, err := enc.DecryptKeypair(&v.ks.PreviousKeypairs[i].EncryptedKeypairRecord)
		if err != nil {
			for _, opened := range out {
				opened.Zeroize()
			}
			return nil, fmt.Errorf("failed to open retired keypair %s: %w",
				v.ks.PreviousKeypairs[i].KeyID, err)
		}
		out = append(out, kp)
	}
	return out, nil
}

// persistLocked writes the keystore document atomically with optimistic
// concurrency against the version last observed by this vault.
func (v *Vault) persistLocked() error {
	v.ks.touch()

	data, err := encodeKeystore(v.ks)
	if err != nil {
		return err
	}

	newVersion, err := v.store.SaveKeystore(data, v.storeVersion)
	if err != nil {
		return fmt.Errorf("failed to persist keystore: %w", err)
	}
	v.storeVersion = newVersion
	return nil
}

// Snapshot returns a deep copy of the keystore document for read-only
// inspection. Callers may hold it without locking the vault.
func (v *Vault) Snapshot() (*Keystore, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ks == nil {
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}
	return v.ks.Clone(), nil
}

// GetAudit returns the audit logger instance used by this vault.
func (v *Vault) GetAudit() audit.Logger {
	return v.audit
}

// MemoryProtection reports the level achieved when EnableMemoryLock was set.
func (v *Vault) MemoryProtection() mem.ProtectionLevel {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.memoryProtection
}

// Close locks the vault, releases memory locks, and closes the store and
// audit logger. The vault is unusable afterwards.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}

	v.lockLocked(EventShutdown)
	v.closed = true

	if v.options.EnableMemoryLock {
		_ = mem.Unlock()
	}

	var firstErr error
	if err := v.store.Close(); err != nil {
		firstErr = err
	}
	if err := v.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
