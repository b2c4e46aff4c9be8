package keystore

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"github.com/Player420/OnestarStream1.0-sub001/bio"
	"github.com/Player420/OnestarStream1.0-sub001/internal/crypto"
)

// EnableBiometric enrolls biometric unlock. The vault password is verified,
// then stored in the OS credential store so the platform's biometric policy
// gates access to it; the keystore itself records only the enrollment
// metadata. Works whether the vault is locked or unlocked.
//
// Returns bio.ErrUnavailable if the credential store cannot be used on this
// system, ErrAuth if the password is wrong.
func (v *Vault) EnableBiometric(store bio.CredentialStore, method bio.Method, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}
	if v.ks == nil {
		return fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}
	if store == nil || !store.Available() {
		return bio.ErrUnavailable
	}

	// The password must prove it can open the current keypair before it is
	// handed to the OS store.
	key := crypto.DeriveKey([]byte(password), v.ks.Salt, v.ks.Iterations)
	kp, err := v.ks.CurrentKeypair.openKeypair(key)
	memguard.WipeBytes(key)
	if err != nil {
		v.unlockFailureDelay()
		_ = v.audit.Log("biometric_enroll", false, map[string]interface{}{
			"error": "password verification failed",
		})
		return fmt.Errorf("%w: password verification failed", ErrAuth)
	}
	kp.Zeroize()

	account := v.biometricAccount()
	if err := store.Store(account, []byte(password)); err != nil {
		return fmt.Errorf("failed to store unlock secret: %w", err)
	}

	now := time.Now().UTC()
	old := v.ks.BiometricProfile
	v.ks.BiometricProfile = &BiometricProfile{
		Enabled:    true,
		Method:     string(method),
		OSAccount:  account,
		EnrolledAt: &now,
	}
	if err := v.persistLocked(); err != nil {
		v.ks.BiometricProfile = old
		_ = store.Remove(account)
		return fmt.Errorf("failed to persist biometric enrollment: %w", err)
	}

	_ = v.audit.Log("biometric_enroll", true, map[string]interface{}{
		"method": string(method),
	})
	return nil
}

// UnlockWithBiometric retrieves the enrolled unlock secret from the OS
// credential store and runs it through the normal unlock path, so failure
// delays, audit records and state transitions are identical to a password
// unlock.
//
// Returns bio.ErrNotEnrolled if biometric unlock was never enabled on this
// device or the stored credential is gone, bio.ErrUnavailable if the store
// cannot be used here.
func (v *Vault) UnlockWithBiometric(store bio.CredentialStore) (*UnlockResult, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrVaultClosed
	}
	if v.ks == nil {
		v.mu.Unlock()
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}
	profile := v.ks.BiometricProfile
	if profile == nil || !profile.Enabled || profile.OSAccount == "" {
		v.mu.Unlock()
		return nil, bio.ErrNotEnrolled
	}
	account := profile.OSAccount
	v.mu.Unlock()

	if store == nil || !store.Available() {
		return nil, bio.ErrUnavailable
	}

	secret, err := store.Retrieve(account)
	if err != nil {
		if errors.Is(err, bio.ErrNotEnrolled) {
			return nil, bio.ErrNotEnrolled
		}
		return nil, fmt.Errorf("failed to retrieve unlock secret: %w", err)
	}
	defer memguard.WipeBytes(secret)

	return v.Unlock(string(secret))
}

// DisableBiometric removes the enrollment and the stored OS credential.
// Idempotent: disabling when nothing is enrolled is not an error.
func (v *Vault) DisableBiometric(store bio.CredentialStore) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}
	if v.ks == nil {
		return fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}

	profile := v.ks.BiometricProfile
	if profile == nil {
		return nil
	}

	if store != nil && profile.OSAccount != "" {
		if err := store.Remove(profile.OSAccount); err != nil {
			return fmt.Errorf("failed to remove unlock secret: %w", err)
		}
	}

	v.ks.BiometricProfile = nil
	if err := v.persistLocked(); err != nil {
		v.ks.BiometricProfile = profile
		return fmt.Errorf("failed to persist biometric removal: %w", err)
	}

	_ = v.audit.Log("biometric_disable", true, nil)
	return nil
}

// biometricAccount is the credential store account for this user and device.
// Stable across enrollments so re-enrolling replaces rather than accumulates.
func (v *Vault) biometricAccount() string {
	return v.ks.UserID + "/" + v.ks.DeviceID
}
