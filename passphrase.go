package keystore

import (
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/Player420/OnestarStream1.0-sub001/internal/crypto"
)

// ChangePassword re-seals every keypair record under a key derived from
// newPassword and a fresh salt.
//
// The current password is always re-verified, even when the vault is
// unlocked. All records (current and retired) are re-sealed in memory
// before anything is persisted, so the operation is atomic: either the
// whole keystore moves to the new password or it is left unchanged. If the
// vault was unlocked it stays unlocked with the session key swapped to the
// new derivation.
func (v *Vault) ChangePassword(currentPassword, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}
	if v.ks == nil {
		return fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}

	if validation := ValidatePassword(newPassword); !validation.Valid {
		return &ValidationError{Problems: validation.Errors}
	}

	oldKey := crypto.DeriveKey([]byte(currentPassword), v.ks.Salt, v.ks.Iterations)
	defer memguard.WipeBytes(oldKey)

	// Proves the current password before any mutation. Wrong password and
	// tampered record look identical, same as Unlock.
	kp, err := v.ks.CurrentKeypair.openKeypair(oldKey)
	if err != nil {
		v.unlockFailureDelay()
		_ = v.audit.Log("password_change", false, map[string]interface{}{
			"error": "authentication failed",
		})
		return ErrAuth
	}
	defer kp.Zeroize()

	newSalt, err := crypto.NewRandomSalt()
	if err != nil {
		return err
	}
	newKey := crypto.DeriveKey([]byte(newPassword), newSalt, v.options.Iterations)

	newCurrent, err := sealKeypair(newKey, kp, v.ks.CurrentKeypair.KeyID, v.ks.CurrentKeypair.CreatedAt)
	if err != nil {
		memguard.WipeBytes(newKey)
		return err
	}

	// The old key opened the current record, so a retired record that does
	// not open is corrupt rather than a wrong password.
	newPrevious := make([]RetiredKeypairRecord, len(v.ks.PreviousKeypairs))
	for i := range v.ks.PreviousKeypairs {
		rec := &v.ks.PreviousKeypairs[i]
		retiredKP, err := rec.openKeypair(oldKey)
		if err != nil {
			memguard.WipeBytes(newKey)
			return fmt.Errorf("%w: retired keypair %s cannot be opened", ErrCorruptKeystore, rec.KeyID)
		}
		resealed, err := sealKeypair(newKey, retiredKP, rec.KeyID, rec.CreatedAt)
		retiredKP.Zeroize()
		if err != nil {
			memguard.WipeBytes(newKey)
			return err
		}
		newPrevious[i] = RetiredKeypairRecord{
			EncryptedKeypairRecord: *resealed,
			RetiredAt:              rec.RetiredAt,
			Reason:                 rec.Reason,
		}
	}

	snapshot := v.ks.Clone()
	v.ks.Salt = newSalt
	v.ks.Iterations = v.options.Iterations
	v.ks.CurrentKeypair = newCurrent
	v.ks.PreviousKeypairs = newPrevious

	// The OS credential store still holds the old password, so any
	// biometric enrollment is stale from here on. DisableBiometric cleans
	// up the stored credential when the caller has a store handle.
	biometricInvalidated := false
	if v.ks.BiometricProfile != nil && v.ks.BiometricProfile.Enabled {
		v.ks.BiometricProfile.Enabled = false
		biometricInvalidated = true
	}

	if err := v.persistLocked(); err != nil {
		memguard.WipeBytes(newKey)
		v.ks = snapshot
		return err
	}

	if v.state == StateUnlocked {
		v.sessionKey = memguard.NewEnclave(newKey)
	} else {
		memguard.WipeBytes(newKey)
	}

	_ = v.audit.Log("password_change", true, map[string]interface{}{
		"iterations":            v.ks.Iterations,
		"records":               1 + len(newPrevious),
		"biometric_invalidated": biometricInvalidated,
	})

	return nil
}
