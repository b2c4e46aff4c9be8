package keystore

import (
	"fmt"
)

// KeypairUsage reports whether stored content keys still depend on a keypair
// generation. Implementations typically consult the content key index; a nil
// checker skips the dependency check entirely.
type KeypairUsage interface {
	// CountDependents returns how many content keys can only be unwrapped
	// by the given keypair generation.
	CountDependents(keyID string) (int, error)
}

// DestroyRetiredKeypair permanently removes a retired keypair from the
// keystore.
//
// Content wrapped solely under the destroyed generation becomes permanently
// unrecoverable, so two safety gates apply: the current keypair is never
// destroyable (rotate first), and the destruction is refused with
// ErrKeypairInUse while the usage checker still reports dependent content
// keys. The removal is persisted atomically; on a storage failure the
// keystore is left unchanged.
func (v *Vault) DestroyRetiredKeypair(keyID string, usage KeypairUsage) error {
	if keyID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}
	if v.ks == nil {
		return fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}
	if v.state != StateUnlocked {
		return ErrVaultLocked
	}

	if keyID == v.ks.CurrentKeypair.KeyID {
		return fmt.Errorf("cannot destroy current keypair %s, rotate to a new keypair first", keyID)
	}

	index := -1
	for i := range v.ks.PreviousKeypairs {
		if v.ks.PreviousKeypairs[i].KeyID == keyID {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("retired keypair %s not found", keyID)
	}

	if usage != nil {
		dependents, err := usage.CountDependents(keyID)
		if err != nil {
			return fmt.Errorf("failed to check keypair usage: %w", err)
		}
		if dependents > 0 {
			return fmt.Errorf("%w: %d content keys still depend on keypair %s",
				ErrKeypairInUse, dependents, keyID)
		}
	}

	removed := v.ks.PreviousKeypairs[index]
	old := v.ks.PreviousKeypairs

	filtered := make([]RetiredKeypairRecord, 0, len(old)-1)
	filtered = append(filtered, old[:index]...)
	filtered = append(filtered, old[index+1:]...)
	v.ks.PreviousKeypairs = filtered

	if err := v.persistLocked(); err != nil {
		v.ks.PreviousKeypairs = old
		return err
	}

	_ = v.audit.Log("keypair_destroy", true, map[string]interface{}{
		"key_id":             keyID,
		"retired_at":         removed.RetiredAt,
		"retire_reason":      removed.Reason,
		"remaining_previous": len(v.ks.PreviousKeypairs),
	})

	return nil
}
