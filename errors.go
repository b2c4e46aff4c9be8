package keystore

import (
	"errors"
	"fmt"
	"strings"
)

// Authentication and codec errors
var (
	// ErrAuth covers both a wrong password and a tampered blob. The two are
	// deliberately indistinguishable so the error channel cannot be used as a
	// password oracle.
	ErrAuth = errors.New("authentication failed")

	// ErrCorruptKeystore indicates the keystore file is unreadable or carries
	// an unsupported schema version.
	ErrCorruptKeystore = errors.New("keystore is corrupt or unsupported")

	// ErrVaultLocked is returned by operations that need the decrypted
	// keypair while the vault is locked.
	ErrVaultLocked = errors.New("vault is locked")

	// ErrVaultClosed is returned after Close.
	ErrVaultClosed = errors.New("vault is closed")
)

// Rotation errors
var (
	// ErrLockContention means another rotation (or import) holds the per-user
	// lock. Callers should retry later, not block.
	ErrLockContention = errors.New("rotation already in progress for this user")

	// ErrRollbackPerformed means the rotation restored the pre-rotation
	// keystore because too many secrets failed to re-wrap.
	ErrRollbackPerformed = errors.New("rotation rolled back")

	// ErrRotationAborted means the caller cancelled between checkpoints.
	ErrRotationAborted = errors.New("rotation aborted")

	// ErrKeypairInUse blocks destruction of a retired keypair that still has
	// wrapped secrets depending on it.
	ErrKeypairInUse = errors.New("keypair still protects wrapped secrets")
)

// Merge and import errors
var (
	ErrIdentityMismatch = errors.New("import belongs to a different user")
	ErrDowngradeAttack  = errors.New("import omits rotation history known locally")
	ErrReplayAttack     = errors.New("import bundle was already merged")
	ErrTamperedExport   = errors.New("import bundle failed integrity verification")
)

// ValidationError reports one or more precondition failures, such as a weak
// export password. It is advisory (user-fixable), not a security event.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func newValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// ErrorCode maps an error from this package to a stable code, so calling UIs
// can distinguish "wrong password" from "corrupted file" from "security
// threat detected" without parsing message text.
func ErrorCode(err error) string {
	var vErr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "AUTH_FAILED"
	case errors.Is(err, ErrCorruptKeystore):
		return "CORRUPT_KEYSTORE"
	case errors.Is(err, ErrVaultLocked):
		return "VAULT_LOCKED"
	case errors.Is(err, ErrVaultClosed):
		return "VAULT_CLOSED"
	case errors.Is(err, ErrLockContention):
		return "LOCK_CONTENTION"
	case errors.Is(err, ErrRollbackPerformed):
		return "ROLLBACK_PERFORMED"
	case errors.Is(err, ErrRotationAborted):
		return "ROTATION_ABORTED"
	case errors.Is(err, ErrKeypairInUse):
		return "KEYPAIR_IN_USE"
	case errors.Is(err, ErrIdentityMismatch):
		return "IDENTITY_MISMATCH"
	case errors.Is(err, ErrDowngradeAttack):
		return "DOWNGRADE_ATTACK"
	case errors.Is(err, ErrReplayAttack):
		return "REPLAY_ATTACK"
	case errors.Is(err, ErrTamperedExport):
		return "TAMPERED_EXPORT"
	case errors.As(err, &vErr):
		return "VALIDATION_FAILED"
	default:
		return "INTERNAL"
	}
}
