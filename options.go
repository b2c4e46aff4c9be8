package keystore

import (
	"fmt"
	"os"
	"time"

	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
)

// Options configures a keystore service instance.
//
// Options separates identity (UserID, DeviceName), security tuning
// (Iterations, EnableMemoryLock), and operational behavior (IdleTimeout,
// RotationLockTTL). Sensitive runtime material never lives here: passwords
// are passed to Unlock and friends directly and are not part of the
// configuration surface.
//
// SECURITY SETTINGS:
// Iterations controls PBKDF2-SHA256 work for the password-derived key.
// Values below the floor of 600,000 are raised to it, never lowered, so a
// stale config file cannot weaken key derivation. EnableMemoryLock requests
// mlock-backed guarded memory for unwrapped private keys; when the OS
// refuses (ulimit, privileges), the service continues with guarded heap
// buffers only.
//
// OPERATIONAL SETTINGS:
// IdleTimeout is the inactivity window after which an unlocked vault locks
// itself. RotationLockTTL bounds how long a crashed rotation can hold the
// per-user rotation lock before another process may reclaim it.
type Options struct {
	// UserID is the owning identity. All stores, exports and merges are
	// scoped to it. Required.
	UserID string `json:"user_id"`

	// DeviceName is a human-readable label recorded in the keystore and in
	// export envelopes. Defaults to the hostname.
	DeviceName string `json:"device_name,omitempty"`

	// Iterations is the PBKDF2 work factor. Floored at 600,000.
	Iterations int `json:"iterations,omitempty"`

	// IdleTimeout locks the vault after this much inactivity. Zero selects
	// the 5 minute default; negative disables auto-lock.
	IdleTimeout time.Duration `json:"idle_timeout,omitempty"`

	// RotationLockTTL is the lifetime of the per-user rotation lock. Zero
	// selects the 30 minute default.
	RotationLockTTL time.Duration `json:"rotation_lock_ttl,omitempty"`

	// EnableMemoryLock requests locked memory pages for key material.
	EnableMemoryLock bool `json:"enable_memory_lock"`
}

// DefaultOptions returns Options with production defaults for everything
// except UserID, which the caller must set.
func DefaultOptions() Options {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-device"
	}
	return Options{
		DeviceName:      host,
		Iterations:      misc.PBKDF2Iterations,
		IdleTimeout:     5 * time.Minute,
		RotationLockTTL: 30 * time.Minute,
	}
}

// Validate checks the configuration and normalizes defaulted fields.
func (o *Options) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("options: UserID is required")
	}
	if o.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-device"
		}
		o.DeviceName = host
	}
	if o.Iterations < misc.MinPBKDF2Iterations {
		o.Iterations = misc.MinPBKDF2Iterations
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.RotationLockTTL <= 0 {
		o.RotationLockTTL = 30 * time.Minute
	}
	return nil
}
