// Package bio provides the OS credential store used for biometric unlock.
//
// The keystore never records the unlock secret itself, only that enrollment
// exists and which credential store account holds the secret. The secret
// lives in the platform secret store (the macOS Keychain on darwin), where
// the OS gates access behind its own biometric or login policy.
package bio

import (
	"errors"
	"sync"
)

// Method identifies the biometric mechanism the user enrolled with. The
// value is informational: the OS decides what it actually prompts for.
type Method string

const (
	MethodTouchID     Method = "touch-id"
	MethodFaceID      Method = "face-id"
	MethodFingerprint Method = "fingerprint"
)

var (
	// ErrUnavailable signals that no platform credential store exists on
	// this system.
	ErrUnavailable = errors.New("biometric credential store not available on this platform")

	// ErrNotEnrolled signals that biometric unlock was never enabled, or the
	// stored credential has been removed.
	ErrNotEnrolled = errors.New("biometric unlock not enrolled")
)

// CredentialStore stores unlock secrets in an OS-mediated secret store.
// Implementations must be safe for concurrent use.
type CredentialStore interface {
	// Available reports whether the store can be used on this system.
	Available() bool

	// Store saves the secret under the given account, replacing any
	// previous value.
	Store(account string, secret []byte) error

	// Retrieve returns the secret stored under account, or ErrNotEnrolled
	// if nothing is stored there.
	Retrieve(account string) ([]byte, error)

	// Remove deletes the secret stored under account. Removing an absent
	// account is not an error.
	Remove(account string) error
}

// MemoryStore is an in-process CredentialStore for tests and demos on
// platforms without a real secret store. Secrets are held in plain memory;
// never use it in production.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

// NewMemoryStore returns an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

func (m *MemoryStore) Available() bool { return true }

func (m *MemoryStore) Store(account string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[account] = append([]byte(nil), secret...)
	return nil
}

func (m *MemoryStore) Retrieve(account string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[account]
	if !ok {
		return nil, ErrNotEnrolled
	}
	return append([]byte(nil), secret...), nil
}

func (m *MemoryStore) Remove(account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, account)
	return nil
}
