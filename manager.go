package keystore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Player420/OnestarStream1.0-sub001/audit"
	"github.com/Player420/OnestarStream1.0-sub001/persist"
)

// Manager owns one Vault per user on top of a shared storage backend.
//
// Vaults are created lazily on first access and cached; every user gets an
// isolated store scope and an isolated audit trail derived from the shared
// configuration. Embedding applications use a Manager when they host
// keystores for many users in one process (a sync service, a backup agent),
// where constructing vaults by hand per request would leak stores.
//
// The Manager never holds passwords: callers unlock each user's vault
// themselves. Security events, however, fan out to every open vault via
// HandleAllSecurityEvent, so a system sleep locks everyone at once.
type Manager struct {
	options      Options
	storeFactory func(userID string) (persist.Store, error)
	auditConfig  *audit.Config

	mu     sync.RWMutex
	vaults map[string]*Vault
	closed bool
}

// NewManager creates a Manager with a custom store factory. The factory is
// called once per user, on first access, and must return a store scoped to
// that user. baseOptions applies to every vault; its UserID is ignored.
// auditConfig is a template; each user's logger gets its own UserID. Nil
// disables auditing.
func NewManager(baseOptions Options, storeFactory func(userID string) (persist.Store, error), auditConfig *audit.Config) *Manager {
	return &Manager{
		options:      baseOptions,
		storeFactory: storeFactory,
		auditConfig:  auditConfig,
		vaults:       make(map[string]*Vault),
	}
}

// NewFileManager creates a Manager whose vaults live under basePath, one
// subtree per user.
func NewFileManager(baseOptions Options, basePath string, auditConfig *audit.Config) *Manager {
	return NewManager(baseOptions, func(userID string) (persist.Store, error) {
		return persist.NewFileSystemStore(basePath, userID)
	}, auditConfig)
}

// NewS3Manager creates a Manager whose vaults live in an S3-compatible
// bucket, one key prefix per user.
func NewS3Manager(baseOptions Options, s3Config persist.S3Config, auditConfig *audit.Config) *Manager {
	return NewManager(baseOptions, func(userID string) (persist.Store, error) {
		return persist.NewS3Store(s3Config, userID)
	}, auditConfig)
}

// GetVault returns the vault for userID, creating it on first access.
func (m *Manager) GetVault(userID string) (*Vault, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrVaultClosed
	}
	if vault, ok := m.vaults[userID]; ok {
		m.mu.RUnlock()
		return vault, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrVaultClosed
	}
	// Re-check: another goroutine may have created it between the locks.
	if vault, ok := m.vaults[userID]; ok {
		return vault, nil
	}

	store, err := m.storeFactory(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create store for user %s: %w", userID, err)
	}

	logger, err := m.loggerForUser(userID)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create audit logger for user %s: %w", userID, err)
	}

	options := m.options
	options.UserID = userID
	vault, err := NewWithStore(options, store, logger)
	if err != nil {
		return nil, err
	}

	m.vaults[userID] = vault
	return vault, nil
}

func (m *Manager) loggerForUser(userID string) (audit.Logger, error) {
	if m.auditConfig == nil {
		return audit.NewNoOpLogger(), nil
	}
	config := *m.auditConfig
	config.UserID = userID
	return audit.NewLogger(&config)
}

// CloseUser closes and evicts a single user's vault. Closing an unknown
// user is not an error.
func (m *Manager) CloseUser(userID string) error {
	m.mu.Lock()
	vault, ok := m.vaults[userID]
	delete(m.vaults, userID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return vault.Close()
}

// CloseAll closes every open vault and marks the manager closed. The first
// close error is returned; all vaults are closed regardless.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	vaults := m.vaults
	m.vaults = make(map[string]*Vault)
	m.closed = true
	m.mu.Unlock()

	var firstErr error
	for userID, vault := range vaults {
		if err := vault.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close vault for user %s: %w", userID, err)
		}
	}
	return firstErr
}

// ListUsers returns the users with an open vault, sorted.
func (m *Manager) ListUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.vaults))
	for userID := range m.vaults {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// HandleAllSecurityEvent forwards a security event to every open vault, so
// one system sleep or screen lock reaches all users at once.
func (m *Manager) HandleAllSecurityEvent(event SecurityEvent) {
	m.mu.RLock()
	vaults := make([]*Vault, 0, len(m.vaults))
	for _, vault := range m.vaults {
		vaults = append(vaults, vault)
	}
	m.mu.RUnlock()

	for _, vault := range vaults {
		vault.HandleSecurityEvent(event)
	}
}
