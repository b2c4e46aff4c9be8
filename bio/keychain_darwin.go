//go:build darwin

package bio

import (
	"fmt"

	keychain "github.com/keybase/go-keychain"
)

const keychainLabel = "OnestarStream keystore unlock"

// keychainStore backs CredentialStore with the macOS Keychain. Items are
// device-local (never synced to iCloud) and readable only while the device
// is unlocked, so the OS biometric/login policy gates every retrieval.
type keychainStore struct {
	service string
}

// NewPlatformStore returns the macOS Keychain credential store. The service
// string namespaces all items this module creates.
func NewPlatformStore(service string) (CredentialStore, error) {
	if service == "" {
		service = "io.onestar.keystore"
	}
	return &keychainStore{service: service}, nil
}

func (s *keychainStore) Available() bool { return true }

func (s *keychainStore) Store(account string, secret []byte) error {
	item := keychain.NewGenericPassword(s.service, account, keychainLabel, secret, "")
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlockedThisDeviceOnly)

	err := keychain.AddItem(item)
	if err == keychain.ErrorDuplicateItem {
		query := keychain.NewGenericPassword(s.service, account, "", nil, "")
		update := keychain.NewItem()
		update.SetData(secret)
		if err := keychain.UpdateItem(query, update); err != nil {
			return fmt.Errorf("update keychain item: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("add keychain item: %w", err)
	}
	return nil
}

func (s *keychainStore) Retrieve(account string) ([]byte, error) {
	data, err := keychain.GetGenericPassword(s.service, account, "", "")
	if err != nil {
		return nil, fmt.Errorf("read keychain item: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNotEnrolled
	}
	return data, nil
}

func (s *keychainStore) Remove(account string) error {
	query := keychain.NewGenericPassword(s.service, account, "", nil, "")
	if err := keychain.DeleteItem(query); err != nil && err != keychain.ErrorItemNotFound {
		return fmt.Errorf("remove keychain item: %w", err)
	}
	return nil
}
