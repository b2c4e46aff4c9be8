package persist

import (
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the interface for persisting keystore data.
// A Store holds exactly one user's keystore document plus its companion
// artifacts: migration safety copies, export bundles, and the rotation lock.
// The keystore document handed to this interface is a complete serialized
// keystore; all private key material inside it is already sealed by the
// codec layer, so a Store never needs to understand or protect plaintext.
type Store interface {

	// Keystore document

	// SaveKeystore persists the serialized keystore document.
	// Parameters:
	// - data: The serialized keystore document.
	// - expectedVersion: The version the caller last observed; pass "" to
	//   skip the optimistic concurrency check.
	// Returns:
	// - The new version of the stored document.
	// - A ConcurrencyError if expectedVersion no longer matches, or another
	//   error if the write fails.
	SaveKeystore(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadKeystore retrieves the keystore document with its version.
	// Returns:
	// - The document bytes, version, and storage timestamp.
	// - An error if the operation fails or no keystore exists.
	LoadKeystore() (*VersionedData, error)

	// KeystoreExists checks whether a keystore document is present.
	KeystoreExists() (bool, error)

	// Migration safety copies

	// SaveMigrationBackup stores a pre-migration copy of the keystore under
	// the given label. Labels embed the source schema version and date so a
	// failed migration can always be rolled back by hand.
	SaveMigrationBackup(label string, data []byte) error

	// ListMigrationBackups returns the labels of stored migration copies,
	// oldest first.
	ListMigrationBackups() ([]string, error)

	// Export bundles

	// SaveExport stores an export container under the given filename.
	SaveExport(filename string, container *ExportContainer) error

	// LoadExport retrieves a previously stored export container.
	// Returns:
	// - The parsed container.
	// - An error if the bundle does not exist or fails structural checks.
	LoadExport(filename string) (*ExportContainer, error)

	// ListExports returns summary information for stored export bundles.
	ListExports() ([]ExportInfo, error)

	// DeleteExport removes a stored export bundle.
	DeleteExport(filename string) error

	// Rotation lock

	// AcquireRotationLock takes the per-user rotation lock.
	// Parameters:
	// - holderID: Identifies the acquiring process; also required to release.
	// - ttl: How long the lock stays valid if never released. Crashed
	//   holders are reclaimed after expiry.
	// Returns:
	// - The acquired lock record.
	// - A LockHeldError if another live holder owns the lock.
	AcquireRotationLock(holderID string, ttl time.Duration) (*LockRecord, error)

	// ReleaseRotationLock releases the rotation lock if holderID owns it.
	ReleaseRotationLock(holderID string) error

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used (e.g. "filesystem", "s3").
	GetType() string
}

// ExportContainer is the cross-device export bundle format. The envelope
// fields are cleartext so a receiving device can validate integrity and
// provenance before attempting password-based decryption; the payload is
// ciphertext, base64 encoded for transport.
type ExportContainer struct {
	// ExportID is a UUID assigned to each export for tracking purposes.
	ExportID string `json:"exportId"`

	// FormatVersion is the version of this container format.
	FormatVersion string `json:"formatVersion"`

	// KeystoreVersion is the schema version of the keystore inside the payload.
	KeystoreVersion int `json:"keystoreVersion"`

	// ExportedAt is when the bundle was produced.
	ExportedAt time.Time `json:"exportedAt"`

	// UserID identifies the owning user. Import refuses bundles whose
	// UserID differs from the local keystore.
	UserID string `json:"userId"`

	// DeviceID and DeviceName identify the producing device.
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`

	// EncryptionMethod describes how the payload is protected,
	// e.g. "pbkdf2-sha256+aes-256-gcm".
	EncryptionMethod string `json:"encryptionMethod"`

	// Salt and Iterations are the KDF parameters the receiving device needs
	// to re-derive the payload keys from the export password.
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`

	// Checksum is the SHA-256 of the decoded payload ciphertext. It detects
	// accidental corruption without any key material.
	Checksum string `json:"checksum"`

	// Signature authenticates the envelope and payload together. It is an
	// HMAC-SHA256 under a key derived from the export password, so it also
	// proves the producer knew that password.
	Signature string `json:"signature"`

	// EncryptedData is the base64-encoded ciphertext payload.
	EncryptedData string `json:"encryptedData"`
}

// ExportInfo holds summary metadata about a stored export bundle without
// requiring decryption. Useful for listing, pruning and pre-flight checks.
type ExportInfo struct {
	// ExportID uniquely identifies the export instance.
	ExportID string `json:"exportId"`

	// ExportedAt marks when the bundle was produced.
	ExportedAt time.Time `json:"exportedAt"`

	// UserID, DeviceID and DeviceName describe the bundle's provenance.
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`

	// FormatVersion is the container format version.
	FormatVersion string `json:"formatVersion"`

	// FileSize is the stored size in bytes.
	FileSize int64 `json:"fileSize"`

	// IsValid reports whether the payload checksum verified during listing.
	IsValid bool `json:"isValid"`

	Checksum string `json:"checksum"`

	// StorePath is the store-agnostic path or object key of the bundle.
	StorePath string `json:"storePath"`
}

// LockRecord describes the holder and lifetime of the rotation lock.
type LockRecord struct {
	Name       string    `json:"name"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has elapsed.
func (l *LockRecord) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockHeldError is returned when the rotation lock is owned by another
// live holder.
type LockHeldError struct {
	HolderID  string
	ExpiresAt time.Time
}

func (e LockHeldError) Error() string {
	return fmt.Sprintf("rotation lock held by %s until %s",
		e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

// StoreConfig provides configuration for different storage backends.
//
// The StoreConfig struct holds the parameters needed to construct a storage
// backend: a type selecting the implementation and a configuration map with
// backend-specific settings.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/keystore"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	// Example values: "filesystem", "s3".
	Type StoreType `json:"type"`

	// Config contains configuration settings specific to the chosen backend.
	// For StoreTypeS3 this includes keys like "endpoint" and "bucket"; for
	// StoreTypeFileSystem it requires "base_path".
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem stores keystore data on the local filesystem.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores keystore data in an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
