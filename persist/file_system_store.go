package persist

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/Player420/OnestarStream1.0-sub001/internal/crypto"
	"github.com/Player420/OnestarStream1.0-sub001/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// FileSystemStore implements Store for the local filesystem with per-user
// isolation and optimistic concurrency control
type FileSystemStore struct {
	basePath      string
	userID        string
	userPath      string // basePath/userID/
	exportsDir    string // basePath/userID/exports/
	migrationsDir string // basePath/userID/migrations/
	storeManifest string // basePath/userID/store.json
	keystorePath  string // basePath/userID/keystore.json
	lockPath      string // basePath/userID/rotation.lock
}

// StoreManifest records store-level bookkeeping alongside the keystore
type StoreManifest struct {
	Version    string    `json:"version"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, userID string) (*FileSystemStore, error) {
	if err := validateUserID(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID: %w", err)
	}

	userPath := filepath.Join(basePath, userID)

	fs := &FileSystemStore{
		basePath:      basePath,
		userID:        userID,
		userPath:      userPath,
		exportsDir:    filepath.Join(userPath, "exports"),
		migrationsDir: filepath.Join(userPath, "migrations"),
		storeManifest: filepath.Join(userPath, "store.json"),
		keystorePath:  filepath.Join(userPath, "keystore.json"),
		lockPath:      filepath.Join(userPath, "rotation.lock"),
	}

	dirs := []string{
		fs.userPath,
		fs.exportsDir,
		fs.migrationsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeManifest(); err != nil {
		return nil, fmt.Errorf("failed to initialize store manifest: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, userID string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, userID)
}

func (fs *FileSystemStore) initializeManifest() error {
	if _, err := os.Stat(fs.storeManifest); os.IsNotExist(err) {
		manifest := StoreManifest{
			Version:    "1.0.0",
			UserID:     fs.userID,
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.storeManifest, data, FilePermissions)
	}
	return nil
}

// SaveKeystore with optimistic concurrency control
func (fs *FileSystemStore) SaveKeystore(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("keystore data cannot be empty")
	}
	// Validate expected version if provided
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.keystorePath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveKeystore",
			}
		}
	}

	if err := os.MkdirAll(fs.userPath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create user directory: %w", err)
	}

	if err := writeSecureFile(fs.keystorePath, data, FilePermissions); err != nil {
		return "", err
	}

	// Calculate and return new version based on what was actually written
	newVersion := calculateFileVersion(data)
	return newVersion, nil
}

// LoadKeystore returns the versioned keystore document
func (fs *FileSystemStore) LoadKeystore() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.keystorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat keystore: %w", err)
	}

	data, err := os.ReadFile(fs.keystorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keystore: %w", err)
	}

	debug.Print("LoadKeystore: read %d bytes for user %s\n", len(data), fs.userID)

	version := calculateFileVersion(data)

	return &VersionedData{
		Data:      data,
		Version:   version,
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) KeystoreExists() (bool, error) {
	return fileExists(fs.keystorePath)
}

// SaveMigrationBackup writes a pre-migration safety copy under the label
func (fs *FileSystemStore) SaveMigrationBackup(label string, data []byte) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return fmt.Errorf("migration backup label cannot be empty")
	}
	if strings.ContainsAny(label, "/\\\x00") || strings.Contains(label, "..") {
		return fmt.Errorf("migration backup label contains invalid characters")
	}
	if len(data) == 0 {
		return fmt.Errorf("migration backup data cannot be empty")
	}

	if err := os.MkdirAll(fs.migrationsDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	target := filepath.Join(fs.migrationsDir, label)
	if !strings.HasSuffix(target, ".json") {
		target += ".json"
	}

	debug.Print("SaveMigrationBackup: writing %s\n", target)

	return writeSecureFile(target, data, FilePermissions)
}

// ListMigrationBackups returns stored migration copy labels, oldest first
func (fs *FileSystemStore) ListMigrationBackups() ([]string, error) {
	entries, err := os.ReadDir(fs.migrationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var labels []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		labels = append(labels, entry.Name())
	}

	sort.Strings(labels)
	return labels, nil
}

// Export operations
func (fs *FileSystemStore) SaveExport(filename string, container *ExportContainer) error {
	debug.Print("SaveExport: called with filename: %s\n", filename)

	filename = strings.TrimSpace(filename)

	if filename == "" {
		return fmt.Errorf("export filename cannot be empty or whitespace-only")
	}

	if strings.ContainsAny(filename, "\x00") {
		return fmt.Errorf("export filename contains invalid characters")
	}

	filename = filepath.Clean(filename)

	// Handle relative paths - convert simple filenames to use exportsDir
	exportPath := filename
	if !filepath.IsAbs(exportPath) && !strings.Contains(exportPath, string(os.PathSeparator)) {
		exportPath = filepath.Join(fs.exportsDir, exportPath)
	}

	if !strings.HasSuffix(exportPath, ".json") {
		exportPath += ".json"
	}

	// Check if the final target path is an existing directory
	if stat, err := os.Stat(exportPath); err == nil {
		if stat.IsDir() {
			return fmt.Errorf("cannot create export file %s: path is an existing directory", exportPath)
		}
	}

	if err := fs.validateExportPath(exportPath); err != nil {
		return fmt.Errorf("invalid export path: %w", err)
	}

	exportDir := filepath.Dir(exportPath)
	if err := os.MkdirAll(exportDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create export directory %s: %w", exportDir, err)
	}

	if container.UserID == "" {
		container.UserID = fs.userID
	}

	containerData, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export container: %w", err)
	}

	if err = writeSecureFile(exportPath, containerData, FilePermissions); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	debug.Print("SaveExport: export file created at: %s\n", exportPath)

	return nil
}

// validateExportPath performs additional validation on the export path
func (fs *FileSystemStore) validateExportPath(exportPath string) error {
	if len(exportPath) > 4096 {
		return fmt.Errorf("path too long (max 4096 characters)")
	}

	cleanPath := filepath.Clean(exportPath)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal")
	}

	// Refuse to write into system directories
	if runtime.GOOS != "windows" {
		systemPaths := []string{"/etc/", "/bin/", "/sbin/", "/usr/bin/", "/usr/sbin/", "/boot/"}
		for _, sysPath := range systemPaths {
			if strings.HasPrefix(cleanPath, sysPath) {
				return fmt.Errorf("cannot create export in system directory")
			}
		}
	}

	if runtime.GOOS == "windows" {
		upperPath := strings.ToUpper(cleanPath)
		windowsSystemPaths := []string{"C:\\WINDOWS\\", "C:\\PROGRAM FILES\\", "C:\\PROGRAM FILES (X86)\\"}
		for _, sysPath := range windowsSystemPaths {
			if strings.HasPrefix(upperPath, sysPath) {
				return fmt.Errorf("cannot create export in system directory")
			}
		}
	}

	return nil
}

func (fs *FileSystemStore) LoadExport(filename string) (*ExportContainer, error) {
	debug.Print("LoadExport: called with filename: %s\n", filename)

	var fullPath string
	if filepath.IsAbs(filename) {
		fullPath = filename
	} else {
		fullPath = filepath.Join(fs.exportsDir, filename)
	}

	if !strings.HasSuffix(fullPath, ".json") {
		fullPath += ".json"
	}

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("export file %s does not exist", fullPath)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read export file: %w", err)
	}

	var container ExportContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse export file: %w", err)
	}

	if isValid, validationError := fs.validateExportContainer(&container); !isValid {
		return nil, fmt.Errorf("invalid export file: %s", validationError)
	}

	return &container, nil
}

func (fs *FileSystemStore) DeleteExport(filename string) error {
	var fullPath string
	if filepath.IsAbs(filename) {
		fullPath = filename
	} else {
		fullPath = filepath.Join(fs.exportsDir, filename)
	}

	if !strings.HasSuffix(fullPath, ".json") {
		fullPath += ".json"
	}

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("export %s does not exist", filename)
	}

	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("failed to delete export file %s: %w", filename, err)
	}

	return nil
}

func (fs *FileSystemStore) ListExports() ([]ExportInfo, error) {
	if _, err := os.Stat(fs.exportsDir); os.IsNotExist(err) {
		return []ExportInfo{}, nil
	}

	entries, err := os.ReadDir(fs.exportsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read exports directory: %w", err)
	}

	var exports []ExportInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(fs.exportsDir, entry.Name())

		data, err := os.ReadFile(filePath)
		if err != nil {
			debug.Print("ListExports: failed to read %s: %v\n", entry.Name(), err)
			continue
		}

		var container ExportContainer
		if err := json.Unmarshal(data, &container); err != nil {
			debug.Print("ListExports: failed to parse %s: %v\n", entry.Name(), err)
			continue
		}

		isValid, validationError := fs.validateExportContainer(&container)

		info, err := entry.Info()
		if err != nil {
			continue
		}

		export := ExportInfo{
			ExportID:      container.ExportID,
			ExportedAt:    container.ExportedAt,
			UserID:        container.UserID,
			DeviceID:      container.DeviceID,
			DeviceName:    container.DeviceName,
			FormatVersion: container.FormatVersion,
			FileSize:      info.Size(),
			IsValid:       isValid,
			Checksum:      container.Checksum,
			StorePath:     entry.Name(),
		}

		if !isValid {
			debug.Print("ListExports: export %s is invalid: %s\n", entry.Name(), validationError)
		}

		exports = append(exports, export)
	}

	return exports, nil
}

// validateExportContainer checks required fields and payload integrity
func (fs *FileSystemStore) validateExportContainer(container *ExportContainer) (bool, string) {
	if container.ExportID == "" {
		return false, "missing ExportID"
	}
	if container.EncryptedData == "" {
		return false, "missing EncryptedData"
	}
	if container.Checksum == "" {
		return false, "missing Checksum"
	}

	encryptedData, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return false, fmt.Sprintf("invalid base64 in EncryptedData: %v", err)
	}

	actualChecksum := crypto.CalculateChecksum(encryptedData)
	if actualChecksum != container.Checksum {
		return false, fmt.Sprintf("checksum mismatch - expected: %s, actual: %s",
			container.Checksum, actualChecksum)
	}

	return true, ""
}

// Rotation lock

// AcquireRotationLock takes the per-user rotation lock via an exclusive
// lock file. Expired locks from crashed holders are reclaimed in place.
func (fs *FileSystemStore) AcquireRotationLock(holderID string, ttl time.Duration) (*LockRecord, error) {
	if holderID == "" {
		return nil, fmt.Errorf("lock holder ID cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}

	now := time.Now().UTC()
	record := &LockRecord{
		Name:       RotationLockName,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	// Fast path: create the lock file exclusively.
	file, err := os.OpenFile(fs.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FilePermissions)
	if err == nil {
		if _, werr := file.Write(data); werr != nil {
			_ = file.Close()
			_ = os.Remove(fs.lockPath)
			return nil, fmt.Errorf("failed to write lock file: %w", werr)
		}
		if serr := file.Sync(); serr != nil {
			_ = file.Close()
			_ = os.Remove(fs.lockPath)
			return nil, fmt.Errorf("failed to sync lock file: %w", serr)
		}
		if cerr := file.Close(); cerr != nil {
			_ = os.Remove(fs.lockPath)
			return nil, fmt.Errorf("failed to close lock file: %w", cerr)
		}
		return record, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	// Lock file exists: inspect the holder and expiry.
	existing, err := fs.readLockRecord()
	if err != nil && !os.IsNotExist(err) {
		// Unreadable lock records are treated as stale so a corrupt file
		// cannot block rotation forever.
		debug.Print("AcquireRotationLock: replacing unreadable lock: %v\n", err)
	}

	if existing != nil && !existing.Expired(now) && existing.HolderID != holderID {
		return nil, LockHeldError{HolderID: existing.HolderID, ExpiresAt: existing.ExpiresAt}
	}

	// Same holder refreshing, expired holder, or corrupt record: take over.
	if err := writeSecureFile(fs.lockPath, data, FilePermissions); err != nil {
		return nil, fmt.Errorf("failed to take over lock file: %w", err)
	}

	return record, nil
}

// ReleaseRotationLock releases the rotation lock if holderID owns it
func (fs *FileSystemStore) ReleaseRotationLock(holderID string) error {
	existing, err := fs.readLockRecord()
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Already released
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}

	if existing.HolderID != holderID {
		return fmt.Errorf("rotation lock is not held by %s", holderID)
	}

	if err := os.Remove(fs.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}

	return nil
}

func (fs *FileSystemStore) readLockRecord() (*LockRecord, error) {
	data, err := os.ReadFile(fs.lockPath)
	if err != nil {
		return nil, err
	}

	var record LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse lock record: %w", err)
	}

	return &record, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.userPath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if manifestData, err := os.ReadFile(fs.storeManifest); err == nil {
		var manifest StoreManifest
		if err := json.Unmarshal(manifestData, &manifest); err == nil {
			manifest.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(manifest, "", "  "); err == nil {
				_ = writeSecureFile(fs.storeManifest, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

// Helper methods for versioning support
func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
