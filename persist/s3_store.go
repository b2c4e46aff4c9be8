package persist

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Player420/OnestarStream1.0-sub001/internal/crypto"
	"github.com/Player420/OnestarStream1.0-sub001/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using MinIO as the backend.
// S3 Object Structure (per user):
// This structure outlines how each user's keystore data is organized within
// the bucket, isolating users and keeping exports and migration copies
// alongside the document they belong to.
//
// bucketName/
// ├── [keyPrefix/]user1/
// │   ├── store.json          # Store manifest for user1
// │   ├── keystore.json       # Keystore document for user1
// │   ├── rotation.lock       # Rotation lock record for user1
// │   ├── exports/
// │   │   └── keystore-export-dev1-20240101T120000Z.json
// │   └── migrations/
// │       └── keystore-v2-20240101T120000Z.json
// └── [keyPrefix/]user2/
//     ├── store.json
//     ├── keystore.json
//     └── ...
type S3Store struct {
	// client is the MinIO client used to interact with the object store.
	client *minio.Client

	// bucketName is the bucket used to store keystore data.
	bucketName string

	// keyPrefix is an optional prefix for keys in the bucket, allowing
	// namespace separation if multiple applications share a bucket.
	keyPrefix string

	// userID identifies the user whose keystore this store holds. All keys
	// are routed under it so users never see each other's data.
	userID string
}

// NewS3Store initializes a new S3Store instance using the provided S3
// configuration and user ID. It establishes a connection to the object
// store and ensures the bucket exists.
//
// Parameters:
//   - config (S3Config): Endpoint, credentials, bucket and key prefix.
//   - userID (string): The owning user. Required.
//
// Returns:
//   - (*S3Store, error): A store instance, or an error if the user ID is
//     invalid, the client fails to initialize, or the bucket is unusable.
func NewS3Store(config S3Config, userID string) (*S3Store, error) {
	if err := validateUserID(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		userID:     userID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeManifest(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store manifest: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, userID string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, userID)
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`          // The endpoint for the S3 service.
	AccessKeyID     string `json:"access_key_id"`     // The Access Key ID for authentication.
	SecretAccessKey string `json:"secret_access_key"` // The Secret Access Key for authentication.
	Bucket          string `json:"bucket"`            // The bucket to use.
	KeyPrefix       string `json:"key_prefix"`        // The prefix for keys stored in the bucket.
	UseSSL          bool   `json:"use_ssl"`           // Whether to use SSL for the connection.
	Region          string `json:"region"`            // The region of the bucket.
}

func (s3s *S3Store) initializeManifest(ctx context.Context) error {
	objectName := s3s.buildUserPath("store.json")

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			manifest := StoreManifest{
				Version:    "1.0.0",
				UserID:     s3s.userID,
				CreatedAt:  time.Now().UTC(),
				LastAccess: time.Now().UTC(),
				Structure:  "v1",
			}

			data, err := json.MarshalIndent(manifest, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal store manifest: %w", err)
			}

			_, err = s3s.client.PutObject(
				ctx,
				s3s.bucketName,
				objectName,
				bytes.NewReader(data),
				int64(len(data)),
				minio.PutObjectOptions{
					ContentType:  "application/json",
					UserMetadata: createKeystoreMetadata(s3s.userID),
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create store manifest: %w", err)
			}
		} else {
			return fmt.Errorf("failed to check store manifest: %w", err)
		}
	}

	return nil
}

// Keystore document operations

func (s3s *S3Store) SaveKeystore(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("keystore data cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.getKeystoreObjectName()

	putOptions := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"Created-At": time.Now().Format(time.RFC3339),
		},
	}

	// Handle versioning if expectedVersion is provided
	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
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

		// Set if-match condition for atomic update
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			currentVersion, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveKeystore",
			}
		}
		return "", fmt.Errorf("failed to save keystore: %w", err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) LoadKeystore() (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.getKeystoreObjectName()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("keystore not found")
		}
		return nil, fmt.Errorf("failed to load keystore: %w", err)
	}
	defer object.Close()

	keystoreBytes, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("keystore not found")
		}
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get keystore info: %w", err)
	}

	// Parse timestamp from metadata, fallback to LastModified
	var timestamp time.Time
	if createdAt, exists := objectInfo.UserMetadata["Created-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}

	if timestamp.IsZero() {
		timestamp = objectInfo.LastModified
	}

	return &VersionedData{
		Data:      keystoreBytes,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) KeystoreExists() (bool, error) {
	objectName := s3s.getKeystoreObjectName()

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check keystore existence: %w", err)
	}

	return true, nil
}

// Migration safety copies

func (s3s *S3Store) SaveMigrationBackup(label string, data []byte) error {
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

	if !strings.HasSuffix(label, ".json") {
		label += ".json"
	}
	objectName := s3s.buildUserPath("migrations", label)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: createKeystoreMetadata(s3s.userID),
		})
	if err != nil {
		return fmt.Errorf("failed to save migration backup: %w", err)
	}

	return nil
}

func (s3s *S3Store) ListMigrationBackups() ([]string, error) {
	prefix := s3s.buildUserPath("migrations") + "/"

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var labels []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list migration backups: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		labels = append(labels, strings.TrimPrefix(object.Key, prefix))
	}

	sort.Strings(labels)
	return labels, nil
}

// Export operations

func (s3s *S3Store) SaveExport(filename string, container *ExportContainer) error {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return fmt.Errorf("export filename cannot be empty")
	}

	if container.UserID == "" {
		container.UserID = s3s.userID
	}

	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal export container: %w", err)
	}

	if !strings.HasSuffix(filename, ".json") {
		filename += ".json"
	}
	objectPath := s3s.buildUserPath("exports", filename)

	// Use consistent lowercase-hyphen keys for maximum portability across S3 backends
	metadata := map[string]string{
		"export-id":      container.ExportID,
		"format-version": container.FormatVersion,
		"checksum":       container.Checksum,
		"user-id":        container.UserID,
		"device-id":      container.DeviceID,
		"device-name":    container.DeviceName,
		"exported-at":    container.ExportedAt.Format(time.RFC3339),
	}

	debug.Print("SaveExport: saving to path: %s\n", objectPath)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectPath,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: metadata,
		})
	if err != nil {
		return fmt.Errorf("failed to save export to S3: %w", err)
	}

	return nil
}

func (s3s *S3Store) LoadExport(filename string) (*ExportContainer, error) {
	if filename == "" {
		return nil, fmt.Errorf("export filename cannot be empty")
	}

	if !strings.HasSuffix(filename, ".json") {
		filename += ".json"
	}
	objectName := s3s.buildUserPath("exports", filename)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("export '%s' not found for user %s", filename, s3s.userID)
		}
		return nil, fmt.Errorf("failed to get export: %w", err)
	}
	defer object.Close()

	containerData, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("export '%s' not found for user %s", filename, s3s.userID)
		}
		return nil, fmt.Errorf("failed to read export container: %w", err)
	}

	var container ExportContainer
	if err := json.Unmarshal(containerData, &container); err != nil {
		return nil, fmt.Errorf("failed to parse export container: %w", err)
	}

	if container.ExportID == "" {
		return nil, fmt.Errorf("invalid export: missing export ID")
	}

	if container.EncryptedData == "" {
		return nil, fmt.Errorf("invalid export: missing encrypted data")
	}

	// Verify payload integrity before handing the container up
	encryptedData, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("invalid export: bad base64 payload: %w", err)
	}
	if crypto.CalculateChecksum(encryptedData) != container.Checksum {
		return nil, fmt.Errorf("invalid export: checksum mismatch")
	}

	return &container, nil
}

func (s3s *S3Store) DeleteExport(filename string) error {
	if filename == "" {
		return fmt.Errorf("export filename cannot be empty")
	}

	if !strings.HasSuffix(filename, ".json") {
		filename += ".json"
	}
	objectName := s3s.buildUserPath("exports", filename)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return fmt.Errorf("failed to delete export '%s': %w", filename, err)
		}
	}

	return nil
}

func (s3s *S3Store) ListExports() ([]ExportInfo, error) {
	prefix := s3s.buildUserPath("exports") + "/"

	debug.Print("ListExports: looking for exports with prefix: %s\n", prefix)

	var exports []ExportInfo

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix: prefix,
	})

	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}

		if !strings.HasSuffix(object.Key, ".json") {
			continue
		}

		// Use StatObject to get metadata (ListObjects doesn't include user metadata)
		statInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, object.Key, minio.StatObjectOptions{})
		if err != nil {
			debug.Print("ListExports: failed to stat object %s: %v\n", object.Key, err)
			continue
		}

		info := s3s.getExportInfoFromMetadata(minio.ObjectInfo{
			Key:          statInfo.Key,
			LastModified: statInfo.LastModified,
			Size:         statInfo.Size,
			ContentType:  statInfo.ContentType,
			UserMetadata: statInfo.UserMetadata,
		})

		exports = append(exports, *info)
	}

	return exports, nil
}

// Rotation lock

// AcquireRotationLock takes the per-user rotation lock using a lock object.
// Take-over of an expired lock uses an ETag precondition so two reclaiming
// processes cannot both win.
func (s3s *S3Store) AcquireRotationLock(holderID string, ttl time.Duration) (*LockRecord, error) {
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

	objectName := s3s.getLockObjectName()

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	existing, existingETag, err := s3s.readLockRecord(ctx, objectName)
	if err != nil {
		return nil, err
	}

	putOptions := minio.PutObjectOptions{ContentType: "application/json"}

	if existing != nil {
		if !existing.Expired(now) && existing.HolderID != holderID {
			return nil, LockHeldError{HolderID: existing.HolderID, ExpiresAt: existing.ExpiresAt}
		}
		// Refresh or take-over must replace exactly the record we inspected
		putOptions.SetMatchETag(existingETag)
	}

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			current, _, _ := s3s.readLockRecord(ctx, objectName)
			if current != nil {
				return nil, LockHeldError{HolderID: current.HolderID, ExpiresAt: current.ExpiresAt}
			}
			return nil, fmt.Errorf("rotation lock changed while acquiring")
		}
		return nil, fmt.Errorf("failed to write lock object: %w", err)
	}

	return record, nil
}

// ReleaseRotationLock releases the rotation lock if holderID owns it
func (s3s *S3Store) ReleaseRotationLock(holderID string) error {
	objectName := s3s.getLockObjectName()

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	existing, _, err := s3s.readLockRecord(ctx, objectName)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil // Already released
	}

	if existing.HolderID != holderID {
		return fmt.Errorf("rotation lock is not held by %s", holderID)
	}

	err = s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return fmt.Errorf("failed to remove lock object: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) readLockRecord(ctx context.Context, objectName string) (*LockRecord, string, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to get lock object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to read lock object: %w", err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("failed to stat lock object: %w", err)
	}

	var record LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// Unreadable lock records are treated as stale so a corrupt object
		// cannot block rotation forever.
		debug.Print("readLockRecord: replacing unreadable lock: %v\n", err)
		return &LockRecord{ExpiresAt: time.Time{}}, s3s.cleanETag(objectInfo.ETag), nil
	}

	return &record, s3s.cleanETag(objectInfo.ETag), nil
}

// Health and utilities
func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	// Update last access time in the manifest (mirrors FileSystemStore)
	objectName := s3s.buildUserPath("store.json")

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err == nil {
		defer object.Close()

		if manifestData, err := io.ReadAll(object); err == nil {
			var manifest StoreManifest
			if err := json.Unmarshal(manifestData, &manifest); err == nil {
				manifest.LastAccess = time.Now().UTC()

				if updatedData, err := json.MarshalIndent(manifest, "", "  "); err == nil {
					_, _ = s3s.client.PutObject(
						ctx,
						s3s.bucketName,
						objectName,
						bytes.NewReader(updatedData),
						int64(len(updatedData)),
						minio.PutObjectOptions{
							ContentType:  "application/json",
							UserMetadata: createKeystoreMetadata(s3s.userID),
						},
					)
				}
			}
		}
	}
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// Helper methods
func (s3s *S3Store) buildUserPath(components ...string) string {
	var parts []string

	if s3s.keyPrefix != "" {
		// Clean the key prefix - remove leading/trailing slashes
		cleanPrefix := strings.Trim(s3s.keyPrefix, "/")
		if cleanPrefix != "" {
			parts = append(parts, cleanPrefix)
		}
	}

	if s3s.userID != "" {
		parts = append(parts, s3s.userID)
	}

	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getExportInfoFromMetadata(object minio.ObjectInfo) *ExportInfo {
	// Helper function for case-insensitive metadata lookup
	getMetadata := func(metadataMap map[string]string, key string) string {
		searchKey := strings.ToLower(strings.ReplaceAll(key, "_", "-"))

		for k, v := range metadataMap {
			normalizedKey := strings.ToLower(strings.ReplaceAll(k, "_", "-"))
			if normalizedKey == searchKey {
				return v
			}
		}
		return ""
	}

	exportID := getMetadata(object.UserMetadata, "export-id")
	formatVersion := getMetadata(object.UserMetadata, "format-version")
	userID := getMetadata(object.UserMetadata, "user-id")
	deviceID := getMetadata(object.UserMetadata, "device-id")
	deviceName := getMetadata(object.UserMetadata, "device-name")
	checksum := getMetadata(object.UserMetadata, "checksum")
	timestampStr := getMetadata(object.UserMetadata, "exported-at")

	var exportedAt time.Time
	if timestampStr != "" {
		if parsed, err := time.Parse(time.RFC3339, timestampStr); err == nil {
			exportedAt = parsed
		} else {
			exportedAt = object.LastModified
		}
	} else {
		exportedAt = object.LastModified
	}

	if exportID == "" {
		exportID = extractExportIDFromPath(object.Key)
	}
	if userID == "" {
		userID = s3s.userID
	}

	return &ExportInfo{
		ExportID:      exportID,
		ExportedAt:    exportedAt,
		UserID:        userID,
		DeviceID:      deviceID,
		DeviceName:    deviceName,
		FormatVersion: formatVersion,
		FileSize:      object.Size,
		IsValid:       exportID != "" && checksum != "",
		Checksum:      checksum,
		StorePath:     object.Key,
	}
}

// Helper function to extract an export ID from the object key when metadata
// is missing
func extractExportIDFromPath(objectKey string) string {
	parts := strings.Split(objectKey, "/")
	if len(parts) == 0 {
		return "unknown"
	}

	filename := parts[len(parts)-1]
	return strings.TrimSuffix(filename, ".json")
}

// Helper methods for version management
func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	// Remove quotes from ETag
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	if minioErr := minio.ToErrorResponse(err); minioErr.Code == "PreconditionFailed" {
		return true
	}
	return false
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}

func (s3s *S3Store) getKeystoreObjectName() string {
	return s3s.buildUserPath("keystore.json")
}

func (s3s *S3Store) getLockObjectName() string {
	return s3s.buildUserPath("rotation.lock")
}
