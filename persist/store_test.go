package persist

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Player420/OnestarStream1.0-sub001/internal/crypto"
)

const testUser = "test-user"

// buildTestContainer returns a structurally valid export container whose
// checksum matches its payload.
func buildTestContainer(exportID string) *ExportContainer {
	payload := []byte("sealed-keypair-payload-" + exportID)
	return &ExportContainer{
		ExportID:         exportID,
		FormatVersion:    "1.0",
		KeystoreVersion:  4,
		ExportedAt:       time.Now().UTC(),
		UserID:           testUser,
		DeviceID:         "device-test-1",
		DeviceName:       "Test Laptop",
		EncryptionMethod: "pbkdf2-sha256+aes-256-gcm",
		Salt:             []byte("export-salt-0123"),
		Iterations:       1000,
		Checksum:         crypto.CalculateChecksum(payload),
		Signature:        base64.StdEncoding.EncodeToString([]byte("test-signature")),
		EncryptedData:    base64.StdEncoding.EncodeToString(payload),
	}
}

// Test the common Store functionality. Every backend implementation runs
// this suite against a fresh store.
func testStoreImplementation(t *testing.T, store Store) {
	keystoreData := []byte(`{"version":4,"userId":"test-user","salt":"c2FsdA=="}`)

	// Health and connectivity
	t.Run("Ping", func(t *testing.T) {
		err := store.Ping()
		assert.NoError(t, err, "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
		t.Logf("Store type: %s", storeType)
	})

	// Keystore document lifecycle
	var keystoreVersion string
	t.Run("KeystoreLifecycle", func(t *testing.T) {
		exists, err := store.KeystoreExists()
		require.NoError(t, err)
		assert.False(t, exists, "Fresh store should have no keystore")

		data, err := store.LoadKeystore()
		assert.Error(t, err, "Loading a nonexistent keystore should return error")
		assert.Nil(t, data, "Data should be nil when error occurs")

		version, err := store.SaveKeystore(keystoreData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		keystoreVersion = version

		exists, err = store.KeystoreExists()
		require.NoError(t, err)
		assert.True(t, exists, "Keystore should exist after saving")

		versionedData, err := store.LoadKeystore()
		require.NoError(t, err)
		require.NotNil(t, versionedData)
		assert.Equal(t, keystoreData, versionedData.Data, "Loaded keystore should match saved keystore")
		assert.Equal(t, keystoreVersion, versionedData.Version, "Version should match")
		assert.False(t, versionedData.Timestamp.IsZero(), "Timestamp should be set")
	})

	t.Run("SaveEmptyKeystore", func(t *testing.T) {
		_, err := store.SaveKeystore(nil, "")
		assert.Error(t, err, "Should reject an empty keystore document")
	})

	// Optimistic concurrency control
	t.Run("OptimisticLocking", func(t *testing.T) {
		t.Run("VersionConflict", func(t *testing.T) {
			version1, err := store.SaveKeystore(keystoreData, "")
			require.NoError(t, err)

			modified := []byte(`{"version":4,"userId":"test-user","updated":true}`)
			version2, err := store.SaveKeystore(modified, version1)
			require.NoError(t, err)
			require.NotEqual(t, version1, version2)

			// Writing against the superseded version must fail.
			stale := []byte(`{"version":4,"userId":"test-user","stale":true}`)
			_, err = store.SaveKeystore(stale, version1)
			require.Error(t, err, "Should return an error for version conflict")

			var conflict ConcurrencyError
			require.ErrorAs(t, err, &conflict, "Error should be a ConcurrencyError")
			assert.Equal(t, version1, conflict.ExpectedVersion)
			assert.Equal(t, version2, conflict.ActualVersion)
			assert.Equal(t, "SaveKeystore", conflict.Operation)

			// The conflicting write must not have altered the document.
			loaded, err := store.LoadKeystore()
			require.NoError(t, err)
			assert.Equal(t, modified, loaded.Data, "Conflicting write should not change the document")
		})

		t.Run("SequentialUpdates", func(t *testing.T) {
			currentVersion := ""
			for i := 0; i < 5; i++ {
				updateData := []byte(fmt.Sprintf(`{"version":4,"userId":"test-user","seq":%d}`, i))
				newVersion, err := store.SaveKeystore(updateData, currentVersion)
				require.NoError(t, err, "Update %d should succeed", i)
				assert.NotEqual(t, currentVersion, newVersion, "Version should change on update %d", i)
				currentVersion = newVersion

				loaded, err := store.LoadKeystore()
				require.NoError(t, err)
				assert.Equal(t, updateData, loaded.Data, "Data should match for update %d", i)
				assert.Equal(t, newVersion, loaded.Version, "Version should match for update %d", i)
			}
		})
	})

	// Migration safety copies
	t.Run("MigrationBackups", func(t *testing.T) {
		t.Run("SaveAndList", func(t *testing.T) {
			require.NoError(t, store.SaveMigrationBackup("keystore-v3-20240201T120000Z", keystoreData))
			require.NoError(t, store.SaveMigrationBackup("keystore-v2-20240101T120000Z", keystoreData))

			labels, err := store.ListMigrationBackups()
			require.NoError(t, err)
			require.Len(t, labels, 2, "Should list both migration copies")
			assert.Equal(t, "keystore-v2-20240101T120000Z.json", labels[0], "Copies should be listed oldest first")
			assert.Equal(t, "keystore-v3-20240201T120000Z.json", labels[1])
		})

		t.Run("InvalidLabels", func(t *testing.T) {
			badLabels := []string{"", "  ", "up/down", "back\\slash", "dot..dot", "nul\x00byte"}
			for _, label := range badLabels {
				err := store.SaveMigrationBackup(label, keystoreData)
				assert.Error(t, err, "Label %q should be rejected", label)
			}
			err := store.SaveMigrationBackup("keystore-v2-legit", nil)
			assert.Error(t, err, "Empty backup data should be rejected")
		})
	})

	// Export bundles
	t.Run("ExportBundles", func(t *testing.T) {
		container := buildTestContainer("export-001")

		t.Run("SaveAndLoad", func(t *testing.T) {
			require.NoError(t, store.SaveExport("bundle-alpha", container))

			restored, err := store.LoadExport("bundle-alpha")
			require.NoError(t, err)
			require.NotNil(t, restored)
			assert.Equal(t, container.ExportID, restored.ExportID)
			assert.Equal(t, container.UserID, restored.UserID)
			assert.Equal(t, container.DeviceID, restored.DeviceID)
			assert.Equal(t, container.EncryptionMethod, restored.EncryptionMethod)
			assert.Equal(t, container.Checksum, restored.Checksum)
			assert.Equal(t, container.Signature, restored.Signature)
			assert.Equal(t, container.EncryptedData, restored.EncryptedData)
		})

		t.Run("List", func(t *testing.T) {
			exports, err := store.ListExports()
			require.NoError(t, err)
			require.NotEmpty(t, exports, "Should have at least one export after saving")

			found := false
			for _, export := range exports {
				if export.ExportID == container.ExportID {
					found = true
					assert.Equal(t, container.UserID, export.UserID)
					assert.Equal(t, container.DeviceName, export.DeviceName)
					assert.True(t, export.IsValid, "Export should be marked as valid")
					assert.Greater(t, export.FileSize, int64(0), "File size should be greater than 0")
					break
				}
			}
			assert.True(t, found, "Saved export should be found in export list")
		})

		t.Run("CorruptedPayload", func(t *testing.T) {
			corrupted := buildTestContainer("export-002")
			corrupted.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
			require.NoError(t, store.SaveExport("bundle-corrupt", corrupted))

			_, err := store.LoadExport("bundle-corrupt")
			assert.Error(t, err, "Loading a bundle with a bad checksum should fail")

			exports, err := store.ListExports()
			require.NoError(t, err)
			for _, export := range exports {
				if export.ExportID == corrupted.ExportID {
					assert.False(t, export.IsValid, "Corrupted export should be flagged invalid in listing")
				}
			}

			require.NoError(t, store.DeleteExport("bundle-corrupt"))
		})

		t.Run("Delete", func(t *testing.T) {
			require.NoError(t, store.DeleteExport("bundle-alpha"))

			_, err := store.LoadExport("bundle-alpha")
			assert.Error(t, err, "Deleted export should not load")

			err = store.DeleteExport("bundle-alpha")
			assert.Error(t, err, "Deleting a nonexistent export should return error")
		})

		t.Run("LoadNonexistent", func(t *testing.T) {
			_, err := store.LoadExport("never-saved")
			assert.Error(t, err, "Loading a nonexistent export should return error")
		})
	})

	// Rotation lock
	t.Run("RotationLock", func(t *testing.T) {
		t.Run("AcquireAndRelease", func(t *testing.T) {
			record, err := store.AcquireRotationLock("holder-a", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, record)
			assert.Equal(t, RotationLockName, record.Name)
			assert.Equal(t, "holder-a", record.HolderID)
			assert.True(t, record.ExpiresAt.After(record.AcquiredAt), "Expiry should be after acquisition")

			require.NoError(t, store.ReleaseRotationLock("holder-a"))
			// Releasing an already-released lock is not an error.
			require.NoError(t, store.ReleaseRotationLock("holder-a"))
		})

		t.Run("Contention", func(t *testing.T) {
			_, err := store.AcquireRotationLock("holder-a", time.Minute)
			require.NoError(t, err)

			_, err = store.AcquireRotationLock("holder-b", time.Minute)
			require.Error(t, err, "Second holder should be refused")

			var held LockHeldError
			require.ErrorAs(t, err, &held, "Error should be a LockHeldError")
			assert.Equal(t, "holder-a", held.HolderID)
			assert.False(t, held.ExpiresAt.IsZero())

			err = store.ReleaseRotationLock("holder-b")
			assert.Error(t, err, "Non-holder should not release the lock")

			require.NoError(t, store.ReleaseRotationLock("holder-a"))
		})

		t.Run("SameHolderRefresh", func(t *testing.T) {
			first, err := store.AcquireRotationLock("holder-a", time.Minute)
			require.NoError(t, err)

			refreshed, err := store.AcquireRotationLock("holder-a", 2*time.Minute)
			require.NoError(t, err, "Holder should be able to refresh its own lock")
			assert.True(t, refreshed.ExpiresAt.After(first.ExpiresAt), "Refresh should extend the expiry")

			require.NoError(t, store.ReleaseRotationLock("holder-a"))
		})

		t.Run("ExpiredTakeover", func(t *testing.T) {
			_, err := store.AcquireRotationLock("crashed-holder", 50*time.Millisecond)
			require.NoError(t, err)

			time.Sleep(80 * time.Millisecond)

			record, err := store.AcquireRotationLock("holder-b", time.Minute)
			require.NoError(t, err, "Expired lock should be reclaimable")
			assert.Equal(t, "holder-b", record.HolderID)

			require.NoError(t, store.ReleaseRotationLock("holder-b"))
		})

		t.Run("InvalidArguments", func(t *testing.T) {
			_, err := store.AcquireRotationLock("", time.Minute)
			assert.Error(t, err, "Empty holder ID should be rejected")

			_, err = store.AcquireRotationLock("holder-a", 0)
			assert.Error(t, err, "Non-positive TTL should be rejected")
		})
	})

	// Concurrent access
	t.Run("ConcurrentOperations", func(t *testing.T) {
		_, err := store.SaveKeystore(keystoreData, "")
		require.NoError(t, err, "Initial save should succeed")

		var wg sync.WaitGroup
		errs := make(chan error, 20)

		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				data := []byte(fmt.Sprintf(`{"version":4,"userId":"test-user","writer":%d}`, id))
				if _, err := store.SaveKeystore(data, ""); err != nil {
					errs <- err
				}
			}(i)
		}

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.LoadKeystore(); err != nil {
					errs <- err
				}
			}()
		}

		wg.Wait()
		close(errs)

		var errorList []error
		for err := range errs {
			errorList = append(errorList, err)
		}
		require.Empty(t, errorList, "Concurrent operations should not fail: %v", errorList)
	})

	t.Run("Close", func(t *testing.T) {
		err := store.Close()
		assert.NoError(t, err, "Store should close without error")
	})
}

// Helper to create a fresh store for tests that need pristine state.
func createFreshTestStore(t *testing.T, testName string) Store {
	userID := fmt.Sprintf("%s-user", testName)
	store, err := NewFileSystemStore(t.TempDir(), userID)
	require.NoError(t, err, "NewFileSystemStore should succeed")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Keep errors.Is working for wrapped concurrency failures surfaced through
// upper layers.
func TestConcurrencyErrorWrapping(t *testing.T) {
	inner := ConcurrencyError{ExpectedVersion: "a", ActualVersion: "b", Operation: "SaveKeystore"}
	wrapped := fmt.Errorf("persist failed: %w", inner)

	var conflict ConcurrencyError
	require.True(t, errors.As(wrapped, &conflict))
	assert.Equal(t, "a", conflict.ExpectedVersion)
	assert.Contains(t, wrapped.Error(), "version conflict")
}
