package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
)

// The migration chain upgrades older keystore documents to the current
// schema on load. Steps are purely additive: no field from a prior version
// is ever dropped, and re-running a step on an already-upgraded document
// changes nothing. Each step backs up the pre-migration document first so
// a bad upgrade can always be undone by hand.
//
// Schema history:
//
//	v2  original layout: userId, salt, iterations, currentKeypair and an
//	    optional previousKeypairs list.
//	v3  adds the rotation ledger: rotationHistory, rotationPolicy, and
//	    retirement metadata on previous keypairs.
//	v4  adds device identity and sync state: deviceId, deviceName,
//	    platform, deviceCreatedAt, syncHistory, vaultSettings.
type migrationStep struct {
	from  int
	to    int
	apply func(doc map[string]interface{}) error
}

var migrationChain = []migrationStep{
	{from: 2, to: 3, apply: migrateV2toV3},
	{from: 3, to: 4, apply: migrateV3toV4},
}

// migrateDocument upgrades raw to the current schema version, invoking
// saveBackup with a dated label before each applied step. Documents already
// at the current version are returned unchanged. Versions outside the
// migratable window surface as ErrCorruptKeystore.
func migrateDocument(raw []byte, saveBackup func(label string, data []byte) error) ([]byte, int, error) {
	version, err := peekVersion(raw)
	if err != nil {
		return nil, 0, err
	}

	if version == misc.KeystoreVersion {
		return raw, version, nil
	}
	if version < misc.OldestMigratableVersion || version > misc.KeystoreVersion {
		return nil, version, fmt.Errorf("%w: unsupported keystore version %d", ErrCorruptKeystore, version)
	}

	current := raw
	for _, step := range migrationChain {
		stepVersion, err := peekVersion(current)
		if err != nil {
			return nil, version, err
		}
		if stepVersion != step.from {
			continue
		}

		if saveBackup != nil {
			label := migrationBackupLabel(step.from)
			if err := saveBackup(label, current); err != nil {
				return nil, version, fmt.Errorf("failed to back up keystore before v%d migration: %w", step.from, err)
			}
		}

		var doc map[string]interface{}
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, version, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
		}

		if err := step.apply(doc); err != nil {
			return nil, version, fmt.Errorf("v%d migration failed: %w", step.from, err)
		}
		doc["version"] = step.to

		current, err = json.Marshal(doc)
		if err != nil {
			return nil, version, fmt.Errorf("failed to serialize migrated keystore: %w", err)
		}
	}

	return current, version, nil
}

func migrationBackupLabel(fromVersion int) string {
	return fmt.Sprintf("keystore-v%d-%s", fromVersion, time.Now().UTC().Format("20060102T150405Z"))
}

// migrateV2toV3 introduces the rotation ledger.
func migrateV2toV3(doc map[string]interface{}) error {
	if _, ok := doc["rotationHistory"]; !ok {
		doc["rotationHistory"] = []interface{}{}
	}

	if _, ok := doc["rotationPolicy"]; !ok {
		doc["rotationPolicy"] = map[string]interface{}{
			"mode":         RotationModeInterval,
			"intervalDays": DefaultRotationIntervalDays,
		}
	}

	prev, ok := doc["previousKeypairs"].([]interface{})
	if !ok {
		doc["previousKeypairs"] = []interface{}{}
		return nil
	}

	// Previous keypairs predating the ledger get retirement metadata
	// derived from what the record already carries.
	for _, entry := range prev {
		rec, ok := entry.(map[string]interface{})
		if !ok {
			return fmt.Errorf("previous keypair entry is not an object")
		}
		if _, ok := rec["retiredAt"]; !ok {
			if createdAt, ok := rec["createdAt"]; ok {
				rec["retiredAt"] = createdAt
			} else {
				rec["retiredAt"] = time.Unix(0, 0).UTC().Format(time.RFC3339)
			}
		}
		if _, ok := rec["reason"]; !ok {
			rec["reason"] = "pre-ledger rotation"
		}
	}

	return nil
}

// migrateV3toV4 introduces device identity and sync state.
func migrateV3toV4(doc map[string]interface{}) error {
	if _, ok := doc["deviceId"]; !ok {
		doc["deviceId"] = uuid.NewString()
	}

	if _, ok := doc["deviceName"]; !ok {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-device"
		}
		doc["deviceName"] = host
	}

	if _, ok := doc["platform"]; !ok {
		doc["platform"] = runtime.GOOS
	}

	now := time.Now().UTC().Format(time.RFC3339)

	if _, ok := doc["deviceCreatedAt"]; !ok {
		doc["deviceCreatedAt"] = now
	}

	if _, ok := doc["syncHistory"]; !ok {
		doc["syncHistory"] = []interface{}{}
	}

	if _, ok := doc["vaultSettings"]; !ok {
		settings := defaultVaultSettings()
		doc["vaultSettings"] = map[string]interface{}{
			"autoLockMinutes":  settings.AutoLockMinutes,
			"lockOnSleep":      settings.LockOnSleep,
			"lockOnScreenLock": settings.LockOnScreenLock,
		}
	}

	if _, ok := doc["createdAt"]; !ok {
		// Prefer the oldest record timestamp the document already carries.
		if current, ok := doc["currentKeypair"].(map[string]interface{}); ok {
			if createdAt, ok := current["createdAt"]; ok {
				doc["createdAt"] = createdAt
			}
		}
		if _, ok := doc["createdAt"]; !ok {
			doc["createdAt"] = now
		}
	}
	if _, ok := doc["updatedAt"]; !ok {
		doc["updatedAt"] = now
	}

	return nil
}
