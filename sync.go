package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
	"github.com/Player420/OnestarStream1.0-sub001/persist"
)

// ImportResult describes a completed import, including the merge statistics
// recorded in the sync ledger.
type ImportResult struct {
	ImportID         string     `json:"importId"`
	Filename         string     `json:"filename"`
	SourceDeviceID   string     `json:"sourceDeviceId"`
	SourceDeviceName string     `json:"sourceDeviceName"`
	ExportedAt       time.Time  `json:"exportedAt"`
	Stats            MergeStats `json:"stats"`
	DurationMs       int64      `json:"durationMs"`
}

// SyncStatus is a read-only summary of this device's sync state, derived
// entirely from the keystore's ledgers. Safe to poll at any lock state.
type SyncStatus struct {
	DeviceID      string     `json:"deviceId"`
	DeviceName    string     `json:"deviceName"`
	LastSyncedAt  *time.Time `json:"lastSyncedAt,omitempty"`
	ExportCount   int        `json:"exportCount"`
	ImportCount   int        `json:"importCount"`
	KnownDevices  int        `json:"knownDevices"`
	RotationCount int        `json:"rotationCount"`
}

// DeviceInfo describes one device observed in the sync ledger.
type DeviceInfo struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Local      bool      `json:"local"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
	SyncCount  int       `json:"syncCount"`
}

// ImportKeystore reads an exported bundle, verifies and decrypts it with the
// export password, and merges it into the local keystore.
//
// The vault must be unlocked: keypairs adopted from the bundle are re-sealed
// under this device's session key. The import holds the cross-device rotation
// lock for its duration, so an import and a rotation can never interleave.
//
// Verification failures are classified before any merge work happens:
// ErrTamperedExport for a bundle whose envelope or payload fails integrity
// checks, ErrAuth for a wrong export password, ErrIdentityMismatch /
// ErrDowngradeAttack / ErrReplayAttack for bundles the merge refuses. All
// rejections leave the local keystore byte-identical to its pre-import state
// and are recorded in the audit trail.
//
// Parameters:
//   - ctx: checked before the merged keystore is committed; cancellation
//     aborts with no local changes
//   - filename: bundle filename as returned by ExportKeystore
//   - exportPassword: the password the bundle was exported with
func (v *Vault) ImportKeystore(ctx context.Context, filename, exportPassword string) (*ImportResult, error) {
	start := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}
	if v.ks == nil {
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}
	if v.state != StateUnlocked {
		return nil, ErrVaultLocked
	}
	if filename == "" {
		return nil, errors.New("import filename is required")
	}

	// Imports are structural mutations just like rotations, so they contend
	// for the same cross-device lock.
	if _, err := v.store.AcquireRotationLock(v.instanceID, v.options.RotationLockTTL); err != nil {
		var held persist.LockHeldError
		if errors.As(err, &held) {
			_ = v.audit.Log("keystore_import", false, map[string]interface{}{
				"filename":    filename,
				"error":       "lock contention",
				"lock_holder": held.HolderID,
			})
			return nil, fmt.Errorf("%w: rotation lock held by %s until %s",
				ErrLockContention, held.HolderID, held.ExpiresAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("failed to acquire rotation lock: %w", err)
	}
	defer func() {
		if err := v.store.ReleaseRotationLock(v.instanceID); err != nil {
			_ = v.audit.Log("rotation_lock_release_failed", false, map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	container, err := v.store.LoadExport(filename)
	if err != nil {
		if misc.IsNotFoundError(err) {
			return nil, fmt.Errorf("export bundle %s not found", filename)
		}
		return nil, fmt.Errorf("failed to load export bundle %s: %w", filename, err)
	}

	// Fast identity check on the cleartext envelope. The authoritative check
	// runs again inside the merge against the decrypted payload, so a forged
	// envelope buys an attacker nothing.
	if container.UserID != v.ks.UserID {
		v.rejectImportLocked(filename, container, ErrIdentityMismatch)
		return nil, fmt.Errorf("%w: bundle was exported for a different user", ErrIdentityMismatch)
	}

	payload, err := openExportContainer(container, exportPassword)
	if err != nil {
		v.rejectImportLocked(filename, container, err)
		return nil, err
	}
	defer payload.wipe()

	src := mergeSource{
		DeviceID:   container.DeviceID,
		DeviceName: container.DeviceName,
		Signature:  container.Signature,
	}
	merged, stats, err := mergeKeystores(v.ks, payload, src, newSessionEncryptor(v.sessionKey))
	if err != nil {
		v.rejectImportLocked(filename, container, err)
		return nil, err
	}

	// Checkpoint: nothing local has changed yet, so cancellation here is
	// free.
	if err := ctx.Err(); err != nil {
		_ = v.audit.Log("keystore_import", false, map[string]interface{}{
			"filename": filename,
			"error":    "cancelled before commit",
		})
		return nil, fmt.Errorf("import cancelled before commit: %w", err)
	}

	old := v.ks
	v.ks = merged
	if err := v.persistLocked(); err != nil {
		v.ks = old
		_ = v.audit.Log("keystore_import", false, map[string]interface{}{
			"filename": filename,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("failed to persist merged keystore: %w", err)
	}

	importID := ""
	if n := len(v.ks.SyncHistory); n > 0 {
		importID = v.ks.SyncHistory[n-1].SyncID
	}
	durationMs := time.Since(start).Milliseconds()

	_ = v.audit.Log("keystore_import", true, map[string]interface{}{
		"import_id":          importID,
		"filename":           filename,
		"source_device_id":   container.DeviceID,
		"source_device_name": container.DeviceName,
		"keypairs_updated":   stats.KeypairsUpdated,
		"previous_merged":    stats.PreviousKeypairsMerged,
		"rotations_merged":   stats.RotationHistoryMerged,
		"conflicts_resolved": stats.ConflictsResolved,
		"duration_ms":        durationMs,
	})

	return &ImportResult{
		ImportID:         importID,
		Filename:         filename,
		SourceDeviceID:   container.DeviceID,
		SourceDeviceName: container.DeviceName,
		ExportedAt:       container.ExportedAt,
		Stats:            *stats,
		DurationMs:       durationMs,
	}, nil
}

// rejectImportLocked records a refused bundle in the audit trail. Security
// rejections get their own action so monitoring can alert on them without
// parsing failure reasons out of ordinary import errors.
func (v *Vault) rejectImportLocked(filename string, container *persist.ExportContainer, cause error) {
	action := "keystore_import"
	switch {
	case errors.Is(cause, ErrTamperedExport),
		errors.Is(cause, ErrIdentityMismatch),
		errors.Is(cause, ErrDowngradeAttack),
		errors.Is(cause, ErrReplayAttack):
		action = "import_rejected"
	}
	_ = v.audit.Log(action, false, map[string]interface{}{
		"filename":         filename,
		"export_id":        container.ExportID,
		"source_device_id": container.DeviceID,
		"error_code":       ErrorCode(cause),
		"error":            cause.Error(),
	})
}

// GetSyncStatus summarizes sync state from the keystore's ledgers. Works at
// any lock state and performs no cryptographic operations.
func (v *Vault) GetSyncStatus() (*SyncStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}
	if v.ks == nil {
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}

	status := &SyncStatus{
		DeviceID:      v.ks.DeviceID,
		DeviceName:    v.ks.DeviceName,
		RotationCount: len(v.ks.RotationHistory),
	}
	if v.ks.LastSyncedAt != nil {
		ts := *v.ks.LastSyncedAt
		status.LastSyncedAt = &ts
	}

	devices := make(map[string]struct{})
	for _, rec := range v.ks.SyncHistory {
		switch rec.SyncType {
		case SyncTypeExport:
			status.ExportCount++
		case SyncTypeImport:
			status.ImportCount++
		}
		if rec.SourceDeviceID != "" && rec.SourceDeviceID != v.ks.DeviceID {
			devices[rec.SourceDeviceID] = struct{}{}
		}
	}
	status.KnownDevices = len(devices)

	return status, nil
}

// ListSyncedDevices returns every device observed in the sync ledger,
// including this one, most recently seen first.
func (v *Vault) ListSyncedDevices() ([]DeviceInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}
	if v.ks == nil {
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}

	byID := map[string]*DeviceInfo{
		v.ks.DeviceID: {
			DeviceID:   v.ks.DeviceID,
			DeviceName: v.ks.DeviceName,
			Local:      true,
			FirstSeen:  v.ks.DeviceCreatedAt,
			LastSeen:   v.ks.DeviceCreatedAt,
		},
	}

	observe := func(id, name string, at time.Time) {
		if id == "" {
			return
		}
		info, ok := byID[id]
		if !ok {
			info = &DeviceInfo{DeviceID: id, FirstSeen: at, LastSeen: at}
			byID[id] = info
		}
		if name != "" {
			info.DeviceName = name
		}
		if at.Before(info.FirstSeen) {
			info.FirstSeen = at
		}
		if at.After(info.LastSeen) {
			info.LastSeen = at
		}
		info.SyncCount++
	}

	for _, rec := range v.ks.SyncHistory {
		observe(rec.SourceDeviceID, rec.SourceDeviceName, rec.Timestamp)
	}

	out := make([]DeviceInfo, 0, len(byID))
	for _, info := range byID {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].DeviceID < out[j].DeviceID
	})

	return out, nil
}
