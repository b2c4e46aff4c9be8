package keystore

import (
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
)

// Rotation policy modes.
const (
	RotationModeManual   = "manual"
	RotationModeInterval = "interval"
)

// Sync record types.
const (
	SyncTypeExport = "export"
	SyncTypeImport = "import"
)

// DefaultRotationIntervalDays drives nextDue computation for interval mode.
const DefaultRotationIntervalDays = 90

// EncryptedKeypairRecord is one generation of the hybrid keypair at rest.
// The blob holds the serialized private halves sealed under the
// password-derived key; everything else is cleartext metadata.
type EncryptedKeypairRecord struct {
	KeyID                string           `json:"keyId"`
	PublicKey            hybrid.PublicKey `json:"publicKey"`
	EncryptedKeypairBlob []byte           `json:"encryptedKeypairBlob"`
	Nonce                []byte           `json:"iv"`
	CreatedAt            time.Time        `json:"createdAt"`
}

// RetiredKeypairRecord is a demoted generation kept only so legacy secrets
// can still be unwrapped. Retired keypairs never wrap anything new.
type RetiredKeypairRecord struct {
	EncryptedKeypairRecord
	RetiredAt time.Time `json:"retiredAt"`
	Reason    string    `json:"reason"`
}

// RotationRecord is one entry of the append-only rotation ledger. The ledger
// is the basis for downgrade detection during merge: a bundle whose history
// omits a record known locally is rejected.
type RotationRecord struct {
	RotationID       string           `json:"rotationId"`
	Timestamp        time.Time        `json:"timestamp"`
	OldKeyID         string           `json:"oldKeyId"`
	NewKeyID         string           `json:"newKeyId"`
	NewPublicKey     hybrid.PublicKey `json:"newPublicKey"`
	Reason           string           `json:"reason"`
	SecretsReWrapped int              `json:"secretsReWrapped"`
	SecretsFailed    int              `json:"secretsFailed"`
	DurationMs       int64            `json:"durationMs"`
	TriggeredBy      string           `json:"triggeredBy"`
}

// SyncRecord describes one export or import event, including the bundle
// signature used for replay detection.
type SyncRecord struct {
	SyncID                 string    `json:"syncId"`
	Timestamp              time.Time `json:"timestamp"`
	SourceDeviceID         string    `json:"sourceDeviceId"`
	SourceDeviceName       string    `json:"sourceDeviceName"`
	TargetDeviceID         string    `json:"targetDeviceId,omitempty"`
	SyncType               string    `json:"syncType"`
	KeypairsAdopted        int       `json:"keypairsAdopted"`
	PreviousKeypairsMerged int       `json:"previousKeypairsMerged"`
	RotationRecordsMerged  int       `json:"rotationRecordsMerged"`
	ConflictsResolved      int       `json:"conflictsResolved"`
	Signature              string    `json:"signature,omitempty"`
}

// RotationPolicy controls when rotation is considered due.
type RotationPolicy struct {
	Mode         string     `json:"mode"`
	IntervalDays int        `json:"intervalDays"`
	NextDue      *time.Time `json:"nextDue,omitempty"`
}

// VaultSettings are device-local preferences. Never merged from imports.
type VaultSettings struct {
	AutoLockMinutes  int  `json:"autoLockMinutes"`
	LockOnSleep      bool `json:"lockOnSleep"`
	LockOnScreenLock bool `json:"lockOnScreenLock"`
}

// BiometricProfile is device-local biometric enrollment state. The keystore
// only records that enrollment exists and where the OS secret store keeps the
// unlock secret; the secret itself never enters this file.
type BiometricProfile struct {
	Enabled    bool       `json:"enabled"`
	Method     string     `json:"method,omitempty"`
	OSAccount  string     `json:"osAccount,omitempty"`
	EnrolledAt *time.Time `json:"enrolledAt,omitempty"`
}

// Keystore is the on-disk model, schema v4. The file itself is cleartext
// JSON; private key material lives only inside the sealed record blobs.
//
// Device-local fields (salt, deviceId, deviceName, platform,
// biometricProfile, vaultSettings) are local identity and configuration.
// Merge never overwrites them.
type Keystore struct {
	Version          int                     `json:"version"`
	UserID           string                  `json:"userId"`
	Salt             []byte                  `json:"salt"`
	Iterations       int                     `json:"iterations"`
	CurrentKeypair   *EncryptedKeypairRecord `json:"currentKeypair"`
	PreviousKeypairs []RetiredKeypairRecord  `json:"previousKeypairs"`
	RotationHistory  []RotationRecord        `json:"rotationHistory"`
	RotationPolicy   RotationPolicy          `json:"rotationPolicy"`
	DeviceID         string                  `json:"deviceId"`
	DeviceName       string                  `json:"deviceName"`
	Platform         string                  `json:"platform"`
	DeviceCreatedAt  time.Time               `json:"deviceCreatedAt"`
	LastSyncedAt     *time.Time              `json:"lastSyncedAt,omitempty"`
	SyncHistory      []SyncRecord            `json:"syncHistory"`
	BiometricProfile *BiometricProfile       `json:"biometricProfile,omitempty"`
	VaultSettings    VaultSettings           `json:"vaultSettings"`
	CreatedAt        time.Time               `json:"createdAt"`
	UpdatedAt        time.Time               `json:"updatedAt"`
}

func newKeystore(userID, deviceName string, salt []byte, iterations int, current *EncryptedKeypairRecord) *Keystore {
	now := time.Now().UTC()
	ks := &Keystore{
		Version:          4,
		UserID:           userID,
		Salt:             salt,
		Iterations:       iterations,
		CurrentKeypair:   current,
		PreviousKeypairs: []RetiredKeypairRecord{},
		RotationHistory:  []RotationRecord{},
		RotationPolicy:   defaultRotationPolicy(now),
		DeviceID:         uuid.NewString(),
		DeviceName:       deviceName,
		Platform:         runtime.GOOS,
		DeviceCreatedAt:  now,
		SyncHistory:      []SyncRecord{},
		VaultSettings:    defaultVaultSettings(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return ks
}

func defaultRotationPolicy(now time.Time) RotationPolicy {
	due := now.AddDate(0, 0, DefaultRotationIntervalDays)
	return RotationPolicy{
		Mode:         RotationModeInterval,
		IntervalDays: DefaultRotationIntervalDays,
		NextDue:      &due,
	}
}

func defaultVaultSettings() VaultSettings {
	return VaultSettings{
		AutoLockMinutes:  5,
		LockOnSleep:      true,
		LockOnScreenLock: true,
	}
}

// Clone returns a deep copy, used as the rotation rollback snapshot and for
// read-only views handed to callers.
func (ks *Keystore) Clone() *Keystore {
	if ks == nil {
		return nil
	}

	out := *ks
	out.Salt = append([]byte(nil), ks.Salt...)

	if ks.CurrentKeypair != nil {
		cur := ks.CurrentKeypair.clone()
		out.CurrentKeypair = &cur
	}

	out.PreviousKeypairs = make([]RetiredKeypairRecord, len(ks.PreviousKeypairs))
	for i, rec := range ks.PreviousKeypairs {
		out.PreviousKeypairs[i] = RetiredKeypairRecord{
			EncryptedKeypairRecord: rec.EncryptedKeypairRecord.clone(),
			RetiredAt:              rec.RetiredAt,
			Reason:                 rec.Reason,
		}
	}

	out.RotationHistory = make([]RotationRecord, len(ks.RotationHistory))
	for i, rec := range ks.RotationHistory {
		out.RotationHistory[i] = rec.clone()
	}

	out.SyncHistory = append([]SyncRecord(nil), ks.SyncHistory...)

	if ks.RotationPolicy.NextDue != nil {
		due := *ks.RotationPolicy.NextDue
		out.RotationPolicy.NextDue = &due
	}
	if ks.LastSyncedAt != nil {
		ts := *ks.LastSyncedAt
		out.LastSyncedAt = &ts
	}
	if ks.BiometricProfile != nil {
		bp := *ks.BiometricProfile
		if ks.BiometricProfile.EnrolledAt != nil {
			at := *ks.BiometricProfile.EnrolledAt
			bp.EnrolledAt = &at
		}
		out.BiometricProfile = &bp
	}

	return &out
}

func (r EncryptedKeypairRecord) clone() EncryptedKeypairRecord {
	out := r
	out.EncryptedKeypairBlob = append([]byte(nil), r.EncryptedKeypairBlob...)
	out.Nonce = append([]byte(nil), r.Nonce...)
	out.PublicKey = clonePublicKey(r.PublicKey)
	return out
}

func (r RotationRecord) clone() RotationRecord {
	out := r
	out.NewPublicKey = clonePublicKey(r.NewPublicKey)
	return out
}

func clonePublicKey(pk hybrid.PublicKey) hybrid.PublicKey {
	return hybrid.PublicKey{
		KyberPublic:  append([]byte(nil), pk.KyberPublic...),
		X25519Public: append([]byte(nil), pk.X25519Public...),
		Version:      pk.Version,
	}
}

// hasRotationRecord reports whether the ledger contains rotationID.
func (ks *Keystore) hasRotationRecord(rotationID string) bool {
	for _, rec := range ks.RotationHistory {
		if rec.RotationID == rotationID {
			return true
		}
	}
	return false
}

// latestRotationForPublicKey returns the newest rotation record that
// installed the given public key, or nil if no record matches.
func (ks *Keystore) latestRotationForPublicKey(pub *hybrid.PublicKey) *RotationRecord {
	var newest *RotationRecord
	for i := range ks.RotationHistory {
		rec := &ks.RotationHistory[i]
		if !rec.NewPublicKey.Equal(pub) {
			continue
		}
		if newest == nil || rec.Timestamp.After(newest.Timestamp) {
			newest = rec
		}
	}
	return newest
}

// hasSeenBundleSignature reports whether a bundle with this signature was
// already merged on this device.
func (ks *Keystore) hasSeenBundleSignature(signature string) bool {
	if signature == "" {
		return false
	}
	for _, rec := range ks.SyncHistory {
		if rec.SyncType == SyncTypeImport && rec.Signature == signature {
			return true
		}
	}
	return false
}

// validate performs the structural checks done after load and before save.
func (ks *Keystore) validate() error {
	if ks.Version != 4 {
		return newValidationError("unsupported keystore version %d", ks.Version)
	}
	if ks.UserID == "" {
		return newValidationError("keystore has no user ID")
	}
	if len(ks.Salt) == 0 {
		return newValidationError("keystore has no derivation salt")
	}
	if ks.Iterations <= 0 {
		return newValidationError("keystore has an invalid iteration count")
	}
	if ks.CurrentKeypair == nil {
		return newValidationError("keystore has no current keypair")
	}
	if ks.DeviceID == "" {
		return newValidationError("keystore has no device ID")
	}
	return nil
}

// touch updates the modification timestamp before persisting.
func (ks *Keystore) touch() {
	ks.UpdatedAt = time.Now().UTC()
}
