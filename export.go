package keystore

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
	"github.com/Player420/OnestarStream1.0-sub001/internal/crypto"
	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
	"github.com/Player420/OnestarStream1.0-sub001/persist"
)

const (
	exportFormatVersion    = "1.0"
	exportEncryptionMethod = "pbkdf2-sha256+aes-256-gcm"

	// HKDF labels splitting the export password derivation into independent
	// encryption and MAC keys.
	exportEncInfo = "onestar/export/enc/v1"
	exportMACInfo = "onestar/export/mac/v1"
)

// ExportResult reports a completed keystore export.
type ExportResult struct {
	ExportID   string    `json:"exportId"`
	Filename   string    `json:"filename"`
	ExportedAt time.Time `json:"exportedAt"`
	Keypairs   int       `json:"keypairs"`
}

// portableKeypair carries one keypair generation in transferable form: the
// private halves in the clear. It only ever exists inside the encrypted
// payload of an export container and in wiped working memory around it.
type portableKeypair struct {
	KeyID         string           `json:"keyId"`
	CreatedAt     time.Time        `json:"createdAt"`
	PublicKey     hybrid.PublicKey `json:"publicKey"`
	KyberPrivate  []byte           `json:"kyberPrivateKey"`
	X25519Private []byte           `json:"x25519PrivateKey"`
	RetiredAt     *time.Time       `json:"retiredAt,omitempty"`
	RetireReason  string           `json:"retireReason,omitempty"`
}

func (p *portableKeypair) keypair() *hybrid.Keypair {
	return &hybrid.Keypair{
		KyberPublic:   append([]byte(nil), p.PublicKey.KyberPublic...),
		KyberPrivate:  append([]byte(nil), p.KyberPrivate...),
		X25519Public:  append([]byte(nil), p.PublicKey.X25519Public...),
		X25519Private: append([]byte(nil), p.X25519Private...),
	}
}

func (p *portableKeypair) wipe() {
	memguard.WipeBytes(p.KyberPrivate)
	memguard.WipeBytes(p.X25519Private)
}

// syncPayload is the encrypted body of an export container. Device-local
// state (salt, device identity, vault settings, biometric profile, sync
// history) deliberately never travels: a bundle describes key material and
// rotation lineage, nothing about the exporting device's configuration.
type syncPayload struct {
	UserID           string            `json:"userId"`
	KeystoreVersion  int               `json:"keystoreVersion"`
	ExportedAt       time.Time         `json:"exportedAt"`
	CurrentKeypair   portableKeypair   `json:"currentKeypair"`
	PreviousKeypairs []portableKeypair `json:"previousKeypairs"`
	RotationHistory  []RotationRecord  `json:"rotationHistory"`
	RotationPolicy   RotationPolicy    `json:"rotationPolicy"`
}

func (p *syncPayload) wipe() {
	p.CurrentKeypair.wipe()
	for i := range p.PreviousKeypairs {
		p.PreviousKeypairs[i].wipe()
	}
}

// buildSyncPayloadLocked decrypts every keypair generation into portable
// form. Caller must hold the vault mutex with the vault unlocked, and must
// wipe the returned payload.
func (v *Vault) buildSyncPayloadLocked() (*syncPayload, error) {
	enc := newSessionEncryptor(v.sessionKey)

	currentKP, err := enc.DecryptKeypair(v.ks.CurrentKeypair)
	if err != nil {
		return nil, fmt.Errorf("failed to open current keypair for export: %w", err)
	}

	payload := &syncPayload{
		UserID:          v.ks.UserID,
		KeystoreVersion: v.ks.Version,
		ExportedAt:      time.Now().UTC(),
		CurrentKeypair: portableKeypair{
			KeyID:         v.ks.CurrentKeypair.KeyID,
			CreatedAt:     v.ks.CurrentKeypair.CreatedAt,
			PublicKey:     *v.ks.CurrentKeypair.PublicKey.Clone(),
			KyberPrivate:  append([]byte(nil), currentKP.KyberPrivate...),
			X25519Private: append([]byte(nil), currentKP.X25519Private...),
		},
		PreviousKeypairs: make([]portableKeypair, 0, len(v.ks.PreviousKeypairs)),
		RotationHistory:  make([]RotationRecord, len(v.ks.RotationHistory)),
		RotationPolicy:   v.ks.RotationPolicy,
	}
	currentKP.Zeroize()
	copy(payload.RotationHistory, v.ks.RotationHistory)

	for i := range v.ks.PreviousKeypairs {
		rec := &v.ks.PreviousKeypairs[i]
		kp, err := enc.DecryptKeypair(&rec.EncryptedKeypairRecord)
		if err != nil {
			payload.wipe()
			return nil, fmt.Errorf("failed to open retired keypair %s for export: %w", rec.KeyID, err)
		}
		retiredAt := rec.RetiredAt
		payload.PreviousKeypairs = append(payload.PreviousKeypairs, portableKeypair{
			KeyID:         rec.KeyID,
			CreatedAt:     rec.CreatedAt,
			PublicKey:     *rec.PublicKey.Clone(),
			KyberPrivate:  append([]byte(nil), kp.KyberPrivate...),
			X25519Private: append([]byte(nil), kp.X25519Private...),
			RetiredAt:     &retiredAt,
			RetireReason:  rec.Reason,
		})
		kp.Zeroize()
	}

	return payload, nil
}

// deriveExportKeys stretches the export password once and splits the result
// into an encryption key and a MAC key via HKDF with distinct labels.
func deriveExportKeys(password string, salt []byte, iterations int) (encKey, macKey []byte, err error) {
	base := crypto.DeriveKey([]byte(password), salt, iterations)
	defer memguard.WipeBytes(base)

	encKey, err = crypto.ExpandKey(base, exportEncInfo)
	if err != nil {
		return nil, nil, err
	}
	macKey, err = crypto.ExpandKey(base, exportMACInfo)
	if err != nil {
		memguard.WipeBytes(encKey)
		return nil, nil, err
	}
	return encKey, macKey, nil
}

// exportSigningBytes builds the canonical byte string the envelope signature
// covers: every cleartext field plus the payload checksum, in fixed order.
// The signature itself is excluded.
func exportSigningBytes(c *persist.ExportContainer) []byte {
	fields := []string{
		c.ExportID,
		c.FormatVersion,
		strconv.Itoa(c.KeystoreVersion),
		c.ExportedAt.UTC().Format(time.RFC3339Nano),
		c.UserID,
		c.DeviceID,
		c.DeviceName,
		c.EncryptionMethod,
		hex.EncodeToString(c.Salt),
		strconv.Itoa(c.Iterations),
		c.Checksum,
	}
	return []byte(strings.Join(fields, "\n"))
}

// buildExportContainerLocked seals payload into a self-describing container.
// The envelope stays cleartext so a bundle can be inspected and routed
// without the password; the keypair material inside is sealed and the whole
// envelope is signed.
func (v *Vault) buildExportContainerLocked(payload *syncPayload, password string) (*persist.ExportContainer, error) {
	salt, err := crypto.NewRandomSalt()
	if err != nil {
		return nil, err
	}

	encKey, macKey, err := deriveExportKeys(password, salt, misc.ExportPBKDF2Iterations)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(encKey)
	defer memguard.WipeBytes(macKey)

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export payload: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	nonce, ciphertext, err := crypto.SealWithKey(encKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to seal export payload: %w", err)
	}

	sealed := make([]byte, 0, len(nonce)+len(ciphertext))
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)

	container := &persist.ExportContainer{
		ExportID:         uuid.NewString(),
		FormatVersion:    exportFormatVersion,
		KeystoreVersion:  misc.KeystoreVersion,
		ExportedAt:       payload.ExportedAt,
		UserID:           v.ks.UserID,
		DeviceID:         v.ks.DeviceID,
		DeviceName:       v.ks.DeviceName,
		EncryptionMethod: exportEncryptionMethod,
		Salt:             salt,
		Iterations:       misc.ExportPBKDF2Iterations,
		Checksum:         crypto.CalculateChecksum(sealed),
		EncryptedData:    base64.StdEncoding.EncodeToString(sealed),
	}
	container.Signature = hex.EncodeToString(crypto.SignHMAC(macKey, exportSigningBytes(container)))

	return container, nil
}

// openExportContainer verifies and decrypts an export container.
//
// Check order fixes the error taxonomy: a checksum mismatch (corrupted
// ciphertext) is ErrTamperedExport before any password work; an AEAD
// failure on an intact ciphertext is ErrAuth (wrong export password); a
// signature mismatch after a successful decrypt means the cleartext
// envelope was altered, ErrTamperedExport again. Caller wipes the payload.
func openExportContainer(c *persist.ExportContainer, password string) (*syncPayload, error) {
	if c.EncryptedData == "" || len(c.Salt) == 0 || c.Checksum == "" || c.Signature == "" {
		return nil, fmt.Errorf("%w: container is missing required fields", ErrTamperedExport)
	}

	sealed, err := base64.StdEncoding.DecodeString(c.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not valid base64", ErrTamperedExport)
	}
	if crypto.CalculateChecksum(sealed) != c.Checksum {
		return nil, fmt.Errorf("%w: payload checksum mismatch", ErrTamperedExport)
	}
	if len(sealed) <= crypto.NonceSize {
		return nil, fmt.Errorf("%w: payload too short", ErrTamperedExport)
	}

	encKey, macKey, err := deriveExportKeys(password, c.Salt, c.Iterations)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(encKey)
	defer memguard.WipeBytes(macKey)

	plaintext, err := crypto.OpenWithKey(encKey, sealed[:crypto.NonceSize], sealed[crypto.NonceSize:], nil)
	if err != nil {
		return nil, ErrAuth
	}
	defer memguard.WipeBytes(plaintext)

	sig, err := hex.DecodeString(c.Signature)
	if err != nil || !crypto.VerifyHMAC(macKey, exportSigningBytes(c), sig) {
		return nil, fmt.Errorf("%w: envelope signature mismatch", ErrTamperedExport)
	}

	var payload syncPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload is not a valid sync bundle", ErrTamperedExport)
	}
	if payload.UserID == "" || payload.CurrentKeypair.KeyID == "" {
		payload.wipe()
		return nil, fmt.Errorf("%w: payload is incomplete", ErrTamperedExport)
	}
	if payload.KeystoreVersion != misc.KeystoreVersion {
		payload.wipe()
		return nil, fmt.Errorf("export bundle has keystore schema v%d, this build supports v%d",
			payload.KeystoreVersion, misc.KeystoreVersion)
	}

	return &payload, nil
}

func exportFileName(deviceID string, at time.Time) string {
	return fmt.Sprintf("keystore-export-%s-%s.json", deviceID, at.UTC().Format("20060102T150405Z"))
}

// ExportKeystore writes an encrypted bundle of the keystore to the store's
// export area.
//
// The vault must be unlocked: building the portable payload requires
// opening every keypair generation. The export is also recorded in sync
// history so re-importing your own bundle elsewhere can be traced back.
func (v *Vault) ExportKeystore(exportPassword, confirmPassword string) (*ExportResult, error) {
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

	if err := validateExportPassword(exportPassword, confirmPassword); err != nil {
		return nil, err
	}

	payload, err := v.buildSyncPayloadLocked()
	if err != nil {
		return nil, err
	}
	defer payload.wipe()

	container, err := v.buildExportContainerLocked(payload, exportPassword)
	if err != nil {
		return nil, err
	}

	filename := exportFileName(v.ks.DeviceID, container.ExportedAt)
	if err := v.store.SaveExport(filename, container); err != nil {
		return nil, fmt.Errorf("failed to save export: %w", err)
	}

	now := time.Now().UTC()
	snapshot := v.ks.Clone()
	v.ks.SyncHistory = append(v.ks.SyncHistory, SyncRecord{
		SyncID:           uuid.NewString(),
		Timestamp:        now,
		SourceDeviceID:   v.ks.DeviceID,
		SourceDeviceName: v.ks.DeviceName,
		SyncType:         SyncTypeExport,
		Signature:        container.Signature,
	})
	v.ks.LastSyncedAt = &now

	if err := v.persistLocked(); err != nil {
		v.ks = snapshot
		_ = v.store.DeleteExport(filename)
		return nil, err
	}

	_ = v.audit.Log("keystore_export", true, map[string]interface{}{
		"export_id": container.ExportID,
		"filename":  filename,
		"keypairs":  1 + len(payload.PreviousKeypairs),
	})

	return &ExportResult{
		ExportID:   container.ExportID,
		Filename:   filename,
		ExportedAt: container.ExportedAt,
		Keypairs:   1 + len(payload.PreviousKeypairs),
	}, nil
}
