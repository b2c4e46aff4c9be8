package keystore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
	"github.com/Player420/OnestarStream1.0-sub001/internal/crypto"
)

// encodeKeystore serializes ks to its canonical on-disk JSON form.
func encodeKeystore(ks *Keystore) ([]byte, error) {
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize keystore: %w", err)
	}
	return data, nil
}

// decodeKeystore parses an already-migrated keystore document and runs the
// structural checks. Unparseable input and unsupported versions both
// surface as ErrCorruptKeystore.
func decodeKeystore(raw []byte) (*Keystore, error) {
	var ks Keystore
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}
	if err := ks.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}
	return &ks, nil
}

// peekVersion reads just the schema version from a raw keystore document.
func peekVersion(raw []byte) (int, error) {
	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}
	if header.Version == 0 {
		return 0, fmt.Errorf("%w: document has no version field", ErrCorruptKeystore)
	}
	return header.Version, nil
}

// keypairBlob is the serialized plaintext form of a hybrid keypair, the
// only thing that ever goes inside an EncryptedKeypairRecord blob.
type keypairBlob struct {
	KyberPublic   []byte `json:"kyberPublicKey"`
	KyberPrivate  []byte `json:"kyberPrivateKey"`
	X25519Public  []byte `json:"x25519PublicKey"`
	X25519Private []byte `json:"x25519PrivateKey"`
}

// sealKeypair serializes kp and seals it under key, producing one keypair
// generation record. The record's key ID is bound into the ciphertext as
// additional data, so a blob cannot be transplanted between records.
func sealKeypair(key []byte, kp *hybrid.Keypair, keyID string, createdAt time.Time) (*EncryptedKeypairRecord, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID cannot be empty")
	}

	blob := keypairBlob{
		KyberPublic:   kp.KyberPublic,
		KyberPrivate:  kp.KyberPrivate,
		X25519Public:  kp.X25519Public,
		X25519Private: kp.X25519Private,
	}

	plaintext, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize keypair: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	nonce, ciphertext, err := crypto.SealWithKey(key, plaintext, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to seal keypair: %w", err)
	}

	return &EncryptedKeypairRecord{
		KeyID:                keyID,
		PublicKey:            *kp.Public(),
		EncryptedKeypairBlob: ciphertext,
		Nonce:                nonce,
		CreatedAt:            createdAt,
	}, nil
}

// openKeypair reverses sealKeypair. A wrong key and a tampered blob are
// indistinguishable to the caller: both return ErrAuth.
func (rec *EncryptedKeypairRecord) openKeypair(key []byte) (*hybrid.Keypair, error) {
	plaintext, err := crypto.OpenWithKey(key, rec.Nonce, rec.EncryptedKeypairBlob, []byte(rec.KeyID))
	if err != nil {
		return nil, ErrAuth
	}
	defer memguard.WipeBytes(plaintext)

	var blob keypairBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return nil, ErrAuth
	}

	return &hybrid.Keypair{
		KyberPublic:   append([]byte(nil), blob.KyberPublic...),
		KyberPrivate:  append([]byte(nil), blob.KyberPrivate...),
		X25519Public:  append([]byte(nil), blob.X25519Public...),
		X25519Private: append([]byte(nil), blob.X25519Private...),
	}, nil
}

// KeypairEncryptor seals and opens keypair generation records. The
// production implementation wraps the unlocked session key; tests inject
// doubles to exercise merge and rotation without a full vault.
type KeypairEncryptor interface {
	// EncryptKeypair seals kp into a record identified by keyID.
	EncryptKeypair(kp *hybrid.Keypair, keyID string, createdAt time.Time) (*EncryptedKeypairRecord, error)

	// DecryptKeypair opens a record produced by EncryptKeypair. Returns
	// ErrAuth when the key is wrong or the record was tampered with.
	DecryptKeypair(rec *EncryptedKeypairRecord) (*hybrid.Keypair, error)
}

// sessionEncryptor is the production KeypairEncryptor. It holds the
// password-derived session key in guarded memory and opens it only for the
// duration of each operation.
type sessionEncryptor struct {
	key *memguard.Enclave
}

func newSessionEncryptor(key *memguard.Enclave) *sessionEncryptor {
	return &sessionEncryptor{key: key}
}

func (se *sessionEncryptor) EncryptKeypair(kp *hybrid.Keypair, keyID string, createdAt time.Time) (*EncryptedKeypairRecord, error) {
	buf, err := se.key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open session key: %w", err)
	}
	defer buf.Destroy()

	return sealKeypair(buf.Bytes(), kp, keyID, createdAt)
}

func (se *sessionEncryptor) DecryptKeypair(rec *EncryptedKeypairRecord) (*hybrid.Keypair, error) {
	buf, err := se.key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open session key: %w", err)
	}
	defer buf.Destroy()

	return rec.openKeypair(buf.Bytes())
}

// newKeypairRecord generates a fresh record ID and seals kp through enc.
func newKeypairRecord(enc KeypairEncryptor, kp *hybrid.Keypair) (*EncryptedKeypairRecord, error) {
	return enc.EncryptKeypair(kp, uuid.NewString(), time.Now().UTC())
}
