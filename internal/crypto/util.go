package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// NonceSize is the AES-GCM nonce length produced by SealWithKey, for callers
// that store nonce and ciphertext concatenated.
const NonceSize = gcmNonceSize

// NewRandomSalt returns a fresh key derivation salt.
func NewRandomSalt() ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches a password into a 32-byte symmetric key using
// PBKDF2-SHA256. Iteration counts below the configured floor are raised to it,
// so a tampered-down keystore field cannot weaken derivation.
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations < misc.MinPBKDF2Iterations {
		iterations = misc.MinPBKDF2Iterations
	}
	return pbkdf2.Key(password, salt, iterations, misc.KeySize, sha256.New)
}

// SealWithKey encrypts plaintext under a 32-byte key with AES-256-GCM and a
// fresh random nonce. The additional data is authenticated but not encrypted.
// Every keypair record and wrapped secret in this module is sealed through
// this one function.
func SealWithKey(key, plaintext, additionalData []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != misc.KeySize {
		return nil, nil, fmt.Errorf("key must be %d bytes, got %d", misc.KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce = make([]byte, gcmNonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, additionalData)
	return nonce, ciphertext, nil
}

// OpenWithKey reverses SealWithKey. A wrong key, wrong additional data, or a
// tampered ciphertext all fail the same way.
func OpenWithKey(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", misc.KeySize, len(key))
	}
	if len(nonce) != gcmNonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", gcmNonceSize, len(nonce))
	}
	if len(ciphertext) < gcmTagSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// ExpandKey derives a purpose-bound 32-byte subkey from key via HKDF-Expand
// with the given info label. Distinct labels yield independent subkeys, so
// one password derivation can safely feed both an encryption key and a MAC
// key.
func ExpandKey(key []byte, info string) ([]byte, error) {
	out := make([]byte, misc.KeySize)
	r := hkdf.Expand(sha256.New, key, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	return out, nil
}

// SignHMAC computes an HMAC-SHA256 tag over data.
func SignHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC reports whether tag authenticates data under key, in constant
// time.
func VerifyHMAC(key, data, tag []byte) bool {
	expected := SignHMAC(key, data)
	return subtle.ConstantTimeCompare(expected, tag) == 1
}

// CalculateChecksum returns the hex-encoded SHA-256 of data.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey performs basic sanity checks on generated key material.
func IsWeakKey(key []byte) bool {
	if len(key) < 16 {
		return true
	}

	// All zeros
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	// All same byte
	first := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != first {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Too few distinct byte values for the length
	unique := make(map[byte]struct{}, len(key))
	for _, b := range key {
		unique[b] = struct{}{}
	}
	return len(unique) < 16
}
