// Package hybrid implements the key encapsulation scheme protecting content
// keys: ML-KEM-768 for post-quantum confidentiality combined with an X25519
// exchange for classical assurance. A wrapped secret stays protected as long
// as either primitive holds.
//
// The two shared secrets are never used directly. They are bound together
// with HKDF-SHA256 under a fixed domain-separation label, salted with a
// transcript hash over the ciphertext components and recipient keys, and the
// resulting key seals the secret with AES-256-GCM. The classical half uses a
// fresh ephemeral key per wrap, so past wraps stay confidential if a
// long-term X25519 key leaks later.
package hybrid

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"

	"github.com/Player420/OnestarStream1.0-sub001/internal/crypto"
)

// Version identifies the wrap format carried in public keys and ciphertexts.
const Version = "mlkem768-x25519-v1"

// SecretSize is the only wrappable secret length: one 32-byte content key.
const SecretSize = 32

const combineLabel = "onestar/hybrid-kem/combine/v1"

// ErrAuthentication is returned when unwrapping fails for any reason that
// must stay indistinguishable to the caller: wrong keypair, tampered
// ciphertext, tampered nonce. One error for all of them, no oracle.
var ErrAuthentication = errors.New("hybrid: authentication failed")

func scheme() kem.Scheme { return mlkem768.Scheme() }

// Keypair holds one generation of the hybrid keypair. The private halves are
// sensitive; callers own their lifetime and must call Zeroize on every exit
// path once the keypair leaves use.
type Keypair struct {
	KyberPublic   []byte
	KyberPrivate  []byte
	X25519Public  []byte
	X25519Private []byte
}

// PublicKey is the shareable half of a Keypair. JSON encoding base64s the
// raw key bytes.
type PublicKey struct {
	KyberPublic  []byte `json:"kyberPublicKey"`
	X25519Public []byte `json:"x25519PublicKey"`
	Version      string `json:"version"`
}

// Ciphertext is one wrapped 32-byte secret. It is self-contained: unwrapping
// needs only this structure and a candidate keypair.
type Ciphertext struct {
	KyberCiphertext []byte `json:"kyberCiphertext"`
	X25519Ephemeral []byte `json:"x25519EphemeralPublic"`
	WrappedKey      []byte `json:"wrappedKey"`
	Nonce           []byte `json:"iv"`
	Version         string `json:"version"`
}

// GenerateKeypair creates a fresh ML-KEM-768 keypair and an independent
// X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pk, sk, err := scheme().GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ML-KEM keygen failed: %w", err)
	}

	kyberPub, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ML-KEM public key: %w", err)
	}
	kyberPriv, err := sk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ML-KEM private key: %w", err)
	}

	dh, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		memguard.WipeBytes(kyberPriv)
		return nil, fmt.Errorf("X25519 keygen failed: %w", err)
	}

	return &Keypair{
		KyberPublic:   kyberPub,
		KyberPrivate:  kyberPriv,
		X25519Public:  dh.PublicKey().Bytes(),
		X25519Private: dh.Bytes(),
	}, nil
}

// Public returns the shareable half of the keypair.
func (kp *Keypair) Public() *PublicKey {
	return &PublicKey{
		KyberPublic:  append([]byte(nil), kp.KyberPublic...),
		X25519Public: append([]byte(nil), kp.X25519Public...),
		Version:      Version,
	}
}

// Zeroize overwrites the private key material. The keypair is unusable
// afterwards.
func (kp *Keypair) Zeroize() {
	if kp == nil {
		return
	}
	memguard.WipeBytes(kp.KyberPrivate)
	memguard.WipeBytes(kp.X25519Private)
}

// Fingerprint returns a short stable identifier for a public key, used for
// deduplication and log output. Never used in any cryptographic decision.
func (pk *PublicKey) Fingerprint() string {
	h := sha256.New()
	h.Write(pk.KyberPublic)
	h.Write(pk.X25519Public)
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum[:8])
}

// Equal reports whether two public keys carry identical key material.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return string(pk.KyberPublic) == string(other.KyberPublic) &&
		string(pk.X25519Public) == string(other.X25519Public)
}

// Clone returns an independent copy of the public key.
func (pk *PublicKey) Clone() *PublicKey {
	if pk == nil {
		return nil
	}
	return &PublicKey{
		KyberPublic:  append([]byte(nil), pk.KyberPublic...),
		X25519Public: append([]byte(nil), pk.X25519Public...),
		Version:      pk.Version,
	}
}

// Wrap seals a 32-byte secret for the recipient.
//
// Steps: encapsulate against the recipient's ML-KEM public key, run X25519
// with a fresh ephemeral keypair against the recipient's classical public
// key, derive the sealing key from both shared secrets, then AES-256-GCM the
// secret with a random nonce. Intermediate secrets are wiped before return.
func Wrap(secret []byte, recipient *PublicKey) (*Ciphertext, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	if recipient == nil {
		return nil, fmt.Errorf("recipient public key is required")
	}
	if recipient.Version != Version {
		return nil, fmt.Errorf("unsupported key version %q", recipient.Version)
	}

	pk, err := scheme().UnmarshalBinaryPublicKey(recipient.KyberPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid ML-KEM public key: %w", err)
	}

	kyberCT, pqShared, err := scheme().Encapsulate(pk)
	if err != nil {
		return nil, fmt.Errorf("encapsulation failed: %w", err)
	}
	defer memguard.WipeBytes(pqShared)

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ephemeral X25519 keygen failed: %w", err)
	}

	recipientDH, err := ecdh.X25519().NewPublicKey(recipient.X25519Public)
	if err != nil {
		return nil, fmt.Errorf("invalid X25519 public key: %w", err)
	}

	dhShared, err := ephemeral.ECDH(recipientDH)
	if err != nil {
		return nil, fmt.Errorf("X25519 exchange failed: %w", err)
	}
	defer memguard.WipeBytes(dhShared)

	ephemeralPub := ephemeral.PublicKey().Bytes()

	sealKey, err := combineShared(pqShared, dhShared, kyberCT, ephemeralPub, recipient.KyberPublic, recipient.X25519Public)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(sealKey)

	nonce, wrapped, err := crypto.SealWithKey(sealKey, secret, []byte(Version))
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret: %w", err)
	}

	return &Ciphertext{
		KyberCiphertext: kyberCT,
		X25519Ephemeral: ephemeralPub,
		WrappedKey:      wrapped,
		Nonce:           nonce,
		Version:         Version,
	}, nil
}

// Unwrap recovers the secret sealed in ct using one candidate keypair. Any
// mismatch surfaces as ErrAuthentication; malformed structures fail before
// any key operation.
func Unwrap(ct *Ciphertext, kp *Keypair) ([]byte, error) {
	if err := validateCiphertext(ct); err != nil {
		return nil, err
	}
	if kp == nil {
		return nil, fmt.Errorf("keypair is required")
	}

	sk, err := scheme().UnmarshalBinaryPrivateKey(kp.KyberPrivate)
	if err != nil {
		return nil, fmt.Errorf("invalid ML-KEM private key: %w", err)
	}

	pqShared, err := scheme().Decapsulate(sk, ct.KyberCiphertext)
	if err != nil {
		return nil, ErrAuthentication
	}
	defer memguard.WipeBytes(pqShared)

	priv, err := ecdh.X25519().NewPrivateKey(kp.X25519Private)
	if err != nil {
		return nil, fmt.Errorf("invalid X25519 private key: %w", err)
	}

	ephemeralPub, err := ecdh.X25519().NewPublicKey(ct.X25519Ephemeral)
	if err != nil {
		return nil, ErrAuthentication
	}

	dhShared, err := priv.ECDH(ephemeralPub)
	if err != nil {
		return nil, ErrAuthentication
	}
	defer memguard.WipeBytes(dhShared)

	sealKey, err := combineShared(pqShared, dhShared, ct.KyberCiphertext, ct.X25519Ephemeral, kp.KyberPublic, kp.X25519Public)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(sealKey)

	secret, err := crypto.OpenWithKey(sealKey, ct.Nonce, ct.WrappedKey, []byte(Version))
	if err != nil {
		return nil, ErrAuthentication
	}
	return secret, nil
}

// UnwrapWithFallback tries the current keypair and every previous keypair.
// It returns the recovered secret and the index of the keypair that produced
// it (0 = current, 1..n = previous, oldest last).
//
// Every candidate is attempted even after a success, and the winner is
// selected only after the loop completes. Wall time therefore depends on the
// candidate count, not on which generation matched, so a local timing
// observer does not learn how old the wrapping key is. Best-effort
// uniformity, not a constant-time proof.
func UnwrapWithFallback(ct *Ciphertext, current *Keypair, previous []*Keypair) ([]byte, int, error) {
	if current == nil {
		return nil, -1, fmt.Errorf("current keypair is required")
	}
	if err := validateCiphertext(ct); err != nil {
		return nil, -1, err
	}

	candidates := make([]*Keypair, 0, 1+len(previous))
	candidates = append(candidates, current)
	candidates = append(candidates, previous...)

	var (
		secret     []byte
		matchIndex = -1
	)
	for i, candidate := range candidates {
		got, err := Unwrap(ct, candidate)
		if err != nil {
			continue
		}
		if matchIndex == -1 {
			secret = got
			matchIndex = i
		} else {
			memguard.WipeBytes(got)
		}
	}

	if matchIndex == -1 {
		return nil, -1, ErrAuthentication
	}
	return secret, matchIndex, nil
}

// combineShared derives the AEAD key from both shared secrets. The HKDF salt
// binds the full transcript, so a ciphertext spliced together from two wraps
// derives a different key and fails authentication.
func combineShared(pqShared, dhShared []byte, transcriptParts ...[]byte) ([]byte, error) {
	th := sha256.New()
	for _, part := range transcriptParts {
		th.Write(part)
	}
	transcript := th.Sum(nil)

	ikm := make([]byte, 0, len(pqShared)+len(dhShared))
	ikm = append(ikm, pqShared...)
	ikm = append(ikm, dhShared...)
	defer memguard.WipeBytes(ikm)

	key := make([]byte, SecretSize)
	kdf := hkdf.New(sha256.New, ikm, transcript, []byte(combineLabel))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key combination failed: %w", err)
	}
	return key, nil
}

func validateCiphertext(ct *Ciphertext) error {
	if ct == nil {
		return fmt.Errorf("ciphertext is required")
	}
	if ct.Version != Version {
		return fmt.Errorf("unsupported ciphertext version %q", ct.Version)
	}
	if len(ct.KyberCiphertext) != scheme().CiphertextSize() {
		return fmt.Errorf("ML-KEM ciphertext must be %d bytes, got %d", scheme().CiphertextSize(), len(ct.KyberCiphertext))
	}
	if len(ct.X25519Ephemeral) != 32 {
		return fmt.Errorf("X25519 ephemeral public key must be 32 bytes, got %d", len(ct.X25519Ephemeral))
	}
	if len(ct.Nonce) == 0 || len(ct.WrappedKey) == 0 {
		return fmt.Errorf("ciphertext is incomplete")
	}
	return nil
}
