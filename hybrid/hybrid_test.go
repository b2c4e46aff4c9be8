package hybrid

import (
	"bytes"
	"crypto/rand"
	"errors"
	"sort"
	"testing"
	"time"
)

func TestHybridAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"WrapUnwrapRoundTrip", testWrapUnwrapRoundTrip},
		{"UnwrapWrongKeypair", testUnwrapWrongKeypair},
		{"UnwrapTamperedCiphertext", testUnwrapTamperedCiphertext},
		{"WrapValidation", testWrapValidation},
		{"UnwrapWithFallback", testUnwrapWithFallback},
		{"UnwrapFallbackTiming", testUnwrapFallbackTiming},
		{"PublicKeyIdentity", testPublicKeyIdentity},
		{"Zeroize", testZeroize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

func randomSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("Failed to generate secret: %v", err)
	}
	return secret
}

func mustKeypair(t *testing.T) *Keypair {
	t.Helper()
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	return kp
}

func testWrapUnwrapRoundTrip(t *testing.T) {
	kp := mustKeypair(t)
	defer kp.Zeroize()

	secret := randomSecret(t)

	ct, err := Wrap(secret, kp.Public())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	if ct.Version != Version {
		t.Errorf("Ciphertext version = %q, want %q", ct.Version, Version)
	}
	if len(ct.X25519Ephemeral) != 32 {
		t.Errorf("Ephemeral key length = %d, want 32", len(ct.X25519Ephemeral))
	}

	got, err := Unwrap(ct, kp)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("Unwrapped secret does not match original")
	}

	// Each wrap uses a fresh ephemeral key and nonce, so two wraps of the
	// same secret must not produce identical ciphertexts.
	ct2, err := Wrap(secret, kp.Public())
	if err != nil {
		t.Fatalf("Second wrap failed: %v", err)
	}
	if bytes.Equal(ct.WrappedKey, ct2.WrappedKey) {
		t.Error("Two wraps produced identical wrapped keys")
	}
	if bytes.Equal(ct.X25519Ephemeral, ct2.X25519Ephemeral) {
		t.Error("Two wraps reused the same ephemeral key")
	}
}

func testUnwrapWrongKeypair(t *testing.T) {
	kp := mustKeypair(t)
	defer kp.Zeroize()
	other := mustKeypair(t)
	defer other.Zeroize()

	ct, err := Wrap(randomSecret(t), kp.Public())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	if _, err = Unwrap(ct, other); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Unwrap with wrong keypair returned %v, want ErrAuthentication", err)
	}
}

func testUnwrapTamperedCiphertext(t *testing.T) {
	kp := mustKeypair(t)
	defer kp.Zeroize()

	ct, err := Wrap(randomSecret(t), kp.Public())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	// Every mutation of the ciphertext must collapse into the same
	// authentication error.
	tampered := []struct {
		name   string
		mutate func(*Ciphertext)
	}{
		{"WrappedKey", func(c *Ciphertext) { c.WrappedKey[0] ^= 0x01 }},
		{"Nonce", func(c *Ciphertext) { c.Nonce[0] ^= 0x01 }},
		{"KyberCiphertext", func(c *Ciphertext) { c.KyberCiphertext[0] ^= 0x01 }},
		{"X25519Ephemeral", func(c *Ciphertext) { c.X25519Ephemeral[0] ^= 0x01 }},
	}

	for _, tc := range tampered {
		t.Run(tc.name, func(t *testing.T) {
			mutated := &Ciphertext{
				KyberCiphertext: append([]byte(nil), ct.KyberCiphertext...),
				X25519Ephemeral: append([]byte(nil), ct.X25519Ephemeral...),
				WrappedKey:      append([]byte(nil), ct.WrappedKey...),
				Nonce:           append([]byte(nil), ct.Nonce...),
				Version:         ct.Version,
			}
			tc.mutate(mutated)

			if _, err := Unwrap(mutated, kp); !errors.Is(err, ErrAuthentication) {
				t.Errorf("Tampered %s returned %v, want ErrAuthentication", tc.name, err)
			}
		})
	}
}

func testWrapValidation(t *testing.T) {
	kp := mustKeypair(t)
	defer kp.Zeroize()

	if _, err := Wrap(make([]byte, 16), kp.Public()); err == nil {
		t.Error("Wrap accepted a 16-byte secret")
	}
	if _, err := Wrap(randomSecret(t), nil); err == nil {
		t.Error("Wrap accepted a nil recipient")
	}

	badVersion := kp.Public()
	badVersion.Version = "unknown-v9"
	if _, err := Wrap(randomSecret(t), badVersion); err == nil {
		t.Error("Wrap accepted an unknown key version")
	}

	// Malformed ciphertexts fail structurally, before any key operation.
	if _, err := Unwrap(nil, kp); err == nil {
		t.Error("Unwrap accepted a nil ciphertext")
	}
	if _, err := Unwrap(&Ciphertext{Version: "unknown-v9"}, kp); err == nil {
		t.Error("Unwrap accepted an unknown ciphertext version")
	}
	if _, err := Unwrap(&Ciphertext{Version: Version, KyberCiphertext: []byte{1, 2, 3}}, kp); err == nil {
		t.Error("Unwrap accepted a truncated ML-KEM ciphertext")
	}
}

func testUnwrapWithFallback(t *testing.T) {
	current := mustKeypair(t)
	defer current.Zeroize()
	older := mustKeypair(t)
	defer older.Zeroize()
	oldest := mustKeypair(t)
	defer oldest.Zeroize()

	previous := []*Keypair{older, oldest}
	secret := randomSecret(t)

	t.Run("CurrentMatch", func(t *testing.T) {
		ct, err := Wrap(secret, current.Public())
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		got, idx, err := UnwrapWithFallback(ct, current, previous)
		if err != nil {
			t.Fatalf("UnwrapWithFallback failed: %v", err)
		}
		if idx != 0 {
			t.Errorf("Match index = %d, want 0", idx)
		}
		if !bytes.Equal(got, secret) {
			t.Error("Recovered secret does not match")
		}
	})

	t.Run("PreviousMatch", func(t *testing.T) {
		ct, err := Wrap(secret, oldest.Public())
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		got, idx, err := UnwrapWithFallback(ct, current, previous)
		if err != nil {
			t.Fatalf("UnwrapWithFallback failed: %v", err)
		}
		if idx != 2 {
			t.Errorf("Match index = %d, want 2", idx)
		}
		if !bytes.Equal(got, secret) {
			t.Error("Recovered secret does not match")
		}
	})

	t.Run("NoMatch", func(t *testing.T) {
		stranger := mustKeypair(t)
		defer stranger.Zeroize()

		ct, err := Wrap(secret, stranger.Public())
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		if _, idx, err := UnwrapWithFallback(ct, current, previous); !errors.Is(err, ErrAuthentication) || idx != -1 {
			t.Errorf("UnwrapWithFallback = (idx %d, %v), want (-1, ErrAuthentication)", idx, err)
		}
	})

	t.Run("NilCurrent", func(t *testing.T) {
		ct, err := Wrap(secret, current.Public())
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		if _, _, err := UnwrapWithFallback(ct, nil, previous); err == nil {
			t.Error("UnwrapWithFallback accepted a nil current keypair")
		}
	})
}

// testUnwrapFallbackTiming checks that wall time does not reveal which
// candidate decrypted the ciphertext. An early-return lookup with five
// candidates sits near 5x between best and worst case; the attempt-all
// loop stays near 1x, so a 3x bound on medians separates the two through
// scheduler noise.
func testUnwrapFallbackTiming(t *testing.T) {
	current := mustKeypair(t)
	defer current.Zeroize()

	previous := make([]*Keypair, 4)
	for i := range previous {
		kp := mustKeypair(t)
		defer kp.Zeroize()
		previous[i] = kp
	}

	stranger := mustKeypair(t)
	defer stranger.Zeroize()

	secret := randomSecret(t)
	wrapFor := func(kp *Keypair) *Ciphertext {
		ct, err := Wrap(secret, kp.Public())
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		return ct
	}

	// Match at the first candidate, at the last, and at none. Medians are
	// reported in that order on failure.
	scenarios := []*Ciphertext{
		wrapFor(current),
		wrapFor(previous[len(previous)-1]),
		wrapFor(stranger),
	}

	const runs = 15
	medians := make([]time.Duration, len(scenarios))
	for i, ct := range scenarios {
		// One warm-up call so first-use costs stay out of the samples.
		_, _, _ = UnwrapWithFallback(ct, current, previous)

		samples := make([]time.Duration, runs)
		for r := 0; r < runs; r++ {
			start := time.Now()
			_, _, _ = UnwrapWithFallback(ct, current, previous)
			samples[r] = time.Since(start)
		}
		sort.Slice(samples, func(a, b int) bool { return samples[a] < samples[b] })
		medians[i] = samples[runs/2]
	}

	fastest, slowest := medians[0], medians[0]
	for _, m := range medians[1:] {
		if m < fastest {
			fastest = m
		}
		if m > slowest {
			slowest = m
		}
	}

	if fastest <= 0 {
		t.Skipf("Timer resolution too coarse to compare medians: %v", medians)
	}
	if slowest > 3*fastest {
		t.Errorf("Fallback timing varies with match position: medians %v", medians)
	}
}

func testPublicKeyIdentity(t *testing.T) {
	kp := mustKeypair(t)
	defer kp.Zeroize()
	other := mustKeypair(t)
	defer other.Zeroize()

	pub := kp.Public()

	if fp := pub.Fingerprint(); fp != pub.Fingerprint() {
		t.Error("Fingerprint is not stable across calls")
	}
	if pub.Fingerprint() == other.Public().Fingerprint() {
		t.Error("Distinct keypairs share a fingerprint")
	}
	if len(pub.Fingerprint()) != 16 {
		t.Errorf("Fingerprint length = %d, want 16 hex chars", len(pub.Fingerprint()))
	}

	if !pub.Equal(kp.Public()) {
		t.Error("Equal reports two copies of the same key as different")
	}
	if pub.Equal(other.Public()) {
		t.Error("Equal reports distinct keys as identical")
	}
	if pub.Equal(nil) {
		t.Error("Equal reports a nil key as identical")
	}

	clone := pub.Clone()
	if !pub.Equal(clone) {
		t.Error("Clone does not compare equal to the original")
	}
	clone.KyberPublic[0] ^= 0x01
	if !pub.Equal(kp.Public()) {
		t.Error("Mutating a clone affected the original")
	}
}

func testZeroize(t *testing.T) {
	kp := mustKeypair(t)

	kyber := kp.KyberPrivate
	x := kp.X25519Private
	kp.Zeroize()

	if !bytes.Equal(kyber, make([]byte, len(kyber))) {
		t.Error("Zeroize left ML-KEM private key material behind")
	}
	if !bytes.Equal(x, make([]byte, len(x))) {
		t.Error("Zeroize left X25519 private key material behind")
	}

	// Zeroize on nil must not panic.
	var nilKP *Keypair
	nilKP.Zeroize()
}
