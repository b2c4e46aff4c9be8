package keystore

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/nbutton23/zxcvbn-go"

	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
)

// PasswordValidation is the advisory verdict for a candidate password.
// It gates new passwords (vault creation, password change, export) but
// never blocks unlocking a pre-existing keystore.
type PasswordValidation struct {
	Valid       bool     `json:"valid"`
	Strength    string   `json:"strength"`
	Score       int      `json:"score"`
	EntropyBits float64  `json:"entropyBits"`
	Errors      []string `json:"errors,omitempty"`
}

// Passwords matching these exactly are rejected regardless of length.
// zxcvbn catches the long tail; this list catches the worst offenders
// cheaply and in a way tests can rely on.
var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"123456":      {},
	"12345678":    {},
	"123456789":   {},
	"qwerty":      {},
	"qwerty123":   {},
	"letmein":     {},
	"iloveyou":    {},
	"admin":       {},
	"welcome":     {},
	"monkey":      {},
	"dragon":      {},
}

// ValidatePassword checks a candidate password against the vault policy:
// minimum length, character-class diversity, Shannon entropy over the
// character distribution, a common-password denylist, and a zxcvbn
// guessability estimate.
func ValidatePassword(password string) PasswordValidation {
	var errs []string

	if len(password) < misc.MinVaultPasswordLen {
		errs = append(errs, fmt.Sprintf("password must be at least %d characters", misc.MinVaultPasswordLen))
	}

	if _, common := commonPasswords[strings.ToLower(password)]; common {
		errs = append(errs, "password is a commonly used password")
	}

	if classes := characterClasses(password); classes < 3 && password != "" {
		errs = append(errs, "password should mix at least three of: lowercase, uppercase, digits, symbols")
	}

	entropy := shannonEntropyBits(password)
	if entropy < 30 && password != "" {
		errs = append(errs, "password is too uniform; add more varied characters")
	}

	result := zxcvbn.PasswordStrength(password, nil)
	if result.Score <= 1 {
		errs = append(errs, "password is too easy to guess")
	}

	return PasswordValidation{
		Valid:       len(errs) == 0,
		Strength:    strengthLabel(result.Score),
		Score:       result.Score,
		EntropyBits: entropy,
		Errors:      errs,
	}
}

// validateExportPassword enforces the stricter policy for export bundles:
// a higher length floor plus explicit confirmation, since the export file
// leaves the device and cannot rely on at-rest protections.
func validateExportPassword(password, confirmPassword string) error {
	if password != confirmPassword {
		return newValidationError("export passwords do not match")
	}
	if len(password) < misc.MinExportPasswordLen {
		return newValidationError("export password must be at least %d characters", misc.MinExportPasswordLen)
	}
	if v := ValidatePassword(password); !v.Valid {
		return &ValidationError{Problems: v.Errors}
	}
	return nil
}

func strengthLabel(score int) string {
	switch score {
	case 0:
		return "very-weak"
	case 1:
		return "weak"
	case 2:
		return "fair"
	case 3:
		return "strong"
	default:
		return "very-strong"
	}
}

func characterClasses(password string) int {
	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}

	classes := 0
	for _, present := range []bool{lower, upper, digit, symbol} {
		if present {
			classes++
		}
	}
	return classes
}

// shannonEntropyBits estimates total entropy as the per-character Shannon
// entropy of the password's character distribution times its length.
func shannonEntropyBits(password string) float64 {
	if password == "" {
		return 0
	}

	runes := []rune(password)
	freq := make(map[rune]int, len(runes))
	for _, r := range runes {
		freq[r]++
	}

	n := float64(len(runes))
	var perChar float64
	for _, count := range freq {
		p := float64(count) / n
		perChar -= p * math.Log2(p)
	}

	return perChar * n
}
