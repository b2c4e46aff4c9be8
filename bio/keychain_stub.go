//go:build !darwin

package bio

// NewPlatformStore reports that no platform credential store exists. Callers
// that still want biometric-style flows on these platforms can inject their
// own CredentialStore.
func NewPlatformStore(service string) (CredentialStore, error) {
	return nil, ErrUnavailable
}
