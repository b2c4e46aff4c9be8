package misc

const (
	// KeystoreVersion is the current keystore schema version.
	KeystoreVersion = 4

	// OldestMigratableVersion is the oldest schema the migration chain accepts.
	OldestMigratableVersion = 2

	// PBKDF2Iterations is the at-rest key derivation work factor.
	PBKDF2Iterations = 600_000

	// ExportPBKDF2Iterations is the work factor for sync export bundles.
	// Matches the at-rest factor so every derivation runs through the same
	// floored path; a tampered-down iteration count in a bundle envelope is
	// floored right back up on import.
	ExportPBKDF2Iterations = 600_000

	// MinPBKDF2Iterations is the floor applied when a loaded keystore carries a
	// smaller stored iteration count.
	MinPBKDF2Iterations = 600_000

	SaltSize = 16
	KeySize  = 32

	// MaxPreviousKeypairs bounds the retired keypair list.
	MaxPreviousKeypairs = 10

	// MinExportPasswordLen applies to sync export/import passwords.
	MinExportPasswordLen = 12

	// MinVaultPasswordLen applies to newly chosen vault passwords.
	MinVaultPasswordLen = 8

	FilePermissions = 0600 // user read + write
)
