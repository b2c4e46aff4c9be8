package persist

import (
	"fmt"
	"strings"
	"time"
)

// RotationLockName is the well-known name of the per-user rotation lock.
const RotationLockName = "rotation"

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, userID string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, userID)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, userID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateUserID validates the user ID for security
func validateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(userID, "..") ||
		strings.Contains(userID, "/") ||
		strings.Contains(userID, "\\") ||
		strings.Contains(userID, " ") {
		return fmt.Errorf("user ID contains invalid characters")
	}

	// Length check
	if len(userID) > 100 {
		return fmt.Errorf("user ID too long (max 100 characters)")
	}

	return nil
}

func createKeystoreMetadata(userID string) map[string]string {
	return map[string]string{
		"keystore":   "true",
		"data-type":  "keystore",
		"user-id":    userID,
		"created-at": time.Now().UTC().Format(time.RFC3339),
	}
}
