package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new keystore",
	Long: `Generate a hybrid ML-KEM-768 + X25519 keypair and create the keystore
protecting it. The password you choose derives the key that seals the
private halves; there is no recovery if it is lost.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if vaultSvc.Initialized() {
		return fmt.Errorf("keystore already exists for user %s", userID)
	}

	password, err := promptNewPassword("Choose a vault password: ", keystore.ValidatePassword)
	if err != nil {
		return err
	}

	stop := startSpinner("generating hybrid keypair")
	result, err := vaultSvc.Initialize(password)
	stop()
	if err != nil {
		return err
	}

	fmt.Printf("%s keystore created for user %s\n", successMark("✓"), userID)
	fmt.Printf("  Key ID:          %s\n", result.KeyID)
	fmt.Printf("  Key fingerprint: %s\n", result.PublicKey.Fingerprint())
	fmt.Printf("  Device:          %s\n", result.DeviceName)
	fmt.Printf("  Store path:      %s\n", storePath)
	return nil
}
