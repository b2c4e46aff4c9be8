package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Player420/OnestarStream1.0-sub001/bio"
)

const keychainService = "io.onestar.keystore"

var biometricMethod string

var biometricCmd = &cobra.Command{
	Use:   "biometric",
	Short: "Manage biometric unlock",
	Long: `Enroll or remove biometric unlock. The vault password is stored in the
OS credential store (the Keychain on macOS), where the platform's biometric
policy controls access to it.`,
}

var biometricEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enroll biometric unlock on this device",
	RunE:  runBiometricEnable,
}

var biometricDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Remove biometric enrollment",
	RunE:  runBiometricDisable,
}

var biometricUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Verify biometric unlock works",
	RunE:  runBiometricUnlock,
}

func init() {
	biometricEnableCmd.Flags().StringVar(&biometricMethod, "method", string(bio.MethodTouchID),
		"biometric method label (touch-id, face-id, fingerprint)")
	biometricCmd.AddCommand(biometricEnableCmd, biometricDisableCmd, biometricUnlockCmd)
	rootCmd.AddCommand(biometricCmd)
}

func platformStore() (bio.CredentialStore, error) {
	store, err := bio.NewPlatformStore(keychainService)
	if errors.Is(err, bio.ErrUnavailable) {
		return nil, errors.New("no OS credential store on this platform")
	}
	return store, err
}

func runBiometricEnable(cmd *cobra.Command, args []string) error {
	store, err := platformStore()
	if err != nil {
		return err
	}

	password, err := vaultPassword("Vault password: ")
	if err != nil {
		return err
	}

	if err := vaultSvc.EnableBiometric(store, bio.Method(biometricMethod), password); err != nil {
		return err
	}

	fmt.Printf("%s biometric unlock enrolled (%s)\n", successMark("✓"), biometricMethod)
	return nil
}

func runBiometricDisable(cmd *cobra.Command, args []string) error {
	store, err := platformStore()
	if err != nil {
		return err
	}

	if err := vaultSvc.DisableBiometric(store); err != nil {
		return err
	}
	fmt.Printf("%s biometric enrollment removed\n", successMark("✓"))
	return nil
}

func runBiometricUnlock(cmd *cobra.Command, args []string) error {
	store, err := platformStore()
	if err != nil {
		return err
	}

	result, err := vaultSvc.UnlockWithBiometric(store)
	if err != nil {
		if errors.Is(err, bio.ErrNotEnrolled) {
			return errors.New("biometric unlock is not enrolled, run 'keystore biometric enable' first")
		}
		return err
	}

	fmt.Printf("%s vault unlocked via OS credential store\n", successMark("✓"))
	fmt.Printf("  Key fingerprint: %s\n", result.PublicKey.Fingerprint())
	return nil
}
