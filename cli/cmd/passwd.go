package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
)

var passwdCmd = &cobra.Command{
	Use:   "change-password",
	Short: "Change the vault password",
	Long: `Re-seal every keypair generation under a key derived from a new password
and a fresh salt. Biometric unlock, if enrolled, is invalidated and must be
enabled again with the new password.`,
	RunE: runChangePassword,
}

func init() {
	rootCmd.AddCommand(passwdCmd)
}

func runChangePassword(cmd *cobra.Command, args []string) error {
	current, err := vaultPassword("Current password: ")
	if err != nil {
		return err
	}

	next, err := promptNewPassword("New password: ", keystore.ValidatePassword)
	if err != nil {
		return err
	}

	stop := startSpinner("re-sealing keypairs")
	err = vaultSvc.ChangePassword(current, next)
	stop()
	if err != nil {
		if errors.Is(err, keystore.ErrAuth) {
			return errors.New("current password is wrong")
		}
		return err
	}

	fmt.Printf("%s password changed\n", successMark("✓"))
	return nil
}
