package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
)

var validateCmd = &cobra.Command{
	Use:   "validate-password",
	Short: "Check password strength without touching the keystore",
	RunE:  runValidatePassword,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidatePassword(cmd *cobra.Command, args []string) error {
	password, err := promptPassword("Password to check: ")
	if err != nil {
		return err
	}

	validation := keystore.ValidatePassword(password)

	fmt.Printf("Strength: %s (score %d/4, ~%.0f bits)\n",
		validation.Strength, validation.Score, validation.EntropyBits)

	if validation.Valid {
		fmt.Printf("%s acceptable as a vault password\n", successMark("✓"))
		return nil
	}
	for _, problem := range validation.Errors {
		fmt.Printf("%s %s\n", failureMark("✗"), problem)
	}
	return fmt.Errorf("password rejected")
}
