package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Verify the vault password",
	Long: `Unlock the vault once to verify the password and show the unlocked key
details. The vault locks again when the command exits.`,
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	result, err := unlockForCommand()
	if err != nil {
		return err
	}

	fmt.Printf("%s vault unlocked\n", successMark("✓"))
	fmt.Printf("  Key ID:          %s\n", result.KeyID)
	fmt.Printf("  Key fingerprint: %s\n", result.PublicKey.Fingerprint())
	fmt.Printf("  Key created:     %s\n", formatTime(result.KeyCreatedAt))
	fmt.Printf("  Rotations:       %d\n", result.RotationCount)
	fmt.Printf("  Device:          %s (%s)\n", result.DeviceName, result.DeviceID)
	return nil
}
