package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the keystore for another device",
	Long: fmt.Sprintf(`Write an encrypted bundle containing every keypair generation and the
rotation ledger. The bundle is sealed under a separate export password
(minimum %d characters) and can be imported on any device that knows it.

Device-local settings never leave this device.`, misc.MinExportPasswordLen),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	if _, err := unlockForCommand(); err != nil {
		return err
	}

	exportPassword, err := promptNewPassword(
		fmt.Sprintf("Export password (min %d chars): ", misc.MinExportPasswordLen),
		keystore.ValidatePassword,
	)
	if err != nil {
		return err
	}

	stop := startSpinner("building export bundle")
	result, err := vaultSvc.ExportKeystore(exportPassword, exportPassword)
	stop()
	if err != nil {
		return err
	}

	fmt.Printf("%s keystore exported\n", successMark("✓"))
	fmt.Printf("  Bundle:   %s\n", result.Filename)
	fmt.Printf("  Keypairs: %d\n", result.Keypairs)
	fmt.Printf("\nImport on another device with:\n  keystore import %s\n", result.Filename)
	return nil
}
