package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
)

var importCmd = &cobra.Command{
	Use:   "import <bundle-filename>",
	Short: "Import a keystore bundle from another device",
	Long: `Verify, decrypt and merge an exported bundle into the local keystore.
Keypairs from the bundle are re-sealed under this device's password, the
rotation ledgers are combined, and newer keypair generations win conflicts.

Bundles that fail integrity checks, replay an earlier import, or omit
rotations known locally are rejected without touching local state.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	filename := args[0]

	if _, err := unlockForCommand(); err != nil {
		return err
	}

	exportPassword, err := promptPassword("Export password: ")
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	stop := startSpinner("merging bundle")
	result, err := vaultSvc.ImportKeystore(ctx, filename, exportPassword)
	stop()

	switch {
	case err == nil:
		fmt.Printf("%s bundle merged from %s\n", successMark("✓"), result.SourceDeviceName)
		fmt.Printf("  Keypairs adopted:   %d\n", result.Stats.KeypairsUpdated)
		fmt.Printf("  Retired merged:     %d\n", result.Stats.PreviousKeypairsMerged)
		fmt.Printf("  Rotations merged:   %d\n", result.Stats.RotationHistoryMerged)
		fmt.Printf("  Conflicts resolved: %d\n", result.Stats.ConflictsResolved)
		return nil

	case errors.Is(err, keystore.ErrAuth):
		return errors.New("wrong export password")

	case errors.Is(err, keystore.ErrTamperedExport):
		fmt.Printf("%s bundle rejected: failed integrity verification\n", failureMark("✗"))
		return err

	case errors.Is(err, keystore.ErrReplayAttack):
		fmt.Printf("%s bundle rejected: already imported on this device\n", failureMark("✗"))
		return err

	case errors.Is(err, keystore.ErrDowngradeAttack):
		fmt.Printf("%s bundle rejected: it is missing rotations known to this device\n", failureMark("✗"))
		return err

	case errors.Is(err, keystore.ErrIdentityMismatch):
		fmt.Printf("%s bundle rejected: it belongs to a different user\n", failureMark("✗"))
		return err

	default:
		return err
	}
}
