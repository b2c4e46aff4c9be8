package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
)

var destroyForce bool

var destroyCmd = &cobra.Command{
	Use:   "destroy-key <key-id>",
	Short: "Destroy a retired keypair",
	Long: `Permanently remove a retired keypair from the keystore. Content keys
wrapped by it become unrecoverable, so the command refuses while the content
key index still lists dependents (override with --force).

The current keypair can never be destroyed; rotate first.`,
	Args: cobra.ExactArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyForce, "force", false, "skip the content key dependency check")
	rootCmd.AddCommand(destroyCmd)
}

func runDestroy(cmd *cobra.Command, args []string) error {
	keyID := args[0]

	if _, err := unlockForCommand(); err != nil {
		return err
	}

	var usage keystore.KeypairUsage
	if !destroyForce {
		index, err := openIndexIfPresent()
		if err != nil {
			return fmt.Errorf("failed to open content key index: %w", err)
		}
		if index != nil {
			defer index.Close()
			usage = index
		}
	}

	if err := vaultSvc.DestroyRetiredKeypair(keyID, usage); err != nil {
		if errors.Is(err, keystore.ErrKeypairInUse) {
			fmt.Printf("%s %v\n", failureMark("✗"), err)
			fmt.Println("Rotate or remove those content keys first, or pass --force to destroy anyway.")
		}
		return err
	}

	fmt.Printf("%s keypair %s destroyed\n", successMark("✓"), keyID)
	return nil
}
