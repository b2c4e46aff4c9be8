package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/Player420/OnestarStream1.0-sub001/contentkeys"
	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage indexed content keys",
	Long: `Manage the device-local index of wrapped content keys. Each entry holds
one 32-byte content key sealed under the current hybrid public key; the
index is what rotation re-wraps.`,
}

var keysAddCmd = &cobra.Command{
	Use:   "add <item-id>",
	Short: "Generate and index a content key for an item",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysAdd,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed content keys",
	RunE:  runKeysList,
}

var keysShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Unwrap and print a content key",
	Long:  "Unwrap the content key for an item and print it as hex. Requires the vault password.",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysShow,
}

var keysRemoveCmd = &cobra.Command{
	Use:   "rm <item-id>",
	Short: "Remove a content key from the index",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRemove,
}

func init() {
	keysCmd.AddCommand(keysAddCmd, keysListCmd, keysShowCmd, keysRemoveCmd)
	rootCmd.AddCommand(keysCmd)
}

func openIndex() (*contentkeys.Index, error) {
	return contentkeys.Open(indexPath())
}

func runKeysAdd(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	itemID := args[0]

	// Wrapping needs only the public key, but indexing the wrapping
	// generation needs the keystore loaded.
	if !vaultSvc.Initialized() {
		return auditCmdComplete(cmd, fmt.Errorf("no keystore found for user %s", userID), started)
	}

	secret := make([]byte, misc.KeySize)
	if _, err := rand.Read(secret); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to generate content key: %w", err), started)
	}
	defer memguard.WipeBytes(secret)

	ct, err := vaultSvc.WrapContentKey(secret)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	snapshot, err := vaultSvc.Snapshot()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	index, err := openIndex()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer index.Close()

	if err := index.Put(itemID, snapshot.CurrentKeypair.KeyID, ct); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("%s content key indexed for %s\n", successMark("✓"), itemID)
	return auditCmdComplete(cmd, nil, started)
}

func runKeysList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	index, err := openIndexIfPresent()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if index == nil {
		fmt.Println("No content key index on this device.")
		return auditCmdComplete(cmd, nil, started)
	}
	defer index.Close()

	entries, err := index.List()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if len(entries) == 0 {
		fmt.Println("No content keys indexed.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tWRAPPED BY\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%.8s\t%s\n", e.ItemID, e.KeyID, formatTime(e.UpdatedAt))
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runKeysShow(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	itemID := args[0]

	index, err := openIndexIfPresent()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if index == nil {
		return auditCmdComplete(cmd, errors.New("no content key index on this device"), started)
	}
	defer index.Close()

	ct, err := index.Get(itemID)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if _, err := unlockForCommand(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	secret, generation, err := vaultSvc.UnwrapContentKey(ct)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer memguard.WipeBytes(secret)

	by := "current keypair"
	if generation > 0 {
		by = fmt.Sprintf("retired keypair #%d", generation)
	}
	fmt.Printf("%s\t(unwrapped by %s)\n", hex.EncodeToString(secret), by)
	return auditCmdComplete(cmd, nil, started)
}

func runKeysRemove(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	index, err := openIndexIfPresent()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if index == nil {
		return auditCmdComplete(cmd, errors.New("no content key index on this device"), started)
	}
	defer index.Close()

	if err := index.Delete(args[0]); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("%s content key removed for %s\n", successMark("✓"), args[0])
	return auditCmdComplete(cmd, nil, started)
}
