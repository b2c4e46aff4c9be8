package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices seen in the sync ledger",
	RunE:  showDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func showDevices(cmd *cobra.Command, args []string) error {
	devices, err := vaultSvc.ListSyncedDevices()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tLAST SEEN\tSYNCS\t")
	for _, d := range devices {
		marker := ""
		if d.Local {
			marker = "(this device)"
		}
		fmt.Fprintf(w, "%.12s\t%s\t%s\t%d\t%s\n",
			d.DeviceID, d.DeviceName, formatTime(d.LastSeen), d.SyncCount, marker)
	}
	return w.Flush()
}
