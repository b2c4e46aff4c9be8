package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the rotation ledger",
	Long:  "List every rotation recorded in the keystore, oldest first. Requires no password.",
	RunE:  showHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func showHistory(cmd *cobra.Command, args []string) error {
	records, err := vaultSvc.GetRotationHistory()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No rotations recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tROTATION\tOLD KEY\tNEW KEY\tREASON\tREWRAPPED\tFAILED\tBY")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%.8s\t%.8s\t%.8s\t%s\t%d\t%d\t%s\n",
			formatTime(rec.Timestamp),
			rec.RotationID,
			rec.OldKeyID,
			rec.NewKeyID,
			rec.Reason,
			rec.SecretsReWrapped,
			rec.SecretsFailed,
			rec.TriggeredBy,
		)
	}
	return w.Flush()
}
