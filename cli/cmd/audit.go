package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Player420/OnestarStream1.0-sub001/audit"
)

var (
	auditSince    string
	auditAction   string
	auditFailures bool
	auditSecurity bool
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long: `List audit events recorded for this keystore: unlocks, rotations,
password changes, exports, imports and rejected bundles.

Requires audit logging to be enabled (--audit).`,
	RunE: runAuditQuery,
}

func init() {
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only events after this time (RFC3339 or 24h/7d style)")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action name")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed operations")
	auditCmd.Flags().BoolVar(&auditSecurity, "security", false, "only security-relevant events")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to show")
	rootCmd.AddCommand(auditCmd)
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		Action:       auditAction,
		SecurityOnly: auditSecurity,
		Limit:        auditLimit,
	}
	if auditFailures {
		failed := false
		options.Success = &failed
	}
	if auditSince != "" {
		since, err := parseSince(auditSince)
		if err != nil {
			return err
		}
		options.Since = &since
	}

	result, err := vaultSvc.GetAudit().Query(options)
	if err != nil {
		return err
	}
	if len(result.Events) == 0 {
		fmt.Println("No matching audit events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tOK\tDETAIL")
	for _, event := range result.Events {
		status := successMark("ok")
		if !event.Success {
			status = failureMark("fail")
		}
		detail := event.Error
		if detail == "" && event.KeyID != "" {
			detail = "key " + event.KeyID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.60s\n",
			formatTime(event.Timestamp), event.Action, status, detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if result.HasMore {
		fmt.Printf("\n%d of %d shown, raise --limit for more\n", len(result.Events), result.Filtered)
	}
	return nil
}

// parseSince accepts RFC3339 or shorthand like 30m, 24h, 7d.
func parseSince(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	if n := len(value); n > 1 && value[n-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(value[:n-1], "%d", &days); err == nil {
			return time.Now().AddDate(0, 0, -days), nil
		}
	}
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q, use RFC3339 or 30m/24h/7d", value)
}
