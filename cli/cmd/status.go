package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show keystore status",
	Long:  "Display keystore state, rotation schedule and sync summary. Requires no password.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Keystore Status")
	fmt.Println("===============")

	if !vaultSvc.Initialized() {
		fmt.Printf("No keystore found for user %s. Run 'keystore init' first.\n", userID)
		return nil
	}

	fmt.Printf("State:             %s\n", vaultSvc.State())
	fmt.Printf("Memory Protection: %v\n", vaultSvc.MemoryProtection())

	pub, err := vaultSvc.CurrentPublicKey()
	if err != nil {
		fmt.Printf("Current Key:       ERROR - %v\n", err)
	} else {
		fmt.Printf("Current Key:       %s\n", pub.Fingerprint())
	}

	rotation, err := vaultSvc.GetRotationStatus()
	if err != nil {
		fmt.Printf("Rotation:          ERROR - %v\n", err)
	} else {
		fmt.Printf("Rotation Mode:     %s", rotation.Mode)
		if rotation.IntervalDays > 0 {
			fmt.Printf(" (every %d days)", rotation.IntervalDays)
		}
		fmt.Println()
		fmt.Printf("Rotations:         %d (retired keypairs kept: %d)\n",
			rotation.RotationCount, rotation.PreviousKeypairs)
		if rotation.NextDue != nil {
			due := "due " + formatTime(*rotation.NextDue)
			if rotation.Due {
				due = warnMark("OVERDUE since " + formatTime(*rotation.NextDue))
			}
			fmt.Printf("Next Rotation:     %s\n", due)
		}
	}

	sync, err := vaultSvc.GetSyncStatus()
	if err != nil {
		fmt.Printf("Sync:              ERROR - %v\n", err)
	} else {
		last := "never"
		if sync.LastSyncedAt != nil {
			last = elapsedSince(*sync.LastSyncedAt)
		}
		fmt.Printf("Last Sync:         %s (%d exports, %d imports, %d other devices)\n",
			last, sync.ExportCount, sync.ImportCount, sync.KnownDevices)
	}

	if index, err := openIndexIfPresent(); err == nil && index != nil {
		defer index.Close()
		if n, err := index.Count(); err == nil {
			fmt.Printf("Content Keys:      %d indexed\n", n)
		}
	}

	fmt.Printf("Store Path:        %s\n", storePath)
	return nil
}
