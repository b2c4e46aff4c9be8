package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
)

var (
	rotateReason string
	rotateNoKeys bool
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the hybrid keypair",
	Long: `Generate a fresh hybrid keypair, re-wrap every indexed content key under
it, and retire the old keypair. If too many content keys fail to re-wrap the
whole rotation rolls back and nothing changes.

Interrupting with Ctrl-C aborts cleanly at the next checkpoint.`,
	RunE: runRotate,
}

func init() {
	rotateCmd.Flags().StringVar(&rotateReason, "reason", "", "reason recorded in the rotation ledger")
	rotateCmd.Flags().BoolVar(&rotateNoKeys, "skip-rewrap", false, "rotate without re-wrapping indexed content keys")
	rootCmd.AddCommand(rotateCmd)
}

func runRotate(cmd *cobra.Command, args []string) error {
	if _, err := unlockForCommand(); err != nil {
		return err
	}

	opts := keystore.RotationOptions{
		Reason:      rotateReason,
		TriggeredBy: "cli",
	}

	if !rotateNoKeys {
		index, err := openIndexIfPresent()
		if err != nil {
			return fmt.Errorf("failed to open content key index: %w", err)
		}
		if index != nil {
			defer index.Close()
			opts.ReWrapper = index
		}
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	progress := make(chan keystore.RotationProgress, 16)
	opts.Progress = progress

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " rotating keypair"
	_ = s.Color("cyan")
	s.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			s.Suffix = " " + p.Message
		}
	}()

	result, err := vaultSvc.Rotate(ctx, opts)
	close(progress)
	<-done
	s.Stop()

	switch {
	case err == nil:
		fmt.Printf("%s rotation complete in %dms\n", successMark("✓"), result.DurationMs)
		fmt.Printf("  Rotation ID: %s\n", result.RotationID)
		fmt.Printf("  Old key:     %s\n", result.OldKeyID)
		fmt.Printf("  New key:     %s\n", result.NewKeyID)
		if result.SecretsReWrapped+result.SecretsFailed > 0 {
			fmt.Printf("  Content keys re-wrapped: %d (failed: %d)\n",
				result.SecretsReWrapped, result.SecretsFailed)
		}
		return nil

	case errors.Is(err, keystore.ErrRollbackPerformed):
		fmt.Printf("%s rotation rolled back: too many content keys failed to re-wrap (%d of %d)\n",
			failureMark("✗"), result.SecretsFailed, result.SecretsReWrapped+result.SecretsFailed)
		return err

	case errors.Is(err, keystore.ErrRotationAborted):
		fmt.Printf("%s rotation aborted, keystore unchanged\n", warnMark("!"))
		return nil

	case errors.Is(err, keystore.ErrLockContention):
		fmt.Printf("%s another device is rotating right now, try again later\n", warnMark("!"))
		return err

	default:
		return err
	}
}
