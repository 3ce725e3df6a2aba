package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haatos/releaseci/internal/store"
	"github.com/spf13/cobra"
)

var runIDFlag string

func init() {
	runCmd.Flags().StringVar(&runIDFlag, "run-id", "", "identifier for the pipeline run")
}

var runCmd = &cobra.Command{
	Use:   "run <lane>",
	Short: "Execute one pipeline run for the named lane and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()
		defer a.releaseSvc.ShutdownAll()

		r, err := a.releaseSvc.TriggerRun(
			cmd.Context(), args[0], runIDFlag, store.TriggerManual,
		)
		if err != nil {
			return err
		}
		fmt.Printf("run %s started on lane %s\n", r.RunID, r.Lane)

		// Ctrl-C cancels the run rather than killing the process; the
		// in-flight stage gets aborted and the run recorded as cancelled.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("cancelling run...")
			if _, err := a.releaseSvc.CancelRun(context.Background(), r.RunID); err != nil {
				fmt.Fprintln(os.Stderr, "err cancelling run:", err)
			}
		}()

		final, err := waitForRun(cmd.Context(), a, r.RunID)
		if err != nil {
			return err
		}

		fmt.Printf("run %s finished: %s\n", final.RunID, final.Status)
		if final.Status == store.StatusSucceeded {
			return nil
		}
		return &exitError{code: exitCodeFor(final)}
	},
}

func waitForRun(ctx context.Context, a *app, runID string) (*store.Run, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			r, err := a.releaseSvc.GetRunByID(ctx, runID)
			if err != nil {
				return nil, err
			}
			if r.Status.Terminal() {
				return r, nil
			}
		}
	}
}

func exitCodeFor(r *store.Run) int {
	if r.FailureReason == nil {
		return exitCodeFailed
	}
	switch store.Outcome(*r.FailureReason) {
	case store.OutcomeRateLimited:
		return exitCodeRateLimited
	case store.OutcomeCancelled:
		return exitCodeCancelled
	default:
		return exitCodeFailed
	}
}
