package cmd

import (
	"time"

	"github.com/marcus/shopsync/internal/output"
	"github.com/marcus/shopsync/internal/store"
	"github.com/marcus/shopsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show replica sync state",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		counts, err := eng.store.CountByStatus()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		pending, err := eng.log.PendingCount()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		failed, err := eng.log.TerminalCount()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		checkpoint, _, err := eng.store.Checkpoint()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if asJSON {
			return output.JSON(map[string]any{
				"server":       syncconfig.GetServerURL(),
				"logged_in":    eng.creds.IsAuthenticated(),
				"records":      counts,
				"queue_depth":  pending,
				"queue_failed": failed,
				"checkpoint":   checkpoint,
			})
		}

		output.Info("server: %s", syncconfig.GetServerURL())
		if eng.creds.IsAuthenticated() {
			output.Info("auth:   logged in")
		} else {
			output.Warning("auth:   not logged in")
		}
		if checkpoint.IsZero() {
			output.Info("pull:   never")
		} else {
			output.Info("pull:   %s ago", time.Since(checkpoint).Round(time.Second))
		}
		output.Info("queue:  %d pending, %d failed", pending, failed)
		for _, st := range []store.SyncStatus{
			store.StatusPending, store.StatusSyncing, store.StatusSynced,
			store.StatusFailed, store.StatusConflict,
		} {
			if n := counts[st]; n > 0 {
				output.Info("  %s: %d records", output.Status(string(st)), n)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
