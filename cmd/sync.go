package cmd

import (
	"context"
	"fmt"

	"github.com/marcus/shopsync/internal/output"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one push-then-pull cycle against the server",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")

		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		if !eng.creds.IsAuthenticated() {
			output.Error("not logged in (run: shopsync login)")
			return fmt.Errorf("not authenticated")
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if !pullOnly {
			stats, err := eng.pusher.Run(ctx)
			if err != nil {
				output.Error("push: %v", err)
				return err
			}
			output.Info("pushed %d, failed %d, conflicts %d", stats.Pushed, stats.Failed, stats.Conflicts)
		}

		if !pushOnly {
			stats, err := eng.puller.Run(ctx)
			if err != nil {
				output.Error("pull: %v", err)
				return err
			}
			output.Info("applied %d, deleted %d, conflicts %d", stats.Applied, stats.Deleted, stats.Conflicts)
		}

		pending, err := eng.log.PendingCount()
		if err == nil {
			if pending == 0 {
				output.Success("in sync")
			} else {
				output.Warning("%d items still pending", pending)
			}
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("push", false, "push only")
	syncCmd.Flags().Bool("pull", false, "pull only")
	rootCmd.AddCommand(syncCmd)
}
