package cmd

import (
	"fmt"
	"time"

	"github.com/marcus/shopsync/internal/output"
	"github.com/marcus/shopsync/internal/queue"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "Inspect and manage the pending mutation queue",
	GroupID: "sync",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		failed, _ := cmd.Flags().GetBool("failed")

		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		status := queue.StatusPending
		if failed {
			status = queue.StatusFailed
		}
		items, err := eng.log.List(status)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if asJSON {
			return output.JSON(items)
		}
		if len(items) == 0 {
			output.Subtle("queue is empty")
			return nil
		}
		for _, it := range items {
			line := fmt.Sprintf("#%d  %-9s %-6s %s/%s  prio=%d attempts=%d/%d",
				it.ID, output.Status(string(it.Status)), it.Operation,
				it.Table, it.RecordID, it.Priority, it.Attempts, it.MaxAttempts)
			if it.NextRetryAt != nil {
				line += fmt.Sprintf("  retry in %s", time.Until(*it.NextRetryAt).Round(time.Second))
			}
			output.Info("%s", line)
			if it.LastError != "" {
				output.Subtle("    last error: %s", it.LastError)
			}
		}
		return nil
	},
}

var queueResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return terminally failed mutations to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		n, err := eng.log.ResetFailed()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("requeued %d failed items", n)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop terminally failed mutations from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		n, err := eng.log.ClearFailed()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("dropped %d failed items", n)
		return nil
	},
}

func init() {
	queueListCmd.Flags().Bool("json", false, "output as JSON")
	queueListCmd.Flags().Bool("failed", false, "show terminally failed items instead of pending")
	queueCmd.AddCommand(queueListCmd, queueResetCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
