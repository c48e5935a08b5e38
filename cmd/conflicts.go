package cmd

import (
	"fmt"

	"github.com/marcus/shopsync/internal/output"
	"github.com/marcus/shopsync/internal/store"
	"github.com/marcus/shopsync/internal/sync"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "Review and resolve records parked in conflict",
	GroupID: "sync",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records awaiting manual resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		recs, err := eng.store.ListByStatus(store.StatusConflict)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if asJSON {
			return output.JSON(recs)
		}
		if len(recs) == 0 {
			output.Subtle("no conflicts")
			return nil
		}
		for _, rec := range recs {
			output.Info("%s/%s  updated %s", rec.Table, rec.ID,
				rec.Envelope.ClientUpdatedAt.Format("2006-01-02 15:04:05"))
			output.Subtle("    local:  %s", rec.Data)
			output.Subtle("    server: %s", rec.Envelope.ConflictData)
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <table> <id>",
	Short: "Resolve a conflict by choosing a side",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		use, _ := cmd.Flags().GetString("use")

		var winner sync.Resolution
		switch use {
		case "server":
			winner = sync.ServerWins
		case "client":
			winner = sync.ClientWins
		default:
			return fmt.Errorf("--use must be server or client, got %q", use)
		}

		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		table, id := args[0], args[1]
		if err := sync.ResolveManual(eng.store, table, id, winner); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("resolved %s/%s with %s", table, id, use)
		if winner == sync.ClientWins {
			output.Subtle("local version queued for push (run: shopsync sync)")
		}
		return nil
	},
}

func init() {
	conflictsListCmd.Flags().Bool("json", false, "output as JSON")
	conflictsResolveCmd.Flags().String("use", "", "winning side: server or client")
	conflictsResolveCmd.MarkFlagRequired("use")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
