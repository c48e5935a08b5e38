package cmd

import (
	"fmt"

	"github.com/marcus/shopsync/internal/output"
	"github.com/marcus/shopsync/internal/store"
	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:     "rm <table> <id>",
	Short:   "Delete a record locally and queue the delete for push",
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, id := args[0], args[1]
		if !store.IsReplicatedTable(table) {
			return fmt.Errorf("unknown table %q (tables: %v)", table, store.Tables)
		}

		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		rec, err := eng.store.Get(table, id)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if rec == nil {
			return fmt.Errorf("record %s/%s not found", table, id)
		}

		if err := eng.store.Delete(table, id); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("%s/%s deleted locally, removal queued", table, id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
