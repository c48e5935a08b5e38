package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/marcus/shopsync/internal/output"
	"github.com/marcus/shopsync/internal/store"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <table> <json>",
	Short: "Create or update a record in the local replica",
	Long: `Writes a record locally and queues it for push. The write succeeds
whether or not the server is reachable. Pass --id to update an existing
record; without it a new id is generated.`,
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		table, payload := args[0], args[1]

		if !store.IsReplicatedTable(table) {
			return fmt.Errorf("unknown table %q (tables: %v)", table, store.Tables)
		}
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		if id == "" {
			id = uuid.NewString()
		}

		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		if err := eng.store.Put(table, id, json.RawMessage(payload)); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("%s/%s queued (%s)", table, id, output.Status("pending"))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <table> <id>",
	Short:   "Show a record and its sync envelope",
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		rec, err := eng.store.Get(args[0], args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if rec == nil {
			return fmt.Errorf("record %s/%s not found", args[0], args[1])
		}
		return output.JSON(rec)
	},
}

func init() {
	putCmd.Flags().String("id", "", "record id (generated when omitted)")
	rootCmd.AddCommand(putCmd, getCmd)
}
