package cmd

import (
	"context"
	"os"
	"time"

	"github.com/marcus/shopsync/internal/output"
	"github.com/marcus/shopsync/internal/sync"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Run the sync scheduler in the foreground until interrupted",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		eng, err := openEngine()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.Close()

		if interval <= 0 {
			interval = eng.cfg.Interval()
		}

		orch := sync.NewOrchestrator(eng.pusher, eng.puller, eng.log,
			eng.creds.IsAuthenticated, sync.OrchestratorConfig{
				BaseInterval: interval,
			})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		orch.Start(ctx)

		sigs := make(chan os.Signal, 1)
		notifyWatchSignals(sigs)

		output.Info("watching, sync every %s (Ctrl-C to stop)", interval)
		orch.SyncNow()

		for sig := range sigs {
			if isSyncNowSignal(sig) {
				orch.SyncNow()
				continue
			}
			break
		}

		output.Subtle("stopping")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		done := make(chan struct{})
		go func() {
			orch.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			output.Warning("shutdown timed out with a cycle in flight")
		}

		if n := orch.PendingCount(); n > 0 {
			output.Warning("%d items still pending", n)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().Duration("interval", 0, "base sync interval (default from config)")
	rootCmd.AddCommand(watchCmd)
}
