//go:build windows

package cmd

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyWatchSignals registers the shutdown signals. Windows has no USR1,
// so there is no force-a-cycle signal.
func notifyWatchSignals(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
}

func isSyncNowSignal(os.Signal) bool {
	return false
}
