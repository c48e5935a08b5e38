//go:build unix

package cmd

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyWatchSignals registers the shutdown signals plus USR1, which
// forces a sync cycle without waiting for the timer.
func notifyWatchSignals(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
}

// isSyncNowSignal reports whether the signal requests an immediate cycle
// rather than shutdown.
func isSyncNowSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}
