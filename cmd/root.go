package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version string
	baseDir string
)

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "shopsync",
	Short: "Offline-first sync engine for the shop replica",
	Long: `shopsync keeps a local replica of business records (products, customers,
sales, devices, batches) consistent with the central server despite
unreliable connectivity. Local writes queue durably while offline and
push in priority order once a connection returns.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", ".", "base directory holding the local replica")
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
}

func getBaseDir() string {
	if v := os.Getenv("SHOPSYNC_DIR"); v != "" {
		return v
	}
	return baseDir
}
