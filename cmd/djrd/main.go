// Command djrd runs the distributed job runner daemon: it owns the store
// and delivery-channel lifecycle, starts the worker pool and timer
// scheduler, and shuts everything down on SIGINT/SIGTERM.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "djrd",
	Short: "Durable workflow orchestration daemon",
	Long: `djrd runs workflow workers and the timer scheduler against a shared
store and delivery channel. Any number of djrd processes may run against
the same store; conditional updates arbitrate all contention, so no
coordinator is needed.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./djrd.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
