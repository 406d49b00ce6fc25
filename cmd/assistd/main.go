// Command assistd runs and controls the Assist file-watching daemon.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"putplace.dev/internal/config"
	applog "putplace.dev/internal/log"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "assistd",
	Short:         "Assist file-watching and upload daemon",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to assist.toml (default: ~/.config/assist/assist.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
}

// loadConfig reads the configuration named by --config, falling back to
// the default path.
func loadConfig() (config.Config, error) {
	return config.Load(flagConfig)
}

func initLogging(out io.Writer) {
	applog.Init(applog.Config{Level: flagLogLevel, JSON: flagLogJSON, Output: out})
}

// exitWith terminates the process with code after a subcommand has already
// printed its own message, so main's generic "Error:" wrapper never fires.
func exitWith(code int) error {
	os.Exit(code)
	return nil
}
