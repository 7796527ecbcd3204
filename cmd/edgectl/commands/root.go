package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	baseURL string
	sdkKey  string
	quiet   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "edgectl",
	Short: "CLI tool for operating the edge agent",
	Long: `Edgectl is a command-line tool for operating a running edge agent.

It provides commands for pulling datafiles (mirroring them into the
platform KV), inspecting the resolved configuration, and managing the
webhook-populated flag key list.

Examples:
  edgectl datafile pull --sdk-key abc123
  edgectl datafile show --sdk-key abc123 --from-kv
  edgectl config --sdk-key abc123
  edgectl flags list
  edgectl flags push flag_a flag_b flag_c`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "http://localhost:8080", "Base URL of the edge agent")
	rootCmd.PersistentFlags().StringVar(&sdkKey, "sdk-key", "", "SDK key to operate on")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
}
