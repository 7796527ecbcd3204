package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/optimizely/optimizely-edge-agent/internal/client"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved flagging configuration",
	Long: `Config prints the agent's resolved configuration for an SDK key:
platform, datafile revision and the active flag keys.

Examples:
  edgectl config --sdk-key abc123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sdkKey == "" {
			return fmt.Errorf("--sdk-key is required")
		}

		c := client.NewClient(baseURL)
		cfg, err := c.Config(context.Background(), sdkKey)
		if err != nil {
			return fmt.Errorf("failed to fetch config: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
