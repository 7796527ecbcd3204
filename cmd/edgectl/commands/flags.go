package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/optimizely/optimizely-edge-agent/internal/client"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Flag key list operations",
}

var flagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the stored flag keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL)
		keys, err := c.FlagKeys(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list flag keys: %w", err)
		}

		if !quiet {
			for _, k := range keys {
				fmt.Println(k)
			}
		}
		return nil
	},
}

var flagsPushCmd = &cobra.Command{
	Use:   "push <key> [key...]",
	Short: "Replace the stored flag key list",
	Long: `Push replaces the webhook-populated flag key list in the agent's KV.
The list limits which flags the pipeline decides when a request does not
name its own.

Examples:
  edgectl flags push flag_a flag_b flag_c`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL)
		if err := c.PushFlagKeys(context.Background(), args); err != nil {
			return fmt.Errorf("failed to push flag keys: %w", err)
		}

		if !quiet {
			fmt.Printf("stored %d flag keys\n", len(args))
		}
		return nil
	},
}

func init() {
	flagsCmd.AddCommand(flagsListCmd)
	flagsCmd.AddCommand(flagsPushCmd)
	rootCmd.AddCommand(flagsCmd)
}
