package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/optimizely/optimizely-edge-agent/internal/client"
)

var fromKV bool

var datafileCmd = &cobra.Command{
	Use:   "datafile",
	Short: "Datafile operations",
}

var datafilePullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull the datafile through the agent, mirroring it into KV",
	Long: `Pull fetches the datafile for an SDK key through the agent's
KV-preferring route. On a KV miss the agent downloads from the CDN and
mirrors the result into the platform KV, so a pull doubles as a warm-up.

Examples:
  edgectl datafile pull --sdk-key abc123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sdkKey == "" {
			return fmt.Errorf("--sdk-key is required")
		}

		c := client.NewClient(baseURL)
		blob, err := c.Datafile(context.Background(), sdkKey, true)
		if err != nil {
			return fmt.Errorf("failed to pull datafile: %w", err)
		}

		if !quiet {
			fmt.Printf("pulled datafile for %s (%d bytes)\n", sdkKey, len(blob))
		}
		return nil
	},
}

var datafileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the datafile to stdout",
	Long: `Show prints the raw datafile JSON. With --from-kv the KV mirror is
preferred over the CDN.

Examples:
  edgectl datafile show --sdk-key abc123
  edgectl datafile show --sdk-key abc123 --from-kv > datafile.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sdkKey == "" {
			return fmt.Errorf("--sdk-key is required")
		}

		c := client.NewClient(baseURL)
		blob, err := c.Datafile(context.Background(), sdkKey, fromKV)
		if err != nil {
			return fmt.Errorf("failed to fetch datafile: %w", err)
		}

		_, err = os.Stdout.Write(blob)
		return err
	},
}

var datafilePushCmd = &cobra.Command{
	Use:   "push <file>",
	Short: "Push a local datafile into the agent's KV",
	Long: `Push stores a datafile JSON file into the platform KV under the SDK
key, the same entry the CDN webhook would populate. The agent rejects
payloads that do not parse as a datafile.

Examples:
  edgectl datafile push datafile.json --sdk-key abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sdkKey == "" {
			return fmt.Errorf("--sdk-key is required")
		}

		blob, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		c := client.NewClient(baseURL)
		if err := c.PushDatafile(context.Background(), sdkKey, blob); err != nil {
			return fmt.Errorf("failed to push datafile: %w", err)
		}

		if !quiet {
			fmt.Printf("pushed datafile for %s (%d bytes)\n", sdkKey, len(blob))
		}
		return nil
	},
}

func init() {
	datafileShowCmd.Flags().BoolVar(&fromKV, "from-kv", false, "Prefer the KV mirror over the CDN")
	datafileCmd.AddCommand(datafilePullCmd)
	datafileCmd.AddCommand(datafileShowCmd)
	datafileCmd.AddCommand(datafilePushCmd)
	rootCmd.AddCommand(datafileCmd)
}
