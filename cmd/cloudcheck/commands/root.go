package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	verbose      bool
	outputFormat string

	// buildVersion labels telemetry.
	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cloudcheck",
		Short: "Cloud consistency check and reconciliation",
		Long: `cloudcheck compares the deployment model against the cloud and the VM
agents, reports every divergence as a typed problem and resolves problems
with a selected resolution.

Problem types:
  - inactive_disk: a persistent disk recorded but not active
  - missing_disk: an active disk the cloud no longer has
  - mount_info_mismatch: an active disk the VM's agent does not report mounted
  - missing_vm: a VM record the cloud no longer has
  - unresponsive_agent: a VM whose agent does not answer`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory (default $CLOUDCHECK_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newTypesCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
