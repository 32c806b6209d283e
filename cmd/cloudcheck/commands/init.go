package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/cloudcheck/pkg/config"
)

const examplePolicy = `package cloudcheck.custom.example

import rego.v1

# Example guard. Every entry in "deny" vetoes the resolution.
# Input fields: run_id, problem_id, problem_type, resource_id, resolution,
# plan, policy, auto, destructive, timestamp.

deny contains msg if {
	input.problem_type == "missing_vm"
	input.resolution == "delete_vm_reference"
	input.policy == "script"
	msg := "scripts may not delete VM references"
}
`

func newInitCommand() *cobra.Command {
	var (
		dir     string
		backend string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a cloudcheck workspace",
		Long: `Initialize a workspace with a configuration file, a migrated store and a
policy directory holding an example policy.`,
		Example: `  # Initialize in the current directory
  cloudcheck init

  # Initialize with a badger store
  cloudcheck init --dir /var/lib/cloudcheck --store badger`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			log.Info().
				Str("dir", dir).
				Str("store", backend).
				Msg("Initializing workspace")

			policyDir := filepath.Join(dir, "policies")
			if err := os.MkdirAll(policyDir, 0o750); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", policyDir, err)
			}
			fmt.Fprintf(out, "✓ Created directory: %s\n", policyDir)

			path := configPath
			if path == "" {
				path = filepath.Join(dir, "cloudcheck.yaml")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			cfg.Store.Backend = backend
			cfg.Store.Path = filepath.Join(dir, "cloudcheck.db")
			cfg.Policy.Paths = []string{policyDir}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if err := os.WriteFile(path, data, 0o640); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(out, "✓ Created config file: %s\n", path)

			// Reading the file back catches anything the schema rejects.
			if _, err := config.Load(path); err != nil {
				return err
			}

			examplePath := filepath.Join(policyDir, "example.rego")
			if _, err := os.Stat(examplePath); os.IsNotExist(err) {
				if err := os.WriteFile(examplePath, []byte(examplePolicy), 0o640); err != nil {
					return fmt.Errorf("failed to write example policy: %w", err)
				}
				fmt.Fprintf(out, "✓ Created example policy: %s\n", examplePath)
			}

			repo, _, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			if err := repo.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Fprintf(out, "✓ Initialized %s store: %s\n", backend, cfg.Store.Path)

			fmt.Fprintf(out, "\nNext: cloudcheck scan --config %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")
	cmd.Flags().StringVar(&backend, "store", "sqlite", "store backend: sqlite or badger")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and policies",
		Example: `  cloudcheck validate --config cloudcheck.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			source := cfg.Source
			if source == "" {
				source = "built-in defaults"
			}
			fmt.Fprintf(out, "✓ Configuration valid: %s\n", source)

			if !cfg.Policy.Enabled {
				fmt.Fprintln(out, "- Policies disabled")
				return nil
			}
			guard, err := newPolicyEngine(cmd, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Policies valid: %d loaded\n", len(guard.ListPolicies()))
			return nil
		},
	}
	return cmd
}
