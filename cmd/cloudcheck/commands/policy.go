package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudcheck/pkg/config"
	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/policy"
)

// newPolicyEngine builds the guard described by cfg without watching.
func newPolicyEngine(cmd *cobra.Command, cfg *config.Config) (*policy.Engine, error) {
	guard, err := policy.NewEngine(log.Logger, policy.Options{
		DenyDestructiveAuto: cfg.Policy.DenyDestructiveAuto,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := guard.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return guard, nil
}

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect resolution policies",
	}
	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutputFormat(); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			guard, err := newPolicyEngine(cmd, cfg)
			if err != nil {
				return err
			}

			policies := guard.ListPolicies()
			out := cmd.OutOrStdout()
			if outputFormat != "table" {
				return writeStructured(out, policies)
			}
			tw := newTable(out, "NAME", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "built-in"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		problemID  string
		resolution string
		runPolicy  string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate the policies for one resolution",
		Long: `Evaluate every enabled policy as if the resolution were about to run,
without touching the store, the cloud or any agent.`,
		Example: `  cloudcheck policy check --problem inactive_disk/12 --resolution delete_disk --policy auto`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutputFormat(); err != nil {
				return err
			}
			problemType, resourceID, err := engine.ParseProblemID(problemID)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			guard, err := newPolicyEngine(cmd, cfg)
			if err != nil {
				return err
			}

			decision, err := guard.Evaluate(cmd.Context(), engine.GuardInput{
				RunID:       "policy-check",
				ProblemID:   problemID,
				ProblemType: problemType,
				ResourceID:  resourceID,
				Resolution:  resolution,
				Policy:      runPolicy,
				Auto:        runPolicy == "auto",
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputFormat != "table" {
				return writeStructured(out, decision)
			}
			for _, w := range decision.Warnings {
				fmt.Fprintf(out, "! %s: %s\n", w.Policy, w.Message)
			}
			if decision.Allowed {
				fmt.Fprintf(out, "✓ %s allowed for %s (%d policies)\n", resolution, problemID, len(decision.EvaluatedPolicies))
				return nil
			}
			for _, v := range decision.Violations {
				fmt.Fprintf(out, "✗ %s: %s\n", v.Policy, v.Message)
			}
			return fmt.Errorf("%s denied for %s", resolution, problemID)
		},
	}

	cmd.Flags().StringVar(&problemID, "problem", "", "problem ID (type/resource)")
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution name")
	cmd.Flags().StringVar(&runPolicy, "policy", "manual", "run policy: auto, manual or script")
	_ = cmd.MarkFlagRequired("problem")
	_ = cmd.MarkFlagRequired("resolution")

	return cmd
}
