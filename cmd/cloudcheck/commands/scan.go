package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudcheck/pkg/engine"
)

func newScanCommand() *cobra.Command {
	var (
		types      []string
		selector   string
		saveReport string
		showPlans  bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Report open problems",
		Long: `Scan every persistent disk and VM in the store, re-verify each candidate
against the cloud and the VM agents and report the problems that exist.

Nothing is changed. The report can be saved and applied later with
"cloudcheck apply --report"; every problem is re-verified before acting.`,
		Example: `  # Scan everything
  cloudcheck scan

  # Only disk problems of one deployment, as JSON
  cloudcheck scan --type inactive_disk --type missing_disk --selector deployment=cf -o json

  # Save the report and show the plan of every resolution
  cloudcheck scan --save report.json --plans`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutputFormat(); err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			candidates, err := a.collect(ctx, types, selector)
			if err != nil {
				return err
			}
			log.Debug().Int("candidates", len(candidates)).Msg("Scanning")

			report, err := a.engine.Scan(ctx, candidates)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			if saveReport != "" {
				if err := writeReportFile(saveReport, report); err != nil {
					return err
				}
				log.Info().Str("path", saveReport).Msg("Report saved")
			}

			out := cmd.OutOrStdout()
			if showPlans && outputFormat == "table" {
				writePlans(out, report)
				fmt.Fprintln(out)
			}
			return writeReport(out, report)
		},
	}

	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "problem types to check (default all)")
	cmd.Flags().StringVarP(&selector, "selector", "l", "", "instance label selector (key=value,...)")
	cmd.Flags().StringVar(&saveReport, "save", "", "write the report to this JSON file")
	cmd.Flags().BoolVar(&showPlans, "plans", false, "print the plan of every resolution")

	return cmd
}

func writeReportFile(path string, report *engine.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func readReportFile(path string) (*engine.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var report engine.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &report, nil
}
