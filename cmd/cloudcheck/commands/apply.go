package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudcheck/pkg/config"
	"github.com/openfroyo/cloudcheck/pkg/engine"
)

// selection is what the operator asked apply to do.
type selection struct {
	auto          bool
	choices       []string // "problem_id=resolution"
	choicesFile   string
	script        string
	scriptTimeout time.Duration
}

// build returns the selector chain and the run policy label. Explicit
// choices win over the script, which wins over auto resolutions.
func (s selection) build(logger zerolog.Logger) (engine.Selector, string, error) {
	var chain engine.ChainSelector
	policy := "auto"

	manual := engine.MapSelector{}
	if s.choicesFile != "" {
		fromFile, err := config.NewLoader().LoadResolutions(s.choicesFile)
		if err != nil {
			return nil, "", err
		}
		for id, name := range fromFile {
			manual[id] = name
		}
	}
	for _, choice := range s.choices {
		id, name, err := parseChoice(choice)
		if err != nil {
			return nil, "", err
		}
		manual[id] = name
	}
	if len(manual) > 0 {
		chain = append(chain, manual)
		policy = "manual"
	}

	if s.script != "" {
		script, err := config.LoadStarlarkSelector(s.script, s.scriptTimeout, logger)
		if err != nil {
			return nil, "", err
		}
		chain = append(chain, script)
		policy = "script"
	}

	if s.auto {
		chain = append(chain, engine.AutoSelector{})
	}
	if len(chain) == 0 {
		return nil, "", fmt.Errorf("nothing selected: pass --auto, --resolution, --resolutions or --script")
	}
	return chain, policy, nil
}

// parseChoice splits "inactive_disk/12=delete_disk".
func parseChoice(choice string) (string, string, error) {
	id, name, ok := strings.Cut(choice, "=")
	id, name = strings.TrimSpace(id), strings.TrimSpace(name)
	if !ok || id == "" || name == "" {
		return "", "", fmt.Errorf("invalid resolution %q (want problem_id=resolution)", choice)
	}
	if _, _, err := engine.ParseProblemID(id); err != nil {
		return "", "", fmt.Errorf("invalid resolution %q: %w", choice, err)
	}
	return id, name, nil
}

func newApplyCommand() *cobra.Command {
	var (
		sel          selection
		reportFile   string
		types        []string
		labels       string
		dryRun       bool
		parallel     int
		strictDelete bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Resolve problems",
		Long: `Scan (or load a saved report) and resolve each problem with the selected
resolution.

The resolution of a problem comes from, in order:
  - an explicit --resolution or the --resolutions file
  - the resolve() function of a --script
  - the problem type's auto resolution when --auto is given

Problems without a selection are skipped. Each problem is re-verified
before and after its action; policies may veto an action.`,
		Example: `  # Apply the conservative auto resolutions
  cloudcheck apply --auto

  # Choose per problem, falling back to auto
  cloudcheck apply --resolution inactive_disk/12=delete_disk --auto

  # Apply a saved report with choices from a file
  cloudcheck apply --report report.json --resolutions choices.yaml

  # Let a Starlark script decide, without acting
  cloudcheck apply --script choose.star --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutputFormat(); err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, strictDelete)
			if err != nil {
				return err
			}
			defer a.close()

			selector, policy, err := sel.build(a.logger)
			if err != nil {
				return err
			}
			if parallel <= 0 {
				parallel = a.cfg.Engine.MaxParallel
			}
			opts := engine.ApplyOptions{
				Selector:    selector,
				Policy:      policy,
				MaxParallel: parallel,
				DryRun:      dryRun,
				Actor:       actor(),
			}

			log.Info().
				Str("policy", policy).
				Bool("dry_run", dryRun).
				Int("parallel", parallel).
				Msg("Applying resolutions")

			var result *engine.ApplyResult
			if reportFile != "" {
				report, err := readReportFile(reportFile)
				if err != nil {
					return err
				}
				result, err = a.engine.ApplyReport(ctx, report, opts)
				if err != nil && result == nil {
					return fmt.Errorf("apply failed: %w", err)
				}
			} else {
				candidates, err := a.collect(ctx, types, labels)
				if err != nil {
					return err
				}
				result, err = a.engine.Apply(ctx, candidates, opts)
				if err != nil && result == nil {
					return fmt.Errorf("apply failed: %w", err)
				}
			}

			if err := writeApplyResult(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if n := result.Summary()[engine.DispositionFailed]; n > 0 {
				return fmt.Errorf("%d resolution(s) failed", n)
			}
			return ctx.Err()
		},
	}

	cmd.Flags().BoolVar(&sel.auto, "auto", false, "use each problem type's auto resolution")
	cmd.Flags().StringArrayVarP(&sel.choices, "resolution", "r", nil, "problem_id=resolution (repeatable)")
	cmd.Flags().StringVar(&sel.choicesFile, "resolutions", "", "YAML, TOML or CUE file mapping problem IDs to resolutions")
	cmd.Flags().StringVar(&sel.script, "script", "", "Starlark file defining resolve(problem)")
	cmd.Flags().DurationVar(&sel.scriptTimeout, "script-timeout", config.DefaultScriptTimeout, "time limit per resolve() call")
	cmd.Flags().StringVar(&reportFile, "report", "", "apply a report saved by scan --save")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "problem types to check (default all)")
	cmd.Flags().StringVarP(&labels, "selector", "l", "", "instance label selector (key=value,...)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "select resolutions without acting")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "problems resolved concurrently (default from config)")
	cmd.Flags().BoolVar(&strictDelete, "strict-delete", false, "fail delete_disk on cloud delete errors instead of removing the record (a disk already gone still succeeds)")

	return cmd
}
