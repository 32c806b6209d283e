package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/cloudcheck/pkg/engine"
)

func checkOutputFormat() error {
	switch outputFormat {
	case "table", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown output format %q (must be table, json or yaml)", outputFormat)
}

// writeStructured writes v as JSON or YAML. YAML keys follow the JSON tags.
func writeStructured(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if outputFormat == "json" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to convert output: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

// writeReport prints a scan report. The auto resolution is starred.
func writeReport(w io.Writer, report *engine.Report) error {
	if outputFormat != "table" {
		return writeStructured(w, report)
	}

	if len(report.Problems) == 0 {
		fmt.Fprintln(w, "✓ No problems found")
	} else {
		tw := newTable(w, "PROBLEM", "DESCRIPTION", "RESOLUTIONS")
		for _, p := range report.Problems {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Description, resolutionList(p))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(report.Errors) > 0 {
		fmt.Fprintf(w, "\n%d resource(s) could not be checked:\n", len(report.Errors))
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  ✗ %s: %s\n", e.ProblemID, e.Reason)
		}
	}
	if report.Dropped > 0 {
		fmt.Fprintf(w, "\n%d problem(s) resolved themselves during the scan\n", report.Dropped)
	}
	fmt.Fprintf(w, "\nRun %s: %d problem(s)\n", report.RunID, len(report.Problems))
	return nil
}

func resolutionList(p *engine.Problem) string {
	names := make([]string, 0, len(p.Resolutions))
	for _, r := range p.Resolutions {
		if r.Name == p.AutoResolution {
			names = append(names, r.Name+"*")
			continue
		}
		names = append(names, r.Name)
	}
	return strings.Join(names, ", ")
}

// writePlans prints the plan text of every resolution, for operators
// choosing one.
func writePlans(w io.Writer, report *engine.Report) {
	for _, p := range report.Problems {
		fmt.Fprintf(w, "%s: %s\n", p.ID, p.Description)
		for _, r := range p.Resolutions {
			fmt.Fprintf(w, "  - %-28s %s\n", r.Name, r.Plan)
		}
	}
}

// writeApplyResult prints one line per outcome and a summary.
func writeApplyResult(w io.Writer, result *engine.ApplyResult) error {
	if outputFormat != "table" {
		return writeStructured(w, result)
	}

	if len(result.Outcomes) == 0 {
		fmt.Fprintln(w, "✓ No problems found")
		return nil
	}

	tw := newTable(w, "PROBLEM", "RESOLUTION", "DISPOSITION", "REASON")
	for _, o := range result.Outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.ProblemID, dash(o.Resolution), dispositionMark(o.Disposition), o.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nRun %s: %s\n", result.Report.RunID, result.Summary())
	return nil
}

func dispositionMark(d engine.Disposition) string {
	switch d {
	case engine.DispositionResolved, engine.DispositionIgnored:
		return "✓ " + string(d)
	case engine.DispositionFailed, engine.DispositionCancelled:
		return "✗ " + string(d)
	}
	return "- " + string(d)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
