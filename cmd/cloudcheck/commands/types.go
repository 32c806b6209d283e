package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudcheck/pkg/policy"
	"github.com/openfroyo/cloudcheck/pkg/problems"
)

// problemType describes one registered problem type.
type problemType struct {
	Type           string   `json:"type"`
	AutoResolution string   `json:"auto_resolution,omitempty"`
	Resolutions    []string `json:"resolutions"`
	Destructive    []string `json:"destructive,omitempty"`
}

func listProblemTypes() ([]problemType, error) {
	registry := problems.DefaultRegistry()
	catalogs := problems.ResolutionNames()

	destructive := make(map[string]bool, len(policy.DefaultDestructive))
	for _, name := range policy.DefaultDestructive {
		destructive[name] = true
	}

	var out []problemType
	for _, t := range registry.Types() {
		auto, err := registry.AutoResolution(t)
		if err != nil {
			return nil, err
		}
		pt := problemType{Type: t, AutoResolution: auto, Resolutions: catalogs[t]}
		for _, name := range pt.Resolutions {
			if destructive[name] {
				pt.Destructive = append(pt.Destructive, name)
			}
		}
		out = append(out, pt)
	}
	return out, nil
}

func newTypesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "types",
		Aliases: []string{"problems"},
		Short:   "List problem types and their resolutions",
		Long: `List every problem type with its resolution catalog. The auto resolution
is starred and destructive resolutions are marked with "!".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutputFormat(); err != nil {
				return err
			}
			types, err := listProblemTypes()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputFormat != "table" {
				return writeStructured(out, types)
			}

			tw := newTable(out, "TYPE", "RESOLUTIONS")
			for _, pt := range types {
				destructive := make(map[string]bool, len(pt.Destructive))
				for _, name := range pt.Destructive {
					destructive[name] = true
				}
				names := make([]string, 0, len(pt.Resolutions))
				for _, name := range pt.Resolutions {
					label := name
					if name == pt.AutoResolution {
						label += "*"
					}
					if destructive[name] {
						label += "!"
					}
					names = append(names, label)
				}
				fmt.Fprintf(tw, "%s\t%s\n", pt.Type, strings.Join(names, ", "))
			}
			return tw.Flush()
		},
	}
	return cmd
}
