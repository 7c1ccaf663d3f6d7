package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aretw0/trailhead/internal/presentation/graph"
	"github.com/aretw0/trailhead/internal/presentation/tui"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/trail"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct [file]",
	Short: "Rebuild a trail from a step sequence",
	Long: `Reads a step array, or a trail result object with a "steps" field, from the
file or stdin and prints the reconstructed trail. JSON and YAML are accepted.
Nothing is stored and no transport is needed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetString("start")
		sequential, _ := cmd.Flags().GetBool("sequential")
		mermaid, _ := cmd.Flags().GetBool("mermaid")

		in := io.Reader(os.Stdin)
		name := "stdin"
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in, name = f, args[0]
		}

		steps, resStart, err := readSteps(in)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if start == "" {
			start = resStart
		}
		if start == "" {
			start = domain.DefaultStartNodeID
		}

		build := trail.Reconstruct
		if sequential {
			build = trail.ReconstructSequential
		}
		res := build(steps, start)

		if mermaid {
			fmt.Print(graph.GenerateMermaid(res.Trail, res.Issues))
			return nil
		}
		return printReport(name, res)
	},
}

// stepFile is the YAML form of a trail result.
type stepFile struct {
	StartNodeID string        `yaml:"start_node_id"`
	Steps       []domain.Step `yaml:"steps"`
}

// readSteps accepts a bare step array or an object carrying steps and an optional start id,
// written as JSON or YAML.
func readSteps(r io.Reader) ([]domain.Step, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	var steps []domain.Step
	if err := json.Unmarshal(data, &steps); err == nil {
		return steps, "", nil
	}
	var res domain.TrailResult
	jsonErr := json.Unmarshal(data, &res)
	if jsonErr == nil {
		return res.Steps, res.StartNodeID, nil
	}

	if err := yaml.Unmarshal(data, &steps); err == nil {
		return steps, "", nil
	}
	var file stepFile
	if err := yaml.Unmarshal(data, &file); err != nil || file.Steps == nil {
		return nil, "", fmt.Errorf("expected a step array or a trail result: %w", jsonErr)
	}
	return file.Steps, file.StartNodeID, nil
}

func printReport(title string, res trail.Result) error {
	out, err := tui.NewRenderer()(tui.TrailReport(title, res))
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func init() {
	rootCmd.AddCommand(reconstructCmd)
	reconstructCmd.Flags().String("start", "", "Start node id (defaults to the result's, then \"start\")")
	reconstructCmd.Flags().Bool("sequential", false, "Link unresolved choices to the following step")
	reconstructCmd.Flags().Bool("mermaid", false, "Print a Mermaid flowchart instead of the report")
}
