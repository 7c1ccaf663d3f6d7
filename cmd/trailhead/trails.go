package main

import (
	"fmt"

	"github.com/aretw0/trailhead/internal/presentation/graph"
	"github.com/aretw0/trailhead/internal/presentation/tui"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/trail"
	"github.com/spf13/cobra"
)

var trailsCmd = &cobra.Command{
	Use:   "trails",
	Short: "Inspect stored trails",
}

var trailsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored trails, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.client.Trails(cmd.Context())
		if err != nil {
			return err
		}
		out, err := tui.NewRenderer()(tui.TrailTable(items))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var trailsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show a stored trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showTrail(cmd, args[0], false)
	},
}

var trailsFetchCmd = &cobra.Command{
	Use:   "fetch <request-id>",
	Short: "Ask the backend for a result, store and show it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showTrail(cmd, args[0], true)
	},
}

func showTrail(cmd *cobra.Command, id string, fetch bool) error {
	mermaid, _ := cmd.Flags().GetBool("mermaid")

	a, err := newApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var artifact *domain.TrailArtifact
	if fetch {
		artifact, err = a.client.FetchTrail(ctx, id)
	} else {
		artifact, err = a.client.Trail(ctx, id)
	}
	if err != nil {
		return err
	}

	var res trail.Result
	if artifact.Status == domain.TrailStatusDegraded {
		res = a.client.ReconstructSequential(ctx, artifact.TrailSteps, artifact.Trail.StartNodeID)
	} else {
		res = a.client.Reconstruct(ctx, artifact.TrailSteps, artifact.Trail.StartNodeID)
	}
	if mermaid {
		fmt.Print(graph.GenerateMermaid(res.Trail, res.Issues))
		return nil
	}

	title := artifact.GenerationMetadata.Title
	if title == "" {
		title = artifact.ID
	}
	return printReport(title, res)
}

func init() {
	rootCmd.AddCommand(trailsCmd)
	trailsCmd.AddCommand(trailsListCmd, trailsShowCmd, trailsFetchCmd)
	trailsCmd.PersistentFlags().Bool("mermaid", false, "Print a Mermaid flowchart instead of the report")
}
