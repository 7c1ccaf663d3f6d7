package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aretw0/trailhead"
	"github.com/aretw0/trailhead/internal/presentation/tui"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a generation request",
	Long: `Sends a generation request to the backend queue group and prints the request id.
With --wait the command follows the progress events and prints the reconstructed
trail once the result arrives. The memory transport always waits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		tenant, _ := flags.GetString("tenant")
		title, _ := flags.GetString("title")
		nodes, _ := flags.GetInt("nodes")
		extra, _ := flags.GetStringToString("param")
		wait, _ := flags.GetBool("wait")
		timeout, _ := flags.GetDuration("timeout")

		params := map[string]any{
			"tenant_id":  tenant,
			"title":      title,
			"node_count": nodes,
		}
		for k, v := range extra {
			params[k] = v
		}

		a, err := newApp(cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		id, err := a.client.Submit(ctx, params)
		if err != nil {
			return err
		}
		fmt.Println(id)

		if !wait && a.broker == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return follow(ctx, a.client, id)
	},
}

// follow prints status changes of id until it finishes, then renders its trail.
func follow(ctx context.Context, c *trailhead.Client, id string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	last := domain.TrackedRequest{}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for %s: %w", id, ctx.Err())
		case <-ticker.C:
		}

		r, err := c.Status(id)
		if err != nil {
			return err
		}
		if r.Status != last.Status || r.Phase != last.Phase {
			fmt.Fprintf(os.Stderr, "%s %-10s %3.0f%%\n", tui.StatusColor(string(r.Status)), r.Phase, r.Progress*100)
			last = r
		}
		switch r.Status {
		case domain.StatusFailed:
			return fmt.Errorf("request %s failed: %s", id, r.Error)
		case domain.StatusCompleted:
			artifact, err := c.Trail(ctx, id)
			if errors.Is(err, domain.ErrTrailNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			return printReport(artifact.GenerationMetadata.Title, c.Reconstruct(ctx, artifact.TrailSteps, artifact.Trail.StartNodeID))
		}
	}
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("tenant", "", "Tenant id (required)")
	submitCmd.Flags().String("title", "", "Story title")
	submitCmd.Flags().Int("nodes", 0, "Requested node count")
	submitCmd.Flags().StringToString("param", nil, "Extra parameters as key=value")
	submitCmd.Flags().Bool("wait", false, "Follow progress and print the trail")
	submitCmd.Flags().Duration("timeout", 2*time.Minute, "How long to wait for the result")
	_ = submitCmd.MarkFlagRequired("tenant")
}
