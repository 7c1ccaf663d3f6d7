package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/trailhead/internal/simulator"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the reference generation backend",
	Long: `Joins the backend queue group and serves submissions with the built-in simulator.
It publishes phase progress for each job and finishes with a linked step sequence.
Run several workers against the same Redis to share the load.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		delay, _ := cmd.Flags().GetDuration("phase-delay")
		stale, _ := cmd.Flags().GetBool("stale")

		a, err := openApp(cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.broker != nil {
			return fmt.Errorf("worker needs a shared transport; set transport.driver to redis")
		}

		opts := []simulator.Option{simulator.WithPhaseDelay(delay)}
		if stale {
			opts = append(opts, simulator.WithStaleSteps())
		}
		if _, err := a.startWorker(a.conn, name, opts...); err != nil {
			return err
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-stop:
			a.logger.Info("stopping worker", "signal", sig.String())
			return nil
		case <-a.conn.Done():
			return fmt.Errorf("transport closed: %w", a.conn.Err())
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().String("name", "simulator", "Component name reported in events")
	workerCmd.Flags().Duration("phase-delay", simulator.DefaultPhaseDelay, "Pause between generation phases")
	workerCmd.Flags().Bool("stale", false, "Publish steps without choice targets")
}
