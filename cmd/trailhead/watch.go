package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <tenant>",
	Short: "Stream the events and trail results of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := args[0]

		a, err := newApp(cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		updates, cancel := a.client.Streams().Subscribe(tenant)
		defer cancel()
		if err := a.client.Subscribe(tenant); err != nil {
			return err
		}
		a.logger.Info("watching tenant", "tenant_id", tenant)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-a.conn.Done():
				return fmt.Errorf("transport closed: %w", a.conn.Err())
			case u := <-updates:
				fmt.Printf("%-6s %s\n", u.Kind, u.Data)
			}
		}
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a backend answers on the echo endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		env, err := envelope.Encode(uuid.NewString(), map[string]string{"ping": time.Now().UTC().Format(time.RFC3339Nano)})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RPC.Timeout)
		defer cancel()

		began := time.Now()
		reply, err := a.client.Mux().Request(ctx, domain.DefaultEchoSubject, env, a.cfg.RPC.Timeout)
		if err != nil {
			return err
		}
		fmt.Printf("%s answered in %s: %s\n", domain.DefaultEchoSubject, time.Since(began).Round(time.Microsecond), reply.Payload)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd, pingCmd)
}
