package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/trailhead/internal/presentation/tui"
	httpAdapter "github.com/aretw0/trailhead/pkg/adapters/http"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts a client and exposes it as a JSON API over HTTP, with a Server-Sent
Events stream per tenant and Prometheus metrics on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		extra := map[string]any{}
		if cmd.Flags().Changed("port") {
			extra["http.port"] = port
		}

		a, err := newApp(cmd, extra)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := []httpAdapter.Option{
			httpAdapter.WithLogger(a.logger),
			httpAdapter.WithGatherer(a.registry),
		}
		if a.cfg.Telemetry.Enabled {
			opts = append(opts, httpAdapter.WithTracing("trailhead-http"))
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.HTTP.Port),
			Handler:           httpAdapter.NewHandler(a.client, opts...),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)

		go func() {
			tui.PrintBanner(os.Stderr)
			a.logger.Info("http server listening", "address", srv.Addr, "transport", a.cfg.Transport.Driver, "store", a.cfg.Trails.Driver)
			serverErrors <- srv.ListenAndServe()
		}()

		// Channel to listen for interrupt or terminate signals.
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			a.logger.Info("shutting down", "signal", sig.String())

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				a.logger.Warn("graceful shutdown did not complete", "err", err)
				return srv.Close()
			}
			a.logger.Info("http server stopped")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on (overrides http.port)")
}
