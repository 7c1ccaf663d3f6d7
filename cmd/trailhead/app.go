package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/trailhead"
	"github.com/aretw0/trailhead/internal/config"
	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/internal/simulator"
	"github.com/aretw0/trailhead/internal/telemetry"
	loamadapter "github.com/aretw0/trailhead/pkg/adapters/loam"
	"github.com/aretw0/trailhead/pkg/adapters/memory"
	redisadapter "github.com/aretw0/trailhead/pkg/adapters/redis"
	"github.com/aretw0/trailhead/pkg/observability"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/tracker"
	"github.com/aretw0/trailhead/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// loadConfig reads the config file named by --config and applies the persistent flags on top.
func loadConfig(cmd *cobra.Command, extra map[string]any) (*config.Config, *slog.Logger, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	overrides := map[string]any{}
	for flag, key := range map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
		"transport":  "transport.driver",
		"redis-addr": "redis.addr",
		"store":      "trails.driver",
		"dir":        "trails.dir",
	} {
		v, _ := flags.GetString(flag)
		overrides[key] = v
	}
	for k, v := range extra {
		overrides[k] = v
	}

	cfg, err := config.Load(path, overrides)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewWithFormat(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	return cfg, logger, nil
}

// app holds everything a command needs to talk to the backends.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	redis  *backend.Client
	broker *memory.Broker
	conn   ports.Conn
	client *trailhead.Client

	closers []func() error
}

// openApp loads the configuration and connects the transport.
func openApp(cmd *cobra.Command, extra map[string]any) (*app, error) {
	cfg, logger, err := loadConfig(cmd, extra)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.metrics = observability.NewMetrics(a.registry)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("trailhead", os.Stderr, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		a.onClose(func() error { return shutdown(context.Background()) })
	}
	a.dial()
	return a, nil
}

// newApp opens the app and builds a Client. With the memory transport an in-process
// simulator serves the backend endpoints, so every command works standalone.
func newApp(cmd *cobra.Command, extra map[string]any) (*app, error) {
	a, err := openApp(cmd, extra)
	if err != nil {
		return nil, err
	}
	if err := a.connectClient(); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.broker != nil {
		if _, err := a.startWorker(a.broker.Connect(), "embedded"); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) connectClient() error {
	cfg := a.cfg
	store, err := a.store()
	if err != nil {
		return err
	}

	ordering, _ := tracker.ParseOrdering(cfg.Tracker.Ordering)
	opts := []trailhead.Option{
		trailhead.WithLogger(a.logger),
		trailhead.WithMetrics(a.metrics),
		trailhead.WithStore(store),
		trailhead.WithTimeout(cfg.RPC.Timeout),
		trailhead.WithSubjects(trailhead.Subjects{
			Submit: cfg.RPC.SubmitSubject,
			Replay: cfg.RPC.ReplaySubject,
			Trail:  cfg.RPC.TrailSubject,
		}),
		trailhead.WithPrefixes(cfg.Events.Prefix, cfg.Events.TrailsPrefix),
		trailhead.WithTrackerOptions(
			tracker.WithRetention(cfg.Tracker.Retention),
			tracker.WithSweepInterval(cfg.Tracker.SweepInterval),
			tracker.WithOrdering(ordering),
		),
		trailhead.WithCacheSize(cfg.Trails.CacheSize),
		trailhead.WithSequentialFallback(cfg.Trails.Sequential),
	}
	if a.redis != nil {
		opts = append(opts, trailhead.WithLocker(redisadapter.NewLocker(a.redis, cfg.Redis.Prefix+"lock:")))
	}

	client, err := trailhead.New(a.conn, opts...)
	if err != nil {
		return err
	}
	a.client = client
	a.onClose(client.Close)
	return nil
}

// dial opens the configured transport.
func (a *app) dial() {
	switch a.cfg.Transport.Driver {
	case "redis":
		bus := redisadapter.NewBusFromClient(a.redisClient(),
			redisadapter.WithBusPrefix(a.cfg.Redis.Prefix+"bus:"),
			redisadapter.WithBusLogger(a.logger),
		)
		a.conn = bus
		a.onClose(bus.Close)
	default:
		a.broker = memory.NewBroker(memory.WithLogger(a.logger))
		conn := a.broker.Connect()
		a.conn = conn
		a.onClose(conn.Close)
	}
}

// redisClient lazily creates the one Redis client shared by bus, store and locker.
func (a *app) redisClient() *backend.Client {
	if a.redis == nil {
		a.redis = backend.NewClient(&backend.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.onClose(a.redis.Close)
	}
	return a.redis
}

func (a *app) store() (ports.TrailStore, error) {
	switch a.cfg.Trails.Driver {
	case "redis":
		return redisadapter.NewFromClient(a.redisClient(),
			redisadapter.WithPrefix(a.cfg.Redis.Prefix+"trails:"),
			redisadapter.WithTTL(a.cfg.Trails.TTL),
		), nil
	case "loam":
		return loamadapter.Open(a.cfg.Trails.Dir, loamadapter.WithLogger(a.logger))
	default:
		return memory.NewStore(), nil
	}
}

// startWorker serves the simulator endpoints over conn.
func (a *app) startWorker(conn ports.Conn, name string, opts ...simulator.Option) (*simulator.Worker, error) {
	mux, err := transport.FromExisting(conn, transport.WithLogger(a.logger), transport.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	w := simulator.New(mux, append([]simulator.Option{
		simulator.WithLogger(a.logger),
		simulator.WithName(name),
		simulator.WithQueue(a.cfg.RPC.QueueGroup),
		simulator.WithPrefixes(a.cfg.Events.Prefix, a.cfg.Events.TrailsPrefix),
		simulator.WithSubjects(a.cfg.RPC.SubmitSubject, a.cfg.RPC.ReplaySubject, a.cfg.RPC.TrailSubject),
	}, opts...)...)
	if err := w.Start(); err != nil {
		_ = mux.Close()
		_ = conn.Close()
		return nil, err
	}
	a.onClose(func() error {
		return errors.Join(w.Stop(), mux.Close(), conn.Close())
	})
	return w, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close runs the registered closers in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
