package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables read by Load. A double underscore separates
// levels: TRAILHEAD_REDIS__ADDR sets redis.addr.
const EnvPrefix = "TRAILHEAD_"

// DefaultFile is read when Load is given no path and the file exists.
const DefaultFile = "trailhead.yaml"

type Config struct {
	Transport TransportConfig `koanf:"transport"`
	Redis     RedisConfig     `koanf:"redis"`
	RPC       RPCConfig       `koanf:"rpc"`
	Events    EventsConfig    `koanf:"events"`
	Tracker   TrackerConfig   `koanf:"tracker"`
	Trails    TrailsConfig    `koanf:"trails"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type TransportConfig struct {
	Driver string `koanf:"driver"` // memory, redis
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type RPCConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	SubmitSubject string        `koanf:"submit_subject"`
	ReplaySubject string        `koanf:"replay_subject"`
	TrailSubject  string        `koanf:"trail_subject"`
	QueueGroup    string        `koanf:"queue_group"`
}

type EventsConfig struct {
	Prefix       string `koanf:"prefix"`
	TrailsPrefix string `koanf:"trails_prefix"`
}

type TrackerConfig struct {
	Retention     time.Duration `koanf:"retention"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	Ordering      string        `koanf:"ordering"` // arrival, timestamp
}

type TrailsConfig struct {
	Driver     string        `koanf:"driver"` // memory, redis, loam
	Dir        string        `koanf:"dir"`
	CacheSize  int           `koanf:"cache_size"`
	TTL        time.Duration `koanf:"ttl"`
	Sequential bool          `koanf:"sequential"`
}

type HTTPConfig struct {
	Port int `koanf:"port"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text, json
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Defaults are applied to every key neither the file nor the environment sets.
var Defaults = map[string]any{
	"transport.driver":       "memory",
	"redis.addr":             "localhost:6379",
	"redis.db":               0,
	"redis.prefix":           "trailhead:",
	"rpc.timeout":            "5s",
	"rpc.submit_subject":     "generation.submit",
	"rpc.replay_subject":     "generation.replay",
	"rpc.trail_subject":      "generation.trail",
	"rpc.queue_group":        "generators",
	"events.prefix":          "generation.events",
	"events.trails_prefix":   "generation.trails",
	"tracker.retention":      "10m",
	"tracker.sweep_interval": "1m",
	"tracker.ordering":       "arrival",
	"trails.driver":          "memory",
	"trails.dir":             "trails",
	"trails.cache_size":      256,
	"trails.ttl":             "0s",
	"http.port":              8080,
	"log.level":              "info",
	"log.format":             "text",
	"telemetry.enabled":      false,
}

// Load layers defaults, the YAML file at path, TRAILHEAD_ variables and overrides,
// later layers winning. An empty path reads DefaultFile when present.
// Overrides with empty string values are skipped so unset flags do not clobber the file.
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, v := range overrides {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	for key, v := range Defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown drivers and policies.
func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.Transport.Driver, "memory", "redis") {
		errs = append(errs, fmt.Errorf("transport.driver %q: want memory or redis", c.Transport.Driver))
	}
	if !oneOf(c.Trails.Driver, "memory", "redis", "loam") {
		errs = append(errs, fmt.Errorf("trails.driver %q: want memory, redis or loam", c.Trails.Driver))
	}
	if !oneOf(c.Tracker.Ordering, "arrival", "timestamp") {
		errs = append(errs, fmt.Errorf("tracker.ordering %q: want arrival or timestamp", c.Tracker.Ordering))
	}
	if c.RPC.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("rpc.timeout must be positive"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
