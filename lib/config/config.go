// Package config loads dbpool settings from TOML or YAML files and the
// environment, and turns them into a pool.Config and a factory.Factory.
//
// Credentials never live in the file: TargetConfig names the environment
// variables that hold them.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/pool"
	"github.com/go-i2p/dbpool/lib/resilience"
)

// Supported target drivers.
const (
	DriverTCP      = "tcp"
	DriverUnix     = "unix"
	DriverSQLite   = "sqlite"
	DriverSQL      = "sql"
	DriverPostgres = "postgres"
)

// Default configuration values
const (
	DefaultDriver        = DriverTCP
	DefaultAddress       = "127.0.0.1:6380"
	DefaultSQLDriverName = "sqlite"
	DefaultMetricsPath   = "/metrics"
)

// Config holds all configuration for a pool and its target.
type Config struct {
	Pool    PoolSettings  `toml:"pool" yaml:"pool"`
	Target  TargetConfig  `toml:"target" yaml:"target"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// PoolSettings mirrors pool.Config in file form.
type PoolSettings struct {
	// Name labels the pool in logs and metrics
	Name    string `toml:"name,omitempty" yaml:"name,omitempty"`
	MaxSize int    `toml:"max_size" yaml:"max_size"`
	MinIdle int    `toml:"min_idle" yaml:"min_idle"`
	// AcquireTimeout of "0s" makes a saturated pool fail at once
	AcquireTimeout     Duration `toml:"acquire_timeout" yaml:"acquire_timeout"`
	IdleTimeout        Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	ValidationInterval Duration `toml:"validation_interval" yaml:"validation_interval"`
	// ProbeTimeout of "0s" picks a default below the acquire timeout
	ProbeTimeout Duration `toml:"probe_timeout" yaml:"probe_timeout"`
	MaxLifetime        Duration `toml:"max_lifetime" yaml:"max_lifetime"`
	LeaseTimeout       Duration `toml:"lease_timeout" yaml:"lease_timeout"`
	// MaintenanceInterval of "0s" disables the background loop
	MaintenanceInterval Duration `toml:"maintenance_interval" yaml:"maintenance_interval"`
	RetryBackoff        Duration `toml:"retry_backoff" yaml:"retry_backoff"`
	MaxRetryBackoff     Duration `toml:"max_retry_backoff" yaml:"max_retry_backoff"`
	// ConnectRate is physical connects per second; 0 is unlimited
	ConnectRate  float64       `toml:"connect_rate" yaml:"connect_rate"`
	ConnectBurst int           `toml:"connect_burst" yaml:"connect_burst"`
	Breaker      BreakerConfig `toml:"breaker" yaml:"breaker"`
}

// BreakerConfig configures the connect circuit breaker.
type BreakerConfig struct {
	Enabled          bool     `toml:"enabled" yaml:"enabled"`
	FailureThreshold int      `toml:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `toml:"success_threshold" yaml:"success_threshold"`
	CoolDown         Duration `toml:"cool_down" yaml:"cool_down"`
}

// TargetConfig describes what the pool connects to.
type TargetConfig struct {
	// Driver is one of tcp, unix, sqlite, sql or postgres
	Driver string `toml:"driver" yaml:"driver"`
	// Address is host:port for tcp or a socket path for unix
	Address  string `toml:"address,omitempty" yaml:"address,omitempty"`
	Username string `toml:"username,omitempty" yaml:"username,omitempty"`
	// PasswordEnv names the environment variable holding the password
	PasswordEnv string `toml:"password_env,omitempty" yaml:"password_env,omitempty"`
	// Path is the database file for sqlite, and the DSN for sql when
	// DSNEnv is unset
	Path string `toml:"path,omitempty" yaml:"path,omitempty"`
	// SQLDriver is the registered database/sql driver name for sql
	SQLDriver string `toml:"sql_driver,omitempty" yaml:"sql_driver,omitempty"`
	// DSNEnv names the environment variable holding the connection string
	// for postgres and sql
	DSNEnv      string   `toml:"dsn_env,omitempty" yaml:"dsn_env,omitempty"`
	DialTimeout Duration `toml:"dial_timeout" yaml:"dial_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address to serve metrics on; empty disables it
	Listen string `toml:"listen,omitempty" yaml:"listen,omitempty"`
	Path   string `toml:"path" yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	pc := pool.DefaultConfig()
	bc := resilience.DefaultCircuitBreakerConfig()
	return &Config{
		Pool: PoolSettings{
			MaxSize:             pc.MaxSize,
			MinIdle:             pc.MinIdle,
			AcquireTimeout:      Duration(pc.AcquireTimeout),
			IdleTimeout:         Duration(pc.IdleTimeout),
			ValidationInterval:  Duration(pc.ValidationInterval),
			MaintenanceInterval: Duration(pc.MaintenanceInterval),
			RetryBackoff:        Duration(pc.RetryBackoff),
			MaxRetryBackoff:     Duration(pc.MaxRetryBackoff),
			Breaker: BreakerConfig{
				FailureThreshold: bc.FailureThreshold,
				SuccessThreshold: bc.SuccessThreshold,
				CoolDown:         Duration(bc.CoolDown),
			},
		},
		Target: TargetConfig{
			Driver:    DefaultDriver,
			Address:   DefaultAddress,
			SQLDriver: DefaultSQLDriverName,
		},
		Metrics: MetricsConfig{
			Path: DefaultMetricsPath,
		},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadConfig reads configuration from a TOML file, or YAML when the file
// ends in .yaml or .yml. If the file doesn't exist, it returns the default
// configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Debug("config file not found, using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.WithField("path", path).WithField("driver", cfg.Target.Driver).Debug("loaded config")
	return cfg, nil
}

// Marshal encodes the configuration as TOML, or YAML when yamlOut is set.
func (c *Config) Marshal(yamlOut bool) ([]byte, error) {
	if yamlOut {
		return yaml.Marshal(c)
	}
	return toml.Marshal(c)
}

// SaveConfig writes the configuration to path, choosing the format from
// the extension. It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := cfg.Marshal(isYAML(path))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	pc := c.PoolConfig()
	if err := pc.Validate(); err != nil {
		return err
	}
	if c.Pool.Breaker.Enabled && c.Pool.Breaker.FailureThreshold < 1 {
		return apperrors.Configuration("pool.breaker.failure_threshold must be at least 1")
	}
	if c.Metrics.Listen != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return apperrors.Configuration("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	return c.Target.Validate()
}

// Validate checks that the target names everything its driver needs and
// that referenced environment variables are set.
func (t *TargetConfig) Validate() error {
	switch t.Driver {
	case DriverTCP, DriverUnix:
		if t.Address == "" {
			return apperrors.Configuration("target.address is required for driver %s", t.Driver)
		}
	case DriverSQLite:
		if t.Path == "" {
			return apperrors.Configuration("target.path is required for driver sqlite")
		}
	case DriverSQL:
		if t.SQLDriver == "" {
			return apperrors.Configuration("target.sql_driver is required for driver sql")
		}
		if t.Path == "" && t.DSNEnv == "" {
			return apperrors.Configuration("target.path or target.dsn_env is required for driver sql")
		}
	case DriverPostgres:
		if t.DSNEnv == "" {
			return apperrors.Configuration("target.dsn_env is required for driver postgres")
		}
	default:
		return apperrors.Configuration("unknown target.driver %q", t.Driver)
	}
	if t.DialTimeout < 0 {
		return apperrors.Configuration("target.dial_timeout must not be negative")
	}

	for _, name := range []string{t.PasswordEnv, t.DSNEnv} {
		if name == "" {
			continue
		}
		if _, ok := os.LookupEnv(name); !ok {
			return apperrors.Configuration("environment variable %s is not set", name)
		}
	}
	return nil
}

// PoolConfig converts the pool section to a pool.Config.
func (c *Config) PoolConfig() pool.Config {
	s := c.Pool
	pc := pool.Config{
		Name:                s.Name,
		MaxSize:             s.MaxSize,
		MinIdle:             s.MinIdle,
		AcquireTimeout:      s.AcquireTimeout.Std(),
		IdleTimeout:         s.IdleTimeout.Std(),
		ValidationInterval:  s.ValidationInterval.Std(),
		ProbeTimeout:        s.ProbeTimeout.Std(),
		MaxLifetime:         s.MaxLifetime.Std(),
		LeaseTimeout:        s.LeaseTimeout.Std(),
		MaintenanceInterval: s.MaintenanceInterval.Std(),
		RetryBackoff:        s.RetryBackoff.Std(),
		MaxRetryBackoff:     s.MaxRetryBackoff.Std(),
		ConnectRate:         s.ConnectRate,
		ConnectBurst:        s.ConnectBurst,
	}
	if s.Breaker.Enabled {
		pc.Breaker = &resilience.CircuitBreakerConfig{
			FailureThreshold: s.Breaker.FailureThreshold,
			SuccessThreshold: s.Breaker.SuccessThreshold,
			CoolDown:         s.Breaker.CoolDown.Std(),
		}
	}
	return pc
}
