package config

import (
	"os"
	"strconv"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
)

// Environment variables read by ApplyEnv.
const (
	EnvDriver         = "DBPOOL_DRIVER"
	EnvAddress        = "DBPOOL_ADDRESS"
	EnvPath           = "DBPOOL_PATH"
	EnvMaxSize        = "DBPOOL_MAX_SIZE"
	EnvMinIdle        = "DBPOOL_MIN_IDLE"
	EnvAcquireTimeout = "DBPOOL_ACQUIRE_TIMEOUT"
	EnvIdleTimeout    = "DBPOOL_IDLE_TIMEOUT"
	EnvMetricsListen  = "DBPOOL_METRICS_LISTEN"
)

// ApplyEnv overrides settings from DBPOOL_* environment variables. It does
// not validate the result.
func (c *Config) ApplyEnv() error {
	strs := []struct {
		name string
		dst  *string
	}{
		{EnvDriver, &c.Target.Driver},
		{EnvAddress, &c.Target.Address},
		{EnvPath, &c.Target.Path},
		{EnvMetricsListen, &c.Metrics.Listen},
	}
	for _, s := range strs {
		if v, ok := os.LookupEnv(s.name); ok {
			*s.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvMaxSize, &c.Pool.MaxSize},
		{EnvMinIdle, &c.Pool.MinIdle},
	}
	for _, i := range ints {
		v, ok := os.LookupEnv(i.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Configuration("%s: %q is not an integer", i.name, v)
		}
		*i.dst = n
	}

	durs := []struct {
		name string
		dst  *Duration
	}{
		{EnvAcquireTimeout, &c.Pool.AcquireTimeout},
		{EnvIdleTimeout, &c.Pool.IdleTimeout},
	}
	for _, d := range durs {
		v, ok := os.LookupEnv(d.name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Configuration("%s: %q is not a duration", d.name, v)
		}
		*d.dst = Duration(parsed)
	}

	return nil
}
