package config

import (
	"fmt"
	"os"

	"github.com/go-i2p/dbpool/lib/factory"
)

func (t *TargetConfig) password() string {
	if t.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(t.PasswordEnv)
}

func (t *TargetConfig) dsn() string {
	if t.DSNEnv != "" {
		return os.Getenv(t.DSNEnv)
	}
	return t.Path
}

// Factory builds the connection factory for the target. Passwords and
// connection strings are read from the environment here.
func (t *TargetConfig) Factory() (factory.Factory, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	switch t.Driver {
	case DriverTCP, DriverUnix:
		return &factory.Net{
			Network:     t.Driver,
			Address:     t.Address,
			Username:    t.Username,
			Password:    t.password(),
			DialTimeout: t.DialTimeout.Std(),
		}, nil
	case DriverSQLite:
		return &factory.SQLite{Path: t.Path}, nil
	case DriverSQL:
		f, err := factory.OpenSQLDriver(t.SQLDriver, t.dsn())
		if err != nil {
			return nil, fmt.Errorf("opening sql driver %s: %w", t.SQLDriver, err)
		}
		return f, nil
	case DriverPostgres:
		return &factory.Postgres{
			ConnString:     t.dsn(),
			ConnectTimeout: t.DialTimeout.Std(),
		}, nil
	}
	// Validate rejects anything else.
	return nil, fmt.Errorf("unknown driver %q", t.Driver)
}
