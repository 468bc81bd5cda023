package storage

import (
	"fmt"
	"time"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLConfig configures the SQL saved experiment store.
type SQLConfig struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver string
	// DSN is a file path (or ":memory:") for sqlite, a connection string for postgres.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns pool defaults for driver.
func DefaultSQLConfig(driver, dsn string) SQLConfig {
	cfg := SQLConfig{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
	if driver == DriverSQLite {
		// sqlite serializes writers; one connection also keeps ":memory:" a single database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
		cfg.ConnMaxIdleTime = 0
	}
	return cfg
}

// Validate checks the driver and DSN.
func (c SQLConfig) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported sql driver %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("%s dsn is required", c.Driver)
	}
	return nil
}
