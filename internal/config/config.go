// Package config layers defaults, a YAML file, RANDOMIZER_* environment
// variables and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Addr           string        `yaml:"addr"`
	SocketPath     string        `yaml:"socket_path"`
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	KeysFile       string        `yaml:"keys_file"`
	LogMode        string        `yaml:"log_mode"`
	CensusInterval time.Duration `yaml:"census_interval"`
	Metrics        bool          `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Addr:           ":7340",
		Driver:         DriverSQLite,
		DSN:            "randomizer.db",
		KeysFile:       "randomizer.keys.yaml",
		LogMode:        "dev",
		CensusInterval: 30 * time.Second,
		Metrics:        true,
	}
}

// Load reads path over the defaults, then applies the environment through
// lookup (os.LookupEnv when nil). An empty path skips the file; a missing
// explicit file is an error.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("RANDOMIZER_ADDR", &c.Addr)
	str("RANDOMIZER_SOCKET", &c.SocketPath)
	str("RANDOMIZER_DRIVER", &c.Driver)
	str("RANDOMIZER_DSN", &c.DSN)
	str("RANDOMIZER_KEYS_FILE", &c.KeysFile)
	str("RANDOMIZER_LOG_MODE", &c.LogMode)

	if v, ok := lookup("RANDOMIZER_CENSUS_INTERVAL"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("RANDOMIZER_CENSUS_INTERVAL: %w", err)
		}
		c.CensusInterval = d
	}
	if v, ok := lookup("RANDOMIZER_METRICS"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("RANDOMIZER_METRICS: %w", err)
		}
		c.Metrics = b
	}
	return nil
}

// RegisterFlags adds one flag per setting, defaulting to the current values.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("addr", c.Addr, "TCP listen address")
	fs.String("socket", c.SocketPath, "Unix socket path (optional)")
	fs.String("driver", c.Driver, "storage driver: sqlite or postgres")
	fs.String("dsn", c.DSN, "database file (sqlite) or connection URL (postgres)")
	fs.String("keys-file", c.KeysFile, "API keys file")
	fs.String("log-mode", c.LogMode, "log mode: dev or prod")
	fs.Duration("census-interval", c.CensusInterval, "row census interval")
	fs.Bool("metrics", c.Metrics, "serve /metrics")
}

// ApplyFlags copies the flags that were set explicitly.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case "addr":
			c.Addr = f.Value.String()
		case "socket":
			c.SocketPath = f.Value.String()
		case "driver":
			c.Driver = f.Value.String()
		case "dsn":
			c.DSN = f.Value.String()
		case "keys-file":
			c.KeysFile = f.Value.String()
		case "log-mode":
			c.LogMode = f.Value.String()
		case "census-interval":
			c.CensusInterval, err = fs.GetDuration(f.Name)
		case "metrics":
			c.Metrics, err = fs.GetBool(f.Name)
		}
		if err != nil {
			errs = append(errs, err)
		}
	})
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return c.Validate()
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr required")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.CensusInterval <= 0 {
		return fmt.Errorf("census interval must be positive")
	}
	return nil
}
