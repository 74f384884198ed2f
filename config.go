package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orian/tagbug/models"
)

// Config holds the tagbug server configuration.
type Config struct {
	HTTP    HTTPConfig      `yaml:"http"`
	Store   StoreConfig     `yaml:"store"`
	Grid    models.Geometry `yaml:"grid"`
	Dataset DatasetConfig   `yaml:"dataset"`
	Subset  SubsetConfig    `yaml:"subset"`
	Logging LoggingConfig   `yaml:"logging"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
	StaticDir       string `yaml:"static_dir"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Driver     string           `yaml:"driver"` // duckdb, sqlite, clickhouse (default: sqlite)
	Path       string           `yaml:"path"`   // database file; empty duckdb path is in-memory
	Table      string           `yaml:"table"`
	IDColumn   string           `yaml:"id_column"`
	TagColumn  string           `yaml:"tag_column"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Secure   bool   `yaml:"secure"`
}

// DatasetConfig locates the images that belong to records.
type DatasetConfig struct {
	ImageRoot  string   `yaml:"image_root"`  // <image_root>/<id>/<kind>/
	ImageKinds []string `yaml:"image_kinds"` // subfolders served by the image endpoint
}

// SubsetConfig controls how subset files are turned into record ids.
type SubsetConfig struct {
	// PathSegment picks the id out of "/"-separated entries. 0 uses each
	// entry as is.
	PathSegment int `yaml:"path_segment"`
	// File is loaded as the initial subset when set.
	File string `yaml:"file"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// Store drivers.
const (
	DriverDuckDB     = "duckdb"
	DriverSQLite     = "sqlite"
	DriverClickHouse = "clickhouse"
)

// Load reads configuration from config/<env>.yaml.
func Load(env string) (Config, error) {
	return LoadFile(filepath.Join("config", env+".yaml"))
}

// LoadFile reads, expands and validates one YAML config file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.ClickHouse.Addr == "" {
		c.Store.ClickHouse.Addr = "localhost:9000"
	}
	if c.Store.ClickHouse.User == "" {
		c.Store.ClickHouse.User = "default"
	}
	if c.Store.ClickHouse.Database == "" {
		c.Store.ClickHouse.Database = "default"
	}
	if c.Grid.Width == 0 && c.Grid.Height == 0 {
		c.Grid = models.DefaultGeometry
	}
	if len(c.Dataset.ImageKinds) == 0 {
		c.Dataset.ImageKinds = []string{"ladybirds", "patterns"}
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Store.Driver {
	case DriverDuckDB, DriverClickHouse:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of duckdb, sqlite, clickhouse, got %q", c.Store.Driver)
	}
	if err := c.Grid.Validate(); err != nil {
		return fmt.Errorf("grid: %w", err)
	}
	if c.Subset.PathSegment < 0 {
		return fmt.Errorf("subset.path_segment must not be negative, got %d", c.Subset.PathSegment)
	}
	for _, kind := range c.Dataset.ImageKinds {
		if kind == "" || strings.ContainsAny(kind, `/\`) || kind == ".." {
			return fmt.Errorf("dataset.image_kinds: invalid kind %q", kind)
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
