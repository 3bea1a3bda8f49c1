package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/transaction"
	"github.com/spf13/viper"
)

// Sequence backends
const (
	SequencesDatabase = "database"
	SequencesRedis    = "redis"
)

// Config represents the attrdb configuration
type Config struct {
	Registry    string                    `mapstructure:"registry"`
	LogLevel    string                    `mapstructure:"log_level"`
	Development bool                      `mapstructure:"development"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
}

// DatabaseConfig configures one logical database
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	// Schema qualifies tables and sequences on Postgres
	Schema string `mapstructure:"schema"`

	// AutoCreateMissing creates missing sequences on first use
	AutoCreateMissing bool `mapstructure:"auto_create_missing"`

	Sequences string `mapstructure:"sequences"`
	RedisAddr string `mapstructure:"redis_addr"`

	Isolation string        `mapstructure:"isolation"`
	Timeout   time.Duration `mapstructure:"timeout"`

	Pool PoolConfig `mapstructure:"pool"`
}

// PoolConfig represents connection pool limits
type PoolConfig struct {
	MaxOpen         int           `mapstructure:"max_open"`
	MaxIdle         int           `mapstructure:"max_idle"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Load loads the configuration from path, or from attrdb.yml / attrdb.yaml in the
// working directory when path is empty. ATTRDB_* environment variables override
// file values, e.g. ATTRDB_DATABASES_MAIN_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("registry", "registry.yml")
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("attrdb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Enable environment variable support
	v.SetEnvPrefix("attrdb")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - use defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Registry != "" && !filepath.IsAbs(config.Registry) && v.ConfigFileUsed() != "" {
		config.Registry = filepath.Join(filepath.Dir(v.ConfigFileUsed()), config.Registry)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// DatabaseNames returns the configured database names sorted
func (c *Config) DatabaseNames() []string {
	names := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsolationLevel parses the configured isolation level
func (d DatabaseConfig) IsolationLevel() transaction.IsolationLevel {
	level, _ := transaction.ParseIsolationLevel(d.Isolation)
	return level
}

// InProject checks if the current directory holds an attrdb configuration
func InProject() bool {
	for _, name := range []string{"attrdb.yml", "attrdb.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return true
		}
	}
	return false
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	for _, name := range cfg.DatabaseNames() {
		db := cfg.Databases[name]
		if db.Driver == "" {
			return fmt.Errorf("databases.%s.driver is required", name)
		}
		if _, err := dialect.ForDriver(db.Driver, db.Schema); err != nil {
			return fmt.Errorf("databases.%s.driver: %w", name, err)
		}
		if db.DSN == "" {
			return fmt.Errorf("databases.%s.dsn is required", name)
		}
		switch db.Sequences {
		case "", SequencesDatabase:
		case SequencesRedis:
			if db.RedisAddr == "" {
				return fmt.Errorf("databases.%s.redis_addr is required when sequences is redis", name)
			}
		default:
			return fmt.Errorf("databases.%s.sequences must be %s or %s, got: %s",
				name, SequencesDatabase, SequencesRedis, db.Sequences)
		}
		if _, err := transaction.ParseIsolationLevel(db.Isolation); err != nil {
			return fmt.Errorf("databases.%s.isolation: %w", name, err)
		}
		if db.Timeout < 0 {
			return fmt.Errorf("databases.%s.timeout must not be negative", name)
		}
	}
	return nil
}
