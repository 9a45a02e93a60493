package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/merge"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/qc"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/tableio"
)

// Config is the top-level configuration for hakaiqc.
type Config struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	LogFormat  string        `mapstructure:"log_format"`
	Storage    StorageConfig `mapstructure:"storage"`
	QC         QCConfig      `mapstructure:"qc"`
}

// StorageConfig defines the database backend.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// QCConfig controls how automated QC runs against imported records.
type QCConfig struct {
	// TestConfig is a YAML test configuration. Empty uses the built-in
	// nutrient configuration.
	TestConfig string `mapstructure:"test_config"`
	// DetectionLimits is a variable,limit CSV merged over the limits of the
	// test configuration.
	DetectionLimits string            `mapstructure:"detection_limits"`
	Key             string            `mapstructure:"key"`
	GroupBy         []string          `mapstructure:"group_by"`
	Axes            AxesConfig        `mapstructure:"axes"`
	FlagColumns     map[string]string `mapstructure:"flag_columns"`
	Workers         int               `mapstructure:"workers"`
	// FillOnly keeps stored flags over automated outcomes.
	FillOnly bool `mapstructure:"fill_only"`
}

// AxesConfig names the ordering and position columns.
type AxesConfig struct {
	Time      string `mapstructure:"time"`
	Depth     string `mapstructure:"depth"`
	Latitude  string `mapstructure:"latitude"`
	Longitude string `mapstructure:"longitude"`
}

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $HAKAIQC_CONFIG env → ~/.config/hakaiqc/config.yaml → /etc/hakaiqc/config.yaml
// Variables from a .env file in the working directory are applied first and
// never override the process environment.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", filepath.Join("data", "hakaiqc.db"))
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("qc.test_config", "")
	v.SetDefault("qc.detection_limits", "")
	v.SetDefault("qc.key", "hakai_id")
	v.SetDefault("qc.group_by", qc.DefaultGroupBy)
	v.SetDefault("qc.axes.time", qc.DefaultAxes.Time)
	v.SetDefault("qc.axes.depth", qc.DefaultAxes.Depth)
	v.SetDefault("qc.axes.latitude", qc.DefaultAxes.Lat)
	v.SetDefault("qc.axes.longitude", qc.DefaultAxes.Lon)
	v.SetDefault("qc.workers", 0)
	v.SetDefault("qc.fill_only", false)

	// Env var support: HAKAIQC_STORAGE_POSTGRES_DSN maps to storage.postgres.dsn.
	v.SetEnvPrefix("HAKAIQC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("HAKAIQC_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "hakaiqc"))
		}
		v.AddConfigPath("/etc/hakaiqc")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
		// The file may carry a postgres password.
		if info, err := os.Stat(cfgPath); err == nil {
			perm := info.Mode().Perm()
			if perm&0004 != 0 {
				slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite driver")
		}
		dir := filepath.Dir(c.Storage.SQLite.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("creating storage directory %q: %w", dir, err)
			}
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'postgres', got %q", c.Storage.Driver)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not a valid address: %w", c.ListenAddr, err)
	}

	switch c.LogFormat {
	case "json", "text", "":
	default:
		return fmt.Errorf("log_format must be 'json' or 'text', got %q", c.LogFormat)
	}

	if c.QC.Key == "" {
		return fmt.Errorf("qc.key is required")
	}
	if len(c.QC.GroupBy) == 0 {
		return fmt.Errorf("qc.group_by needs at least one column")
	}
	if c.QC.Workers < 0 {
		return fmt.Errorf("qc.workers must not be negative, got %d", c.QC.Workers)
	}
	for variable, col := range c.QC.FlagColumns {
		if col == "" {
			return fmt.Errorf("qc.flag_columns[%s] is empty", variable)
		}
	}

	return nil
}

// DSN returns the appropriate DSN for the configured storage driver.
func (c *Config) DSN() string {
	switch c.Storage.Driver {
	case "sqlite":
		return c.Storage.SQLite.Path
	case "postgres":
		return c.Storage.Postgres.DSN
	default:
		return ""
	}
}

// Options returns the partitioning and ordering options for a QC run.
func (q QCConfig) Options() qc.Options {
	return qc.Options{
		GroupBy: q.GroupBy,
		Axes: qc.Axes{
			Time:  q.Axes.Time,
			Depth: q.Axes.Depth,
			Lat:   q.Axes.Latitude,
			Lon:   q.Axes.Longitude,
		},
	}
}

// Resolver returns the flag column resolver with the configured overrides.
func (q QCConfig) Resolver() *flags.TableResolver {
	return flags.NewColumnResolver(q.FlagColumns)
}

// Precedence returns the flag layer order, lowest first.
func (q QCConfig) Precedence() []string {
	if q.FillOnly {
		return merge.FillOnlyPrecedence
	}
	return merge.DefaultPrecedence
}

// LoadTests reads the test configuration and overlays the detection limit
// file when one is configured.
func (q QCConfig) LoadTests() (*qc.Config, error) {
	var (
		cfg *qc.Config
		err error
	)
	if q.TestConfig == "" {
		cfg = qc.DefaultNutrientConfig()
	} else if cfg, err = qc.Load(q.TestConfig); err != nil {
		return nil, err
	}
	if q.DetectionLimits == "" {
		return cfg, nil
	}

	f, err := os.Open(q.DetectionLimits)
	if err != nil {
		return nil, fmt.Errorf("opening detection limits: %w", err)
	}
	defer f.Close() //nolint:errcheck

	extra, err := tableio.ReadDetectionLimits(f)
	if err != nil {
		return nil, err
	}
	limits := make(map[string]float64, len(cfg.DetectionLimits)+len(extra))
	for k, v := range cfg.DetectionLimits {
		limits[k] = v
	}
	for k, v := range extra {
		limits[k] = v
	}
	return qc.NewConfig(cfg.Overlap, limits, cfg.Contexts...)
}
