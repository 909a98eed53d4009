// Package config loads loadstate settings from YAML, applies environment
// overrides, and converts sections into the types the loader, storage, and
// logging packages consume.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/logging"
	"github.com/rshade/loadstate/internal/storage"
)

// CurrentVersion is written into new config files.
const CurrentVersion = "1.0.0"

const (
	dirName        = ".loadstate"
	fileName       = "config.yaml"
	outputTypeFile = "file"
	defaultMetrics = "127.0.0.1:9464"
)

// Environment variables that override file settings.
const (
	EnvHome           = "LOADSTATE_HOME"
	EnvBaseDelay      = "LOADSTATE_BASE_DELAY"
	EnvMaxDelay       = "LOADSTATE_MAX_DELAY"
	EnvMaxAttempts    = "LOADSTATE_MAX_ATTEMPTS"
	EnvStorageDriver  = "LOADSTATE_STORAGE_DRIVER"
	EnvStoragePath    = "LOADSTATE_STORAGE_PATH"
	EnvStorageDSN     = "LOADSTATE_STORAGE_DSN"
	EnvS3Bucket       = "LOADSTATE_S3_BUCKET"
	EnvS3Endpoint     = "LOADSTATE_S3_ENDPOINT"
	EnvLogLevel       = "LOADSTATE_LOG_LEVEL"
	EnvLogFormat      = "LOADSTATE_LOG_FORMAT"
	EnvLogFile        = "LOADSTATE_LOG_FILE"
	EnvMetricsAddress = "LOADSTATE_METRICS_ADDR"
)

// Config is the complete settings document.
type Config struct {
	Version string        `yaml:"version"`
	Loader  LoaderConfig  `yaml:"loader"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	// path is where the config was loaded from or should be saved to.
	path string
}

// LoaderConfig is the default retry policy.
type LoaderConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty"`
	MaxAttempts int           `yaml:"max_attempts"`
	// Concurrency bounds how many targets fetch loads at once.
	Concurrency int `yaml:"concurrency"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Driver string   `yaml:"driver"`
	Path   string   `yaml:"path,omitempty"`
	DSN    string   `yaml:"dsn,omitempty"`
	TTL    string   `yaml:"ttl,omitempty"`
	S3     S3Config `yaml:"s3,omitempty"`
}

// S3Config holds the s3 driver settings. Credentials come from the default
// AWS chain unless set here.
type S3Config struct {
	Bucket          string `yaml:"bucket,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	PathStyle       bool   `yaml:"path_style,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Runtime bool   `yaml:"runtime"`
}

// ErrNoHome is returned when no config directory can be determined.
var ErrNoHome = errors.New("cannot determine loadstate home directory")

// HomeDir returns $LOADSTATE_HOME or ~/.loadstate.
func HomeDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", ErrNoHome
	}
	return filepath.Join(home, dirName), nil
}

// DefaultPath returns the config file location inside HomeDir.
func DefaultPath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// New returns the built-in defaults.
func New() *Config {
	cfg := &Config{
		Version: CurrentVersion,
		Loader: LoaderConfig{
			BaseDelay:   loader.DefaultBaseDelay,
			MaxAttempts: loader.DefaultMaxAttempts,
			Concurrency: 4,
		},
		Storage: StorageConfig{Driver: string(storage.DriverMemory)},
		Logging: LoggingConfig{Level: "info", Format: logging.FormatConsole},
		Metrics: MetricsConfig{Address: defaultMetrics},
	}
	if path, err := DefaultPath(); err == nil {
		cfg.path = path
	}
	return cfg
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path means DefaultPath; a missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := New()
	explicit := path != ""
	if !explicit {
		path = cfg.path
	}
	cfg.path = path

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns where the config is read from and saved to.
func (c *Config) Path() string { return c.path }

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) { c.path = path }

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save() error {
	if c.path == "" {
		return ErrNoHome
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err = os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("writing config %s: %w", c.path, err)
	}
	return nil
}

// ApplyEnv overlays LOADSTATE_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvBaseDelay); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBaseDelay, err)
		}
		c.Loader.BaseDelay = d
	}
	if v := os.Getenv(EnvMaxDelay); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxDelay, err)
		}
		c.Loader.MaxDelay = d
	}
	if v := os.Getenv(EnvMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxAttempts, err)
		}
		c.Loader.MaxAttempts = n
	}

	setString(&c.Storage.Driver, EnvStorageDriver)
	setString(&c.Storage.Path, EnvStoragePath)
	setString(&c.Storage.DSN, EnvStorageDSN)
	setString(&c.Storage.S3.Bucket, EnvS3Bucket)
	setString(&c.Storage.S3.Endpoint, EnvS3Endpoint)
	if v := os.Getenv(storage.EnvTTL); v != "" {
		c.Storage.TTL = v
	}

	setString(&c.Logging.Level, EnvLogLevel)
	setString(&c.Logging.Format, EnvLogFormat)
	setString(&c.Logging.File, EnvLogFile)

	if v := os.Getenv(EnvMetricsAddress); v != "" {
		c.Metrics.Address = v
		c.Metrics.Enabled = true
	}
	return nil
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

// ToPolicy converts the loader section.
func (c *Config) ToPolicy() loader.Policy {
	return loader.Policy{
		BaseDelay:   c.Loader.BaseDelay,
		MaxDelay:    c.Loader.MaxDelay,
		MaxAttempts: c.Loader.MaxAttempts,
	}
}

// ToStorageConfig converts the storage section. File and sqlite paths
// default to locations inside HomeDir.
func (c *Config) ToStorageConfig() (storage.Config, error) {
	driver, err := storage.ParseDriver(c.Storage.Driver)
	if err != nil {
		return storage.Config{}, err
	}
	path := c.Storage.Path
	if path == "" && (driver == storage.DriverFile || driver == storage.DriverSQLite) {
		dir, homeErr := HomeDir()
		if homeErr != nil {
			return storage.Config{}, homeErr
		}
		if driver == storage.DriverFile {
			path = filepath.Join(dir, "store")
		} else {
			path = filepath.Join(dir, storage.DefaultSQLitePath)
		}
	}
	return storage.Config{
		Driver: driver,
		Path:   path,
		DSN:    c.Storage.DSN,
		S3: storage.S3Config{
			Bucket:          c.Storage.S3.Bucket,
			Region:          c.Storage.S3.Region,
			Endpoint:        c.Storage.S3.Endpoint,
			Prefix:          c.Storage.S3.Prefix,
			PathStyle:       c.Storage.S3.PathStyle,
			AccessKeyID:     c.Storage.S3.AccessKeyID,
			SecretAccessKey: c.Storage.S3.SecretAccessKey,
		},
	}, nil
}

// StorageTTL parses the storage ttl setting.
func (c *Config) StorageTTL() (time.Duration, error) {
	return storage.ParseTTL(c.Storage.TTL)
}
