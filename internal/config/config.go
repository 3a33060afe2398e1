// Package config provides configuration management for ripline using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultWorkers         = 16
	defaultTrackWorkers    = 4
	defaultRetryAttempts   = 4
	defaultRetryDelay      = 2 * time.Second
	defaultSpeedInterval   = 5 * time.Second
	defaultInitProbeSize   = 20000 // bytes fetched from an init segment for DRM probing
	defaultHTTPTimeout     = 30 * time.Second
	defaultSharePort       = 8070
	defaultShareTimeout    = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	DRM        DRMConfig        `mapstructure:"drm"`
	Vaults     []VaultConfig    `mapstructure:"vaults"`
	Share      ShareConfig      `mapstructure:"share"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	TempDir   string `mapstructure:"temp_dir"`
	OutputDir string `mapstructure:"output_dir"`
}

// HTTPConfig holds outbound HTTP client configuration.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// DownloaderConfig holds segment downloader configuration.
type DownloaderConfig struct {
	// Workers is the segment worker pool size per track.
	Workers int `mapstructure:"workers"`

	// TrackWorkers bounds how many tracks download concurrently.
	TrackWorkers int `mapstructure:"track_workers"`

	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`

	// SpeedInterval is the window over which download speed is reported.
	SpeedInterval time.Duration `mapstructure:"speed_interval"`

	// InitProbeSize caps the byte range fetched from init segments when
	// probing for protection boxes.
	InitProbeSize ByteSize `mapstructure:"init_probe_size"`
}

// DRMConfig holds key resolution configuration.
type DRMConfig struct {
	// VaultsOnly forbids license exchanges; a vault miss is fatal.
	VaultsOnly bool `mapstructure:"vaults_only"`

	// CDMOnly skips vault lookups and always licenses.
	CDMOnly bool `mapstructure:"cdm_only"`
}

// DatabaseConfig holds one SQL connection's configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// VaultConfig describes one key vault. Lookup order follows declaration
// order.
type VaultConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"` // sql, api

	// Database configures vaults of type sql.
	Database DatabaseConfig `mapstructure:"database"`

	// URI and Token configure vaults of type api.
	URI   string `mapstructure:"uri"`
	Token string `mapstructure:"token"`
}

// ShareConfig holds the key-share server configuration.
type ShareConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Token           string        `mapstructure:"token"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RIPLINE_ and use underscores for
// nesting. Example: RIPLINE_DOWNLOADER_WORKERS=8.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/ripline")
		v.AddConfigPath("$HOME/.ripline")
	}

	v.SetEnvPrefix("RIPLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine, defaults and env vars apply.
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

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.output_dir", "output")

	// HTTP defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.user_agent", "")

	// Downloader defaults
	v.SetDefault("downloader.workers", defaultWorkers)
	v.SetDefault("downloader.track_workers", defaultTrackWorkers)
	v.SetDefault("downloader.retry_attempts", defaultRetryAttempts)
	v.SetDefault("downloader.retry_delay", defaultRetryDelay)
	v.SetDefault("downloader.speed_interval", defaultSpeedInterval)
	v.SetDefault("downloader.init_probe_size", defaultInitProbeSize)

	// DRM defaults
	v.SetDefault("drm.vaults_only", false)
	v.SetDefault("drm.cdm_only", false)

	// Share server defaults
	v.SetDefault("share.enabled", false)
	v.SetDefault("share.host", "0.0.0.0")
	v.SetDefault("share.port", defaultSharePort)
	v.SetDefault("share.read_timeout", defaultShareTimeout)
	v.SetDefault("share.write_timeout", defaultShareTimeout)
	v.SetDefault("share.shutdown_timeout", defaultShutdownTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	if c.Downloader.Workers < 1 {
		return fmt.Errorf("downloader.workers must be at least 1")
	}
	if c.Downloader.TrackWorkers < 1 {
		return fmt.Errorf("downloader.track_workers must be at least 1")
	}

	if c.DRM.VaultsOnly && c.DRM.CDMOnly {
		return fmt.Errorf("drm.vaults_only and drm.cdm_only are mutually exclusive")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	for i, vc := range c.Vaults {
		if vc.Name == "" {
			return fmt.Errorf("vaults[%d].name is required", i)
		}
		switch vc.Type {
		case "sql":
			if !validDrivers[vc.Database.Driver] {
				return fmt.Errorf("vaults[%d].database.driver must be one of: sqlite, postgres, mysql", i)
			}
			if vc.Database.DSN == "" {
				return fmt.Errorf("vaults[%d].database.dsn is required", i)
			}
		case "api":
			if vc.URI == "" {
				return fmt.Errorf("vaults[%d].uri is required", i)
			}
		default:
			return fmt.Errorf("vaults[%d].type must be one of: sql, api", i)
		}
	}

	const maxPort = 65535
	if c.Share.Enabled && (c.Share.Port < 1 || c.Share.Port > maxPort) {
		return fmt.Errorf("share.port must be between 1 and %d", maxPort)
	}

	return nil
}

// Address returns the share server address in host:port format.
func (c *ShareConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TempPath returns the full path to the temp directory.
func (c *StorageConfig) TempPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.TempDir)
}

// OutputPath returns the full path to the output directory.
func (c *StorageConfig) OutputPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.OutputDir)
}
