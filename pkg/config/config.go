// Package config provides configuration loading and management for cellstoatlas.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"cellstoatlas/pkg/artifacts"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Resolution is the atlas resolution in micrometers per atlas pixel
		Resolution float64 `yaml:"resolution"`

		// Workers is how many image groups are processed at once
		Workers int `yaml:"workers"`

		// RequireNonlinear skips images without a non-linear registration.
		// When false such images are placed from their pre-registration coordinates.
		RequireNonlinear bool `yaml:"requireNonlinear"`
	} `yaml:"processing"`

	// Paths is the on-disk layout of registration artifacts
	Paths artifacts.Layout `yaml:"paths"`

	// Elastix tool locations
	Elastix struct {
		// TransformixPath is the transformix executable
		TransformixPath string `yaml:"transformixPath"`

		// ToolPathsFile is a custom_paths_to_elastix.txt; when set, its transformix_path overrides TransformixPath
		ToolPathsFile string `yaml:"toolPathsFile"`

		// Timeout bounds a single transformix run
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"elastix"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// File enables a rotating log file instead of stderr
		File string `yaml:"file"`

		// MaxSizeMB is the size at which the log file is rotated
		MaxSizeMB int `yaml:"maxSizeMB"`

		// MaxAgeDays is how long rotated files are kept
		MaxAgeDays int `yaml:"maxAgeDays"`
	} `yaml:"logging"`

	// Output parameters
	Output struct {
		// PreviewDir, if set, receives density projection images of the placed cells
		PreviewDir string `yaml:"previewDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Resolution = 25
	cfg.Processing.Workers = 1
	cfg.Processing.RequireNonlinear = true

	cfg.Paths = artifacts.DefaultLayout()

	cfg.Elastix.TransformixPath = "transformix"
	cfg.Elastix.Timeout = 5 * time.Minute

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxAgeDays = 30

	cfg.Output.Verbose = false

	return cfg
}

// Validate checks values that would make the pipeline produce garbage
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.Resolution <= 0 {
		errs = append(errs, fmt.Errorf("resolution must be positive, got %g", c.Processing.Resolution))
	}
	if c.Processing.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Processing.Workers))
	}
	if c.Elastix.Timeout < 0 {
		errs = append(errs, fmt.Errorf("elastix timeout must not be negative"))
	}
	if c.Paths.RegistrationSubtree == "" || c.Paths.TransformParametersFile == "" {
		errs = append(errs, fmt.Errorf("registration paths must not be empty"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
