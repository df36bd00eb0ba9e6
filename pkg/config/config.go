// Package config provides configuration loading and management for cardiocontract.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"cardiocontract/pkg/units"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many goroutines fill the similarity matrix
		NumCores int `yaml:"numCores"`

		// Denoise low-pass filters every frame before the similarity step
		Denoise bool `yaml:"denoise"`

		// DenoiseCutoff is the stop-band edge as a fraction of the Nyquist frequency
		DenoiseCutoff float64 `yaml:"denoiseCutoff"`
	} `yaml:"processing"`

	// Levelset filter parameters
	Levelset struct {
		// Fraction of the frames, closest to the median entropy, whose
		// similarity rows are averaged into the denoised signal
		Fraction float64 `yaml:"fraction"`
	} `yaml:"levelset"`

	// Contraction localization parameters
	Contraction struct {
		// MinimumFrames rejects peaks this close to either end of the recording
		MinimumFrames int `yaml:"minimumFrames"`

		// Sigma of the gaussian applied to the autocorrelation
		Sigma float64 `yaml:"sigma"`

		// PersistenceFraction is the minimum peak persistence relative to the signal range
		PersistenceFraction float64 `yaml:"persistenceFraction"`

		// Mode is "first" or "all"
		Mode string `yaml:"mode"`
	} `yaml:"contraction"`

	// Voxel surface parameters
	Voxel struct {
		SampleX int     `yaml:"sampleX"`
		SampleY int     `yaml:"sampleY"`
		PadX    float64 `yaml:"padX"`
		PadY    float64 `yaml:"padY"`
	} `yaml:"voxel"`

	// Cardio model parameters. Physical quantities are strings with a unit,
	// e.g. "100 cm/s" or "120 um".
	Cardio struct {
		ShapeExponent int    `yaml:"shapeExponent"`
		ShearVelocity string `yaml:"shearVelocity"`
		GelDensity    string `yaml:"gelDensity"`
		Resolution    int    `yaml:"resolution"`
		CellLength    string `yaml:"cellLength"`
	} `yaml:"cardio"`

	// Output parameters
	Output struct {
		// CacheDir holds binary similarity caches; empty disables file caching
		CacheDir string `yaml:"cacheDir"`

		// Database is the SQLite file for cached matrices and run history; empty disables it
		Database string `yaml:"database"`

		// CSV enables CSV dumps of signals and profiles
		CSV bool `yaml:"csv"`

		// Plots enables PNG plots of signals and profiles
		Plots bool `yaml:"plots"`

		// SaveIntermediaryResults determines whether to save the similarity matrix and contraction frames
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// Verbose prints human-readable progress to stdout
		Verbose bool `yaml:"verbose"`

		// LogLevel is the zerolog level name
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Denoise = false
	cfg.Processing.DenoiseCutoff = 0.5

	cfg.Levelset.Fraction = 0.5

	cfg.Contraction.MinimumFrames = 5
	cfg.Contraction.Sigma = 4.0
	cfg.Contraction.PersistenceFraction = 0.1
	cfg.Contraction.Mode = "first"

	cfg.Voxel.SampleX = 4
	cfg.Voxel.SampleY = 4
	cfg.Voxel.PadX = 0.1
	cfg.Voxel.PadY = 0.1

	cfg.Cardio.ShapeExponent = 0
	cfg.Cardio.ShearVelocity = "100 cm/s"
	cfg.Cardio.GelDensity = "1.08 g/cm3"
	cfg.Cardio.Resolution = 1000
	cfg.Cardio.CellLength = "100 um"

	cfg.Output.CacheDir = ".cardiocontract-cache"
	cfg.Output.CSV = true
	cfg.Output.Plots = false
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.Verbose = true
	cfg.Output.LogLevel = "info"

	return cfg
}

// Validate checks ranges and parses the unit strings
func (c *Config) Validate() error {
	if c.Processing.Denoise && (c.Processing.DenoiseCutoff <= 0 || c.Processing.DenoiseCutoff > 1) {
		return fmt.Errorf("processing.denoiseCutoff %v outside (0,1]", c.Processing.DenoiseCutoff)
	}
	if c.Levelset.Fraction <= 0 || c.Levelset.Fraction > 1 {
		return fmt.Errorf("levelset.fraction %v outside (0,1]", c.Levelset.Fraction)
	}
	if c.Contraction.MinimumFrames < 0 {
		return fmt.Errorf("contraction.minimumFrames must be non-negative")
	}
	if c.Contraction.Sigma <= 0 {
		return fmt.Errorf("contraction.sigma must be positive")
	}
	if c.Contraction.Mode != "first" && c.Contraction.Mode != "all" {
		return fmt.Errorf("contraction.mode %q must be \"first\" or \"all\"", c.Contraction.Mode)
	}
	if c.Voxel.SampleX < 1 || c.Voxel.SampleY < 1 {
		return fmt.Errorf("voxel sample stride must be at least 1")
	}
	if c.Cardio.Resolution < 4 {
		return fmt.Errorf("cardio.resolution must be at least 4")
	}
	if _, err := c.ShearVelocity(); err != nil {
		return fmt.Errorf("cardio.shearVelocity: %w", err)
	}
	if _, err := c.GelDensity(); err != nil {
		return fmt.Errorf("cardio.gelDensity: %w", err)
	}
	if _, err := c.CellLength(); err != nil {
		return fmt.Errorf("cardio.cellLength: %w", err)
	}
	return nil
}

// ShearVelocity parses cardio.shearVelocity
func (c *Config) ShearVelocity() (units.Velocity, error) {
	return units.ParseVelocity(c.Cardio.ShearVelocity)
}

// GelDensity parses cardio.gelDensity; an empty value is the standard gel density
func (c *Config) GelDensity() (units.Density, error) {
	if c.Cardio.GelDensity == "" {
		return units.GelDensity, nil
	}
	return units.ParseDensity(c.Cardio.GelDensity)
}

// CellLength parses cardio.cellLength
func (c *Config) CellLength() (units.Length, error) {
	return units.ParseLength(c.Cardio.CellLength)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
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
