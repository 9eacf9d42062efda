package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Database struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connectionString"`
}

type Cache struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	TTLSeconds int    `yaml:"ttlSeconds"`
}

// Pipeline is the configuration surface consumed by the image pipeline. The
// pipeline treats these as opaque inputs; changing them affects future
// uploads only, never already-persisted artifacts.
type Pipeline struct {
	MaxWidth          int      `yaml:"maxWidth"`
	MinWidth          int      `yaml:"minWidth"`
	Quality           float64  `yaml:"quality"`
	BlockSizes        []int    `yaml:"blockSizes"`
	MaxFileSizeBytes  int64    `yaml:"maxFileSizeBytes"`
	AllowedMimeTypes  []string `yaml:"allowedMimeTypes"`
	SVGFallbackWidth  int      `yaml:"svgFallbackWidth"`
	SVGFallbackHeight int      `yaml:"svgFallbackHeight"`
}

type ServiceConfig struct {
	Port     int      `yaml:"port"`
	Database Database `yaml:"database"`
	Cache    Cache    `yaml:"cache"`
	Pipeline Pipeline `yaml:"pipeline"`
}

const defaultMaxFileSizeBytes = 10 * 1024 * 1024

var defaultAllowedMimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/svg+xml",
}

// LoadConfig loads configuration from the specified YAML file
func LoadConfig(configPath string) (*ServiceConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config ServiceConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	applyPipelineDefaults(&config.Pipeline)
	if err := validatePipeline(&config.Pipeline); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	return &config, nil
}

func applyPipelineDefaults(p *Pipeline) {
	if p.MaxFileSizeBytes == 0 {
		p.MaxFileSizeBytes = defaultMaxFileSizeBytes
	}
	if len(p.AllowedMimeTypes) == 0 {
		p.AllowedMimeTypes = defaultAllowedMimeTypes
	}
}

// validatePipeline rejects configurations the pipeline cannot run with.
func validatePipeline(p *Pipeline) error {
	if p.MaxWidth <= 0 || p.MinWidth <= 0 {
		return fmt.Errorf("maxWidth and minWidth must be positive, got %d and %d", p.MaxWidth, p.MinWidth)
	}
	if p.MinWidth > p.MaxWidth {
		return fmt.Errorf("minWidth %d exceeds maxWidth %d", p.MinWidth, p.MaxWidth)
	}
	if p.Quality < 0.1 || p.Quality > 1.0 {
		return fmt.Errorf("quality must be within 0.1-1.0, got %v", p.Quality)
	}
	if len(p.BlockSizes) != 3 {
		return fmt.Errorf("exactly 3 block sizes are required (levels 1-3), got %d", len(p.BlockSizes))
	}
	for i, size := range p.BlockSizes {
		if size <= 0 {
			return fmt.Errorf("block size at index %d must be positive, got %d", i, size)
		}
	}
	return nil
}
