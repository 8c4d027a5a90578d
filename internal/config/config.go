// Package config handles configuration loading for the countlens server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Cache    CacheConfig    `yaml:"cache"`
	Analysis AnalysisConfig `yaml:"analysis"`
	DE       DEConfig       `yaml:"de"`
	Plot     PlotConfig     `yaml:"plot"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one dataset's input files.
type DatasetConfig struct {
	Title       string `yaml:"title"`
	SamplesPath string `yaml:"samples_path"`
	CountsPath  string `yaml:"counts_path"`
}

// DataConfig holds the configured datasets keyed by ID. The first
// dataset in file order is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

// UnmarshalYAML accepts either a mapping of dataset IDs to dataset
// blocks, or the legacy flat layout with samples_path/counts_path
// directly under data (loaded as a single dataset named "default").
func (d *DataConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("data section must be a mapping")
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil

	for i := 0; i < len(value.Content); i += 2 {
		key := value.Content[i].Value
		if key == "samples_path" || key == "counts_path" {
			var flat DatasetConfig
			if err := value.Decode(&flat); err != nil {
				return err
			}
			d.Datasets["default"] = flat
			d.DefaultDataset = "default"
			d.order = []string{"default"}
			return nil
		}
	}

	for i := 0; i < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]

		var ds DatasetConfig
		if err := valNode.Decode(&ds); err != nil {
			return fmt.Errorf("dataset %q: %w", keyNode.Value, err)
		}
		d.Datasets[keyNode.Value] = ds
		d.order = append(d.order, keyNode.Value)
	}

	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

// DatasetIDs returns the dataset IDs in configuration file order.
func (d *DataConfig) DatasetIDs() []string {
	ids := make([]string, len(d.order))
	copy(ids, d.order)
	return ids
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PlotSizeMB     int `yaml:"plot_size_mb"`
	PlotTTLMinutes int `yaml:"plot_ttl_minutes"`
	PayloadEntries int `yaml:"payload_entries"`
}

// AnalysisConfig contains analysis engine settings.
type AnalysisConfig struct {
	TopVarianceGenes int `yaml:"top_variance_genes"`
	MaxComponents    int `yaml:"max_components"`
}

// DEConfig contains differential expression job settings.
type DEConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	Workers       int    `yaml:"workers"`
	QueueSize     int    `yaml:"queue_size"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// PlotConfig contains plot rendering settings.
type PlotConfig struct {
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	PointRadius float64 `yaml:"point_radius"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			Datasets: map[string]DatasetConfig{
				"default": {
					SamplesPath: "./data/samples.csv",
					CountsPath:  "./data/counts.csv",
				},
			},
			DefaultDataset: "default",
			order:          []string{"default"},
		},
		Cache: CacheConfig{
			PlotSizeMB:     256,
			PlotTTLMinutes: 10,
			PayloadEntries: 256,
		},
		Analysis: AnalysisConfig{
			TopVarianceGenes: 1000,
			MaxComponents:    10,
		},
		DE: DEConfig{
			ChunkSize:     100,
			Workers:       2,
			QueueSize:     100,
			DBPath:        "./data/de_jobs.db",
			RetentionDays: 7,
		},
		Plot: PlotConfig{
			Width:       800,
			Height:      600,
			PointRadius: 3,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Cache.PlotSizeMB == 0 {
		cfg.Cache.PlotSizeMB = defaults.Cache.PlotSizeMB
	}
	if cfg.Cache.PlotTTLMinutes == 0 {
		cfg.Cache.PlotTTLMinutes = defaults.Cache.PlotTTLMinutes
	}
	if cfg.Cache.PayloadEntries == 0 {
		cfg.Cache.PayloadEntries = defaults.Cache.PayloadEntries
	}
	if cfg.Analysis.TopVarianceGenes == 0 {
		cfg.Analysis.TopVarianceGenes = defaults.Analysis.TopVarianceGenes
	}
	if cfg.Analysis.MaxComponents == 0 {
		cfg.Analysis.MaxComponents = defaults.Analysis.MaxComponents
	}
	if cfg.DE.ChunkSize == 0 {
		cfg.DE.ChunkSize = defaults.DE.ChunkSize
	}
	if cfg.DE.Workers == 0 {
		cfg.DE.Workers = defaults.DE.Workers
	}
	if cfg.DE.QueueSize == 0 {
		cfg.DE.QueueSize = defaults.DE.QueueSize
	}
	if cfg.DE.DBPath == "" {
		cfg.DE.DBPath = defaults.DE.DBPath
	}
	if cfg.DE.RetentionDays == 0 {
		cfg.DE.RetentionDays = defaults.DE.RetentionDays
	}
	if cfg.Plot.Width == 0 {
		cfg.Plot.Width = defaults.Plot.Width
	}
	if cfg.Plot.Height == 0 {
		cfg.Plot.Height = defaults.Plot.Height
	}
	if cfg.Plot.PointRadius == 0 {
		cfg.Plot.PointRadius = defaults.Plot.PointRadius
	}
}
