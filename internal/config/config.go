// Package config handles engine configuration loading and management.
package config

import (
	"github.com/Faultbox/terrastream/internal/debug"
	"github.com/Faultbox/terrastream/internal/engine/memory"
	"github.com/Faultbox/terrastream/internal/engine/renderer"
)

// Config holds all engine settings.
type Config struct {
	Graphics GraphicsConfig  `yaml:"graphics"`
	Renderer renderer.Config `yaml:"renderer"`
	Memory   memory.Config   `yaml:"memory"`
	Data     DataConfig      `yaml:"data"`
	Debug    debug.Config    `yaml:"debug"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// DataConfig locates terrain datasets on disk.
type DataConfig struct {
	// Directories holding raw heightmap tiles, keyed by dataset id.
	Datasets map[string]DatasetConfig `yaml:"datasets"`
	// Dataset activated at startup. Empty selects the first loaded.
	Active string `yaml:"active"`
}

// DatasetConfig describes one tile source.
type DatasetConfig struct {
	// Path to the tile directory. Empty selects the procedural source.
	Path        string  `yaml:"path"`
	TileSize    uint32  `yaml:"tile_size"`
	HeightScale float32 `yaml:"height_scale"`
}

// GraphicsConfig holds display settings.
type GraphicsConfig struct {
	Width      int  `yaml:"width"`
	Height     int  `yaml:"height"`
	Fullscreen bool `yaml:"fullscreen"`
	VSync      bool `yaml:"vsync"`
	FPSLimit   int  `yaml:"fps_limit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Graphics: GraphicsConfig{
			Width:      1280,
			Height:     720,
			Fullscreen: false,
			VSync:      true,
			FPSLimit:   0,
		},
		Renderer: renderer.DefaultConfig(),
		Memory:   memory.DefaultConfig(),
		Data: DataConfig{
			Datasets: map[string]DatasetConfig{
				"procedural": {TileSize: 64, HeightScale: 100},
			},
			Active: "procedural",
		},
		Debug: debug.DefaultConfig(),
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}
