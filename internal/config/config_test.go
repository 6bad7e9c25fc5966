package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Test graphics defaults
	if cfg.Graphics.Width != 1280 {
		t.Errorf("expected width 1280, got %d", cfg.Graphics.Width)
	}
	if cfg.Graphics.Height != 720 {
		t.Errorf("expected height 720, got %d", cfg.Graphics.Height)
	}
	if cfg.Graphics.Fullscreen {
		t.Error("expected fullscreen to be false by default")
	}
	if !cfg.Graphics.VSync {
		t.Error("expected vsync to be true by default")
	}

	// Test renderer defaults
	if cfg.Renderer.TileSize != 512 {
		t.Errorf("expected tile size 512, got %d", cfg.Renderer.TileSize)
	}
	if cfg.Renderer.MaxVisibleTiles != 256 {
		t.Errorf("expected max visible tiles 256, got %d", cfg.Renderer.MaxVisibleTiles)
	}
	if !cfg.Renderer.EnableFrustumCulling {
		t.Error("expected frustum culling to be enabled by default")
	}
	if cfg.Renderer.Quadtree.MaxNodes != 16384 {
		t.Errorf("expected 16384 quadtree nodes, got %d", cfg.Renderer.Quadtree.MaxNodes)
	}
	if cfg.Renderer.Tessellation.MaxTessLevel != 64 {
		t.Errorf("expected max tess level 64, got %v", cfg.Renderer.Tessellation.MaxTessLevel)
	}

	// Test data defaults
	if cfg.Data.Active != "procedural" {
		t.Errorf("expected active dataset 'procedural', got %s", cfg.Data.Active)
	}
	if _, ok := cfg.Data.Datasets["procedural"]; !ok {
		t.Error("expected a procedural dataset entry by default")
	}

	// Test debug defaults
	if cfg.Debug.Enabled {
		t.Error("expected stats server to be disabled by default")
	}
	if cfg.Debug.Interval != 500*time.Millisecond {
		t.Errorf("expected 500ms stats interval, got %v", cfg.Debug.Interval)
	}

	// Test logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.LogFile != "" {
		t.Errorf("expected empty log file, got %s", cfg.Logging.LogFile)
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
graphics:
  width: 1920
  height: 1080
  fullscreen: true
  vsync: false
  fps_limit: 144

renderer:
  tile_size: 256
  max_visible_tiles: 128
  enable_wireframe: true
  stream_radius: 2500
  quadtree:
    max_depth: 6
    max_render_distance: 3000
  tessellation:
    max_tess_level: 32

data:
  active: "alps"
  datasets:
    alps:
      path: "/data/alps"
      tile_size: 512
      height_scale: 250

debug:
  enabled: true
  addr: "127.0.0.1:9999"

logging:
  level: "debug"
  log_file: "engine.log"
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	// Load config
	cfg := Default()
	if err := loadFromFile(cfg, configPath); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Verify values were loaded
	if cfg.Graphics.Width != 1920 {
		t.Errorf("expected width 1920, got %d", cfg.Graphics.Width)
	}
	if !cfg.Graphics.Fullscreen {
		t.Error("expected fullscreen to be true")
	}
	if cfg.Graphics.FPSLimit != 144 {
		t.Errorf("expected fps limit 144, got %d", cfg.Graphics.FPSLimit)
	}

	if cfg.Renderer.TileSize != 256 {
		t.Errorf("expected tile size 256, got %d", cfg.Renderer.TileSize)
	}
	if !cfg.Renderer.EnableWireframe {
		t.Error("expected wireframe to be true")
	}
	if cfg.Renderer.Quadtree.MaxDepth != 6 {
		t.Errorf("expected quadtree depth 6, got %d", cfg.Renderer.Quadtree.MaxDepth)
	}
	// Unset nested fields keep their defaults.
	if cfg.Renderer.Quadtree.MaxNodes != 16384 {
		t.Errorf("expected default max nodes, got %d", cfg.Renderer.Quadtree.MaxNodes)
	}
	if cfg.Renderer.Tessellation.MaxTessLevel != 32 {
		t.Errorf("expected max tess level 32, got %v", cfg.Renderer.Tessellation.MaxTessLevel)
	}

	if cfg.Data.Active != "alps" {
		t.Errorf("expected active dataset 'alps', got %s", cfg.Data.Active)
	}
	ds, ok := cfg.Data.Datasets["alps"]
	if !ok {
		t.Fatal("expected alps dataset entry")
	}
	if ds.Path != "/data/alps" || ds.HeightScale != 250 {
		t.Errorf("unexpected dataset config: %+v", ds)
	}

	if !cfg.Debug.Enabled || cfg.Debug.Addr != "127.0.0.1:9999" {
		t.Errorf("unexpected debug config: %+v", cfg.Debug)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.LogFile != "engine.log" {
		t.Errorf("expected log file 'engine.log', got %s", cfg.Logging.LogFile)
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	// Create temporary config file with invalid YAML
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
graphics:
  width: not a number
  invalid syntax here
`

	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	// Try to load - should error
	cfg := Default()
	err := loadFromFile(cfg, configPath)
	if err == nil {
		t.Error("expected error loading invalid YAML, got nil")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := Default()
	err := loadFromFile(cfg, "/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error loading missing file, got nil")
	}
}

func TestConfigDir(t *testing.T) {
	dir := ConfigDir()

	// Just verify it returns a non-empty path
	// Actual path depends on OS
	if dir == "" {
		t.Error("ConfigDir returned empty string")
	}

	// Verify path is absolute
	if !filepath.IsAbs(dir) {
		t.Errorf("ConfigDir should return absolute path, got %s", dir)
	}
}

func TestFindConfigFile(t *testing.T) {
	// Save current directory
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	// Create temp directory and change to it
	tmpDir := t.TempDir()
	os.Chdir(tmpDir)

	// No config file exists - should return empty
	path := findConfigFile()
	if path != "" {
		t.Errorf("expected empty path when no config exists, got %s", path)
	}

	// Create config.yaml in current directory
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("graphics:\n  width: 800\n"), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	// Should find it now
	path = findConfigFile()
	if path == "" {
		t.Error("expected to find config.yaml in current directory")
	}
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name     string
		setup    func()
		verify   func(*Config) error
		teardown func()
	}{
		{
			name: "debug flag",
			setup: func() {
				*flagDebug = true
			},
			verify: func(cfg *Config) error {
				if cfg.Logging.Level != "debug" {
					t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
				}
				return nil
			},
			teardown: func() {
				*flagDebug = false
			},
		},
		{
			name: "dataset flag",
			setup: func() {
				*flagDataset = "alps"
			},
			verify: func(cfg *Config) error {
				if cfg.Data.Active != "alps" {
					t.Errorf("expected active dataset 'alps', got %s", cfg.Data.Active)
				}
				return nil
			},
			teardown: func() {
				*flagDataset = ""
			},
		},
		{
			name: "wireframe flag",
			setup: func() {
				*flagWireframe = true
			},
			verify: func(cfg *Config) error {
				if !cfg.Renderer.EnableWireframe {
					t.Error("expected wireframe to be enabled")
				}
				return nil
			},
			teardown: func() {
				*flagWireframe = false
			},
		},
		{
			name: "stats flag",
			setup: func() {
				*flagStats = "0.0.0.0:9100"
			},
			verify: func(cfg *Config) error {
				if !cfg.Debug.Enabled {
					t.Error("expected stats server to be enabled")
				}
				if cfg.Debug.Addr != "0.0.0.0:9100" {
					t.Errorf("expected stats addr 0.0.0.0:9100, got %s", cfg.Debug.Addr)
				}
				return nil
			},
			teardown: func() {
				*flagStats = ""
			},
		},
		{
			name: "windowed flag",
			setup: func() {
				*flagWindowed = true
			},
			verify: func(cfg *Config) error {
				if cfg.Graphics.Fullscreen {
					t.Error("expected fullscreen to be false with windowed flag")
				}
				return nil
			},
			teardown: func() {
				*flagWindowed = false
			},
		},
		{
			name: "width and height flags",
			setup: func() {
				*flagWidth = 2560
				*flagHeight = 1440
			},
			verify: func(cfg *Config) error {
				if cfg.Graphics.Width != 2560 {
					t.Errorf("expected width 2560, got %d", cfg.Graphics.Width)
				}
				if cfg.Graphics.Height != 1440 {
					t.Errorf("expected height 1440, got %d", cfg.Graphics.Height)
				}
				return nil
			},
			teardown: func() {
				*flagWidth = 0
				*flagHeight = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup
			tt.setup()
			defer tt.teardown()

			// Apply flags to default config
			cfg := Default()
			applyFlags(cfg)

			// Verify
			tt.verify(cfg)
		})
	}
}

func TestLoadPriority(t *testing.T) {
	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
graphics:
  width: 1600
  height: 900
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	// Set flag to override config file
	*flagConfig = configPath
	*flagWidth = 1920
	defer func() {
		*flagConfig = ""
		*flagWidth = 0
	}()

	// Load config
	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Width should be from flag (1920), not file (1600)
	if cfg.Graphics.Width != 1920 {
		t.Errorf("expected width 1920 from flag, got %d", cfg.Graphics.Width)
	}

	// Height should be from file (900) since no flag override
	if cfg.Graphics.Height != 900 {
		t.Errorf("expected height 900 from file, got %d", cfg.Graphics.Height)
	}
}

func TestSaveTo(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "sub", "config.yaml")

	cfg := Default()
	cfg.Graphics.Width = 800
	cfg.Data.Active = "saved"
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := Default()
	if err := loadFromFile(loaded, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Graphics.Width != 800 {
		t.Errorf("expected width 800 after round trip, got %d", loaded.Graphics.Width)
	}
	if loaded.Data.Active != "saved" {
		t.Errorf("expected active dataset 'saved', got %s", loaded.Data.Active)
	}
}
