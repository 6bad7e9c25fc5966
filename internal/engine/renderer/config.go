package renderer

import (
	"time"

	"github.com/Faultbox/terrastream/internal/engine/quadtree"
	"github.com/Faultbox/terrastream/internal/engine/terrain"
	"github.com/Faultbox/terrastream/internal/engine/tess"
	"github.com/Faultbox/terrastream/pkg/math"
)

// Config collects every tunable the terrain renderer reads. Lighting
// and fog values feed the per-frame shader parameter block unchanged.
type Config struct {
	TileSize        uint32 `yaml:"tile_size"`
	MaxVisibleTiles uint32 `yaml:"max_visible_tiles"`

	EnableFrustumCulling bool `yaml:"enable_frustum_culling"`
	EnableWireframe      bool `yaml:"enable_wireframe"`

	// Loads kicked per frame from the high-priority queue.
	MaxLoadsPerFrame int `yaml:"max_loads_per_frame"`
	// GPU uploads performed per frame from completed loads.
	MaxUploadsPerFrame int `yaml:"max_uploads_per_frame"`
	// World-space radius around the camera kept resident.
	StreamRadius float32 `yaml:"stream_radius"`
	// CPU-side tile memory budget enforced by the manager.
	MaxTileMemory uint64 `yaml:"max_tile_memory"`

	SunDirection math.Vec3 `yaml:"sun_direction"`
	SunColor     math.Vec3 `yaml:"sun_color"`
	AmbientColor math.Vec3 `yaml:"ambient_color"`

	FogColor   math.Vec3 `yaml:"fog_color"`
	FogDensity float32   `yaml:"fog_density"`
	FogStart   float32   `yaml:"fog_start"`
	FogEnd     float32   `yaml:"fog_end"`

	Roughness float32 `yaml:"roughness"`
	Metallic  float32 `yaml:"metallic"`

	Tessellation tess.Config            `yaml:"tessellation"`
	Quadtree     quadtree.Config        `yaml:"quadtree"`
	Streaming    terrain.StreamerConfig `yaml:"streaming"`
}

// DefaultConfig returns the standard renderer tuning.
func DefaultConfig() Config {
	return Config{
		TileSize:             512,
		MaxVisibleTiles:      256,
		EnableFrustumCulling: true,
		EnableWireframe:      false,
		MaxLoadsPerFrame:     8,
		MaxUploadsPerFrame:   4,
		StreamRadius:         4000,
		MaxTileMemory:        1 << 30,

		SunDirection: math.Vec3{X: -0.5, Y: -0.8, Z: -0.3},
		SunColor:     math.Vec3{X: 1.0, Y: 0.95, Z: 0.8},
		AmbientColor: math.Vec3{X: 0.2, Y: 0.25, Z: 0.3},

		FogColor:   math.Vec3{X: 0.7, Y: 0.8, Z: 0.9},
		FogDensity: 0.0001,
		FogStart:   1000,
		FogEnd:     5000,

		Roughness: 0.8,
		Metallic:  0.1,

		Tessellation: tess.DefaultConfig(),
		Quadtree:     quadtree.DefaultConfig(),
		Streaming:    terrain.DefaultStreamerConfig(),
	}
}

// FrameStats is the per-frame report published after each RenderFrame.
// Readers observe the previous completed frame.
type FrameStats struct {
	TilesRendered     uint32
	TilesCulled       uint32
	TilesLoading      uint32
	TrianglesRendered uint64
	DrawCalls         uint32

	FrameTime   time.Duration
	CullingTime time.Duration
	RenderTime  time.Duration

	MemoryUsage    uint64
	GPUMemoryUsage uint64
}
