package quadtree

// Config sizes the GPU buffers and tunes the culling pipeline.
type Config struct {
	MaxNodes        uint32 `yaml:"max_nodes"`
	MaxTiles        uint32 `yaml:"max_tiles"`
	MaxDrawCommands uint32 `yaml:"max_draw_commands"`
	MaxDepth        uint32 `yaml:"max_depth"`

	NearLODDistance float32 `yaml:"near_lod_distance"`
	FarLODDistance  float32 `yaml:"far_lod_distance"`
	LODBias         float32 `yaml:"lod_bias"`

	EnableFrustumCulling   bool    `yaml:"enable_frustum_culling"`
	EnableOcclusionCulling bool    `yaml:"enable_occlusion_culling"`
	EnableDistanceCulling  bool    `yaml:"enable_distance_culling"`
	MaxRenderDistance      float32 `yaml:"max_render_distance"`

	ComputeGroupSize uint32 `yaml:"compute_group_size"`
}

// DefaultConfig returns the tuning used when no config file overrides it.
func DefaultConfig() Config {
	return Config{
		MaxNodes:        16384,
		MaxTiles:        4096,
		MaxDrawCommands: 2048,
		MaxDepth:        8,

		NearLODDistance: 100.0,
		FarLODDistance:  2000.0,
		LODBias:         1.0,

		EnableFrustumCulling:  true,
		EnableDistanceCulling: true,
		MaxRenderDistance:     5000.0,

		ComputeGroupSize: 64,
	}
}
