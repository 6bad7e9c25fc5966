package tess

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/internal/logger"
)

var ErrNotInitialized = errors.New("tess: pipeline not initialized")

// Variant selects the rasterization flavor of the terrain pipeline.
// All variants share vertex input and binding layout, so switching
// costs one pipeline rebind and nothing else.
type Variant int

const (
	VariantSolid Variant = iota
	VariantWireframe
	VariantDebug
	variantCount
)

func (v Variant) String() string {
	switch v {
	case VariantSolid:
		return "solid"
	case VariantWireframe:
		return "wireframe"
	case VariantDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Config tunes the distance-to-tessellation mapping.
type Config struct {
	TessellationScale float32 `yaml:"tessellation_scale"`
	MinTessLevel      float32 `yaml:"min_tess_level"`
	MaxTessLevel      float32 `yaml:"max_tess_level"`
	NearDistance      float32 `yaml:"near_distance"`
	FarDistance       float32 `yaml:"far_distance"`
}

// DefaultConfig returns the tessellation tuning used without overrides.
func DefaultConfig() Config {
	return Config{
		TessellationScale: 1.0,
		MinTessLevel:      1.0,
		MaxTessLevel:      64.0,
		NearDistance:      50.0,
		FarDistance:       2000.0,
	}
}

// LevelForDistance maps camera distance to a tessellation level:
// maxTessLevel at or inside NearDistance, minTessLevel at or beyond
// FarDistance, linear in between, then scaled and clamped.
func (c Config) LevelForDistance(distance float32) float32 {
	var level float32
	switch {
	case distance <= c.NearDistance:
		level = c.MaxTessLevel
	case distance >= c.FarDistance:
		level = c.MinTessLevel
	default:
		t := (distance - c.NearDistance) / (c.FarDistance - c.NearDistance)
		level = c.MaxTessLevel + t*(c.MinTessLevel-c.MaxTessLevel)
	}
	level *= c.TessellationScale
	if level < c.MinTessLevel {
		level = c.MinTessLevel
	}
	if level > c.MaxTessLevel {
		level = c.MaxTessLevel
	}
	return level
}

// Stats counts draw activity since the last reset.
type Stats struct {
	DrawCalls     uint64
	Triangles     uint64
	Patches       uint64
	TotalDrawTime time.Duration
	AvgDrawTime   time.Duration
}

// Pipeline owns the three terrain pipeline variants built from one
// shader source. The variants are created up front so a variant switch
// never stalls on pipeline creation.
type Pipeline struct {
	dev gpu.Device
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	source   string
	vertex   gpu.ShaderModule
	variants [variantCount]gpu.RenderPipeline

	statsMu sync.Mutex
	stats   Stats
}

// terrain vertex: position (3), uv (2), normal (3), stride 32 bytes.
var terrainVertexAttributes = []gpu.VertexAttribute{
	{ShaderLocation: 0, Offset: 0, FloatCount: 3},
	{ShaderLocation: 1, Offset: 12, FloatCount: 2},
	{ShaderLocation: 2, Offset: 20, FloatCount: 3},
}

const terrainVertexStride = 32

// NewPipeline compiles the embedded terrain shader and builds all
// variants.
func NewPipeline(dev gpu.Device, cfg Config) (*Pipeline, error) {
	p := &Pipeline{
		dev: dev,
		cfg: cfg,
		log: logger.Named("tess"),
	}
	if err := p.build(terrainShaderWGSL); err != nil {
		return nil, err
	}
	p.log.Info("tessellation pipelines ready",
		zap.Float32("min_level", cfg.MinTessLevel),
		zap.Float32("max_level", cfg.MaxTessLevel))
	return p, nil
}

// build compiles source and replaces every variant. The descriptor and
// vertex layout are fixed, so already-created bind groups stay valid.
func (p *Pipeline) build(source string) error {
	module, err := p.dev.CreateShaderModule("terrain-tess", source)
	if err != nil {
		return fmt.Errorf("terrain shader: %w", err)
	}

	var variants [variantCount]gpu.RenderPipeline
	for v := VariantSolid; v < variantCount; v++ {
		desc := gpu.RenderPipelineDescriptor{
			Label:            "terrain-" + v.String(),
			VertexShader:     module,
			FragmentShader:   module,
			VertexEntry:      "vs_main",
			FragmentEntry:    fragmentEntry(v),
			PolygonMode:      polygonMode(v),
			CullBackFaces:    v != VariantWireframe,
			DepthTest:        true,
			DepthWrite:       true,
			PatchTopology:    true,
			VertexStride:     terrainVertexStride,
			VertexAttributes: terrainVertexAttributes,
		}
		variants[v], err = p.dev.CreateRenderPipeline(desc)
		if err != nil {
			for _, created := range variants {
				if created != nil {
					created.Release()
				}
			}
			module.Release()
			return fmt.Errorf("pipeline %s: %w", v, err)
		}
	}

	p.mu.Lock()
	old := p.variants
	oldModule := p.vertex
	p.vertex = module
	p.variants = variants
	p.source = source
	p.mu.Unlock()

	for _, pl := range old {
		if pl != nil {
			pl.Release()
		}
	}
	if oldModule != nil {
		oldModule.Release()
	}
	return nil
}

func fragmentEntry(v Variant) string {
	switch v {
	case VariantWireframe:
		return "fs_wireframe"
	case VariantDebug:
		return "fs_debug"
	default:
		return "fs_main"
	}
}

func polygonMode(v Variant) gpu.PolygonMode {
	if v == VariantWireframe {
		return gpu.PolygonModeLine
	}
	return gpu.PolygonModeFill
}

// Reload swaps in new shader source. The pipeline layout contract is
// unchanged, only the bytecode; on compile failure the current
// pipelines keep rendering.
func (p *Pipeline) Reload(source string) error {
	if err := p.build(source); err != nil {
		p.log.Warn("shader reload failed, keeping previous pipelines", zap.Error(err))
		return err
	}
	p.log.Info("shaders reloaded")
	return nil
}

// Bind sets the requested variant on the pass. Bind groups and vertex
// buffers bound before or after survive variant switches.
func (p *Pipeline) Bind(pass gpu.RenderPass, v Variant) error {
	p.mu.Lock()
	pl := p.variants[v]
	p.mu.Unlock()
	if pl == nil {
		return ErrNotInitialized
	}
	pass.SetPipeline(pl)
	return nil
}

// Variant returns the pipeline handle for v, for callers that manage
// their own binding.
func (p *Pipeline) Variant(v Variant) gpu.RenderPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.variants[v]
}

// RecordDraw accumulates statistics for one issued draw.
func (p *Pipeline) RecordDraw(triangles, patches uint64, d time.Duration) {
	p.statsMu.Lock()
	p.stats.DrawCalls++
	p.stats.Triangles += triangles
	p.stats.Patches += patches
	p.stats.TotalDrawTime += d
	p.stats.AvgDrawTime = p.stats.TotalDrawTime / time.Duration(p.stats.DrawCalls)
	p.statsMu.Unlock()
}

// Stats returns a snapshot of the draw counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// ResetStats zeroes the draw counters.
func (p *Pipeline) ResetStats() {
	p.statsMu.Lock()
	p.stats = Stats{}
	p.statsMu.Unlock()
}

// Close releases all pipeline objects.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pl := range p.variants {
		if pl != nil {
			pl.Release()
			p.variants[i] = nil
		}
	}
	if p.vertex != nil {
		p.vertex.Release()
		p.vertex = nil
	}
}
