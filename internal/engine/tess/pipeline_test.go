package tess

import (
	"encoding/binary"
	stdmath "math"
	"testing"
	"time"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/pkg/math"
)

func testPipeline(t *testing.T) (*Pipeline, *gpu.HeadlessDevice) {
	t.Helper()
	dev := gpu.NewHeadlessDevice()
	p, err := NewPipeline(dev, DefaultConfig())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() {
		p.Close()
		dev.Release()
	})
	return p, dev
}

func TestPushConstantsFitDeviceMinimum(t *testing.T) {
	if PushConstantsSize > 256 {
		t.Fatalf("push constants are %d bytes, limit is 256", PushConstantsSize)
	}
	var pc PushConstants
	buf := make([]byte, PushConstantsSize)
	pc.Encode(buf)

	var ext ExtendedUniform
	ext.Encode(make([]byte, ExtendedUniformSize))
}

func TestPushConstantsFieldOffsets(t *testing.T) {
	pc := PushConstants{
		MVP:               math.Identity(),
		CameraPosition:    math.Vec3{X: 1, Y: 2, Z: 3},
		TessellationScale: 2.5,
		HeightScale:       100,
		MinTessLevel:      1,
		MaxTessLevel:      64,
		Metallic:          0.1,
	}
	buf := make([]byte, PushConstantsSize)
	pc.Encode(buf)

	checks := []struct {
		offset int
		want   float32
	}{
		{0, 1},     // mvp[0][0]
		{64, 1},    // cameraPosition.x
		{76, 2.5},  // tessellationScale
		{96, 100},  // heightScale
		{112, 1},   // minTessLevel
		{116, 64},  // maxTessLevel
		{204, 0.1}, // metallic, last field
	}
	for _, c := range checks {
		if got := decodeFloat(buf[c.offset:]); got != c.want {
			t.Errorf("offset %d = %f, want %f", c.offset, got, c.want)
		}
	}
}

func decodeFloat(b []byte) float32 {
	return stdmath.Float32frombits(binary.LittleEndian.Uint32(b))
}

func TestLevelForDistanceMonotone(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.LevelForDistance(0); got != cfg.MaxTessLevel {
		t.Errorf("at zero distance level = %f, want %f", got, cfg.MaxTessLevel)
	}
	if got := cfg.LevelForDistance(cfg.NearDistance); got != cfg.MaxTessLevel {
		t.Errorf("at near distance level = %f, want %f", got, cfg.MaxTessLevel)
	}
	if got := cfg.LevelForDistance(cfg.FarDistance); got != cfg.MinTessLevel {
		t.Errorf("at far distance level = %f, want %f", got, cfg.MinTessLevel)
	}
	if got := cfg.LevelForDistance(1e9); got != cfg.MinTessLevel {
		t.Errorf("beyond far level = %f, want %f", got, cfg.MinTessLevel)
	}

	prev := cfg.LevelForDistance(0)
	for d := float32(0); d <= 3000; d += 25 {
		level := cfg.LevelForDistance(d)
		if level > prev {
			t.Fatalf("level increased from %f to %f at distance %f", prev, level, d)
		}
		if level < cfg.MinTessLevel || level > cfg.MaxTessLevel {
			t.Fatalf("level %f out of [%f, %f] at distance %f",
				level, cfg.MinTessLevel, cfg.MaxTessLevel, d)
		}
		prev = level
	}
}

func TestLevelForDistanceScaleClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TessellationScale = 100

	if got := cfg.LevelForDistance(10); got != cfg.MaxTessLevel {
		t.Errorf("scaled level = %f, want clamp at %f", got, cfg.MaxTessLevel)
	}
}

func TestVariantSwitchKeepsBindings(t *testing.T) {
	p, dev := testPipeline(t)

	pass, err := dev.BeginRenderPass(gpu.RenderPassDescriptor{Label: "terrain"})
	if err != nil {
		t.Fatalf("BeginRenderPass: %v", err)
	}
	for _, v := range []Variant{VariantSolid, VariantWireframe, VariantDebug, VariantSolid} {
		if err := p.Bind(pass, v); err != nil {
			t.Fatalf("Bind(%s): %v", v, err)
		}
	}
	if err := pass.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestVariantsShareLayout(t *testing.T) {
	p, _ := testPipeline(t)
	for v := VariantSolid; v < variantCount; v++ {
		if p.Variant(v) == nil {
			t.Errorf("variant %s not created", v)
		}
	}
}

func TestReloadPreservesVariants(t *testing.T) {
	p, _ := testPipeline(t)

	before := [variantCount]gpu.RenderPipeline{}
	for v := VariantSolid; v < variantCount; v++ {
		before[v] = p.Variant(v)
	}

	if err := p.Reload(terrainShaderWGSL); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	for v := VariantSolid; v < variantCount; v++ {
		pl := p.Variant(v)
		if pl == nil {
			t.Errorf("variant %s lost after reload", v)
		}
		if pl == before[v] {
			t.Errorf("variant %s not rebuilt", v)
		}
	}
}

func TestDrawStats(t *testing.T) {
	p, _ := testPipeline(t)

	p.RecordDraw(5292, 3969, 2*time.Millisecond)
	p.RecordDraw(5292, 3969, 4*time.Millisecond)

	stats := p.Stats()
	if stats.DrawCalls != 2 {
		t.Errorf("DrawCalls = %d, want 2", stats.DrawCalls)
	}
	if stats.Triangles != 2*5292 {
		t.Errorf("Triangles = %d, want %d", stats.Triangles, 2*5292)
	}
	if stats.AvgDrawTime != 3*time.Millisecond {
		t.Errorf("AvgDrawTime = %v, want 3ms", stats.AvgDrawTime)
	}

	p.ResetStats()
	if got := p.Stats(); got.DrawCalls != 0 || got.Triangles != 0 {
		t.Errorf("stats after reset = %+v, want zero", got)
	}
}
