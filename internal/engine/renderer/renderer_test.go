package renderer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/internal/engine/memory"
	"github.com/Faultbox/terrastream/internal/engine/terrain"
	"github.com/Faultbox/terrastream/pkg/math"
)

func testRenderer(t *testing.T, cfg Config) (*Renderer, *gpu.HeadlessDevice) {
	t.Helper()
	dev := gpu.NewHeadlessDevice()
	alloc := memory.NewAllocator(dev, memory.DefaultConfig())
	r, err := New(alloc, cfg)
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		alloc.Close()
		dev.Release()
	})
	return r, dev
}

func testCamera() Camera {
	cam := DefaultCamera()
	cam.Position = math.Vec3{X: 500, Y: 300, Z: 2500}
	cam.LookAt(math.Vec3{X: 500, Y: 0, Z: 500})
	cam.Aspect = 1
	return cam
}

func TestCameraMatrices(t *testing.T) {
	cam := testCamera()

	if l := cam.Direction.Length(); l < 0.999 || l > 1.001 {
		t.Fatalf("direction not normalized: %v", l)
	}

	vp := cam.ViewProjection()
	clip := vp.MulVec4(math.Vec4{X: 500, Y: 0, Z: 500, W: 1})
	if clip.W <= 0 {
		t.Fatalf("look target behind camera: w=%v", clip.W)
	}

	// A point behind the camera projects with negative w.
	behind := vp.MulVec4(math.Vec4{X: 500, Y: 300, Z: 5000, W: 1})
	if behind.W >= 0 {
		t.Fatalf("expected negative w behind camera, got %v", behind.W)
	}
}

func TestRenderFrameWithoutDataset(t *testing.T) {
	r, _ := testRenderer(t, DefaultConfig())
	err := r.RenderFrame(context.Background(), testCamera(), nil, 16*time.Millisecond)
	if !errors.Is(err, ErrNoActiveDataset) {
		t.Fatalf("expected ErrNoActiveDataset, got %v", err)
	}
}

func TestDatasetLifecycle(t *testing.T) {
	r, _ := testRenderer(t, DefaultConfig())
	src := terrain.NewProceduralSource(64)

	if err := r.LoadDataset("world", src, 100); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := r.ActiveDataset(); got != "world" {
		t.Fatalf("first dataset should become active, got %q", got)
	}
	if err := r.LoadDataset("world", src, 100); !errors.Is(err, ErrDatasetExists) {
		t.Fatalf("expected ErrDatasetExists, got %v", err)
	}
	if err := r.SetActiveDataset("nope"); !errors.Is(err, ErrUnknownDataset) {
		t.Fatalf("expected ErrUnknownDataset, got %v", err)
	}

	if err := r.LoadDataset("other", src, 50); err != nil {
		t.Fatalf("load other: %v", err)
	}
	if err := r.SetActiveDataset("other"); err != nil {
		t.Fatalf("activate other: %v", err)
	}
	if err := r.UnloadDataset("other"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if got := r.ActiveDataset(); got != "" {
		t.Fatalf("unloading the active dataset should clear it, got %q", got)
	}
	if err := r.UnloadDataset("other"); !errors.Is(err, ErrUnknownDataset) {
		t.Fatalf("expected ErrUnknownDataset on double unload, got %v", err)
	}
}

func TestRenderFrameStreamsAndDraws(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StreamRadius = 1200
	r, dev := testRenderer(t, cfg)

	if err := r.LoadDataset("world", terrain.NewProceduralSource(64), 100); err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx := context.Background()
	cam := testCamera()

	pass, err := dev.BeginRenderPass(gpu.RenderPassDescriptor{Label: "terrain"})
	if err != nil {
		t.Fatalf("render pass: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Stats().TilesRendered == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no tiles rendered: stats=%+v inflight=%d", r.Stats(), r.Manager().TileCount())
		}
		if err := r.RenderFrame(ctx, cam, pass, 16*time.Millisecond); err != nil {
			t.Fatalf("frame %d: %v", r.FrameIndex(), err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := r.Stats()
	if stats.DrawCalls == 0 || stats.DrawCalls != stats.TilesRendered {
		t.Fatalf("draw calls should match tiles rendered: %+v", stats)
	}
	if stats.TrianglesRendered == 0 {
		t.Fatalf("expected triangles rendered: %+v", stats)
	}
	if stats.GPUMemoryUsage == 0 {
		t.Fatalf("ready tiles should report GPU memory: %+v", stats)
	}
	if len(dev.IndirectDraws) == 0 {
		t.Fatal("expected recorded indirect draws")
	}
}

func TestRenderFrameHonorsCancellation(t *testing.T) {
	r, _ := testRenderer(t, DefaultConfig())
	if err := r.LoadDataset("world", terrain.NewProceduralSource(64), 100); err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.RenderFrame(ctx, testCamera(), nil, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestResolveTileFallsBackToAncestor(t *testing.T) {
	r, _ := testRenderer(t, DefaultConfig())
	src := terrain.NewProceduralSource(64)

	child := terrain.TileCoordinate{X: 4, Y: 6, Level: 0, DatasetID: "world"}
	parent := child.Parent()

	tile := r.Manager().CreateTile(parent)
	if err := r.Manager().LoadAndUpload(context.Background(), tile, src); err != nil {
		t.Fatalf("prepare ancestor: %v", err)
	}

	got := r.resolveTile(child)
	if got == nil {
		t.Fatal("expected fallback to resident ancestor")
	}
	if got.Coordinate() != parent {
		t.Fatalf("expected %v, got %v", parent, got.Coordinate())
	}

	if r.resolveTile(terrain.TileCoordinate{X: 999, Y: 999, Level: 0, DatasetID: "world"}) != nil {
		t.Fatal("expected nil for unresident subtree")
	}
}

func TestRenderFrameAfterClose(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	alloc := memory.NewAllocator(dev, memory.DefaultConfig())
	defer alloc.Close()
	r, err := New(alloc, DefaultConfig())
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	if err := r.LoadDataset("world", terrain.NewProceduralSource(64), 100); err != nil {
		t.Fatalf("load: %v", err)
	}
	r.Close()
	if err := r.RenderFrame(context.Background(), testCamera(), nil, 0); !errors.Is(err, ErrRendererClosed) {
		t.Fatalf("expected ErrRendererClosed, got %v", err)
	}
	if err := r.LoadDataset("again", terrain.NewProceduralSource(64), 100); !errors.Is(err, ErrRendererClosed) {
		t.Fatalf("expected ErrRendererClosed on load, got %v", err)
	}
}
