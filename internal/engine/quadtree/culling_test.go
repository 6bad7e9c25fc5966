package quadtree

import (
	stdmath "math"
	"testing"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/internal/engine/terrain"
	"github.com/Faultbox/terrastream/pkg/math"
)

// quadCoords is a 2x2 block of root-level tiles spanning [0,2000] in XZ.
func quadCoords() []terrain.TileCoordinate {
	return []terrain.TileCoordinate{
		coordAt(0, 0), coordAt(1, 0), coordAt(0, 1), coordAt(1, 1),
	}
}

func buildQuad(t *testing.T, q *Quadtree) {
	t.Helper()
	coords := quadCoords()
	for _, c := range coords {
		registerTile(t, q, c)
	}
	if err := q.BuildTree(coords); err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
}

// frontCamera looks at the tile block from positive Z.
func frontCamera(cfg Config, frame uint32) GPUCullingData {
	eye := math.Vec3{X: 1000, Y: 300, Z: 3000}
	center := math.Vec3{X: 1000, Y: 0, Z: 1000}
	view := math.LookAt(eye, center, math.Vec3{Y: 1})
	proj := math.Perspective(float32(stdmath.Pi/2), 1.0, 1.0, 10000.0)
	dir := center.Sub(eye).Normalize()
	return NewCullingData(view, proj, eye, dir, 1.0, 10000.0, cfg, frame)
}

func TestCullingEmitsCommandsForVisibleTiles(t *testing.T) {
	cfg := DefaultConfig()
	q, _ := testQuadtree(t, cfg)
	buildQuad(t, q)

	cd := frontCamera(cfg, 0)
	if err := q.PerformCulling(&cd); err != nil {
		t.Fatalf("PerformCulling: %v", err)
	}
	count, err := q.GenerateDrawCommands()
	if err != nil {
		t.Fatalf("GenerateDrawCommands: %v", err)
	}
	if count != 4 {
		t.Fatalf("draw commands = %d, want 4", count)
	}

	seen := make(map[uint32]bool)
	for _, cmd := range q.DrawCommands() {
		if cmd.IndexCount != 63*63*4 {
			t.Errorf("IndexCount = %d, want %d", cmd.IndexCount, 63*63*4)
		}
		if cmd.InstanceCount != 1 {
			t.Errorf("InstanceCount = %d, want 1", cmd.InstanceCount)
		}
		if seen[cmd.TileIndex] {
			t.Errorf("tile %d emitted twice", cmd.TileIndex)
		}
		seen[cmd.TileIndex] = true
	}
}

func TestCullingRejectsTilesBehindCamera(t *testing.T) {
	cfg := DefaultConfig()
	q, _ := testQuadtree(t, cfg)
	buildQuad(t, q)

	// Same eye position, looking away from the tiles.
	eye := math.Vec3{X: 1000, Y: 300, Z: 3000}
	center := math.Vec3{X: 1000, Y: 0, Z: 5000}
	view := math.LookAt(eye, center, math.Vec3{Y: 1})
	proj := math.Perspective(float32(stdmath.Pi/2), 1.0, 1.0, 10000.0)
	cd := NewCullingData(view, proj, eye, center.Sub(eye).Normalize(), 1.0, 10000.0, cfg, 0)

	if err := q.PerformCulling(&cd); err != nil {
		t.Fatalf("PerformCulling: %v", err)
	}
	count, err := q.GenerateDrawCommands()
	if err != nil {
		t.Fatalf("GenerateDrawCommands: %v", err)
	}
	if count != 0 {
		t.Fatalf("draw commands = %d, want 0", count)
	}

	// Hierarchical early-out: the root is culled, children keep
	// cleared per-frame flags.
	root, _ := q.Node(0)
	if !root.HasFlag(FlagCulled) {
		t.Error("root should be culled")
	}
	for _, ci := range root.ChildIndices {
		if ci == 0 {
			continue
		}
		child, _ := q.Node(ci)
		if child.HasFlag(FlagVisible) || child.HasFlag(FlagCulled) {
			t.Errorf("child %d was visited despite culled parent", ci)
		}
	}
}

func TestDistanceCulling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableFrustumCulling = false
	cfg.MaxRenderDistance = 100
	q, _ := testQuadtree(t, cfg)
	buildQuad(t, q)

	eye := math.Vec3{X: 50000, Y: 300, Z: 50000}
	view := math.LookAt(eye, math.Vec3{X: 1000, Z: 1000}, math.Vec3{Y: 1})
	proj := math.Perspective(float32(stdmath.Pi/2), 1.0, 1.0, 100000.0)
	cd := NewCullingData(view, proj, eye, math.Vec3{X: -1}, 1.0, 100000.0, cfg, 0)

	if err := q.PerformCulling(&cd); err != nil {
		t.Fatalf("PerformCulling: %v", err)
	}
	count, err := q.GenerateDrawCommands()
	if err != nil {
		t.Fatalf("GenerateDrawCommands: %v", err)
	}
	if count != 0 {
		t.Errorf("draw commands = %d, want 0 beyond max render distance", count)
	}
	if got := q.Stats().VisibleTiles; got != 0 {
		t.Errorf("visible tiles = %d, want 0", got)
	}
}

func TestLODAssignment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableFrustumCulling = false
	cfg.EnableDistanceCulling = false
	q, _ := testQuadtree(t, cfg)

	near := coordAt(0, 0)  // center (500, 100, 500)
	far := coordAt(10, 10) // center (10500, 100, 10500)
	for _, c := range []terrain.TileCoordinate{near, far} {
		registerTile(t, q, c)
	}
	if err := q.BuildTree([]terrain.TileCoordinate{near, far}); err != nil {
		t.Fatalf("BuildTree: %v", err)
	}

	eye := math.Vec3{X: 500, Y: 100, Z: 520}
	view := math.LookAt(eye, math.Vec3{X: 500, Z: 500}, math.Vec3{Y: 1})
	proj := math.Perspective(float32(stdmath.Pi/2), 1.0, 1.0, 100000.0)
	cd := NewCullingData(view, proj, eye, math.Vec3{Z: -1}, 1.0, 100000.0, cfg, 0)

	if err := q.PerformCulling(&cd); err != nil {
		t.Fatalf("PerformCulling: %v", err)
	}

	nearRec, _ := q.TileRecord(near)
	if nearRec.LevelOfDetail != 0 {
		t.Errorf("near tile LOD = %d, want 0", nearRec.LevelOfDetail)
	}
	farRec, _ := q.TileRecord(far)
	if farRec.LevelOfDetail != maxLODLevel {
		t.Errorf("far tile LOD = %d, want %d", farRec.LevelOfDetail, maxLODLevel)
	}
	if nearRec.DistanceToCamera >= farRec.DistanceToCamera {
		t.Error("near tile should be closer than far tile")
	}
}

func TestComputeLODMonotone(t *testing.T) {
	prev := uint32(0)
	for d := float32(0); d <= 3000; d += 50 {
		lod := computeLOD(d, 100, 2000, 1.0)
		if lod < prev {
			t.Fatalf("LOD decreased from %d to %d at distance %f", prev, lod, d)
		}
		if lod > maxLODLevel {
			t.Fatalf("LOD %d out of range at distance %f", lod, d)
		}
		prev = lod
	}
	if computeLOD(50, 100, 2000, 1.0) != 0 {
		t.Error("below near distance should be full detail")
	}
	if computeLOD(5000, 100, 2000, 1.0) != maxLODLevel {
		t.Error("beyond far distance should be coarsest")
	}
}

type occludeEverything struct{}

func (occludeEverything) Occluded(math.Vec4, math.Vec2, *GPUCullingData) bool { return true }

func TestOcclusionCulling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableOcclusionCulling = true
	q, _ := testQuadtree(t, cfg)
	buildQuad(t, q)
	q.SetOcclusionTester(occludeEverything{})

	cd := frontCamera(cfg, 0)
	if err := q.PerformCulling(&cd); err != nil {
		t.Fatalf("PerformCulling: %v", err)
	}
	count, err := q.GenerateDrawCommands()
	if err != nil {
		t.Fatalf("GenerateDrawCommands: %v", err)
	}
	if count != 0 {
		t.Errorf("draw commands = %d, want 0 with everything occluded", count)
	}

	// Disabled in config: the tester must not run.
	cfg.EnableOcclusionCulling = false
	cd = frontCamera(cfg, 1)
	if err := q.PerformCulling(&cd); err != nil {
		t.Fatalf("PerformCulling: %v", err)
	}
	count, _ = q.GenerateDrawCommands()
	if count != 4 {
		t.Errorf("draw commands = %d, want 4 with occlusion disabled", count)
	}
}

func TestDrawCommandCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDrawCommands = 2
	q, _ := testQuadtree(t, cfg)
	buildQuad(t, q)

	cd := frontCamera(cfg, 0)
	if err := q.PerformCulling(&cd); err != nil {
		t.Fatalf("PerformCulling: %v", err)
	}
	count, err := q.GenerateDrawCommands()
	if err != nil {
		t.Fatalf("GenerateDrawCommands: %v", err)
	}
	if count != 2 {
		t.Errorf("draw commands = %d, want capacity 2", count)
	}
}

func TestStatsObservePreviousFrame(t *testing.T) {
	cfg := DefaultConfig()
	q, _ := testQuadtree(t, cfg)
	buildQuad(t, q)

	if got := q.Stats(); got.DrawCommands != 0 {
		t.Fatalf("stats before first frame = %+v, want zero", got)
	}

	cd := frontCamera(cfg, 0)
	if err := q.PerformCulling(&cd); err != nil {
		t.Fatalf("PerformCulling: %v", err)
	}
	if _, err := q.GenerateDrawCommands(); err != nil {
		t.Fatalf("GenerateDrawCommands: %v", err)
	}

	stats := q.Stats()
	if stats.DrawCommands != 4 {
		t.Errorf("DrawCommands = %d, want 4", stats.DrawCommands)
	}
	if stats.TotalNodes != 5 {
		t.Errorf("TotalNodes = %d, want 5", stats.TotalNodes)
	}
	if stats.VisibleTiles != 4 {
		t.Errorf("VisibleTiles = %d, want 4", stats.VisibleTiles)
	}
	if stats.Triangles != 4*63*63*4/3 {
		t.Errorf("Triangles = %d, want %d", stats.Triangles, 4*63*63*4/3)
	}
}

func TestExecuteDrawsRecordsIndirect(t *testing.T) {
	cfg := DefaultConfig()
	q, dev := testQuadtree(t, cfg)
	buildQuad(t, q)

	cd := frontCamera(cfg, 0)
	if err := q.PerformCulling(&cd); err != nil {
		t.Fatalf("PerformCulling: %v", err)
	}
	if _, err := q.GenerateDrawCommands(); err != nil {
		t.Fatalf("GenerateDrawCommands: %v", err)
	}

	pass, err := dev.BeginRenderPass(gpu.RenderPassDescriptor{Label: "terrain"})
	if err != nil {
		t.Fatalf("BeginRenderPass: %v", err)
	}
	issued := q.ExecuteDraws(pass)
	if err := pass.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if issued != 4 {
		t.Fatalf("issued = %d, want 4", issued)
	}
	if len(dev.IndirectDraws) != 4 {
		t.Fatalf("recorded indirect draws = %d, want 4", len(dev.IndirectDraws))
	}
	for i, rec := range dev.IndirectDraws {
		if rec.Offset != uint64(i)*DrawCommandSize {
			t.Errorf("draw %d offset = %d, want %d", i, rec.Offset, i*DrawCommandSize)
		}
	}
}

func TestDepthGridOcclusion(t *testing.T) {
	cfg := DefaultConfig()
	cd := frontCamera(cfg, 0)

	grid := NewDepthGridOcclusion(8, 8)
	bounds := math.Vec4{X: 900, Y: 900, Z: 1100, W: 1100}
	elev := math.Vec2{X: 0, Y: 100}

	// Far-plane grid occludes nothing.
	if grid.Occluded(bounds, elev, &cd) {
		t.Error("empty depth grid should not occlude")
	}

	// A uniformly near depth surface hides everything behind it.
	near := make([]float32, 64)
	for i := range near {
		near[i] = 0.0001
	}
	grid.Update(near)
	if !grid.Occluded(bounds, elev, &cd) {
		t.Error("box behind a near surface should be occluded")
	}

	grid.Reset()
	if grid.Occluded(bounds, elev, &cd) {
		t.Error("reset grid should not occlude")
	}
}
