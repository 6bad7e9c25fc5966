// Package renderer coordinates tile streaming, GPU quadtree culling
// and the tessellation pipeline into a per-frame terrain draw loop.
// RenderFrame never blocks on tile IO: missing tiles are requested
// asynchronously and coarser resident ancestors stand in until the
// load completes.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/internal/engine/memory"
	"github.com/Faultbox/terrastream/internal/engine/quadtree"
	"github.com/Faultbox/terrastream/internal/engine/terrain"
	"github.com/Faultbox/terrastream/internal/engine/tess"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/pkg/math"
)

var (
	ErrNoActiveDataset = errors.New("renderer: no active dataset")
	ErrDatasetExists   = errors.New("renderer: dataset already loaded")
	ErrUnknownDataset  = errors.New("renderer: dataset not loaded")
	ErrRendererClosed  = errors.New("renderer: closed")
)

// maxFallbackDepth bounds the ancestor walk when a tile is not yet
// resident.
const maxFallbackDepth = 4

type dataset struct {
	id          string
	source      terrain.Source
	streamer    *terrain.Streamer
	heightScale float32
}

// Renderer owns the per-frame terrain loop. It drives a shared tile
// manager, one streamer per dataset, a GPU quadtree for culling and
// draw command generation, and the tessellation pipeline for the
// actual draws.
type Renderer struct {
	cfg   Config
	dev   gpu.Device
	alloc *memory.Allocator
	log   *zap.Logger

	manager  *terrain.Manager
	tree     *quadtree.Quadtree
	pipeline *tess.Pipeline
	sampler  gpu.Sampler

	paramBuf *memory.Allocation
	extBuf   *memory.Allocation

	mu       sync.Mutex
	datasets map[string]*dataset
	active   string
	closed   bool

	// Tiles currently registered in the quadtree, so BuildTree only
	// reruns when the resident set changes.
	registered map[terrain.TileCoordinate]struct{}
	treeDirty  bool

	// Per-tile bind groups, keyed by the tile whose height texture
	// they reference. Invalidated when the tile leaves residency.
	bindGroups map[terrain.TileCoordinate]gpu.BindGroup

	frame     uint32
	startTime time.Time

	statsMu sync.RWMutex
	stats   FrameStats
	pending FrameStats
}

// New builds a renderer on the allocator's device. The manager's tile
// cap comes from the quadtree configuration.
func New(alloc *memory.Allocator, cfg Config) (*Renderer, error) {
	log := logger.Named("renderer")

	tree, err := quadtree.New(alloc, cfg.Quadtree)
	if err != nil {
		return nil, fmt.Errorf("renderer: quadtree: %w", err)
	}

	pipeline, err := tess.NewPipeline(alloc.Device(), cfg.Tessellation)
	if err != nil {
		tree.Close()
		return nil, fmt.Errorf("renderer: pipeline: %w", err)
	}

	sampler, err := alloc.Device().CreateSampler(gpu.SamplerDescriptor{
		Label:  "terrain-sampler",
		Linear: true,
	})
	if err != nil {
		pipeline.Close()
		tree.Close()
		return nil, fmt.Errorf("renderer: sampler: %w", err)
	}

	paramBuf, err := alloc.AllocateUniformBuffer(tess.PushConstantsSize)
	if err != nil {
		sampler.Release()
		pipeline.Close()
		tree.Close()
		return nil, fmt.Errorf("renderer: param buffer: %w", err)
	}
	extBuf, err := alloc.AllocateUniformBuffer(tess.ExtendedUniformSize)
	if err != nil {
		alloc.Deallocate(paramBuf)
		sampler.Release()
		pipeline.Close()
		tree.Close()
		return nil, fmt.Errorf("renderer: extended buffer: %w", err)
	}

	r := &Renderer{
		cfg:        cfg,
		dev:        alloc.Device(),
		alloc:      alloc,
		log:        log,
		manager:    terrain.NewManager(alloc, cfg.Quadtree.MaxTiles, cfg.MaxTileMemory),
		tree:       tree,
		pipeline:   pipeline,
		sampler:    sampler,
		paramBuf:   paramBuf,
		extBuf:     extBuf,
		datasets:   make(map[string]*dataset),
		registered: make(map[terrain.TileCoordinate]struct{}),
		bindGroups: make(map[terrain.TileCoordinate]gpu.BindGroup),
		startTime:  time.Now(),
	}

	// Under memory pressure the allocator asks the manager to shed the
	// least recently used tiles; a failed allocation triggers the same
	// eviction so the allocator's one retry has room to succeed.
	evict := func() {
		before := r.manager.TotalMemoryUsage()
		r.manager.PerformMemoryCleanup(cfg.MaxTileMemory / 2)
		if after := r.manager.TotalMemoryUsage(); after < before {
			r.log.Warn("memory pressure eviction", zap.Uint64("freed", before-after))
		}
	}
	alloc.SetPressureCallback(func(ratio float64) {
		if ratio > alloc.Config().CriticalThreshold {
			evict()
		}
	})
	alloc.SetAllocationFailedCallback(func(memory.Type, uint64) { evict() })
	return r, nil
}

// Manager exposes the tile manager, mainly for diagnostics.
func (r *Renderer) Manager() *terrain.Manager { return r.manager }

// Quadtree exposes the culling structure, mainly for diagnostics.
func (r *Renderer) Quadtree() *quadtree.Quadtree { return r.tree }

// Pipeline exposes the tessellation pipeline.
func (r *Renderer) Pipeline() *tess.Pipeline { return r.pipeline }

// LoadDataset registers a tile source under id. The first dataset
// loaded becomes active.
func (r *Renderer) LoadDataset(id string, source terrain.Source, heightScale float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRendererClosed
	}
	if _, ok := r.datasets[id]; ok {
		return fmt.Errorf("%w: %s", ErrDatasetExists, id)
	}
	if heightScale <= 0 {
		heightScale = 1
	}
	r.datasets[id] = &dataset{
		id:          id,
		source:      source,
		streamer:    terrain.NewStreamer(r.manager, source, r.cfg.Streaming),
		heightScale: heightScale,
	}
	if r.active == "" {
		r.active = id
	}
	r.log.Info("dataset loaded", zap.String("id", id))
	return nil
}

// UnloadDataset stops streaming for id, evicts its tiles and drops its
// quadtree entries. Unloading the active dataset leaves no dataset
// active.
func (r *Renderer) UnloadDataset(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.datasets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDataset, id)
	}
	ds.streamer.Close()
	delete(r.datasets, id)
	if r.active == id {
		r.active = ""
	}

	for coord := range r.registered {
		if coord.DatasetID != id {
			continue
		}
		delete(r.registered, coord)
		r.dropBindGroupLocked(coord)
		if err := r.tree.RemoveTile(coord); err != nil && !errors.Is(err, quadtree.ErrUnknownTile) {
			r.log.Warn("quadtree removal failed", zap.String("tile", coord.String()), zap.Error(err))
		}
		r.manager.RemoveTile(coord)
	}
	r.treeDirty = true
	r.log.Info("dataset unloaded", zap.String("id", id))
	return nil
}

// SetActiveDataset switches which dataset RenderFrame streams and
// draws. Tiles of other datasets stay resident until evicted.
func (r *Renderer) SetActiveDataset(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.datasets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDataset, id)
	}
	if r.active != id {
		r.active = id
		r.treeDirty = true
	}
	return nil
}

// ActiveDataset returns the id streamed by RenderFrame, or "".
func (r *Renderer) ActiveDataset() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetWireframe toggles the wireframe pipeline variant.
func (r *Renderer) SetWireframe(on bool) {
	r.mu.Lock()
	r.cfg.EnableWireframe = on
	r.mu.Unlock()
}

// RenderFrame runs one iteration of the terrain loop against pass:
// kick loads, absorb finished loads into GPU memory and the quadtree,
// cull, generate draw commands and issue the indirect draws. The pass
// may be nil on headless configurations that only exercise streaming
// and culling.
func (r *Renderer) RenderFrame(ctx context.Context, cam Camera, pass gpu.RenderPass, dt time.Duration) error {
	frameStart := time.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRendererClosed
	}
	active := r.datasets[r.active]
	r.mu.Unlock()
	if active == nil {
		return ErrNoActiveDataset
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.frame++
	r.pending = FrameStats{}

	r.streamTiles(cam, active, dt)
	r.absorbLoads(active)

	cullStart := time.Now()
	visible, err := r.cullAndCompact(cam)
	if err != nil {
		return err
	}
	r.pending.CullingTime = time.Since(cullStart)

	if pass != nil && visible > 0 {
		renderStart := time.Now()
		if err := r.draw(cam, pass, active); err != nil {
			return err
		}
		r.pending.RenderTime = time.Since(renderStart)
	}

	r.finishFrame(frameStart)
	return nil
}

// streamTiles requests every base-level tile inside the stream radius
// and lets the streamer refill its worker queue.
func (r *Renderer) streamTiles(cam Camera, ds *dataset, dt time.Duration) {
	tileSize := terrain.TileWorldSize(0)
	radius := int32(r.cfg.StreamRadius/tileSize) + 1
	cx := int32(cam.Position.X / tileSize)
	cz := int32(cam.Position.Z / tileSize)

	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			coord := terrain.TileCoordinate{X: cx + dx, Y: cz + dz, Level: 0, DatasetID: ds.id}
			center := terrain.BoundsForCoordinate(coord).Center()
			if cam.Position.Distance(center) > r.cfg.StreamRadius {
				continue
			}
			tile := r.manager.GetTile(coord)
			if tile == nil {
				tile = r.manager.CreateTile(coord)
			}
			tile.MarkAccessed()
		}
	}

	r.manager.UpdatePriorities(cam.Position, float32(dt.Seconds()))
	for _, coord := range r.manager.HighPriorityLoadingQueue(r.cfg.MaxLoadsPerFrame) {
		if coord.DatasetID != ds.id {
			continue
		}
		ds.streamer.Request(coord)
	}
	ds.streamer.Update(cam.Position, float32(dt.Seconds()))
}

// absorbLoads drains worker results for error reporting, then uploads
// Loaded tiles to the GPU and registers them in the quadtree, bounded
// per frame so a burst of finished loads cannot stall rendering. The
// sweep over Loaded tiles also retries tiles that fell back out of
// Ready when an earlier upload ran out of pool space.
func (r *Renderer) absorbLoads(ds *dataset) {
	for _, res := range ds.streamer.PollResults(r.cfg.MaxUploadsPerFrame * 2) {
		if res.Err != nil {
			r.log.Warn("tile load failed", zap.String("tile", res.Coord.String()), zap.Error(res.Err))
		}
	}

	uploads := 0
	for _, tile := range r.manager.TilesInState(terrain.StateLoaded) {
		if tile.Coordinate().DatasetID != ds.id {
			continue
		}
		if uploads >= r.cfg.MaxUploadsPerFrame {
			break
		}
		if err := tile.UploadToGPU(r.alloc); err != nil {
			r.log.Warn("tile upload failed", zap.String("tile", tile.Coordinate().String()), zap.Error(err))
			continue
		}
		uploads++
		r.registerTile(tile)
	}
}

// registerTile publishes a Ready tile's GPU geometry to the quadtree.
func (r *Renderer) registerTile(tile *terrain.Tile) {
	coord := tile.Coordinate()
	res := tile.GPU()
	if !res.Valid() {
		return
	}

	bounds := tile.Bounds()
	record := quadtree.PlaceholderRecord(coord)
	record.Bounds = math.Vec4{X: bounds.Min.X, Y: bounds.Min.Z, Z: bounds.Max.X, W: bounds.Max.Z}
	record.ElevationRange = math.Vec2{X: bounds.Min.Y, Y: bounds.Max.Y}
	record.IndexCount = res.IndexCount

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registered[coord]; ok {
		if err := r.tree.UpdateTile(coord, record); err != nil {
			r.log.Warn("quadtree update failed", zap.String("tile", coord.String()), zap.Error(err))
		}
		return
	}
	if err := r.tree.AddTile(coord, record); err != nil {
		r.log.Warn("quadtree insert failed", zap.String("tile", coord.String()), zap.Error(err))
		return
	}
	r.registered[coord] = struct{}{}
	r.treeDirty = true
}

// cullAndCompact rebuilds the tree when the resident set changed, runs
// culling for the camera and compacts the survivors into draw
// commands. Returns the number of commands.
func (r *Renderer) cullAndCompact(cam Camera) (uint32, error) {
	r.mu.Lock()
	if r.treeDirty {
		coords := make([]terrain.TileCoordinate, 0, len(r.registered))
		for coord := range r.registered {
			if coord.DatasetID == r.active {
				coords = append(coords, coord)
			}
		}
		r.treeDirty = false
		r.mu.Unlock()
		if len(coords) == 0 {
			return 0, nil
		}
		if err := r.tree.BuildTree(coords); err != nil {
			return 0, fmt.Errorf("renderer: rebuild: %w", err)
		}
	} else {
		r.mu.Unlock()
	}
	if r.tree.TileCount() == 0 {
		return 0, nil
	}

	cfg := r.cfg.Quadtree
	cfg.EnableFrustumCulling = cfg.EnableFrustumCulling && r.cfg.EnableFrustumCulling
	cd := quadtree.NewCullingData(
		cam.ViewMatrix(), cam.ProjectionMatrix(),
		cam.Position, cam.Direction,
		cam.NearPlane, cam.FarPlane,
		cfg, r.frame,
	)
	if err := r.tree.PerformCulling(&cd); err != nil {
		return 0, fmt.Errorf("renderer: culling: %w", err)
	}
	count, err := r.tree.GenerateDrawCommands()
	if err != nil {
		return 0, fmt.Errorf("renderer: draw commands: %w", err)
	}
	return count, nil
}

// draw binds the tessellation variant, uploads the per-frame shader
// parameters and issues one indirect draw per visible tile with that
// tile's vertex and index buffers bound.
func (r *Renderer) draw(cam Camera, pass gpu.RenderPass, ds *dataset) error {
	variant := tess.VariantSolid
	if r.cfg.EnableWireframe {
		variant = tess.VariantWireframe
	}
	if err := r.pipeline.Bind(pass, variant); err != nil {
		return fmt.Errorf("renderer: bind: %w", err)
	}
	if err := r.writeFrameParams(cam, ds); err != nil {
		return err
	}

	drawStart := time.Now()
	var triangles uint64
	commands := r.tree.DrawCommands()
	for i, cmd := range commands {
		coord, ok := r.tree.CoordinateForIndex(cmd.TileIndex)
		if !ok {
			continue
		}
		tile := r.resolveTile(coord)
		if tile == nil {
			continue
		}
		res := tile.GPU()
		if !res.Valid() {
			continue
		}
		bg, err := r.tileBindGroup(tile.Coordinate(), res)
		if err != nil {
			r.log.Warn("bind group failed", zap.String("tile", coord.String()), zap.Error(err))
			continue
		}
		pass.SetBindGroup(0, bg)
		pass.SetVertexBuffer(0, res.Vertex.Buffer)
		pass.SetIndexBuffer(res.Index.Buffer, gpu.IndexFormatUint32)
		pass.DrawIndexedIndirect(r.tree.DrawCommandBuffer(), uint64(i)*quadtree.DrawCommandSize)

		tile.MarkAccessed()
		triangles += uint64(cmd.IndexCount / 3)
		r.pending.TilesRendered++
		r.pending.DrawCalls++
	}
	r.pending.TrianglesRendered = triangles
	r.pipeline.RecordDraw(triangles, uint64(len(commands)), time.Since(drawStart))
	return nil
}

// tileBindGroup returns the cached bind group binding the frame
// parameter buffers, the tile's height and normal textures and the
// shared sampler, creating it on first use.
func (r *Renderer) tileBindGroup(coord terrain.TileCoordinate, res terrain.GPUResources) (gpu.BindGroup, error) {
	r.mu.Lock()
	bg, ok := r.bindGroups[coord]
	r.mu.Unlock()
	if ok {
		return bg, nil
	}

	entries := []gpu.BindGroupEntry{
		{Binding: 0, Buffer: r.paramBuf.Buffer},
		{Binding: 1, Buffer: r.extBuf.Buffer},
	}
	if res.HeightTexture != nil {
		entries = append(entries, gpu.BindGroupEntry{Binding: 2, Texture: res.HeightTexture.Texture})
	}
	entries = append(entries, gpu.BindGroupEntry{Binding: 3, Sampler: r.sampler})
	if res.NormalTexture != nil {
		entries = append(entries, gpu.BindGroupEntry{Binding: 4, Texture: res.NormalTexture.Texture})
	}
	bg, err := r.dev.CreateBindGroup(gpu.BindGroupDescriptor{
		Label:   "terrain-" + coord.String(),
		Render:  r.pipeline.Variant(tess.VariantSolid),
		Entries: entries,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.bindGroups[coord] = bg
	r.mu.Unlock()
	return bg, nil
}

// dropBindGroupLocked releases the cached bind group for coord.
// Caller holds r.mu.
func (r *Renderer) dropBindGroupLocked(coord terrain.TileCoordinate) {
	if bg, ok := r.bindGroups[coord]; ok {
		bg.Release()
		delete(r.bindGroups, coord)
	}
}

// resolveTile returns the Ready tile for coord, or the nearest Ready
// ancestor when the exact tile is still loading.
func (r *Renderer) resolveTile(coord terrain.TileCoordinate) *terrain.Tile {
	if tile := r.manager.GetTile(coord); tile != nil && tile.State() == terrain.StateReady {
		return tile
	}
	parent := coord
	for i := 0; i < maxFallbackDepth; i++ {
		parent = parent.Parent()
		if tile := r.manager.GetTile(parent); tile != nil && tile.State() == terrain.StateReady {
			return tile
		}
	}
	return nil
}

// writeFrameParams fills the shader parameter block and the extended
// uniform for the current frame.
func (r *Renderer) writeFrameParams(cam Camera, ds *dataset) error {
	pc := tess.PushConstants{
		MVP:               cam.ViewProjection(),
		CameraPosition:    cam.Position,
		TessellationScale: r.cfg.Tessellation.TessellationScale,
		HeightmapSize:     math.Vec2{X: float32(r.cfg.TileSize), Y: float32(r.cfg.TileSize)},
		TerrainScale:      math.Vec2{X: terrain.TileWorldSize(0), Y: terrain.TileWorldSize(0)},
		HeightScale:       ds.heightScale,
		Time:              float32(time.Since(r.startTime).Seconds()),
		NearDistance:      r.cfg.Tessellation.NearDistance,
		FarDistance:       r.cfg.Tessellation.FarDistance,
		MinTessLevel:      r.cfg.Tessellation.MinTessLevel,
		MaxTessLevel:      r.cfg.Tessellation.MaxTessLevel,
		LODBias:           r.cfg.Quadtree.LODBias,
		SunDirection:      r.cfg.SunDirection,
		SunColor:          r.cfg.SunColor,
		AmbientColor:      r.cfg.AmbientColor,
		FogColor:          r.cfg.FogColor,
		FogDensity:        r.cfg.FogDensity,
		FogStart:          r.cfg.FogStart,
		FogEnd:            r.cfg.FogEnd,
		Roughness:         r.cfg.Roughness,
		Metallic:          r.cfg.Metallic,
	}
	buf := make([]byte, tess.PushConstantsSize)
	pc.Encode(buf)
	if err := r.dev.WriteBuffer(r.paramBuf.Buffer, 0, buf); err != nil {
		return fmt.Errorf("renderer: frame params: %w", err)
	}

	ext := tess.ExtendedUniform{
		Model:              math.Identity(),
		View:               cam.ViewMatrix(),
		Proj:               cam.ProjectionMatrix(),
		WireframeColor:     math.Vec3{X: 0, Y: 1, Z: 0},
		WireframeThickness: 1,
		WireframeOpacity:   1,
		SpecularPower:      32,
	}
	extBuf := make([]byte, tess.ExtendedUniformSize)
	ext.Encode(extBuf)
	if err := r.dev.WriteBuffer(r.extBuf.Buffer, 0, extBuf); err != nil {
		return fmt.Errorf("renderer: extended params: %w", err)
	}
	return nil
}

// finishFrame publishes frame stats and runs end-of-frame bookkeeping:
// age counters, eviction limits and memory pressure response.
func (r *Renderer) finishFrame(frameStart time.Time) {
	qstats := r.tree.Stats()
	mstats := r.manager.Stats()

	r.pending.TilesCulled = qstats.CulledNodes
	r.pending.TilesLoading = mstats.LoadingTiles
	r.pending.FrameTime = time.Since(frameStart)
	r.pending.MemoryUsage = mstats.MemoryUsage
	r.pending.GPUMemoryUsage = mstats.GPUMemoryUsage

	r.statsMu.Lock()
	r.stats = r.pending
	r.statsMu.Unlock()

	r.manager.AdvanceFrame()
	r.manager.EnforceLimits()
	if r.alloc.UsageRatio() > 0.9 {
		r.alloc.HandleMemoryPressure()
	}

	// Drop quadtree entries for tiles the manager evicted.
	r.mu.Lock()
	for coord := range r.registered {
		tile := r.manager.GetTile(coord)
		if tile != nil && tile.State() == terrain.StateReady {
			continue
		}
		delete(r.registered, coord)
		r.dropBindGroupLocked(coord)
		if err := r.tree.RemoveTile(coord); err != nil && !errors.Is(err, quadtree.ErrUnknownTile) {
			r.log.Warn("quadtree removal failed", zap.String("tile", coord.String()), zap.Error(err))
		}
		r.treeDirty = true
	}
	r.mu.Unlock()
}

// Stats returns the report for the last completed frame.
func (r *Renderer) Stats() FrameStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

// FrameIndex returns the number of frames rendered so far.
func (r *Renderer) FrameIndex() uint32 { return r.frame }

// Close stops all streamers and releases GPU resources. The allocator
// itself is owned by the caller.
func (r *Renderer) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	datasets := make([]*dataset, 0, len(r.datasets))
	for _, ds := range r.datasets {
		datasets = append(datasets, ds)
	}
	r.datasets = make(map[string]*dataset)
	for coord := range r.bindGroups {
		r.dropBindGroupLocked(coord)
	}
	r.mu.Unlock()

	for _, ds := range datasets {
		ds.streamer.Close()
	}
	r.manager.RemoveAllTiles()
	r.pipeline.Close()
	r.sampler.Release()
	r.tree.Close()
	r.alloc.Deallocate(r.paramBuf)
	r.alloc.Deallocate(r.extBuf)
}
