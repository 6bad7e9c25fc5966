package quadtree

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/internal/engine/memory"
	"github.com/Faultbox/terrastream/internal/engine/terrain"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/pkg/math"
)

var (
	ErrTreeFull     = errors.New("quadtree: node capacity exceeded")
	ErrTileCapacity = errors.New("quadtree: tile capacity exceeded")
	ErrUnknownTile  = errors.New("quadtree: tile not registered")
)

const maxLODLevel = 7

// Quadtree mirrors the tile hierarchy as a flat node array shared with
// the GPU. The CPU copy is authoritative for topology; per-frame
// visibility and LOD are computed here and, on devices with compute
// support, re-derived on the GPU from the same uploaded data.
type Quadtree struct {
	cfg   Config
	alloc *memory.Allocator
	log   *zap.Logger

	mu        sync.RWMutex
	nodes     []GPUQuadtreeNode
	tiles     []GPUTileData
	tileIndex map[terrain.TileCoordinate]uint32
	draws     []GPUDrawCommand
	depthSum  uint64

	occlusion OcclusionTester

	nodeBuf    *memory.Allocation
	tileBuf    *memory.Allocation
	drawBuf    *memory.Allocation
	cullingBuf *memory.Allocation
	counterBuf *memory.Allocation
	statsBuf   *memory.Allocation

	cullShader   gpu.ShaderModule
	cullPipeline gpu.ComputePipeline
	cullBindings gpu.BindGroup

	statsMu   sync.Mutex
	stats     Stats
	prevStats Stats
}

// New allocates the GPU-side buffers and compute pipeline for a tree of
// the configured capacity. The allocator's compute pool backs the
// storage buffers; the culling uniform comes from the uniform pool.
func New(alloc *memory.Allocator, cfg Config) (*Quadtree, error) {
	q := &Quadtree{
		cfg:       cfg,
		alloc:     alloc,
		log:       logger.Named("quadtree"),
		tileIndex: make(map[terrain.TileCoordinate]uint32),
	}

	dev := alloc.Device()
	var err error
	if q.nodeBuf, err = alloc.AllocateBuffer(uint64(cfg.MaxNodes)*NodeSize,
		gpu.BufferUsageStorage|gpu.BufferUsageCopyDst, memory.ComputeBuffer); err != nil {
		return nil, fmt.Errorf("node buffer: %w", err)
	}
	if q.tileBuf, err = alloc.AllocateBuffer(uint64(cfg.MaxTiles)*TileDataSize,
		gpu.BufferUsageStorage|gpu.BufferUsageCopyDst, memory.ComputeBuffer); err != nil {
		q.release()
		return nil, fmt.Errorf("tile buffer: %w", err)
	}
	if q.drawBuf, err = alloc.AllocateBuffer(uint64(cfg.MaxDrawCommands)*DrawCommandSize,
		gpu.BufferUsageStorage|gpu.BufferUsageIndirect|gpu.BufferUsageCopyDst, memory.ComputeBuffer); err != nil {
		q.release()
		return nil, fmt.Errorf("draw buffer: %w", err)
	}
	if q.cullingBuf, err = alloc.AllocateBuffer(CullingDataSize,
		gpu.BufferUsageUniform|gpu.BufferUsageCopyDst, memory.UniformBuffer); err != nil {
		q.release()
		return nil, fmt.Errorf("culling buffer: %w", err)
	}
	if q.counterBuf, err = alloc.AllocateBuffer(16,
		gpu.BufferUsageStorage|gpu.BufferUsageIndirect|gpu.BufferUsageCopyDst|gpu.BufferUsageCopySrc, memory.ComputeBuffer); err != nil {
		q.release()
		return nil, fmt.Errorf("counter buffer: %w", err)
	}
	if q.statsBuf, err = alloc.AllocateBuffer(StatsSize,
		gpu.BufferUsageStorage|gpu.BufferUsageCopySrc|gpu.BufferUsageMapRead, memory.ComputeBuffer); err != nil {
		q.release()
		return nil, fmt.Errorf("stats buffer: %w", err)
	}

	if err := q.createCullingPipeline(dev); err != nil {
		q.release()
		return nil, err
	}

	q.log.Info("quadtree initialized",
		zap.Uint32("max_nodes", cfg.MaxNodes),
		zap.Uint32("max_tiles", cfg.MaxTiles),
		zap.Uint32("max_draws", cfg.MaxDrawCommands))
	return q, nil
}

func (q *Quadtree) createCullingPipeline(dev gpu.Device) error {
	var err error
	q.cullShader, err = dev.CreateShaderModule("terrain-culling", cullingShaderWGSL)
	if err != nil {
		return fmt.Errorf("culling shader: %w", err)
	}
	q.cullPipeline, err = dev.CreateComputePipeline(gpu.ComputePipelineDescriptor{
		Label:      "terrain-culling",
		Shader:     q.cullShader,
		EntryPoint: "cull_main",
	})
	if err != nil {
		return fmt.Errorf("culling pipeline: %w", err)
	}
	q.cullBindings, err = dev.CreateBindGroup(gpu.BindGroupDescriptor{
		Label:   "terrain-culling",
		Compute: q.cullPipeline,
		Entries: []gpu.BindGroupEntry{
			{Binding: 0, Buffer: q.nodeBuf.Buffer},
			{Binding: 1, Buffer: q.tileBuf.Buffer},
			{Binding: 2, Buffer: q.drawBuf.Buffer},
			{Binding: 3, Buffer: q.counterBuf.Buffer},
			{Binding: 4, Buffer: q.cullingBuf.Buffer},
			{Binding: 5, Buffer: q.statsBuf.Buffer},
		},
	})
	if err != nil {
		return fmt.Errorf("culling bindings: %w", err)
	}
	return nil
}

// SetOcclusionTester installs the depth-based occlusion test. A nil
// tester disables occlusion regardless of config.
func (q *Quadtree) SetOcclusionTester(t OcclusionTester) {
	q.mu.Lock()
	q.occlusion = t
	q.mu.Unlock()
}

// AddTile registers or replaces the GPU record for a tile coordinate.
func (q *Quadtree) AddTile(coord terrain.TileCoordinate, data GPUTileData) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addTileLocked(coord, data)
}

func (q *Quadtree) addTileLocked(coord terrain.TileCoordinate, data GPUTileData) error {
	if idx, ok := q.tileIndex[coord]; ok {
		q.tiles[idx] = data
		return nil
	}
	if uint32(len(q.tiles)) >= q.cfg.MaxTiles {
		return fmt.Errorf("add %s: %w", coord, ErrTileCapacity)
	}
	q.tileIndex[coord] = uint32(len(q.tiles))
	q.tiles = append(q.tiles, data)
	return nil
}

// UpdateTile overwrites a registered tile's record, typically after the
// tile's GPU geometry changed. The node referencing it is flagged for
// refresh on the next tree update.
func (q *Quadtree) UpdateTile(coord terrain.TileCoordinate, data GPUTileData) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, ok := q.tileIndex[coord]
	if !ok {
		return fmt.Errorf("update %s: %w", coord, ErrUnknownTile)
	}
	q.tiles[idx] = data
	for i := range q.nodes {
		n := &q.nodes[i]
		if n.HasFlag(FlagHasTile) && n.TileIndex == idx {
			n.SetFlag(FlagRequiresUpdate)
		}
	}
	return nil
}

// RemoveTile drops a tile's record. Nodes referencing it lose HAS_TILE;
// topology is otherwise untouched until the next BuildTree.
func (q *Quadtree) RemoveTile(coord terrain.TileCoordinate) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, ok := q.tileIndex[coord]
	if !ok {
		return fmt.Errorf("remove %s: %w", coord, ErrUnknownTile)
	}
	delete(q.tileIndex, coord)
	for i := range q.nodes {
		n := &q.nodes[i]
		if n.HasFlag(FlagHasTile) && n.TileIndex == idx {
			n.ClearFlag(FlagHasTile)
		}
	}
	return nil
}

// TileCount returns the number of registered tile records.
func (q *Quadtree) TileCount() uint32 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return uint32(len(q.tileIndex))
}

// NodeCount returns the number of tree nodes from the last build.
func (q *Quadtree) NodeCount() uint32 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return uint32(len(q.nodes))
}

// Node returns a copy of the node at idx. Index 0 is the root.
func (q *Quadtree) Node(idx uint32) (GPUQuadtreeNode, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if int(idx) >= len(q.nodes) {
		return GPUQuadtreeNode{}, false
	}
	return q.nodes[idx], true
}

// IndexForCoordinate returns the GPU tile index of coord.
func (q *Quadtree) IndexForCoordinate(coord terrain.TileCoordinate) (uint32, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	idx, ok := q.tileIndex[coord]
	return idx, ok
}

// CoordinateForIndex resolves a GPU tile index back to its coordinate.
func (q *Quadtree) CoordinateForIndex(idx uint32) (terrain.TileCoordinate, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for coord, i := range q.tileIndex {
		if i == idx {
			return coord, true
		}
	}
	return terrain.TileCoordinate{}, false
}

// TileRecord returns a copy of the registered record for coord.
func (q *Quadtree) TileRecord(coord terrain.TileCoordinate) (GPUTileData, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	idx, ok := q.tileIndex[coord]
	if !ok {
		return GPUTileData{}, false
	}
	return q.tiles[idx], true
}

// BuildTree rebuilds the node hierarchy over the given coordinates.
// Nodes are subdivided top-down until a node covers exactly one tile or
// maxDepth is reached; each node's bounds are the union of the tile
// bounds beneath it. Coordinates without a registered record get a
// placeholder derived from the tile grid, flagged REQUIRES_UPDATE.
func (q *Quadtree) BuildTree(coords []terrain.TileCoordinate) error {
	start := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.nodes = q.nodes[:0]
	q.depthSum = 0

	tileIdx := make([]uint32, 0, len(coords))
	for _, coord := range coords {
		idx, ok := q.tileIndex[coord]
		if !ok {
			placeholder := PlaceholderRecord(coord)
			if err := q.addTileLocked(coord, placeholder); err != nil {
				return err
			}
			idx = q.tileIndex[coord]
		}
		tileIdx = append(tileIdx, idx)
	}

	if len(tileIdx) > 0 {
		if _, err := q.buildRecursive(tileIdx, 0); err != nil {
			return err
		}
	}
	if err := q.uploadAll(); err != nil {
		return err
	}

	buildMs := float32(time.Since(start).Seconds() * 1000)
	q.mutateStats(func(s *Stats) {
		s.BuildTime = buildMs
		s.TotalNodes = uint32(len(q.nodes))
		s.TotalTiles = uint32(len(q.tileIndex))
		if len(q.nodes) > 0 {
			s.AvgNodeDepth = float32(q.depthSum) / float32(len(q.nodes))
		}
	})

	q.log.Debug("tree built",
		zap.Int("tiles", len(tileIdx)),
		zap.Int("nodes", len(q.nodes)),
		zap.Float32("build_ms", buildMs))
	return nil
}

// buildRecursive creates the node covering tileIdx and returns its index.
func (q *Quadtree) buildRecursive(tileIdx []uint32, depth uint32) (uint32, error) {
	if uint32(len(q.nodes)) >= q.cfg.MaxNodes {
		return 0, ErrTreeFull
	}

	idx := uint32(len(q.nodes))
	q.nodes = append(q.nodes, GPUQuadtreeNode{Level: depth})
	q.depthSum += uint64(depth)

	bounds, elev := q.unionBounds(tileIdx)
	node := GPUQuadtreeNode{
		Bounds:         bounds,
		ElevationRange: elev,
		Level:          depth,
		LODDistance:    boundsDiagonal(bounds, elev),
	}

	if len(tileIdx) == 1 || depth >= q.cfg.MaxDepth {
		// Leaf. When depth forces multiple tiles into one node, keep
		// the first and mark the node for refresh.
		if len(tileIdx) > 1 {
			node.SetFlag(FlagRequiresUpdate)
		}
		node.TileIndex = tileIdx[0]
		node.SetFlag(FlagHasTile)
		q.nodes[idx] = node
		return idx, nil
	}

	cx := (bounds.X + bounds.Z) * 0.5
	cz := (bounds.Y + bounds.W) * 0.5

	var quadrants [4][]uint32
	for _, ti := range tileIdx {
		b := q.tiles[ti].Bounds
		tcx := (b.X + b.Z) * 0.5
		tcz := (b.Y + b.W) * 0.5
		quad := 0
		if tcx >= cx {
			quad |= 1
		}
		if tcz >= cz {
			quad |= 2
		}
		quadrants[quad] = append(quadrants[quad], ti)
	}

	// Degenerate split: all tiles share a center. Force a leaf.
	populated := 0
	for _, qd := range quadrants {
		if len(qd) > 0 {
			populated++
		}
	}
	if populated <= 1 && len(tileIdx) > 1 {
		node.TileIndex = tileIdx[0]
		node.SetFlag(FlagHasTile | FlagRequiresUpdate)
		q.nodes[idx] = node
		return idx, nil
	}

	for quad, qd := range quadrants {
		if len(qd) == 0 {
			continue
		}
		child, err := q.buildRecursive(qd, depth+1)
		if err != nil {
			return 0, err
		}
		node.ChildIndices[quad] = child
	}
	node.SetFlag(FlagHasChildren)
	q.nodes[idx] = node
	return idx, nil
}

func (q *Quadtree) unionBounds(tileIdx []uint32) (math.Vec4, math.Vec2) {
	first := q.tiles[tileIdx[0]]
	bounds := first.Bounds
	elev := first.ElevationRange
	for _, ti := range tileIdx[1:] {
		t := q.tiles[ti]
		if t.Bounds.X < bounds.X {
			bounds.X = t.Bounds.X
		}
		if t.Bounds.Y < bounds.Y {
			bounds.Y = t.Bounds.Y
		}
		if t.Bounds.Z > bounds.Z {
			bounds.Z = t.Bounds.Z
		}
		if t.Bounds.W > bounds.W {
			bounds.W = t.Bounds.W
		}
		if t.ElevationRange.X < elev.X {
			elev.X = t.ElevationRange.X
		}
		if t.ElevationRange.Y > elev.Y {
			elev.Y = t.ElevationRange.Y
		}
	}
	return bounds, elev
}

// uploadAll writes the node and tile arrays to the GPU buffers.
func (q *Quadtree) uploadAll() error {
	dev := q.alloc.Device()

	nodeBytes := make([]byte, len(q.nodes)*NodeSize)
	for i := range q.nodes {
		q.nodes[i].Encode(nodeBytes[i*NodeSize:])
	}
	if len(nodeBytes) > 0 {
		if err := dev.WriteBuffer(q.nodeBuf.Buffer, 0, nodeBytes); err != nil {
			return fmt.Errorf("upload nodes: %w", err)
		}
	}

	tileBytes := make([]byte, len(q.tiles)*TileDataSize)
	for i := range q.tiles {
		q.tiles[i].Encode(tileBytes[i*TileDataSize:])
	}
	if len(tileBytes) > 0 {
		if err := dev.WriteBuffer(q.tileBuf.Buffer, 0, tileBytes); err != nil {
			return fmt.Errorf("upload tiles: %w", err)
		}
	}
	return nil
}

func (q *Quadtree) mutateStats(f func(*Stats)) {
	q.statsMu.Lock()
	f(&q.stats)
	q.statsMu.Unlock()
}

// MemoryUsage returns the GPU bytes held by the tree's buffers.
func (q *Quadtree) MemoryUsage() uint64 {
	var total uint64
	for _, a := range []*memory.Allocation{q.nodeBuf, q.tileBuf, q.drawBuf, q.cullingBuf, q.counterBuf, q.statsBuf} {
		if a != nil {
			total += a.Size
		}
	}
	return total
}

// DrawCommandBuffer exposes the compacted indirect buffer for the
// render pass.
func (q *Quadtree) DrawCommandBuffer() gpu.Buffer { return q.drawBuf.Buffer }

// Stats returns the previous completed frame's counters.
func (q *Quadtree) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return q.prevStats
}

// Close releases buffers and pipeline objects.
func (q *Quadtree) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release()
}

func (q *Quadtree) release() {
	if q.cullBindings != nil {
		q.cullBindings.Release()
		q.cullBindings = nil
	}
	if q.cullPipeline != nil {
		q.cullPipeline.Release()
		q.cullPipeline = nil
	}
	if q.cullShader != nil {
		q.cullShader.Release()
		q.cullShader = nil
	}
	for _, a := range []**memory.Allocation{&q.nodeBuf, &q.tileBuf, &q.drawBuf, &q.cullingBuf, &q.counterBuf, &q.statsBuf} {
		if *a != nil {
			q.alloc.Deallocate(*a)
			*a = nil
		}
	}
}

// PlaceholderRecord builds a tile record carrying only spatial fields,
// for coordinates whose geometry has not been uploaded yet.
func PlaceholderRecord(coord terrain.TileCoordinate) GPUTileData {
	b := terrain.BoundsForCoordinate(coord)
	return GPUTileData{
		ModelMatrix:    math.Identity(),
		Bounds:         math.Vec4{X: b.Min.X, Y: b.Min.Z, Z: b.Max.X, W: b.Max.Z},
		ElevationRange: math.Vec2{X: b.MinElevation, Y: b.MaxElevation},
		TexCoordScale:  math.Vec2{X: 1, Y: 1},
		LevelOfDetail:  coord.Level,
	}
}

func boundsDiagonal(b math.Vec4, elev math.Vec2) float32 {
	dx := b.Z - b.X
	dz := b.W - b.Y
	dy := elev.Y - elev.X
	return math.Vec3{X: dx, Y: dy, Z: dz}.Length()
}
