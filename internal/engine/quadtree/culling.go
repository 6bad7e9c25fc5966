package quadtree

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/pkg/math"
)

// NewCullingData assembles the per-frame culling uniform from camera
// matrices and the tree config. Toggles ride in CullingParams so the
// shader and CPU mirror read the same switches.
func NewCullingData(view, proj math.Mat4, cameraPos, cameraDir math.Vec3, near, far float32, cfg Config, frameIndex uint32) GPUCullingData {
	viewProj := proj.Mul(view)
	frustum := math.FrustumFromMatrix(viewProj)

	cd := GPUCullingData{
		View:            view,
		Proj:            proj,
		ViewProj:        viewProj,
		CameraPosition:  math.Vec4{X: cameraPos.X, Y: cameraPos.Y, Z: cameraPos.Z, W: near},
		CameraDirection: math.Vec4{X: cameraDir.X, Y: cameraDir.Y, Z: cameraDir.Z, W: far},
		LODDistances:    math.Vec4{X: cfg.NearLODDistance, Y: cfg.FarLODDistance, Z: cfg.LODBias, W: cfg.MaxRenderDistance},
		FrameIndex:      frameIndex,
		MaxTiles:        cfg.MaxTiles,
	}
	for i, p := range frustum.Planes {
		cd.FrustumPlanes[i] = math.Vec4{X: p.Normal.X, Y: p.Normal.Y, Z: p.Normal.Z, W: p.Distance}
	}
	if cfg.EnableDistanceCulling {
		cd.CullingParams.X = 1
	}
	if cfg.EnableFrustumCulling {
		cd.CullingParams.Y = 1
	}
	cd.CullingParams.Z = cfg.MaxRenderDistance
	if cfg.EnableOcclusionCulling {
		cd.EnableOcclusion = 1
	}
	return cd
}

// PerformCulling runs the fixed pipeline over every node: distance
// reject, hierarchical frustum test, LOD assignment for visible leaves,
// then the optional occlusion test. Results land in the node flags and
// tile records, which are re-uploaded; on compute-capable devices the
// same pass is dispatched on the GPU against the uploaded data.
func (q *Quadtree) PerformCulling(cd *GPUCullingData) error {
	start := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.nodes {
		q.nodes[i].ClearFlag(FlagVisible | FlagCulled)
	}

	var visited cullCounters
	if len(q.nodes) > 0 {
		frustum := frustumFromPlanes(cd.FrustumPlanes)
		q.cullNode(0, &frustum, cd, &visited)
	}

	cullBytes := make([]byte, CullingDataSize)
	cd.Encode(cullBytes)
	dev := q.alloc.Device()
	if err := dev.WriteBuffer(q.cullingBuf.Buffer, 0, cullBytes); err != nil {
		return fmt.Errorf("upload culling data: %w", err)
	}
	if err := q.uploadAll(); err != nil {
		return err
	}

	if dev.Limits().SupportsCompute {
		if err := q.dispatchCulling(dev); err != nil {
			return err
		}
	}

	q.mutateStats(func(s *Stats) {
		s.TotalNodes = uint32(len(q.nodes))
		s.TotalTiles = uint32(len(q.tileIndex))
		s.VisibleNodes = visited.visibleNodes
		s.CulledNodes = visited.culledNodes
		s.VisibleTiles = visited.visibleTiles
		s.CulledTiles = visited.culledTiles
		s.CullingTime = float32(time.Since(start).Seconds() * 1000)
	})
	return nil
}

type cullCounters struct {
	visibleNodes uint32
	culledNodes  uint32
	visibleTiles uint32
	culledTiles  uint32
}

func (q *Quadtree) cullNode(idx uint32, frustum *math.Frustum, cd *GPUCullingData, c *cullCounters) {
	node := &q.nodes[idx]

	center := math.Vec3{
		X: (node.Bounds.X + node.Bounds.Z) * 0.5,
		Y: (node.ElevationRange.X + node.ElevationRange.Y) * 0.5,
		Z: (node.Bounds.Y + node.Bounds.W) * 0.5,
	}
	camera := cd.CameraPosition.Vec3()
	distance := center.Distance(camera)

	// Cheap early reject before any plane tests. Subtract the node
	// radius so a huge node straddling the cutoff is not dropped.
	if cd.CullingParams.X != 0 {
		if distance-node.LODDistance*0.5 > cd.CullingParams.Z {
			q.markCulled(node, c)
			return
		}
	}

	if cd.CullingParams.Y != 0 {
		min := math.Vec3{X: node.Bounds.X, Y: node.ElevationRange.X, Z: node.Bounds.Y}
		max := math.Vec3{X: node.Bounds.Z, Y: node.ElevationRange.Y, Z: node.Bounds.W}
		if !frustum.IntersectsAABB(min, max) {
			q.markCulled(node, c)
			return
		}
	}

	node.SetFlag(FlagVisible)
	c.visibleNodes++

	if node.HasFlag(FlagHasTile) {
		tile := &q.tiles[node.TileIndex]
		tile.DistanceToCamera = distance
		tile.LevelOfDetail = computeLOD(distance, cd.LODDistances.X, cd.LODDistances.Y, cd.LODDistances.Z)
		node.LODDistance = distance

		if cd.EnableOcclusion != 0 && q.occlusion != nil &&
			q.occlusion.Occluded(node.Bounds, node.ElevationRange, cd) {
			node.ClearFlag(FlagVisible)
			node.SetFlag(FlagCulled)
			c.visibleNodes--
			c.culledNodes++
			c.culledTiles++
		} else {
			c.visibleTiles++
		}
	}

	if node.HasFlag(FlagHasChildren) {
		for _, child := range node.ChildIndices {
			if child != 0 {
				q.cullNode(child, frustum, cd, c)
			}
		}
	}
}

// markCulled flags the node and counts its whole subtree as culled
// without descending for plane tests.
func (q *Quadtree) markCulled(node *GPUQuadtreeNode, c *cullCounters) {
	node.SetFlag(FlagCulled)
	c.culledNodes++
	if node.HasFlag(FlagHasTile) {
		c.culledTiles++
	}
	if node.HasFlag(FlagHasChildren) {
		for _, child := range node.ChildIndices {
			if child != 0 {
				c.culledNodes += q.countSubtree(child, c)
			}
		}
	}
}

func (q *Quadtree) countSubtree(idx uint32, c *cullCounters) uint32 {
	node := &q.nodes[idx]
	count := uint32(1)
	if node.HasFlag(FlagHasTile) {
		c.culledTiles++
	}
	if node.HasFlag(FlagHasChildren) {
		for _, child := range node.ChildIndices {
			if child != 0 {
				count += q.countSubtree(child, c)
			}
		}
	}
	return count
}

// computeLOD maps camera distance to a 0..7 level, matching the
// per-tile recommendation: below near is full detail, beyond far is
// coarsest, linear in between. Bias above 1 pushes detail out.
func computeLOD(distance, near, far, bias float32) uint32 {
	if bias != 0 {
		distance /= bias
	}
	if distance <= near {
		return 0
	}
	if distance >= far {
		return maxLODLevel
	}
	ratio := (distance - near) / (far - near)
	return uint32(ratio * maxLODLevel)
}

func (q *Quadtree) dispatchCulling(dev gpu.Device) error {
	pass, err := dev.BeginComputePass("terrain-culling")
	if err != nil {
		return fmt.Errorf("culling pass: %w", err)
	}
	pass.SetPipeline(q.cullPipeline)
	pass.SetBindGroup(0, q.cullBindings)
	groups := (uint32(len(q.nodes)) + q.cfg.ComputeGroupSize - 1) / q.cfg.ComputeGroupSize
	if groups == 0 {
		groups = 1
	}
	pass.Dispatch(groups, 1, 1)
	if err := pass.End(); err != nil {
		return fmt.Errorf("culling pass: %w", err)
	}
	return nil
}

// GenerateDrawCommands compacts the surviving tiles into the indirect
// draw buffer. The survivor count lands in the counter buffer, so the
// render pass can consume the commands without a CPU round trip. The
// frame's statistics are published once commands are written.
func (q *Quadtree) GenerateDrawCommands() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.draws = q.draws[:0]
	var triangles uint32
	for i := range q.nodes {
		node := &q.nodes[i]
		if !node.HasFlag(FlagVisible) || node.HasFlag(FlagCulled) || !node.HasFlag(FlagHasTile) {
			continue
		}
		if uint32(len(q.draws)) >= q.cfg.MaxDrawCommands {
			q.log.Warn("draw command capacity reached", zap.Uint32("max", q.cfg.MaxDrawCommands))
			break
		}
		tile := &q.tiles[node.TileIndex]
		q.draws = append(q.draws, GPUDrawCommand{
			IndexCount:    tile.IndexCount,
			InstanceCount: 1,
			FirstIndex:    tile.IndexOffset,
			VertexOffset:  int32(tile.VertexOffset),
			TileIndex:     node.TileIndex,
			LODLevel:      tile.LevelOfDetail,
		})
		triangles += tile.IndexCount / 3
	}

	dev := q.alloc.Device()
	if len(q.draws) > 0 {
		drawBytes := make([]byte, len(q.draws)*DrawCommandSize)
		for i := range q.draws {
			q.draws[i].Encode(drawBytes[i*DrawCommandSize:])
		}
		if err := dev.WriteBuffer(q.drawBuf.Buffer, 0, drawBytes); err != nil {
			return 0, fmt.Errorf("upload draw commands: %w", err)
		}
	}
	count := uint32(len(q.draws))
	counter := make([]byte, 16)
	binary.LittleEndian.PutUint32(counter, count)
	if err := dev.WriteBuffer(q.counterBuf.Buffer, 0, counter); err != nil {
		return 0, fmt.Errorf("upload draw counter: %w", err)
	}

	q.statsMu.Lock()
	q.stats.DrawCommands = count
	q.stats.Triangles = triangles
	q.prevStats = q.stats
	q.statsMu.Unlock()

	return count, nil
}

// DrawCommands returns a copy of the last generated command list.
func (q *Quadtree) DrawCommands() []GPUDrawCommand {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]GPUDrawCommand, len(q.draws))
	copy(out, q.draws)
	return out
}

// ExecuteDraws issues one indirect draw per surviving command on the
// given pass. Vertex and index buffers must already be bound.
func (q *Quadtree) ExecuteDraws(pass gpu.RenderPass) uint32 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for i := range q.draws {
		pass.DrawIndexedIndirect(q.drawBuf.Buffer, uint64(i)*DrawCommandSize)
	}
	return uint32(len(q.draws))
}

func frustumFromPlanes(planes [6]math.Vec4) math.Frustum {
	var f math.Frustum
	for i, p := range planes {
		f.Planes[i] = math.Plane{Normal: p.Vec3(), Distance: p.W}
	}
	return f
}
