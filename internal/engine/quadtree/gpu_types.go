// Package quadtree maintains a GPU-resident spatial index over the tile
// hierarchy. It runs the per-frame culling pipeline (distance, frustum,
// LOD, optional occlusion) and compacts surviving tiles into indirect
// draw commands so the render pass never needs the visible count on the
// CPU side.
package quadtree

import (
	"encoding/binary"
	stdmath "math"

	"github.com/Faultbox/terrastream/pkg/math"
)

// Byte strides of the GPU-resident records. Shaders read these buffers
// by offset, so the encoders below must produce exactly these sizes.
const (
	NodeSize        = 64
	TileDataSize    = 128
	DrawCommandSize = 32
	CullingDataSize = 384
	StatsSize       = 48
)

// Node flag bits, shared with the culling shaders.
const (
	FlagVisible        uint32 = 1 << 0
	FlagHasChildren    uint32 = 1 << 1
	FlagHasTile        uint32 = 1 << 2
	FlagRequiresUpdate uint32 = 1 << 3
	FlagCulled         uint32 = 1 << 4
	FlagHighPriority   uint32 = 1 << 5
)

// GPUQuadtreeNode is one tree node as the shaders see it.
// Bounds is (minX, minZ, maxX, maxZ); elevation carries the Y extent.
// A child index of zero means no child (the root is never a child).
type GPUQuadtreeNode struct {
	Bounds         math.Vec4
	ElevationRange math.Vec2
	ChildIndices   [4]uint32
	TileIndex      uint32
	Level          uint32
	Flags          uint32
	LODDistance    float32
}

// HasFlag reports whether all bits of flag are set.
func (n *GPUQuadtreeNode) HasFlag(flag uint32) bool { return n.Flags&flag == flag }

// SetFlag sets the given flag bits.
func (n *GPUQuadtreeNode) SetFlag(flag uint32) { n.Flags |= flag }

// ClearFlag clears the given flag bits.
func (n *GPUQuadtreeNode) ClearFlag(flag uint32) { n.Flags &^= flag }

// Encode writes the node into dst, which must hold NodeSize bytes.
func (n *GPUQuadtreeNode) Encode(dst []byte) {
	_ = dst[:NodeSize]
	putVec4(dst[0:], n.Bounds)
	putVec2(dst[16:], n.ElevationRange)
	for i, c := range n.ChildIndices {
		binary.LittleEndian.PutUint32(dst[24+i*4:], c)
	}
	binary.LittleEndian.PutUint32(dst[40:], n.TileIndex)
	binary.LittleEndian.PutUint32(dst[44:], n.Level)
	binary.LittleEndian.PutUint32(dst[48:], n.Flags)
	putFloat32(dst[52:], n.LODDistance)
	clearBytes(dst[56:NodeSize])
}

// GPUTileData is the per-tile record consumed by the draw-generation
// pass and the tessellation shaders.
type GPUTileData struct {
	ModelMatrix      math.Mat4
	Bounds           math.Vec4
	ElevationRange   math.Vec2
	TexCoordOffset   math.Vec2
	TexCoordScale    math.Vec2
	TextureIndex     uint32
	LevelOfDetail    uint32
	VertexOffset     uint32
	IndexOffset      uint32
	IndexCount       uint32
	DistanceToCamera float32
}

// Encode writes the tile record into dst, which must hold TileDataSize bytes.
func (t *GPUTileData) Encode(dst []byte) {
	_ = dst[:TileDataSize]
	putMat4(dst[0:], t.ModelMatrix)
	putVec4(dst[64:], t.Bounds)
	putVec2(dst[80:], t.ElevationRange)
	putVec2(dst[88:], t.TexCoordOffset)
	putVec2(dst[96:], t.TexCoordScale)
	binary.LittleEndian.PutUint32(dst[104:], t.TextureIndex)
	binary.LittleEndian.PutUint32(dst[108:], t.LevelOfDetail)
	binary.LittleEndian.PutUint32(dst[112:], t.VertexOffset)
	binary.LittleEndian.PutUint32(dst[116:], t.IndexOffset)
	binary.LittleEndian.PutUint32(dst[120:], t.IndexCount)
	putFloat32(dst[124:], t.DistanceToCamera)
}

// GPUDrawCommand is an indirect-draw record plus identification fields.
// The leading five words match the layout the device consumes for
// indexed indirect draws; the trailing words are ignored by the GPU.
type GPUDrawCommand struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	VertexOffset  int32
	FirstInstance uint32
	TileIndex     uint32
	LODLevel      uint32
}

// Encode writes the command into dst, which must hold DrawCommandSize bytes.
func (c *GPUDrawCommand) Encode(dst []byte) {
	_ = dst[:DrawCommandSize]
	binary.LittleEndian.PutUint32(dst[0:], c.IndexCount)
	binary.LittleEndian.PutUint32(dst[4:], c.InstanceCount)
	binary.LittleEndian.PutUint32(dst[8:], c.FirstIndex)
	binary.LittleEndian.PutUint32(dst[12:], uint32(c.VertexOffset))
	binary.LittleEndian.PutUint32(dst[16:], c.FirstInstance)
	binary.LittleEndian.PutUint32(dst[20:], c.TileIndex)
	binary.LittleEndian.PutUint32(dst[24:], c.LODLevel)
	clearBytes(dst[28:DrawCommandSize])
}

// DecodeDrawCommand reads a command back from src. Used by tests and
// the headless path to inspect generated commands.
func DecodeDrawCommand(src []byte) GPUDrawCommand {
	_ = src[:DrawCommandSize]
	return GPUDrawCommand{
		IndexCount:    binary.LittleEndian.Uint32(src[0:]),
		InstanceCount: binary.LittleEndian.Uint32(src[4:]),
		FirstIndex:    binary.LittleEndian.Uint32(src[8:]),
		VertexOffset:  int32(binary.LittleEndian.Uint32(src[12:])),
		FirstInstance: binary.LittleEndian.Uint32(src[16:]),
		TileIndex:     binary.LittleEndian.Uint32(src[20:]),
		LODLevel:      binary.LittleEndian.Uint32(src[24:]),
	}
}

// GPUCullingData is the per-frame uniform block driving the culling
// passes. CameraPosition.W carries the near plane, CameraDirection.W
// the far plane. LODDistances is (near, far, bias, maxRenderDistance);
// CullingParams is (distanceCulling, frustumCulling, maxRenderDistance,
// reserved) with toggles encoded as 0/1 floats.
type GPUCullingData struct {
	View            math.Mat4
	Proj            math.Mat4
	ViewProj        math.Mat4
	FrustumPlanes   [6]math.Vec4
	CameraPosition  math.Vec4
	CameraDirection math.Vec4
	LODDistances    math.Vec4
	CullingParams   math.Vec4
	FrameIndex      uint32
	MaxTiles        uint32
	EnableOcclusion uint32
}

// Encode writes the block into dst, which must hold CullingDataSize bytes.
func (d *GPUCullingData) Encode(dst []byte) {
	_ = dst[:CullingDataSize]
	putMat4(dst[0:], d.View)
	putMat4(dst[64:], d.Proj)
	putMat4(dst[128:], d.ViewProj)
	for i, p := range d.FrustumPlanes {
		putVec4(dst[192+i*16:], p)
	}
	putVec4(dst[288:], d.CameraPosition)
	putVec4(dst[304:], d.CameraDirection)
	putVec4(dst[320:], d.LODDistances)
	putVec4(dst[336:], d.CullingParams)
	binary.LittleEndian.PutUint32(dst[352:], d.FrameIndex)
	binary.LittleEndian.PutUint32(dst[356:], d.MaxTiles)
	binary.LittleEndian.PutUint32(dst[360:], d.EnableOcclusion)
	clearBytes(dst[364:CullingDataSize])
}

// Stats holds the per-frame counters the culling pipeline produces.
// Callers observe the previous frame's values; readback never blocks
// the render path.
type Stats struct {
	TotalNodes   uint32
	VisibleNodes uint32
	CulledNodes  uint32
	TotalTiles   uint32
	VisibleTiles uint32
	CulledTiles  uint32
	DrawCommands uint32
	Triangles    uint32
	AvgNodeDepth float32
	CullingTime  float32 // milliseconds
	BuildTime    float32 // milliseconds
}

// Encode writes the stats block into dst, which must hold StatsSize bytes.
func (s *Stats) Encode(dst []byte) {
	_ = dst[:StatsSize]
	binary.LittleEndian.PutUint32(dst[0:], s.TotalNodes)
	binary.LittleEndian.PutUint32(dst[4:], s.VisibleNodes)
	binary.LittleEndian.PutUint32(dst[8:], s.CulledNodes)
	binary.LittleEndian.PutUint32(dst[12:], s.TotalTiles)
	binary.LittleEndian.PutUint32(dst[16:], s.VisibleTiles)
	binary.LittleEndian.PutUint32(dst[20:], s.CulledTiles)
	binary.LittleEndian.PutUint32(dst[24:], s.DrawCommands)
	binary.LittleEndian.PutUint32(dst[28:], s.Triangles)
	putFloat32(dst[32:], s.AvgNodeDepth)
	putFloat32(dst[36:], s.CullingTime)
	putFloat32(dst[40:], s.BuildTime)
	clearBytes(dst[44:StatsSize])
}

func putFloat32(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, stdmath.Float32bits(v))
}

func putVec2(dst []byte, v math.Vec2) {
	putFloat32(dst[0:], v.X)
	putFloat32(dst[4:], v.Y)
}

func putVec4(dst []byte, v math.Vec4) {
	putFloat32(dst[0:], v.X)
	putFloat32(dst[4:], v.Y)
	putFloat32(dst[8:], v.Z)
	putFloat32(dst[12:], v.W)
}

func putMat4(dst []byte, m math.Mat4) {
	for i, f := range m {
		putFloat32(dst[i*4:], f)
	}
}

func clearBytes(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
}
