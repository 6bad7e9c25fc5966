// Package tess owns the tessellated terrain draw pipelines: the push
// constant block the shaders read per draw, the solid/wireframe/debug
// pipeline variants sharing one layout, and the distance-to-detail
// mapping.
package tess

import (
	"encoding/binary"
	stdmath "math"

	"github.com/Faultbox/terrastream/pkg/math"
)

// PushConstantsSize is the encoded size of the per-draw block. It must
// stay at or under the 256-byte device minimum; anything that will not
// fit goes through the extended uniform instead.
const PushConstantsSize = 208

// ExtendedUniformSize is the encoded size of the descriptor-bound
// overflow block.
const ExtendedUniformSize = 224

// PushConstants is the per-draw payload consumed by the terrain
// shaders. Field order and alignment are part of the shader contract.
type PushConstants struct {
	MVP math.Mat4

	CameraPosition    math.Vec3
	TessellationScale float32

	HeightmapSize math.Vec2
	TerrainScale  math.Vec2

	HeightScale  float32
	Time         float32
	NearDistance float32
	FarDistance  float32

	MinTessLevel float32
	MaxTessLevel float32
	LODBias      float32

	SunDirection math.Vec3
	SunColor     math.Vec3

	AmbientColor    math.Vec3
	ShadowIntensity float32

	FogColor   math.Vec3
	FogDensity float32
	FogStart   float32
	FogEnd     float32

	Roughness float32
	Metallic  float32
}

// Encode writes the block into dst, which must hold PushConstantsSize
// bytes.
func (p *PushConstants) Encode(dst []byte) {
	_ = dst[:PushConstantsSize]
	putMat4(dst[0:], p.MVP)
	putVec3(dst[64:], p.CameraPosition)
	putFloat32(dst[76:], p.TessellationScale)
	putVec2(dst[80:], p.HeightmapSize)
	putVec2(dst[88:], p.TerrainScale)
	putFloat32(dst[96:], p.HeightScale)
	putFloat32(dst[100:], p.Time)
	putFloat32(dst[104:], p.NearDistance)
	putFloat32(dst[108:], p.FarDistance)
	putFloat32(dst[112:], p.MinTessLevel)
	putFloat32(dst[116:], p.MaxTessLevel)
	putFloat32(dst[120:], p.LODBias)
	putFloat32(dst[124:], 0)
	putVec3(dst[128:], p.SunDirection)
	putFloat32(dst[140:], 0)
	putVec3(dst[144:], p.SunColor)
	putFloat32(dst[156:], 0)
	putVec3(dst[160:], p.AmbientColor)
	putFloat32(dst[172:], p.ShadowIntensity)
	putVec3(dst[176:], p.FogColor)
	putFloat32(dst[188:], p.FogDensity)
	putFloat32(dst[192:], p.FogStart)
	putFloat32(dst[196:], p.FogEnd)
	putFloat32(dst[200:], p.Roughness)
	putFloat32(dst[204:], p.Metallic)
}

// ExtendedUniform carries per-draw data that does not fit in push
// constants: the split matrices and the debug-visualization parameters.
type ExtendedUniform struct {
	Model math.Mat4
	View  math.Mat4
	Proj  math.Mat4

	WireframeColor     math.Vec3
	WireframeThickness float32

	WireframeOpacity  float32
	VisualizationMode uint32
	SpecularPower     float32
}

// Encode writes the block into dst, which must hold ExtendedUniformSize
// bytes.
func (e *ExtendedUniform) Encode(dst []byte) {
	_ = dst[:ExtendedUniformSize]
	putMat4(dst[0:], e.Model)
	putMat4(dst[64:], e.View)
	putMat4(dst[128:], e.Proj)
	putVec3(dst[192:], e.WireframeColor)
	putFloat32(dst[204:], e.WireframeThickness)
	putFloat32(dst[208:], e.WireframeOpacity)
	binary.LittleEndian.PutUint32(dst[212:], e.VisualizationMode)
	putFloat32(dst[216:], e.SpecularPower)
	putFloat32(dst[220:], 0)
}

func putFloat32(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, stdmath.Float32bits(v))
}

func putVec2(dst []byte, v math.Vec2) {
	putFloat32(dst[0:], v.X)
	putFloat32(dst[4:], v.Y)
}

func putVec3(dst []byte, v math.Vec3) {
	putFloat32(dst[0:], v.X)
	putFloat32(dst[4:], v.Y)
	putFloat32(dst[8:], v.Z)
}

func putMat4(dst []byte, m math.Mat4) {
	for i, f := range m {
		putFloat32(dst[i*4:], f)
	}
}
