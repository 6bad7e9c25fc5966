// Package gpu abstracts the graphics device behind a capability interface
// so the terrain engine can run against a real WebGPU adapter or a
// headless in-memory backend.
//
// Device/instance bootstrap is the caller's responsibility; this package
// only consumes an already-created device handle.
package gpu

import "errors"

// Errors reported by device backends.
var (
	ErrDeviceLost      = errors.New("gpu: device lost")
	ErrInvalidResource = errors.New("gpu: invalid resource handle")
	ErrOutOfRange      = errors.New("gpu: access out of buffer range")
)

// BufferUsage is a bitmask of allowed buffer uses.
type BufferUsage uint32

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndirect
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageMapRead
)

// TextureFormat identifies the texel layout of a texture.
type TextureFormat uint32

const (
	TextureFormatR32Float TextureFormat = iota
	TextureFormatRGBA8Unorm
	TextureFormatRG16Float
	TextureFormatDepth24Plus
	TextureFormatDepth32Float
)

// BytesPerTexel returns the byte size of one texel of the format.
func (f TextureFormat) BytesPerTexel() uint64 {
	switch f {
	case TextureFormatR32Float, TextureFormatRGBA8Unorm, TextureFormatRG16Float, TextureFormatDepth32Float:
		return 4
	case TextureFormatDepth24Plus:
		return 4
	default:
		return 4
	}
}

// TextureUsage is a bitmask of allowed texture uses.
type TextureUsage uint32

const (
	TextureUsageSampled TextureUsage = 1 << iota
	TextureUsageStorage
	TextureUsageRenderAttachment
	TextureUsageCopySrc
	TextureUsageCopyDst
)

// IndexFormat selects the element width of an index buffer.
type IndexFormat uint32

const (
	IndexFormatUint16 IndexFormat = iota
	IndexFormatUint32
)

// PolygonMode selects fill or line rasterization for a render pipeline.
type PolygonMode uint32

const (
	PolygonModeFill PolygonMode = iota
	PolygonModeLine
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// TextureDescriptor describes a 2D texture to create.
type TextureDescriptor struct {
	Label  string
	Width  uint32
	Height uint32
	Layers uint32 // 0 means 1
	Format TextureFormat
	Usage  TextureUsage
}

// ComputePipelineDescriptor describes a compute pipeline.
type ComputePipelineDescriptor struct {
	Label      string
	Shader     ShaderModule
	EntryPoint string
}

// RenderPipelineDescriptor describes a render pipeline. Pipelines created
// from the same layout info may be rebound without touching bind groups
// or vertex buffers.
type RenderPipelineDescriptor struct {
	Label          string
	VertexShader   ShaderModule
	FragmentShader ShaderModule
	VertexEntry    string
	FragmentEntry  string

	PolygonMode      PolygonMode
	CullBackFaces    bool
	DepthTest        bool
	DepthWrite       bool
	PatchTopology    bool // patch-list style input for tessellated draws
	VertexStride     uint64
	VertexAttributes []VertexAttribute
}

// VertexAttribute describes one vertex buffer attribute.
type VertexAttribute struct {
	ShaderLocation uint32
	Offset         uint64
	FloatCount     uint32 // 1..4 float32 components
}

// SamplerDescriptor describes a texture sampler. The zero value is a
// nearest-filtered, edge-clamped sampler.
type SamplerDescriptor struct {
	Label  string
	Linear bool // linear min/mag filtering instead of nearest
	Repeat bool // repeat addressing instead of clamp-to-edge
}

// BindGroupEntry binds one resource slot. Exactly one of Buffer,
// Texture, or Sampler must be set.
type BindGroupEntry struct {
	Binding uint32
	Buffer  Buffer
	Offset  uint64
	Size    uint64 // 0 means whole buffer
	Texture Texture
	Sampler Sampler
}

// BindGroupDescriptor describes a bind group. Exactly one of Compute or
// Render names the pipeline whose layout (at GroupIndex) the group binds to.
type BindGroupDescriptor struct {
	Label      string
	Compute    ComputePipeline
	Render     RenderPipeline
	GroupIndex uint32
	Entries    []BindGroupEntry
}

// RenderPassDescriptor describes the targets of a render pass. Nil targets
// mean the backend's current defaults (or nothing, for headless).
type RenderPassDescriptor struct {
	Label       string
	ColorTarget Texture
	DepthTarget Texture
	ClearColor  [4]float64
}

// Limits reports device capabilities the engine cares about.
type Limits struct {
	MaxPushConstantSize   uint32
	MaxComputeWorkgroup   uint32
	MaxStorageBufferSize  uint64
	SupportsCompute       bool
	SupportsIndirectDraws bool
}

// Buffer is a GPU buffer handle.
type Buffer interface {
	Label() string
	Size() uint64
	Release()
}

// Texture is a GPU texture handle.
type Texture interface {
	Label() string
	Width() uint32
	Height() uint32
	Release()
}

// Sampler is a texture sampler handle.
type Sampler interface {
	Release()
}

// ShaderModule is a compiled shader handle.
type ShaderModule interface {
	Release()
}

// ComputePipeline is a compute pipeline handle.
type ComputePipeline interface {
	Release()
}

// RenderPipeline is a render pipeline handle.
type RenderPipeline interface {
	Release()
}

// BindGroup is a bound resource set handle.
type BindGroup interface {
	Release()
}

// ComputePass records compute work. End submits it.
type ComputePass interface {
	SetPipeline(p ComputePipeline)
	SetBindGroup(index uint32, bg BindGroup)
	Dispatch(x, y, z uint32)
	End() error
}

// RenderPass records draw work. End submits it.
type RenderPass interface {
	SetPipeline(p RenderPipeline)
	SetBindGroup(index uint32, bg BindGroup)
	SetVertexBuffer(slot uint32, buf Buffer)
	SetIndexBuffer(buf Buffer, format IndexFormat)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32)
	DrawIndexedIndirect(buf Buffer, offset uint64)
	End() error
}

// Device is the capability interface the engine renders through.
//
// WriteBuffer is ordered before any subsequently submitted pass.
// ReadBuffer observes the most recently completed GPU work; callers on the
// render path should treat results as one frame stale.
type Device interface {
	CreateBuffer(desc BufferDescriptor) (Buffer, error)
	CreateTexture(desc TextureDescriptor) (Texture, error)
	CreateSampler(desc SamplerDescriptor) (Sampler, error)
	CreateShaderModule(label, wgslSource string) (ShaderModule, error)
	CreateComputePipeline(desc ComputePipelineDescriptor) (ComputePipeline, error)
	CreateRenderPipeline(desc RenderPipelineDescriptor) (RenderPipeline, error)
	CreateBindGroup(desc BindGroupDescriptor) (BindGroup, error)

	WriteBuffer(dst Buffer, offset uint64, data []byte) error
	ReadBuffer(src Buffer, offset uint64, dst []byte) error
	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error
	WriteTexture(dst Texture, data []byte) error

	BeginComputePass(label string) (ComputePass, error)
	BeginRenderPass(desc RenderPassDescriptor) (RenderPass, error)

	Limits() Limits
	Release()
}
