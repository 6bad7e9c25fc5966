package gpu

import (
	"sync"
)

// HeadlessDevice implements Device with in-memory storage and no GPU.
// Compute dispatches are recorded but not executed; the engine's software
// culling path provides the semantics. Used by tests and CI runs.
type HeadlessDevice struct {
	mu        sync.Mutex
	released  bool
	buffers   map[*headlessBuffer]struct{}
	allocated uint64

	// Recorded activity, inspectable by tests.
	Dispatches    []DispatchRecord
	IndirectDraws []IndirectDrawRecord
	DirectDraws   []DirectDrawRecord
}

// DispatchRecord captures one compute dispatch.
type DispatchRecord struct {
	Label   string
	X, Y, Z uint32
}

// IndirectDrawRecord captures one indirect draw submission.
type IndirectDrawRecord struct {
	BufferLabel string
	Offset      uint64
}

// DirectDrawRecord captures one direct indexed draw.
type DirectDrawRecord struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	VertexOffset  int32
	FirstInstance uint32
}

// NewHeadlessDevice creates a headless device.
func NewHeadlessDevice() *HeadlessDevice {
	return &HeadlessDevice{buffers: make(map[*headlessBuffer]struct{})}
}

// AllocatedBytes returns the total size of live buffers, for test assertions.
func (d *HeadlessDevice) AllocatedBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

type headlessBuffer struct {
	dev   *HeadlessDevice
	label string
	data  []byte
}

func (b *headlessBuffer) Label() string { return b.label }
func (b *headlessBuffer) Size() uint64  { return uint64(len(b.data)) }
func (b *headlessBuffer) Release() {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if _, ok := b.dev.buffers[b]; ok {
		delete(b.dev.buffers, b)
		b.dev.allocated -= uint64(len(b.data))
	}
}

type headlessTexture struct {
	label  string
	width  uint32
	height uint32
	data   []byte
}

func (t *headlessTexture) Label() string  { return t.label }
func (t *headlessTexture) Width() uint32  { return t.width }
func (t *headlessTexture) Height() uint32 { return t.height }
func (t *headlessTexture) Release()       {}

type headlessSampler struct{ label string }

func (s *headlessSampler) Release() {}

type headlessShader struct{ label string }

func (s *headlessShader) Release() {}

type headlessComputePipeline struct{ label string }

func (p *headlessComputePipeline) Release() {}

type headlessRenderPipeline struct{ label string }

func (p *headlessRenderPipeline) Release() {}

type headlessBindGroup struct{ label string }

func (g *headlessBindGroup) Release() {}

func (d *HeadlessDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrDeviceLost
	}
	buf := &headlessBuffer{dev: d, label: desc.Label, data: make([]byte, desc.Size)}
	d.buffers[buf] = struct{}{}
	d.allocated += desc.Size
	return buf, nil
}

func (d *HeadlessDevice) CreateTexture(desc TextureDescriptor) (Texture, error) {
	if d.released {
		return nil, ErrDeviceLost
	}
	layers := desc.Layers
	if layers == 0 {
		layers = 1
	}
	size := uint64(desc.Width) * uint64(desc.Height) * uint64(layers) * desc.Format.BytesPerTexel()
	return &headlessTexture{label: desc.Label, width: desc.Width, height: desc.Height, data: make([]byte, size)}, nil
}

func (d *HeadlessDevice) CreateSampler(desc SamplerDescriptor) (Sampler, error) {
	if d.released {
		return nil, ErrDeviceLost
	}
	return &headlessSampler{label: desc.Label}, nil
}

func (d *HeadlessDevice) CreateShaderModule(label, wgslSource string) (ShaderModule, error) {
	return &headlessShader{label: label}, nil
}

func (d *HeadlessDevice) CreateComputePipeline(desc ComputePipelineDescriptor) (ComputePipeline, error) {
	return &headlessComputePipeline{label: desc.Label}, nil
}

func (d *HeadlessDevice) CreateRenderPipeline(desc RenderPipelineDescriptor) (RenderPipeline, error) {
	return &headlessRenderPipeline{label: desc.Label}, nil
}

func (d *HeadlessDevice) CreateBindGroup(desc BindGroupDescriptor) (BindGroup, error) {
	if desc.Compute == nil && desc.Render == nil {
		return nil, ErrInvalidResource
	}
	return &headlessBindGroup{label: desc.Label}, nil
}

func (d *HeadlessDevice) WriteBuffer(dst Buffer, offset uint64, data []byte) error {
	buf, ok := dst.(*headlessBuffer)
	if !ok {
		return ErrInvalidResource
	}
	if offset+uint64(len(data)) > uint64(len(buf.data)) {
		return ErrOutOfRange
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(buf.data[offset:], data)
	return nil
}

func (d *HeadlessDevice) ReadBuffer(src Buffer, offset uint64, dst []byte) error {
	buf, ok := src.(*headlessBuffer)
	if !ok {
		return ErrInvalidResource
	}
	if offset+uint64(len(dst)) > uint64(len(buf.data)) {
		return ErrOutOfRange
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(dst, buf.data[offset:])
	return nil
}

func (d *HeadlessDevice) CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error {
	sb, ok := src.(*headlessBuffer)
	if !ok {
		return ErrInvalidResource
	}
	db, ok := dst.(*headlessBuffer)
	if !ok {
		return ErrInvalidResource
	}
	if srcOffset+size > uint64(len(sb.data)) || dstOffset+size > uint64(len(db.data)) {
		return ErrOutOfRange
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(db.data[dstOffset:dstOffset+size], sb.data[srcOffset:srcOffset+size])
	return nil
}

func (d *HeadlessDevice) WriteTexture(dst Texture, data []byte) error {
	tex, ok := dst.(*headlessTexture)
	if !ok {
		return ErrInvalidResource
	}
	if len(data) > len(tex.data) {
		return ErrOutOfRange
	}
	copy(tex.data, data)
	return nil
}

type headlessComputePass struct {
	dev   *HeadlessDevice
	label string
	calls []DispatchRecord
}

func (d *HeadlessDevice) BeginComputePass(label string) (ComputePass, error) {
	if d.released {
		return nil, ErrDeviceLost
	}
	return &headlessComputePass{dev: d, label: label}, nil
}

func (p *headlessComputePass) SetPipeline(cp ComputePipeline)      {}
func (p *headlessComputePass) SetBindGroup(i uint32, bg BindGroup) {}

func (p *headlessComputePass) Dispatch(x, y, z uint32) {
	p.calls = append(p.calls, DispatchRecord{Label: p.label, X: x, Y: y, Z: z})
}

func (p *headlessComputePass) End() error {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	p.dev.Dispatches = append(p.dev.Dispatches, p.calls...)
	return nil
}

type headlessRenderPass struct {
	dev *HeadlessDevice
}

func (d *HeadlessDevice) BeginRenderPass(desc RenderPassDescriptor) (RenderPass, error) {
	if d.released {
		return nil, ErrDeviceLost
	}
	return &headlessRenderPass{dev: d}, nil
}

func (p *headlessRenderPass) SetPipeline(rp RenderPipeline)            {}
func (p *headlessRenderPass) SetBindGroup(i uint32, bg BindGroup)      {}
func (p *headlessRenderPass) SetVertexBuffer(slot uint32, buf Buffer)  {}
func (p *headlessRenderPass) SetIndexBuffer(buf Buffer, f IndexFormat) {}

func (p *headlessRenderPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	p.dev.DirectDraws = append(p.dev.DirectDraws, DirectDrawRecord{
		IndexCount:    indexCount,
		InstanceCount: instanceCount,
		FirstIndex:    firstIndex,
		VertexOffset:  vertexOffset,
		FirstInstance: firstInstance,
	})
}

func (p *headlessRenderPass) DrawIndexedIndirect(buf Buffer, offset uint64) {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	p.dev.IndirectDraws = append(p.dev.IndirectDraws, IndirectDrawRecord{
		BufferLabel: buf.Label(),
		Offset:      offset,
	})
}

func (p *headlessRenderPass) End() error { return nil }

func (d *HeadlessDevice) Limits() Limits {
	return Limits{
		MaxPushConstantSize:   256,
		MaxComputeWorkgroup:   256,
		MaxStorageBufferSize:  1 << 30,
		SupportsCompute:       false,
		SupportsIndirectDraws: true,
	}
}

func (d *HeadlessDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.buffers = make(map[*headlessBuffer]struct{})
	d.allocated = 0
}
