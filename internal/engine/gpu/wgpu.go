package gpu

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
)

// WGPUDevice implements Device on top of a WebGPU device handle.
// The caller owns instance/adapter/device bootstrap and surface handling.
type WGPUDevice struct {
	device *wgpu.Device
	queue  *wgpu.Queue
	limits Limits

	// Offscreen color/depth pair, created lazily for render passes
	// that supply no targets of their own.
	offscreenColor *wgpuTexture
	offscreenDepth *wgpuTexture
}

// offscreenWidth/Height size the fallback render target used when a
// pass supplies no color attachment.
const (
	offscreenWidth  = 1920
	offscreenHeight = 1080
)

// NewWGPUDevice wraps an existing WebGPU device.
func NewWGPUDevice(device *wgpu.Device) *WGPUDevice {
	return &WGPUDevice{
		device: device,
		queue:  device.GetQueue(),
		limits: Limits{
			MaxPushConstantSize:   256,
			MaxComputeWorkgroup:   256,
			MaxStorageBufferSize:  1 << 30,
			SupportsCompute:       true,
			SupportsIndirectDraws: true,
		},
	}
}

type wgpuBuffer struct {
	buf   *wgpu.Buffer
	label string
	size  uint64
}

func (b *wgpuBuffer) Label() string { return b.label }
func (b *wgpuBuffer) Size() uint64  { return b.size }
func (b *wgpuBuffer) Release()      { b.buf.Release() }

type wgpuTexture struct {
	tex    *wgpu.Texture
	view   *wgpu.TextureView
	label  string
	width  uint32
	height uint32
}

func (t *wgpuTexture) Label() string  { return t.label }
func (t *wgpuTexture) Width() uint32  { return t.width }
func (t *wgpuTexture) Height() uint32 { return t.height }
func (t *wgpuTexture) Release() {
	t.view.Release()
	t.tex.Release()
}

type wgpuSampler struct{ s *wgpu.Sampler }

func (s *wgpuSampler) Release() { s.s.Release() }

type wgpuShader struct{ mod *wgpu.ShaderModule }

func (s *wgpuShader) Release() { s.mod.Release() }

type wgpuComputePipeline struct{ p *wgpu.ComputePipeline }

func (p *wgpuComputePipeline) Release() { p.p.Release() }

type wgpuRenderPipeline struct{ p *wgpu.RenderPipeline }

func (p *wgpuRenderPipeline) Release() { p.p.Release() }

type wgpuBindGroup struct{ bg *wgpu.BindGroup }

func (g *wgpuBindGroup) Release() { g.bg.Release() }

func (d *WGPUDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: toWGPUBufferUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("creating buffer %q: %w", desc.Label, err)
	}
	return &wgpuBuffer{buf: buf, label: desc.Label, size: desc.Size}, nil
}

func (d *WGPUDevice) CreateTexture(desc TextureDescriptor) (Texture, error) {
	layers := desc.Layers
	if layers == 0 {
		layers = 1
	}
	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: desc.Label,
		Size: wgpu.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: layers,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        toWGPUTextureFormat(desc.Format),
		Usage:         toWGPUTextureUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("creating texture %q: %w", desc.Label, err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return nil, fmt.Errorf("creating texture view %q: %w", desc.Label, err)
	}
	return &wgpuTexture{tex: tex, view: view, label: desc.Label, width: desc.Width, height: desc.Height}, nil
}

func (d *WGPUDevice) CreateSampler(desc SamplerDescriptor) (Sampler, error) {
	filter := wgpu.FilterModeNearest
	if desc.Linear {
		filter = wgpu.FilterModeLinear
	}
	address := wgpu.AddressModeClampToEdge
	if desc.Repeat {
		address = wgpu.AddressModeRepeat
	}
	samp, err := d.device.CreateSampler(&wgpu.SamplerDescriptor{
		Label:         desc.Label,
		AddressModeU:  address,
		AddressModeV:  address,
		AddressModeW:  address,
		MagFilter:     filter,
		MinFilter:     filter,
		MipmapFilter:  wgpu.MipmapFilterModeNearest,
		LodMinClamp:   0,
		LodMaxClamp:   32,
		MaxAnisotropy: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating sampler %q: %w", desc.Label, err)
	}
	return &wgpuSampler{s: samp}, nil
}

func (d *WGPUDevice) CreateShaderModule(label, wgslSource string) (ShaderModule, error) {
	mod, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: wgslSource,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compiling shader %q: %w", label, err)
	}
	return &wgpuShader{mod: mod}, nil
}

func (d *WGPUDevice) CreateComputePipeline(desc ComputePipelineDescriptor) (ComputePipeline, error) {
	shader, ok := desc.Shader.(*wgpuShader)
	if !ok {
		return nil, ErrInvalidResource
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}
	// Auto layout; bind groups fetch it back via GetBindGroupLayout.
	p, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: desc.Label,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shader.mod,
			EntryPoint: entry,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating compute pipeline %q: %w", desc.Label, err)
	}
	return &wgpuComputePipeline{p: p}, nil
}

func (d *WGPUDevice) CreateRenderPipeline(desc RenderPipelineDescriptor) (RenderPipeline, error) {
	vs, ok := desc.VertexShader.(*wgpuShader)
	if !ok {
		return nil, ErrInvalidResource
	}
	fs, ok := desc.FragmentShader.(*wgpuShader)
	if !ok {
		return nil, ErrInvalidResource
	}
	vertexEntry := desc.VertexEntry
	if vertexEntry == "" {
		vertexEntry = "vs_main"
	}
	fragmentEntry := desc.FragmentEntry
	if fragmentEntry == "" {
		fragmentEntry = "fs_main"
	}

	attrs := make([]wgpu.VertexAttribute, 0, len(desc.VertexAttributes))
	for _, a := range desc.VertexAttributes {
		attrs = append(attrs, wgpu.VertexAttribute{
			Format:         floatVertexFormat(a.FloatCount),
			Offset:         a.Offset,
			ShaderLocation: a.ShaderLocation,
		})
	}

	// WebGPU has no fill/line polygon mode; the wireframe variant
	// rasterizes the patch index buffer as a line list instead.
	topology := wgpu.PrimitiveTopologyTriangleList
	if desc.PolygonMode == PolygonModeLine {
		topology = wgpu.PrimitiveTopologyLineList
	}
	cullMode := wgpu.CullModeNone
	if desc.CullBackFaces {
		cullMode = wgpu.CullModeBack
	}

	var depthStencil *wgpu.DepthStencilState
	if desc.DepthTest {
		depthStencil = &wgpu.DepthStencilState{
			Format:            wgpu.TextureFormatDepth24Plus,
			DepthWriteEnabled: desc.DepthWrite,
			DepthCompare:      wgpu.CompareFunctionLess,
			StencilFront:      wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
			StencilBack:       wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
		}
	}

	p, err := d.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: desc.Label,
		Vertex: wgpu.VertexState{
			Module:     vs.mod,
			EntryPoint: vertexEntry,
			Buffers: []wgpu.VertexBufferLayout{{
				ArrayStride: desc.VertexStride,
				StepMode:    wgpu.VertexStepModeVertex,
				Attributes:  attrs,
			}},
		},
		Fragment: &wgpu.FragmentState{
			Module:     fs.mod,
			EntryPoint: fragmentEntry,
			Targets: []wgpu.ColorTargetState{{
				Format:    wgpu.TextureFormatRGBA8Unorm,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  topology,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  cullMode,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
		DepthStencil: depthStencil,
	})
	if err != nil {
		return nil, fmt.Errorf("creating render pipeline %q: %w", desc.Label, err)
	}
	return &wgpuRenderPipeline{p: p}, nil
}

func (d *WGPUDevice) CreateBindGroup(desc BindGroupDescriptor) (BindGroup, error) {
	var layout *wgpu.BindGroupLayout
	switch {
	case desc.Compute != nil:
		cp, ok := desc.Compute.(*wgpuComputePipeline)
		if !ok {
			return nil, ErrInvalidResource
		}
		layout = cp.p.GetBindGroupLayout(desc.GroupIndex)
	case desc.Render != nil:
		rp, ok := desc.Render.(*wgpuRenderPipeline)
		if !ok {
			return nil, ErrInvalidResource
		}
		layout = rp.p.GetBindGroupLayout(desc.GroupIndex)
	default:
		return nil, ErrInvalidResource
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(desc.Entries))
	for _, e := range desc.Entries {
		entry := wgpu.BindGroupEntry{Binding: e.Binding}
		if e.Buffer != nil {
			buf, ok := e.Buffer.(*wgpuBuffer)
			if !ok {
				return nil, ErrInvalidResource
			}
			size := e.Size
			if size == 0 {
				size = buf.size - e.Offset
			}
			entry.Buffer = buf.buf
			entry.Offset = e.Offset
			entry.Size = size
		} else if e.Texture != nil {
			tex, ok := e.Texture.(*wgpuTexture)
			if !ok {
				return nil, ErrInvalidResource
			}
			entry.TextureView = tex.view
		} else if e.Sampler != nil {
			smp, ok := e.Sampler.(*wgpuSampler)
			if !ok {
				return nil, ErrInvalidResource
			}
			entry.Sampler = smp.s
		}
		entries = append(entries, entry)
	}

	bg, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bind group %q: %w", desc.Label, err)
	}
	return &wgpuBindGroup{bg: bg}, nil
}

func (d *WGPUDevice) WriteBuffer(dst Buffer, offset uint64, data []byte) error {
	buf, ok := dst.(*wgpuBuffer)
	if !ok {
		return ErrInvalidResource
	}
	if offset+uint64(len(data)) > buf.size {
		return ErrOutOfRange
	}
	d.queue.WriteBuffer(buf.buf, offset, data)
	return nil
}

// ReadBuffer copies the range into a map-read staging buffer and blocks
// until the copy completes. Callers keep this off the frame hot path;
// statistics readback runs against the previous frame's results.
func (d *WGPUDevice) ReadBuffer(src Buffer, offset uint64, dst []byte) error {
	buf, ok := src.(*wgpuBuffer)
	if !ok {
		return ErrInvalidResource
	}
	size := uint64(len(dst))
	if offset+size > buf.size {
		return ErrOutOfRange
	}

	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "readback staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("creating readback staging: %w", err)
	}
	defer staging.Release()

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("creating readback encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(buf.buf, offset, staging, 0, size)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		encoder.Release()
		return fmt.Errorf("finishing readback encoder: %w", err)
	}
	d.queue.Submit(cmd)
	cmd.Release()
	encoder.Release()

	done := false
	mapErr := staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		done = status == wgpu.BufferMapAsyncStatusSuccess
	})
	if mapErr != nil {
		return fmt.Errorf("mapping readback staging: %w", mapErr)
	}
	d.device.Poll(true, nil)
	if !done {
		return ErrDeviceLost
	}
	copy(dst, staging.GetMappedRange(0, uint(size)))
	staging.Unmap()
	return nil
}

func (d *WGPUDevice) CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error {
	sb, ok := src.(*wgpuBuffer)
	if !ok {
		return ErrInvalidResource
	}
	db, ok := dst.(*wgpuBuffer)
	if !ok {
		return ErrInvalidResource
	}
	if srcOffset+size > sb.size || dstOffset+size > db.size {
		return ErrOutOfRange
	}

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("creating copy encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(sb.buf, srcOffset, db.buf, dstOffset, size)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		encoder.Release()
		return fmt.Errorf("finishing copy encoder: %w", err)
	}
	d.queue.Submit(cmd)
	cmd.Release()
	encoder.Release()
	return nil
}

func (d *WGPUDevice) WriteTexture(dst Texture, data []byte) error {
	tex, ok := dst.(*wgpuTexture)
	if !ok {
		return ErrInvalidResource
	}
	bytesPerRow := tex.width * 4
	d.queue.WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture:  tex.tex,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{},
			Aspect:   wgpu.TextureAspectAll,
		},
		data,
		&wgpu.TextureDataLayout{
			Offset:       0,
			BytesPerRow:  bytesPerRow,
			RowsPerImage: tex.height,
		},
		&wgpu.Extent3D{
			Width:              tex.width,
			Height:             tex.height,
			DepthOrArrayLayers: 1,
		},
	)
	return nil
}

type wgpuComputePass struct {
	device  *WGPUDevice
	encoder *wgpu.CommandEncoder
	pass    *wgpu.ComputePassEncoder
}

func (d *WGPUDevice) BeginComputePass(label string) (ComputePass, error) {
	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("creating compute encoder: %w", err)
	}
	pass := encoder.BeginComputePass(&wgpu.ComputePassDescriptor{Label: label})
	return &wgpuComputePass{device: d, encoder: encoder, pass: pass}, nil
}

func (p *wgpuComputePass) SetPipeline(cp ComputePipeline) {
	p.pass.SetPipeline(cp.(*wgpuComputePipeline).p)
}

func (p *wgpuComputePass) SetBindGroup(index uint32, bg BindGroup) {
	p.pass.SetBindGroup(index, bg.(*wgpuBindGroup).bg, nil)
}

func (p *wgpuComputePass) Dispatch(x, y, z uint32) {
	p.pass.DispatchWorkgroups(x, y, z)
}

func (p *wgpuComputePass) End() error {
	p.pass.End()
	cmd, err := p.encoder.Finish(nil)
	if err != nil {
		p.encoder.Release()
		return fmt.Errorf("finishing compute pass: %w", err)
	}
	p.device.queue.Submit(cmd)
	cmd.Release()
	p.encoder.Release()
	return nil
}

type wgpuRenderPass struct {
	device  *WGPUDevice
	encoder *wgpu.CommandEncoder
	pass    *wgpu.RenderPassEncoder
}

// ensureOffscreen creates the fallback color/depth pair on first use.
func (d *WGPUDevice) ensureOffscreen() error {
	if d.offscreenColor == nil {
		tex, err := d.CreateTexture(TextureDescriptor{
			Label:  "offscreen color",
			Width:  offscreenWidth,
			Height: offscreenHeight,
			Format: TextureFormatRGBA8Unorm,
			Usage:  TextureUsageRenderAttachment | TextureUsageCopySrc,
		})
		if err != nil {
			return fmt.Errorf("creating offscreen color: %w", err)
		}
		d.offscreenColor = tex.(*wgpuTexture)
	}
	if d.offscreenDepth == nil {
		tex, err := d.CreateTexture(TextureDescriptor{
			Label:  "offscreen depth",
			Width:  offscreenWidth,
			Height: offscreenHeight,
			Format: TextureFormatDepth24Plus,
			Usage:  TextureUsageRenderAttachment,
		})
		if err != nil {
			return fmt.Errorf("creating offscreen depth: %w", err)
		}
		d.offscreenDepth = tex.(*wgpuTexture)
	}
	return nil
}

func (d *WGPUDevice) BeginRenderPass(desc RenderPassDescriptor) (RenderPass, error) {
	color, _ := desc.ColorTarget.(*wgpuTexture)
	depth, _ := desc.DepthTarget.(*wgpuTexture)
	if color == nil {
		// No surface wired up; render into the offscreen pair.
		if err := d.ensureOffscreen(); err != nil {
			return nil, err
		}
		color = d.offscreenColor
		if depth == nil {
			depth = d.offscreenDepth
		}
	}

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("creating render encoder: %w", err)
	}

	rpDesc := &wgpu.RenderPassDescriptor{
		Label: desc.Label,
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:    color.view,
			LoadOp:  wgpu.LoadOpClear,
			StoreOp: wgpu.StoreOpStore,
			ClearValue: wgpu.Color{
				R: desc.ClearColor[0],
				G: desc.ClearColor[1],
				B: desc.ClearColor[2],
				A: desc.ClearColor[3],
			},
		}},
	}
	if depth != nil {
		rpDesc.DepthStencilAttachment = &wgpu.RenderPassDepthStencilAttachment{
			View:            depth.view,
			DepthLoadOp:     wgpu.LoadOpClear,
			DepthStoreOp:    wgpu.StoreOpStore,
			DepthClearValue: 1.0,
		}
	}

	pass := encoder.BeginRenderPass(rpDesc)
	return &wgpuRenderPass{device: d, encoder: encoder, pass: pass}, nil
}

func (p *wgpuRenderPass) SetPipeline(rp RenderPipeline) {
	p.pass.SetPipeline(rp.(*wgpuRenderPipeline).p)
}

func (p *wgpuRenderPass) SetBindGroup(index uint32, bg BindGroup) {
	p.pass.SetBindGroup(index, bg.(*wgpuBindGroup).bg, nil)
}

func (p *wgpuRenderPass) SetVertexBuffer(slot uint32, buf Buffer) {
	b := buf.(*wgpuBuffer)
	p.pass.SetVertexBuffer(slot, b.buf, 0, b.size)
}

func (p *wgpuRenderPass) SetIndexBuffer(buf Buffer, format IndexFormat) {
	b := buf.(*wgpuBuffer)
	f := wgpu.IndexFormatUint32
	if format == IndexFormatUint16 {
		f = wgpu.IndexFormatUint16
	}
	p.pass.SetIndexBuffer(b.buf, f, 0, b.size)
}

func (p *wgpuRenderPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	p.pass.DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
}

func (p *wgpuRenderPass) DrawIndexedIndirect(buf Buffer, offset uint64) {
	p.pass.DrawIndexedIndirect(buf.(*wgpuBuffer).buf, offset)
}

func (p *wgpuRenderPass) End() error {
	p.pass.End()
	cmd, err := p.encoder.Finish(nil)
	if err != nil {
		p.encoder.Release()
		return fmt.Errorf("finishing render pass: %w", err)
	}
	p.device.queue.Submit(cmd)
	cmd.Release()
	p.encoder.Release()
	return nil
}

func (d *WGPUDevice) Limits() Limits { return d.limits }

func (d *WGPUDevice) Release() {
	if d.offscreenColor != nil {
		d.offscreenColor.Release()
		d.offscreenColor = nil
	}
	if d.offscreenDepth != nil {
		d.offscreenDepth.Release()
		d.offscreenDepth = nil
	}
	d.queue.Release()
	d.device.Release()
}

func toWGPUBufferUsage(u BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&BufferUsageVertex != 0 {
		out |= wgpu.BufferUsageVertex
	}
	if u&BufferUsageIndex != 0 {
		out |= wgpu.BufferUsageIndex
	}
	if u&BufferUsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	if u&BufferUsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&BufferUsageIndirect != 0 {
		out |= wgpu.BufferUsageIndirect
	}
	if u&BufferUsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&BufferUsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	if u&BufferUsageMapRead != 0 {
		out |= wgpu.BufferUsageMapRead
	}
	return out
}

func toWGPUTextureFormat(f TextureFormat) wgpu.TextureFormat {
	switch f {
	case TextureFormatR32Float:
		return wgpu.TextureFormatR32Float
	case TextureFormatRGBA8Unorm:
		return wgpu.TextureFormatRGBA8Unorm
	case TextureFormatRG16Float:
		return wgpu.TextureFormatRG16Float
	case TextureFormatDepth24Plus:
		return wgpu.TextureFormatDepth24Plus
	case TextureFormatDepth32Float:
		return wgpu.TextureFormatDepth32Float
	default:
		return wgpu.TextureFormatRGBA8Unorm
	}
}

func toWGPUTextureUsage(u TextureUsage) wgpu.TextureUsage {
	var out wgpu.TextureUsage
	if u&TextureUsageSampled != 0 {
		out |= wgpu.TextureUsageTextureBinding
	}
	if u&TextureUsageStorage != 0 {
		out |= wgpu.TextureUsageStorageBinding
	}
	if u&TextureUsageRenderAttachment != 0 {
		out |= wgpu.TextureUsageRenderAttachment
	}
	if u&TextureUsageCopySrc != 0 {
		out |= wgpu.TextureUsageCopySrc
	}
	if u&TextureUsageCopyDst != 0 {
		out |= wgpu.TextureUsageCopyDst
	}
	return out
}

func floatVertexFormat(count uint32) wgpu.VertexFormat {
	switch count {
	case 1:
		return wgpu.VertexFormatFloat32
	case 2:
		return wgpu.VertexFormatFloat32x2
	case 3:
		return wgpu.VertexFormatFloat32x3
	default:
		return wgpu.VertexFormatFloat32x4
	}
}
