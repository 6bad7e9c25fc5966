package terrain

import (
	"context"
	"errors"
	"fmt"
	stdmath "math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/internal/engine/memory"
	"github.com/Faultbox/terrastream/pkg/math"
)

var (
	ErrInvalidState = errors.New("terrain: operation not valid in current tile state")
	ErrCorruptData  = errors.New("terrain: corrupt tile data")
	ErrNotReady     = errors.New("terrain: tile has no valid GPU resources")
)

// TileState tracks where a tile is in its streaming lifecycle.
type TileState int32

const (
	StateEmpty TileState = iota
	StateLoading
	StateLoaded
	StateUploading
	StateReady
	StateError
	StateEvicted
)

func (s TileState) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateLoading:
		return "Loading"
	case StateLoaded:
		return "Loaded"
	case StateUploading:
		return "Uploading"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	case StateEvicted:
		return "Evicted"
	default:
		return "Unknown"
	}
}

const (
	defaultTileSize = 512
	// verticesPerSide sizes the base mesh before tessellation refines it.
	verticesPerSide = 64
)

// GPUResources bundles the device objects a Ready tile renders from.
type GPUResources struct {
	Vertex        *memory.Allocation
	Index         *memory.Allocation
	HeightTexture *memory.Allocation
	NormalTexture *memory.Allocation

	VertexCount uint32
	IndexCount  uint32
	TotalMemory uint64
}

// Valid reports whether the resources can back a draw.
func (r *GPUResources) Valid() bool {
	return r.Vertex.Valid() && r.Index.Valid() && r.HeightTexture.Valid()
}

// Tile is one unit of streamed terrain. State is atomic so the render
// thread can poll it without locking while a worker mutates the tile;
// the mutex serializes the load/upload/evict writers.
type Tile struct {
	coord TileCoordinate

	state atomic.Int32
	mu    sync.Mutex

	bounds TileBounds
	data   *TileData
	gpu    GPUResources

	priority          atomicFloat32
	lastDistance      atomicFloat32
	framesSinceAccess atomic.Uint32
	highPriority      atomic.Bool

	loadStart time.Time
	loadTime  atomic.Int64 // nanoseconds

	errMu  sync.Mutex
	errMsg string
}

// NewTile creates a tile in the Empty state with coordinate-derived bounds.
func NewTile(coord TileCoordinate) *Tile {
	return &Tile{coord: coord, bounds: BoundsForCoordinate(coord)}
}

func (t *Tile) Coordinate() TileCoordinate { return t.coord }

// State returns the current lifecycle state without locking.
func (t *Tile) State() TileState { return TileState(t.state.Load()) }

// Bounds returns the tile's world-space box.
func (t *Tile) Bounds() TileBounds {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bounds
}

// LoadData pulls the tile's content from the source, moving
// Empty/Evicted -> Loading -> Loaded, or -> Error on failure.
func (t *Tile) LoadData(ctx context.Context, source Source) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case StateEmpty, StateEvicted:
	default:
		return fmt.Errorf("load %s from %s: %w", t.coord, t.State(), ErrInvalidState)
	}

	t.state.Store(int32(StateLoading))
	t.loadStart = time.Now()

	data, err := source.Load(ctx, t.coord)
	if err != nil {
		t.setErrorLocked(fmt.Sprintf("load failed: %v", err))
		return fmt.Errorf("load %s: %w", t.coord, err)
	}
	if data == nil || len(data.HeightData) == 0 || uint64(data.Width)*uint64(data.Height) != uint64(len(data.HeightData)) {
		t.setErrorLocked("dimension mismatch in tile data")
		return fmt.Errorf("load %s: %w", t.coord, ErrCorruptData)
	}

	t.data = data
	minElev, maxElev := data.ElevationRange()
	t.bounds.SetElevationRange(minElev, maxElev)
	t.loadTime.Store(int64(time.Since(t.loadStart)))
	t.state.Store(int32(StateLoaded))
	return nil
}

// UploadToGPU builds the tile's buffers and textures through the
// allocator, moving Loaded -> Uploading -> Ready. Allocation failure is
// treated as transient: the tile drops back to Loaded and is retried
// once eviction frees pool space. Device write failures move to Error.
// Partial allocations are released on failure either way.
func (t *Tile) UploadToGPU(alloc *memory.Allocator) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != StateLoaded {
		return fmt.Errorf("upload %s from %s: %w", t.coord, t.State(), ErrInvalidState)
	}
	t.state.Store(int32(StateUploading))

	scope := memory.NewScope(alloc)
	defer scope.Release()

	dev := alloc.Device()

	vertices := t.buildVerticesLocked()
	vertexAlloc, err := scope.AllocateVertexBuffer(uint64(len(vertices)) * 4)
	if err != nil {
		t.state.Store(int32(StateLoaded))
		return fmt.Errorf("upload %s: %w", t.coord, err)
	}
	if err := dev.WriteBuffer(vertexAlloc.Buffer, 0, floatsToBytes(vertices)); err != nil {
		t.setErrorLocked("vertex buffer upload failed")
		return fmt.Errorf("upload %s: %w", t.coord, err)
	}

	indices := buildPatchIndices()
	indexAlloc, err := scope.AllocateIndexBuffer(uint64(len(indices)) * 4)
	if err != nil {
		t.state.Store(int32(StateLoaded))
		return fmt.Errorf("upload %s: %w", t.coord, err)
	}
	if err := dev.WriteBuffer(indexAlloc.Buffer, 0, uint32sToBytes(indices)); err != nil {
		t.setErrorLocked("index buffer upload failed")
		return fmt.Errorf("upload %s: %w", t.coord, err)
	}

	heightAlloc, err := scope.AllocateTexture2D(t.data.Width, t.data.Height,
		gpu.TextureFormatR32Float, gpu.TextureUsageSampled|gpu.TextureUsageCopyDst, memory.HeightTexture)
	if err != nil {
		t.state.Store(int32(StateLoaded))
		return fmt.Errorf("upload %s: %w", t.coord, err)
	}
	if err := dev.WriteTexture(heightAlloc.Texture, floatsToBytes(t.data.HeightData)); err != nil {
		t.setErrorLocked("height texture upload failed")
		return fmt.Errorf("upload %s: %w", t.coord, err)
	}

	var normalAlloc *memory.Allocation
	if len(t.data.NormalData) > 0 {
		normalAlloc, err = scope.AllocateTexture2D(t.data.Width, t.data.Height,
			gpu.TextureFormatRGBA8Unorm, gpu.TextureUsageSampled|gpu.TextureUsageCopyDst, memory.NormalTexture)
		if err != nil {
			t.state.Store(int32(StateLoaded))
			return fmt.Errorf("upload %s: %w", t.coord, err)
		}
		if err := dev.WriteTexture(normalAlloc.Texture, normalsToRGBA8(t.data.NormalData)); err != nil {
			t.setErrorLocked("normal texture upload failed")
			return fmt.Errorf("upload %s: %w", t.coord, err)
		}
	}

	scope.Keep()
	t.gpu = GPUResources{
		Vertex:        vertexAlloc,
		Index:         indexAlloc,
		HeightTexture: heightAlloc,
		NormalTexture: normalAlloc,
		VertexCount:   uint32(len(vertices) / 8),
		IndexCount:    uint32(len(indices)),
	}
	t.gpu.TotalMemory = vertexAlloc.Size + indexAlloc.Size + heightAlloc.Size
	if normalAlloc != nil {
		t.gpu.TotalMemory += normalAlloc.Size
	}

	t.state.Store(int32(StateReady))
	return nil
}

// UnloadFromGPU releases device resources; a Ready tile drops back to
// Loaded and can re-upload later from its retained CPU data.
func (t *Tile) UnloadFromGPU(alloc *memory.Allocator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unloadLocked(alloc)
}

func (t *Tile) unloadLocked(alloc *memory.Allocator) {
	for _, a := range []*memory.Allocation{t.gpu.Vertex, t.gpu.Index, t.gpu.HeightTexture, t.gpu.NormalTexture} {
		if a != nil {
			alloc.Deallocate(a)
		}
	}
	t.gpu = GPUResources{}
	if t.State() == StateReady {
		t.state.Store(int32(StateLoaded))
	}
}

// EvictFromMemory releases both GPU and CPU data. Error tiles keep their
// state so they stay excluded from reload until reset.
func (t *Tile) EvictFromMemory(alloc *memory.Allocator) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unloadLocked(alloc)
	if t.data != nil {
		t.data.Clear()
		t.data = nil
	}
	if t.State() != StateError {
		t.state.Store(int32(StateEvicted))
	}
}

// Render records the tile's indexed draw. Valid only in Ready.
func (t *Tile) Render(pass gpu.RenderPass) error {
	if t.State() != StateReady {
		return fmt.Errorf("render %s in %s: %w", t.coord, t.State(), ErrNotReady)
	}
	t.mu.Lock()
	res := t.gpu
	t.mu.Unlock()
	if !res.Valid() {
		return fmt.Errorf("render %s: %w", t.coord, ErrNotReady)
	}

	t.MarkAccessed()
	pass.SetVertexBuffer(0, res.Vertex.Buffer)
	pass.SetIndexBuffer(res.Index.Buffer, gpu.IndexFormatUint32)
	pass.DrawIndexed(res.IndexCount, 1, 0, 0, 0)
	return nil
}

// UpdateLOD refreshes the cached camera distance and priority. It never
// changes the lifecycle state.
func (t *Tile) UpdateLOD(cameraPos math.Vec3) {
	dist := t.DistanceToCamera(cameraPos)
	t.lastDistance.Store(dist)
	t.UpdatePriority(cameraPos, 0)
}

// DistanceToCamera measures from the camera to the bounds center.
func (t *Tile) DistanceToCamera(cameraPos math.Vec3) float32 {
	return cameraPos.Sub(t.Bounds().Center()).Length()
}

// RecommendedLOD maps camera distance onto levels 0..7: inside
// nearDistance the finest level, beyond farDistance the coarsest,
// linear in between.
func (t *Tile) RecommendedLOD(cameraPos math.Vec3, nearDistance, farDistance float32) uint32 {
	dist := t.DistanceToCamera(cameraPos)
	switch {
	case dist < nearDistance:
		return 0
	case dist > farDistance:
		return 7
	default:
		ratio := (dist - nearDistance) / (farDistance - nearDistance)
		return uint32(ratio * 7)
	}
}

// UpdatePriority recomputes the streaming priority: closer tiles score
// higher, coarser levels get a bonus, recently accessed tiles get a
// recency bonus that decays one point per frame.
func (t *Tile) UpdatePriority(cameraPos math.Vec3, _ float32) {
	dist := t.DistanceToCamera(cameraPos)
	base := 1000.0 / (dist + 1.0)
	lodBonus := float32(8-int32(t.coord.Level)) * 10.0
	accessBonus := float32(0)
	if frames := t.framesSinceAccess.Load(); frames < 100 {
		accessBonus = 100.0 - float32(frames)
	}
	t.priority.Store(base + lodBonus + accessBonus)
}

// Priority returns the current streaming priority.
func (t *Tile) Priority() float32 { return t.priority.Load() }

// SetPriority overrides the streaming priority.
func (t *Tile) SetPriority(p float32) { t.priority.Store(p) }

// LastDistance returns the camera distance cached by UpdateLOD.
func (t *Tile) LastDistance() float32 { return t.lastDistance.Load() }

// Visible tests the tile's bounds against a view frustum.
func (t *Tile) Visible(frustum math.Frustum) bool {
	b := t.Bounds()
	return frustum.IntersectsAABB(b.Min, b.Max)
}

// MarkAccessed resets the staleness counter.
func (t *Tile) MarkAccessed() { t.framesSinceAccess.Store(0) }

// IncrementFrameCounter ages the tile by one frame.
func (t *Tile) IncrementFrameCounter() { t.framesSinceAccess.Add(1) }

// FramesSinceAccess returns how many frames ago the tile was last used.
func (t *Tile) FramesSinceAccess() uint32 { return t.framesSinceAccess.Load() }

// SetHighPriority pins or unpins the tile against eviction.
func (t *Tile) SetHighPriority(v bool) { t.highPriority.Store(v) }

// HighPriority reports whether the tile is pinned against eviction.
func (t *Tile) HighPriority() bool { return t.highPriority.Load() }

// MemoryUsage returns the CPU byte footprint.
func (t *Tile) MemoryUsage() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.MemoryUsage()
}

// GPUMemoryUsage returns the device byte footprint.
func (t *Tile) GPUMemoryUsage() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gpu.TotalMemory
}

// GPU returns a snapshot of the tile's device resources.
func (t *Tile) GPU() GPUResources {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gpu
}

// LoadTime returns how long the last CPU load took.
func (t *Tile) LoadTime() time.Duration {
	return time.Duration(t.loadTime.Load())
}

// ErrorMessage returns the message recorded with the Error state.
func (t *Tile) ErrorMessage() string {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.errMsg
}

// ResetError returns an Error tile to Empty so it becomes eligible for
// another load attempt.
func (t *Tile) ResetError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != StateError {
		return false
	}
	t.errMu.Lock()
	t.errMsg = ""
	t.errMu.Unlock()
	t.data = nil
	t.state.Store(int32(StateEmpty))
	return true
}

func (t *Tile) setErrorLocked(msg string) {
	t.errMu.Lock()
	t.errMsg = msg
	t.errMu.Unlock()
	t.state.Store(int32(StateError))
}

// buildVerticesLocked lays out the base mesh: a verticesPerSide grid of
// position (3), texcoord (2), normal (3) float32s. Heights stay zero;
// the tessellation shaders sample the height texture.
func (t *Tile) buildVerticesLocked() []float32 {
	tileSize := TileWorldSize(t.coord.Level)
	spacing := tileSize / float32(verticesPerSide-1)

	vertices := make([]float32, 0, verticesPerSide*verticesPerSide*8)
	for y := 0; y < verticesPerSide; y++ {
		for x := 0; x < verticesPerSide; x++ {
			px := t.bounds.Min.X + float32(x)*spacing
			pz := t.bounds.Min.Z + float32(y)*spacing
			u := float32(x) / float32(verticesPerSide-1)
			v := float32(y) / float32(verticesPerSide-1)
			vertices = append(vertices,
				px, 0, pz,
				u, v,
				0, 1, 0,
			)
		}
	}
	return vertices
}

// buildPatchIndices emits four corner indices per quad patch.
func buildPatchIndices() []uint32 {
	patches := (verticesPerSide - 1) * (verticesPerSide - 1)
	indices := make([]uint32, 0, patches*4)
	for y := 0; y < verticesPerSide-1; y++ {
		for x := 0; x < verticesPerSide-1; x++ {
			i := uint32(y*verticesPerSide + x)
			indices = append(indices, i, i+1, i+verticesPerSide, i+verticesPerSide+1)
		}
	}
	return indices
}

// atomicFloat32 stores a float32 through its bit pattern.
type atomicFloat32 struct {
	bits atomic.Uint32
}

func (f *atomicFloat32) Store(v float32) { f.bits.Store(stdmath.Float32bits(v)) }
func (f *atomicFloat32) Load() float32   { return stdmath.Float32frombits(f.bits.Load()) }
