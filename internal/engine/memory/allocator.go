package memory

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/internal/logger"
)

// PressureCallback is notified with the usage ratio whenever an
// allocation pushes total usage past the warning threshold.
type PressureCallback func(usageRatio float64)

// AllocationFailedCallback is notified once per failed allocation.
type AllocationFailedCallback func(t Type, size uint64)

// Allocator routes allocations to per-type pools and enforces the
// global memory budget. Pools are protected independently, so
// allocating a vertex buffer never blocks a texture allocation.
type Allocator struct {
	cfg Config
	dev gpu.Device
	log *zap.Logger

	pools    map[Type]*Pool
	reserved atomic.Uint64

	callbackMu sync.Mutex
	pressureCB PressureCallback
	failedCB   AllocationFailedCallback

	statsMu        sync.Mutex
	allocTimeTotal time.Duration
	freeTimeTotal  time.Duration
	allocCount     uint64
	freeCount      uint64
	failedCount    uint64
}

// NewAllocator builds the per-type pools up front. The device handle
// is borrowed; the caller owns its lifecycle.
func NewAllocator(dev gpu.Device, cfg Config) *Allocator {
	if cfg.TypeConfigs == nil {
		cfg = DefaultConfig()
	}
	a := &Allocator{
		cfg:   cfg,
		dev:   dev,
		log:   logger.Named("memory"),
		pools: make(map[Type]*Pool, len(cfg.TypeConfigs)),
	}
	reserve := func(delta uint64) bool {
		for {
			current := a.reserved.Load()
			if current+delta > cfg.MaxTotalMemory {
				return false
			}
			if a.reserved.CompareAndSwap(current, current+delta) {
				return true
			}
		}
	}
	for typ, tc := range cfg.TypeConfigs {
		a.pools[typ] = newPool(typ, tc, cfg, reserve)
	}
	a.log.Info("allocator initialized",
		zap.String("budget", FormatBytes(cfg.MaxTotalMemory)),
		zap.Int("pools", len(a.pools)))
	return a
}

// SetPressureCallback registers the memory pressure notification hook.
func (a *Allocator) SetPressureCallback(cb PressureCallback) {
	a.callbackMu.Lock()
	defer a.callbackMu.Unlock()
	a.pressureCB = cb
}

// SetAllocationFailedCallback registers the allocation failure hook.
func (a *Allocator) SetAllocationFailedCallback(cb AllocationFailedCallback) {
	a.callbackMu.Lock()
	defer a.callbackMu.Unlock()
	a.failedCB = cb
}

// AllocateVertexBuffer allocates a GPU-local vertex buffer.
func (a *Allocator) AllocateVertexBuffer(size uint64) (*Allocation, error) {
	return a.AllocateBuffer(size, gpu.BufferUsageVertex|gpu.BufferUsageCopyDst, VertexBuffer)
}

// AllocateIndexBuffer allocates a GPU-local index buffer.
func (a *Allocator) AllocateIndexBuffer(size uint64) (*Allocation, error) {
	return a.AllocateBuffer(size, gpu.BufferUsageIndex|gpu.BufferUsageCopyDst, IndexBuffer)
}

// AllocateUniformBuffer allocates a CPU-writable uniform buffer.
func (a *Allocator) AllocateUniformBuffer(size uint64) (*Allocation, error) {
	return a.AllocateBuffer(size, gpu.BufferUsageUniform|gpu.BufferUsageCopyDst, UniformBuffer)
}

// AllocateStagingBuffer allocates a transfer-source staging buffer.
func (a *Allocator) AllocateStagingBuffer(size uint64) (*Allocation, error) {
	return a.AllocateBuffer(size, gpu.BufferUsageCopySrc|gpu.BufferUsageCopyDst, StagingBuffer)
}

// AllocateComputeBuffer allocates a storage buffer for compute passes.
func (a *Allocator) AllocateComputeBuffer(size uint64) (*Allocation, error) {
	return a.AllocateBuffer(size, gpu.BufferUsageStorage|gpu.BufferUsageCopySrc|gpu.BufferUsageCopyDst, ComputeBuffer)
}

// AllocateBuffer allocates a buffer from the pool matching typ.
func (a *Allocator) AllocateBuffer(size uint64, usage gpu.BufferUsage, typ Type) (*Allocation, error) {
	start := time.Now()
	pool, ok := a.pools[typ]
	if !ok {
		a.notifyFailed(typ, size)
		return nil, fmt.Errorf("%w: %s", ErrNoPool, typ)
	}

	alloc := &Allocation{Type: typ, PoolID: uint32(typ), allocatedAt: start}
	if _, err := pool.place(alloc, size); err != nil {
		// The failure callback may evict tiles; retry once against
		// whatever the eviction freed before giving up.
		a.notifyFailed(typ, size)
		if _, retryErr := pool.place(alloc, size); retryErr != nil {
			return nil, fmt.Errorf("allocate %s (%s): %w", typ, FormatBytes(size), err)
		}
	}

	buf, err := a.dev.CreateBuffer(gpu.BufferDescriptor{
		Label: fmt.Sprintf("%s/%d", typ, alloc.offset),
		Size:  alloc.Size,
		Usage: usage,
	})
	if err != nil {
		pool.release(alloc)
		a.notifyFailed(typ, size)
		return nil, fmt.Errorf("allocate %s (%s): %w", typ, FormatBytes(size), err)
	}
	alloc.Buffer = buf
	alloc.MarkAccessed()

	a.recordAlloc(time.Since(start))
	a.checkPressure()
	return alloc, nil
}

// AllocateTexture2D allocates a single-layer 2D texture.
func (a *Allocator) AllocateTexture2D(width, height uint32, format gpu.TextureFormat, usage gpu.TextureUsage, typ Type) (*Allocation, error) {
	return a.allocateTexture(width, height, 1, format, usage, typ)
}

// AllocateTexture2DArray allocates a layered 2D texture.
func (a *Allocator) AllocateTexture2DArray(width, height, layers uint32, format gpu.TextureFormat, usage gpu.TextureUsage, typ Type) (*Allocation, error) {
	return a.allocateTexture(width, height, layers, format, usage, typ)
}

func (a *Allocator) allocateTexture(width, height, layers uint32, format gpu.TextureFormat, usage gpu.TextureUsage, typ Type) (*Allocation, error) {
	start := time.Now()
	pool, ok := a.pools[typ]
	if !ok {
		a.notifyFailed(typ, 0)
		return nil, fmt.Errorf("%w: %s", ErrNoPool, typ)
	}

	size := uint64(width) * uint64(height) * uint64(layers) * format.BytesPerTexel()
	alloc := &Allocation{Type: typ, PoolID: uint32(typ), allocatedAt: start}
	if _, err := pool.place(alloc, size); err != nil {
		a.notifyFailed(typ, size)
		if _, retryErr := pool.place(alloc, size); retryErr != nil {
			return nil, fmt.Errorf("allocate %s %dx%dx%d: %w", typ, width, height, layers, err)
		}
	}

	tex, err := a.dev.CreateTexture(gpu.TextureDescriptor{
		Label:  fmt.Sprintf("%s/%d", typ, alloc.offset),
		Width:  width,
		Height: height,
		Layers: layers,
		Format: format,
		Usage:  usage,
	})
	if err != nil {
		pool.release(alloc)
		a.notifyFailed(typ, size)
		return nil, fmt.Errorf("allocate %s %dx%dx%d: %w", typ, width, height, layers, err)
	}
	alloc.Texture = tex
	alloc.MarkAccessed()

	a.recordAlloc(time.Since(start))
	a.checkPressure()
	return alloc, nil
}

// Deallocate releases an allocation's GPU resource and pool span.
// Idempotent: double deallocation is a no-op.
func (a *Allocator) Deallocate(alloc *Allocation) {
	if alloc == nil || !alloc.freed.CompareAndSwap(false, true) {
		return
	}
	start := time.Now()
	if pool, ok := a.pools[alloc.Type]; ok {
		pool.release(alloc)
	}
	if alloc.Buffer != nil {
		alloc.Buffer.Release()
	}
	if alloc.Texture != nil {
		alloc.Texture.Release()
	}
	a.recordFree(time.Since(start))
}

// GarbageCollect prunes pool bookkeeping for out-of-band frees.
func (a *Allocator) GarbageCollect() {
	for _, pool := range a.pools {
		pool.cleanup()
	}
}

// Defragment compacts pools cooperatively, splitting the time budget
// across them. It stops early once the budget is spent and is meant to
// be called again on a later frame.
func (a *Allocator) Defragment(budget time.Duration) {
	if !a.cfg.EnableAutoDefrag || len(a.pools) == 0 {
		return
	}
	deadline := time.Now().Add(budget)
	perPool := budget / time.Duration(len(a.pools))
	for _, pool := range a.pools {
		if time.Now().After(deadline) {
			break
		}
		if pool.Fragmentation() < a.cfg.DefragThreshold {
			continue
		}
		if !pool.Defragment(perPool) {
			break
		}
	}
}

// HandleMemoryPressure runs aggressive cleanup: garbage collection
// plus a defragmentation slice bounded by the configured budget.
func (a *Allocator) HandleMemoryPressure() {
	a.GarbageCollect()
	a.Defragment(time.Duration(a.cfg.MaxDefragTime) * time.Millisecond)
}

// UsageRatio returns totalUsed over the global budget.
func (a *Allocator) UsageRatio() float64 {
	if a.cfg.MaxTotalMemory == 0 {
		return 0
	}
	var used uint64
	for _, pool := range a.pools {
		used += pool.UsedSize()
	}
	return float64(used) / float64(a.cfg.MaxTotalMemory)
}

// MemoryPressure reports whether usage crossed the warning threshold.
func (a *Allocator) MemoryPressure() bool {
	return a.UsageRatio() > a.cfg.WarningThreshold
}

// CriticalMemoryPressure reports whether usage crossed the critical threshold.
func (a *Allocator) CriticalMemoryPressure() bool {
	return a.UsageRatio() > a.cfg.CriticalThreshold
}

// TotalUsed returns the sum of used bytes across all pools.
func (a *Allocator) TotalUsed() uint64 {
	var used uint64
	for _, pool := range a.pools {
		used += pool.UsedSize()
	}
	return used
}

// Config returns the allocator's configuration.
func (a *Allocator) Config() Config { return a.cfg }

// Device returns the device the allocator creates resources on.
func (a *Allocator) Device() gpu.Device { return a.dev }

// Stats assembles a snapshot across all pools.
func (a *Allocator) Stats() Stats {
	stats := Stats{
		AllocatedByType: make(map[Type]uint64, len(a.pools)),
		UsedByType:      make(map[Type]uint64, len(a.pools)),
		CountByType:     make(map[Type]uint32, len(a.pools)),
		PoolCount:       uint32(len(a.pools)),
	}

	var fragTotal float64
	for typ, pool := range a.pools {
		total := pool.TotalSize()
		used := pool.UsedSize()
		count := pool.ActiveAllocations()

		stats.TotalAllocated += total
		stats.TotalUsed += used
		stats.TotalFree += total - used
		stats.ActiveAllocations += count

		stats.AllocatedByType[typ] = total
		stats.UsedByType[typ] = used
		stats.CountByType[typ] = count
		fragTotal += pool.Fragmentation()
	}
	if len(a.pools) > 0 {
		stats.Fragmentation = fragTotal / float64(len(a.pools))
	}

	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	stats.TotalAllocations = a.allocCount
	stats.TotalDeallocations = a.freeCount
	stats.FailedAllocations = a.failedCount
	if a.allocCount > 0 {
		stats.AverageAllocTime = a.allocTimeTotal / time.Duration(a.allocCount)
	}
	if a.freeCount > 0 {
		stats.AverageFreeTime = a.freeTimeTotal / time.Duration(a.freeCount)
	}
	return stats
}

// ResetStats clears the running counters and time averages.
func (a *Allocator) ResetStats() {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	a.allocTimeTotal = 0
	a.freeTimeTotal = 0
	a.allocCount = 0
	a.freeCount = 0
	a.failedCount = 0
}

// MemoryReport renders a human-readable per-pool dump.
func (a *Allocator) MemoryReport() []string {
	stats := a.Stats()
	report := []string{
		"Terrain Memory Report",
		"=====================",
		fmt.Sprintf("Total Allocated: %s", FormatBytes(stats.TotalAllocated)),
		fmt.Sprintf("Total Used: %s", FormatBytes(stats.TotalUsed)),
		fmt.Sprintf("Total Free: %s", FormatBytes(stats.TotalFree)),
		fmt.Sprintf("Usage Ratio: %.2f%%", a.UsageRatio()*100),
		fmt.Sprintf("Fragmentation: %.2f%%", stats.Fragmentation*100),
		fmt.Sprintf("Active Allocations: %d", stats.ActiveAllocations),
		"",
		"Pools:",
	}

	types := make([]Type, 0, len(a.pools))
	for typ := range a.pools {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, typ := range types {
		pool := a.pools[typ]
		report = append(report,
			fmt.Sprintf("  %s:", typ),
			fmt.Sprintf("    Total: %s", FormatBytes(pool.TotalSize())),
			fmt.Sprintf("    Used: %s", FormatBytes(pool.UsedSize())),
			fmt.Sprintf("    Free: %s", FormatBytes(pool.FreeSize())),
			fmt.Sprintf("    Fragmentation: %.2f%%", pool.Fragmentation()*100),
			fmt.Sprintf("    Allocations: %d", pool.ActiveAllocations()),
		)
	}
	return report
}

// Close logs the final state. Live allocations keep their GPU handles;
// callers release those through Deallocate.
func (a *Allocator) Close() {
	stats := a.Stats()
	if stats.ActiveAllocations > 0 {
		a.log.Warn("allocator closing with live allocations",
			zap.Uint32("count", stats.ActiveAllocations),
			zap.String("used", FormatBytes(stats.TotalUsed)))
	}
}

func (a *Allocator) recordAlloc(d time.Duration) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	a.allocTimeTotal += d
	a.allocCount++
}

func (a *Allocator) recordFree(d time.Duration) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	a.freeTimeTotal += d
	a.freeCount++
}

func (a *Allocator) notifyFailed(typ Type, size uint64) {
	a.statsMu.Lock()
	a.failedCount++
	a.statsMu.Unlock()

	a.callbackMu.Lock()
	cb := a.failedCB
	a.callbackMu.Unlock()
	if cb != nil {
		cb(typ, size)
	}
	a.log.Warn("allocation failed",
		zap.String("type", typ.String()),
		zap.String("size", FormatBytes(size)))
}

func (a *Allocator) checkPressure() {
	ratio := a.UsageRatio()
	if ratio <= a.cfg.WarningThreshold {
		return
	}
	if ratio > a.cfg.CriticalThreshold {
		a.HandleMemoryPressure()
	}
	a.callbackMu.Lock()
	cb := a.pressureCB
	a.callbackMu.Unlock()
	if cb != nil {
		cb(ratio)
	}
}
