package terrain

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/engine/memory"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/pkg/math"
)

// Manager owns the live tile set. The map is read-heavy (render-thread
// lookups every frame) so it sits behind a read-write lock; writes only
// happen on create and remove.
type Manager struct {
	mu    sync.RWMutex
	tiles map[TileCoordinate]*Tile

	maxTiles  uint32
	maxMemory uint64

	allocator *memory.Allocator
	log       *zap.Logger
}

// ManagerStats is a per-frame snapshot of the tile population.
type ManagerStats struct {
	TotalTiles     uint32
	ReadyTiles     uint32
	LoadingTiles   uint32
	ErrorTiles     uint32
	MemoryUsage    uint64
	GPUMemoryUsage uint64
}

// NewManager creates a tile manager with the given caps.
func NewManager(allocator *memory.Allocator, maxTiles uint32, maxMemory uint64) *Manager {
	return &Manager{
		tiles:     make(map[TileCoordinate]*Tile),
		maxTiles:  maxTiles,
		maxMemory: maxMemory,
		allocator: allocator,
		log:       logger.Named("tiles"),
	}
}

// Allocator returns the memory allocator tiles upload through.
func (m *Manager) Allocator() *memory.Allocator { return m.allocator }

// GetTile returns the tile at coord, or nil.
func (m *Manager) GetTile(coord TileCoordinate) *Tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tiles[coord]
}

// CreateTile returns the tile at coord, creating it if absent.
// Idempotent: concurrent callers observe a single instance.
func (m *Manager) CreateTile(coord TileCoordinate) *Tile {
	m.mu.RLock()
	if tile, ok := m.tiles[coord]; ok {
		m.mu.RUnlock()
		return tile
	}
	m.mu.RUnlock()

	m.mu.Lock()
	if tile, ok := m.tiles[coord]; ok {
		m.mu.Unlock()
		return tile
	}
	tile := NewTile(coord)
	m.tiles[coord] = tile
	overflow := uint32(len(m.tiles)) > m.maxTiles
	m.mu.Unlock()

	if overflow {
		m.EnforceLimits()
	}
	return tile
}

// RemoveTile evicts and drops the tile at coord.
func (m *Manager) RemoveTile(coord TileCoordinate) {
	m.mu.Lock()
	tile, ok := m.tiles[coord]
	if ok {
		delete(m.tiles, coord)
	}
	m.mu.Unlock()
	if ok {
		tile.EvictFromMemory(m.allocator)
	}
}

// RemoveAllTiles evicts and drops every tile.
func (m *Manager) RemoveAllTiles() {
	m.mu.Lock()
	tiles := m.tiles
	m.tiles = make(map[TileCoordinate]*Tile)
	m.mu.Unlock()
	for _, tile := range tiles {
		tile.EvictFromMemory(m.allocator)
	}
}

// TileCount returns the number of live tiles.
func (m *Manager) TileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tiles)
}

// TilesInBounds returns tiles whose bounds intersect b.
func (m *Manager) TilesInBounds(b TileBounds) []*Tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Tile
	for _, tile := range m.tiles {
		if tile.Bounds().Intersects(b) {
			result = append(result, tile)
		}
	}
	return result
}

// VisibleTiles returns tiles whose bounds intersect the frustum.
func (m *Manager) VisibleTiles(frustum math.Frustum) []*Tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Tile
	for _, tile := range m.tiles {
		if tile.Visible(frustum) {
			result = append(result, tile)
		}
	}
	return result
}

// TilesInState returns tiles currently in the given lifecycle state.
func (m *Manager) TilesInState(state TileState) []*Tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Tile
	for _, tile := range m.tiles {
		if tile.State() == state {
			result = append(result, tile)
		}
	}
	return result
}

// TilesByLOD returns tiles at the given level.
func (m *Manager) TilesByLOD(level uint32) []*Tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Tile
	for coord, tile := range m.tiles {
		if coord.Level == level {
			result = append(result, tile)
		}
	}
	return result
}

// UpdateLOD refreshes distance and priority on every tile.
func (m *Manager) UpdateLOD(cameraPos math.Vec3) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tile := range m.tiles {
		tile.UpdateLOD(cameraPos)
	}
}

// UpdatePriorities recomputes streaming priorities for the camera.
func (m *Manager) UpdatePriorities(cameraPos math.Vec3, deltaTime float32) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tile := range m.tiles {
		tile.UpdatePriority(cameraPos, deltaTime)
	}
}

// AdvanceFrame ages every tile's staleness counter by one frame.
func (m *Manager) AdvanceFrame() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tile := range m.tiles {
		tile.IncrementFrameCounter()
	}
}

// HighPriorityLoadingQueue returns up to maxCount coordinates that need
// loading (Empty or Evicted), highest priority first. Ties order by
// coordinate for deterministic output.
func (m *Manager) HighPriorityLoadingQueue(maxCount int) []TileCoordinate {
	m.mu.RLock()
	type entry struct {
		coord    TileCoordinate
		priority float32
	}
	var pending []entry
	for coord, tile := range m.tiles {
		switch tile.State() {
		case StateEmpty, StateEvicted:
			pending = append(pending, entry{coord, tile.Priority()})
		}
	}
	m.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].priority != pending[j].priority {
			return pending[i].priority > pending[j].priority
		}
		return pending[i].coord.Less(pending[j].coord)
	})

	if maxCount > len(pending) {
		maxCount = len(pending)
	}
	result := make([]TileCoordinate, 0, maxCount)
	for _, e := range pending[:maxCount] {
		result = append(result, e.coord)
	}
	return result
}

// evictionOrder sorts eviction candidates: unpinned before pinned, then
// lowest priority, stalest, coarsest level, coordinate order. Pinned
// tiles sort last so they go only when nothing else remains.
func evictionOrder(tiles []*Tile) {
	sort.Slice(tiles, func(i, j int) bool {
		a, b := tiles[i], tiles[j]
		if a.HighPriority() != b.HighPriority() {
			return !a.HighPriority()
		}
		if a.Priority() != b.Priority() {
			return a.Priority() < b.Priority()
		}
		if a.FramesSinceAccess() != b.FramesSinceAccess() {
			return a.FramesSinceAccess() > b.FramesSinceAccess()
		}
		if a.Coordinate().Level != b.Coordinate().Level {
			return a.Coordinate().Level > b.Coordinate().Level
		}
		return a.Coordinate().Less(b.Coordinate())
	})
}

// PerformMemoryCleanup evicts tiles until CPU usage drops to target.
// High-priority tiles are evicted only when no alternative exists, so
// usage may stay above target if everything left is pinned.
func (m *Manager) PerformMemoryCleanup(target uint64) {
	current := m.TotalMemoryUsage()
	if current <= target {
		return
	}

	m.mu.RLock()
	candidates := make([]*Tile, 0, len(m.tiles))
	for _, tile := range m.tiles {
		switch tile.State() {
		case StateReady, StateLoaded:
			if tile.MemoryUsage() > 0 || tile.GPUMemoryUsage() > 0 {
				candidates = append(candidates, tile)
			}
		}
	}
	m.mu.RUnlock()

	evictionOrder(candidates)

	evicted := 0
	for _, tile := range candidates {
		if current <= target {
			break
		}
		usage := tile.MemoryUsage()
		tile.EvictFromMemory(m.allocator)
		if usage > current {
			current = 0
		} else {
			current -= usage
		}
		evicted++
	}
	if evicted > 0 {
		m.log.Debug("memory cleanup",
			zap.Int("evicted", evicted),
			zap.Uint64("target", target),
			zap.Uint64("usage", m.TotalMemoryUsage()))
	}
}

// EnforceLimits applies the maxTiles and maxMemory caps, shedding the
// least relevant tiles first.
func (m *Manager) EnforceLimits() {
	m.mu.RLock()
	count := len(m.tiles)
	m.mu.RUnlock()

	if uint32(count) > m.maxTiles {
		excess := count - int(m.maxTiles)

		m.mu.RLock()
		all := make([]*Tile, 0, count)
		for _, tile := range m.tiles {
			all = append(all, tile)
		}
		m.mu.RUnlock()

		evictionOrder(all)
		if excess > len(all) {
			excess = len(all)
		}
		for _, tile := range all[:excess] {
			m.RemoveTile(tile.Coordinate())
		}
	}

	if usage := m.TotalMemoryUsage(); usage > m.maxMemory {
		m.PerformMemoryCleanup(m.maxMemory)
	}
}

// TotalMemoryUsage sums the CPU footprint of all tiles.
func (m *Manager) TotalMemoryUsage() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, tile := range m.tiles {
		total += tile.MemoryUsage()
	}
	return total
}

// TotalGPUMemoryUsage sums the device footprint of all tiles.
func (m *Manager) TotalGPUMemoryUsage() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, tile := range m.tiles {
		total += tile.GPUMemoryUsage()
	}
	return total
}

// RetryErrorTiles resets Error tiles to Empty and returns how many
// became eligible for reload.
func (m *Manager) RetryErrorTiles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	retried := 0
	for _, tile := range m.tiles {
		if tile.ResetError() {
			retried++
		}
	}
	return retried
}

// Stats snapshots the tile population.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{TotalTiles: uint32(len(m.tiles))}
	for _, tile := range m.tiles {
		switch tile.State() {
		case StateReady:
			stats.ReadyTiles++
		case StateLoading, StateUploading:
			stats.LoadingTiles++
		case StateError:
			stats.ErrorTiles++
		}
		stats.MemoryUsage += tile.MemoryUsage()
		stats.GPUMemoryUsage += tile.GPUMemoryUsage()
	}
	return stats
}

// LoadAndUpload runs the full streaming sequence for one tile. Used by
// streaming workers; the tile ends Ready or Error.
func (m *Manager) LoadAndUpload(ctx context.Context, tile *Tile, source Source) error {
	if err := tile.LoadData(ctx, source); err != nil {
		return err
	}
	return tile.UploadToGPU(m.allocator)
}

// SetMaxTiles updates the tile-count cap.
func (m *Manager) SetMaxTiles(maxTiles uint32) { m.maxTiles = maxTiles }

// SetMaxMemoryUsage updates the memory cap in bytes.
func (m *Manager) SetMaxMemoryUsage(maxMemory uint64) { m.maxMemory = maxMemory }
