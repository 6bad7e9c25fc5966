package memory

import (
	"math"
	"sort"
	"sync"
	"time"
)

// span is one allocated range inside a pool's address space.
type span struct {
	offset uint64
	size   uint64
	alloc  *Allocation
}

// Pool manages the address space for one resource type. Spans are
// bookkeeping over a virtual range; the backing GPU objects live in
// the allocations themselves. Pools grow geometrically and never
// shrink while the allocator is alive.
type Pool struct {
	typ Type
	cfg TypeConfig

	// maxSize caps growth; reserve asks the owning allocator for
	// budget before the pool expands. Block sizes clamp individual
	// requests: small ones round up to minBlock, anything above
	// maxBlock is rejected outright.
	maxSize  uint64
	minBlock uint64
	maxBlock uint64
	reserve  func(delta uint64) bool

	mu        sync.Mutex
	totalSize uint64
	usedSize  uint64
	active    uint32
	spans     []span
}

func newPool(typ Type, cfg TypeConfig, global Config, reserve func(delta uint64) bool) *Pool {
	if cfg.GrowthFactor < 1.0 {
		cfg.GrowthFactor = 1.5
	}
	if cfg.Alignment == 0 {
		cfg.Alignment = 256
	}
	p := &Pool{
		typ:      typ,
		cfg:      cfg,
		maxSize:  global.MaxPoolSize,
		minBlock: global.MinBlockSize,
		maxBlock: global.MaxBlockSize,
		reserve:  reserve,
	}
	if reserve(cfg.MinPoolSize) {
		p.totalSize = cfg.MinPoolSize
	}
	return p
}

func (p *Pool) Type() Type { return p.typ }

func (p *Pool) TotalSize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalSize
}

func (p *Pool) UsedSize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedSize
}

func (p *Pool) FreeSize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalSize - p.usedSize
}

func (p *Pool) ActiveAllocations() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Fragmentation reports how broken up the free space is: zero when all
// free memory forms one contiguous block, approaching one as the
// largest free block shrinks relative to total free memory.
func (p *Pool) Fragmentation() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fragmentationLocked()
}

func (p *Pool) fragmentationLocked() float64 {
	totalFree := p.totalSize - p.usedSize
	if totalFree == 0 {
		return 0
	}
	largest := p.largestFreeBlockLocked()
	return 1.0 - float64(largest)/float64(totalFree)
}

func (p *Pool) largestFreeBlockLocked() uint64 {
	var largest, cursor uint64
	for _, s := range p.spans {
		if s.offset > cursor && s.offset-cursor > largest {
			largest = s.offset - cursor
		}
		cursor = s.offset + s.size
	}
	if p.totalSize > cursor && p.totalSize-cursor > largest {
		largest = p.totalSize - cursor
	}
	return largest
}

// place reserves an aligned range for alloc, growing the pool if the
// current address space has no gap large enough. Returns the span
// offset, or an error when growth is exhausted.
func (p *Pool) place(alloc *Allocation, size uint64) (uint64, error) {
	if p.maxBlock > 0 && size > p.maxBlock {
		return 0, ErrBlockTooLarge
	}
	if size < p.minBlock {
		size = p.minBlock
	}
	aligned := AlignSize(size, p.cfg.Alignment)

	p.mu.Lock()
	defer p.mu.Unlock()

	offset, ok := p.findGapLocked(aligned)
	if !ok {
		if err := p.growLocked(aligned); err != nil {
			return 0, err
		}
		offset, ok = p.findGapLocked(aligned)
		if !ok {
			return 0, ErrPoolExhausted
		}
	}

	alloc.offset = offset
	alloc.Size = aligned
	alloc.Alignment = p.cfg.Alignment
	p.spans = append(p.spans, span{offset: offset, size: aligned, alloc: alloc})
	sort.Slice(p.spans, func(i, j int) bool { return p.spans[i].offset < p.spans[j].offset })
	p.usedSize += aligned
	p.active++
	return offset, nil
}

// findGapLocked returns the first free range of at least size bytes.
func (p *Pool) findGapLocked(size uint64) (uint64, bool) {
	var cursor uint64
	for _, s := range p.spans {
		if s.offset >= cursor && s.offset-cursor >= size {
			return cursor, true
		}
		if end := s.offset + s.size; end > cursor {
			cursor = end
		}
	}
	if p.totalSize-cursor >= size {
		return cursor, true
	}
	return 0, false
}

// growLocked expands the pool until need fits at the end of the
// address space: geometrically up to the preferred pool size, then
// linearly by exact need, bounded by maxSize and the global budget.
func (p *Pool) growLocked(need uint64) error {
	var tail uint64
	for _, s := range p.spans {
		if end := s.offset + s.size; end > tail {
			tail = end
		}
	}
	required := tail + need

	newTotal := p.totalSize
	if newTotal == 0 {
		newTotal = p.cfg.MinPoolSize
	}
	for newTotal < required {
		if p.cfg.PreferredPoolSize > 0 && newTotal >= p.cfg.PreferredPoolSize {
			newTotal = required
			break
		}
		grown := uint64(math.Ceil(float64(newTotal) * p.cfg.GrowthFactor))
		if grown <= newTotal {
			grown = newTotal + need
		}
		newTotal = grown
	}
	if newTotal > p.maxSize {
		newTotal = p.maxSize
	}
	if newTotal < required {
		return ErrPoolExhausted
	}
	delta := newTotal - p.totalSize
	if delta == 0 {
		return ErrPoolExhausted
	}
	if !p.reserve(delta) {
		return ErrOutOfMemory
	}
	p.totalSize = newTotal
	return nil
}

// release frees the span owned by alloc. Safe to call once per
// allocation; the allocation's freed flag guards double release.
func (p *Pool) release(alloc *Allocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.spans {
		if s.alloc == alloc {
			p.usedSize -= s.size
			p.active--
			p.spans = append(p.spans[:i], p.spans[i+1:]...)
			return
		}
	}
}

// Defragment compacts the span bookkeeping within the time budget,
// sliding allocations toward the start of the address space so free
// memory coalesces at the end. Returns true when fully compacted.
func (p *Pool) Defragment(budget time.Duration) bool {
	if !p.cfg.EnableDefrag {
		return true
	}
	deadline := time.Now().Add(budget)

	p.mu.Lock()
	defer p.mu.Unlock()

	var cursor uint64
	for i := range p.spans {
		if time.Now().After(deadline) {
			return false
		}
		aligned := AlignSize(cursor, p.cfg.Alignment)
		if p.spans[i].offset != aligned {
			p.spans[i].offset = aligned
			p.spans[i].alloc.offset = aligned
		}
		cursor = aligned + p.spans[i].size
	}
	return true
}

// cleanup drops spans whose allocations have been freed out of band.
func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.spans[:0]
	for _, s := range p.spans {
		if s.alloc.freed.Load() {
			p.usedSize -= s.size
			p.active--
			continue
		}
		kept = append(kept, s)
	}
	p.spans = kept
}
