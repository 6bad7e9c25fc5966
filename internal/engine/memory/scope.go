package memory

import "github.com/Faultbox/terrastream/internal/engine/gpu"

// Scope tracks allocations made through it so they can be released
// together on every exit path. Call Release in a defer; Keep detaches
// everything acquired so far when the caller takes ownership.
type Scope struct {
	allocator *Allocator
	held      []*Allocation
}

// NewScope returns a scope over the given allocator.
func NewScope(a *Allocator) *Scope {
	return &Scope{allocator: a}
}

// AllocateVertexBuffer allocates through the scope.
func (s *Scope) AllocateVertexBuffer(size uint64) (*Allocation, error) {
	return s.track(s.allocator.AllocateVertexBuffer(size))
}

// AllocateIndexBuffer allocates through the scope.
func (s *Scope) AllocateIndexBuffer(size uint64) (*Allocation, error) {
	return s.track(s.allocator.AllocateIndexBuffer(size))
}

// AllocateUniformBuffer allocates through the scope.
func (s *Scope) AllocateUniformBuffer(size uint64) (*Allocation, error) {
	return s.track(s.allocator.AllocateUniformBuffer(size))
}

// AllocateStagingBuffer allocates through the scope.
func (s *Scope) AllocateStagingBuffer(size uint64) (*Allocation, error) {
	return s.track(s.allocator.AllocateStagingBuffer(size))
}

// AllocateTexture2D allocates through the scope.
func (s *Scope) AllocateTexture2D(width, height uint32, format gpu.TextureFormat, usage gpu.TextureUsage, typ Type) (*Allocation, error) {
	return s.track(s.allocator.AllocateTexture2D(width, height, format, usage, typ))
}

func (s *Scope) track(alloc *Allocation, err error) (*Allocation, error) {
	if err != nil {
		return nil, err
	}
	s.held = append(s.held, alloc)
	return alloc, nil
}

// Keep detaches all held allocations; the caller now owns them.
func (s *Scope) Keep() []*Allocation {
	kept := s.held
	s.held = nil
	return kept
}

// Release frees every allocation still held by the scope.
func (s *Scope) Release() {
	for _, alloc := range s.held {
		s.allocator.Deallocate(alloc)
	}
	s.held = nil
}
