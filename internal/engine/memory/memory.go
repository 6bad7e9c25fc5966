// Package memory provides pooled GPU memory management for terrain
// resources. Each resource type gets its own pool with independent
// sizing, growth, and defragmentation behavior.
package memory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
)

var (
	ErrOutOfMemory   = errors.New("memory: total budget exceeded")
	ErrPoolExhausted = errors.New("memory: pool cannot grow further")
	ErrNoPool        = errors.New("memory: no pool for resource type")
	ErrFreed         = errors.New("memory: allocation already freed")
	ErrBlockTooLarge = errors.New("memory: allocation exceeds maximum block size")
)

// Type classifies a terrain allocation by the resource it backs.
type Type int

const (
	VertexBuffer Type = iota
	IndexBuffer
	HeightTexture
	ColorTexture
	NormalTexture
	UniformBuffer
	StagingBuffer
	ComputeBuffer
	typeCount
)

func (t Type) String() string {
	switch t {
	case VertexBuffer:
		return "VertexBuffer"
	case IndexBuffer:
		return "IndexBuffer"
	case HeightTexture:
		return "HeightTexture"
	case ColorTexture:
		return "ColorTexture"
	case NormalTexture:
		return "NormalTexture"
	case UniformBuffer:
		return "UniformBuffer"
	case StagingBuffer:
		return "StagingBuffer"
	case ComputeBuffer:
		return "ComputeBuffer"
	default:
		return "Unknown"
	}
}

// AllTypes lists every resource type in declaration order.
func AllTypes() []Type {
	types := make([]Type, 0, typeCount)
	for t := Type(0); t < typeCount; t++ {
		types = append(types, t)
	}
	return types
}

// TypeConfig sizes one pool.
type TypeConfig struct {
	PreferredPoolSize uint64  `yaml:"preferred_pool_size"`
	MinPoolSize       uint64  `yaml:"min_pool_size"`
	Alignment         uint64  `yaml:"alignment"`
	EnableDefrag      bool    `yaml:"enable_defrag"`
	GrowthFactor      float64 `yaml:"growth_factor"`
}

// Config controls the allocator and its pools.
type Config struct {
	MaxTotalMemory uint64 `yaml:"max_total_memory"`
	MaxPoolSize    uint64 `yaml:"max_pool_size"`
	MinBlockSize   uint64 `yaml:"min_block_size"`
	MaxBlockSize   uint64 `yaml:"max_block_size"`

	TypeConfigs map[Type]TypeConfig `yaml:"-"`

	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	EnableAutoDefrag bool    `yaml:"enable_auto_defrag"`
	DefragThreshold  float64 `yaml:"defrag_threshold"`
	MaxDefragTime    int     `yaml:"max_defrag_time_ms"`
}

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// DefaultConfig returns the standard pool sizing: large texture pools
// that avoid defragmentation, smaller frequently-churned buffer pools
// that allow it.
func DefaultConfig() Config {
	return Config{
		MaxTotalMemory: 2 * gib,
		MaxPoolSize:    256 * mib,
		MinBlockSize:   4 * kib,
		MaxBlockSize:   64 * mib,
		TypeConfigs: map[Type]TypeConfig{
			VertexBuffer:  {PreferredPoolSize: 128 * mib, MinPoolSize: 16 * mib, Alignment: 256, EnableDefrag: true, GrowthFactor: 1.5},
			IndexBuffer:   {PreferredPoolSize: 64 * mib, MinPoolSize: 8 * mib, Alignment: 256, EnableDefrag: true, GrowthFactor: 1.5},
			HeightTexture: {PreferredPoolSize: 256 * mib, MinPoolSize: 32 * mib, Alignment: 1024, EnableDefrag: false, GrowthFactor: 2.0},
			ColorTexture:  {PreferredPoolSize: 512 * mib, MinPoolSize: 64 * mib, Alignment: 1024, EnableDefrag: false, GrowthFactor: 2.0},
			NormalTexture: {PreferredPoolSize: 256 * mib, MinPoolSize: 32 * mib, Alignment: 1024, EnableDefrag: false, GrowthFactor: 2.0},
			UniformBuffer: {PreferredPoolSize: 16 * mib, MinPoolSize: 2 * mib, Alignment: 256, EnableDefrag: true, GrowthFactor: 1.5},
			StagingBuffer: {PreferredPoolSize: 64 * mib, MinPoolSize: 8 * mib, Alignment: 64, EnableDefrag: true, GrowthFactor: 1.5},
			ComputeBuffer: {PreferredPoolSize: 32 * mib, MinPoolSize: 4 * mib, Alignment: 256, EnableDefrag: true, GrowthFactor: 1.5},
		},
		WarningThreshold:  0.8,
		CriticalThreshold: 0.95,
		EnableAutoDefrag:  true,
		DefragThreshold:   0.3,
		MaxDefragTime:     16,
	}
}

// Allocation is one live pool allocation backing a buffer or texture.
type Allocation struct {
	Buffer  gpu.Buffer
	Texture gpu.Texture

	Type      Type
	Size      uint64
	Alignment uint64
	PoolID    uint32
	offset    uint64

	allocatedAt time.Time
	lastAccess  atomic.Int64
	accessCount atomic.Uint32
	freed       atomic.Bool
}

// Valid reports whether the allocation still holds a live resource.
func (a *Allocation) Valid() bool {
	if a == nil || a.freed.Load() {
		return false
	}
	return a.Buffer != nil || a.Texture != nil
}

// MarkAccessed records a use of this allocation for recency tracking.
func (a *Allocation) MarkAccessed() {
	a.lastAccess.Store(time.Now().UnixNano())
	a.accessCount.Add(1)
}

// LastAccess returns the time the allocation was last marked accessed.
func (a *Allocation) LastAccess() time.Time {
	return time.Unix(0, a.lastAccess.Load())
}

// AccessCount returns how many times the allocation has been accessed.
func (a *Allocation) AccessCount() uint32 {
	return a.accessCount.Load()
}

// Stats is a point-in-time snapshot across all pools.
type Stats struct {
	TotalAllocated    uint64
	TotalUsed         uint64
	TotalFree         uint64
	ActiveAllocations uint32
	PoolCount         uint32

	AllocatedByType map[Type]uint64
	UsedByType      map[Type]uint64
	CountByType     map[Type]uint32

	AverageAllocTime   time.Duration
	AverageFreeTime    time.Duration
	TotalAllocations   uint64
	TotalDeallocations uint64
	FailedAllocations  uint64

	Fragmentation float64
}

// AlignSize rounds size up to the next multiple of alignment.
// Alignment must be a power of two.
func AlignSize(size, alignment uint64) uint64 {
	return (size + alignment - 1) &^ (alignment - 1)
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(bytes uint64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(bytes)
	idx := 0
	for size >= 1024 && idx < len(units)-1 {
		size /= 1024
		idx++
	}
	return fmt.Sprintf("%.2f %s", size, units[idx])
}

// ParseMemorySize parses strings like "128MB" or "2GB" into bytes.
func ParseMemorySize(s string) (uint64, error) {
	str := strings.ToUpper(strings.TrimSpace(s))
	mult := uint64(1)
	switch {
	case strings.HasSuffix(str, "TB"):
		mult, str = tib, strings.TrimSuffix(str, "TB")
	case strings.HasSuffix(str, "GB"):
		mult, str = gib, strings.TrimSuffix(str, "GB")
	case strings.HasSuffix(str, "MB"):
		mult, str = mib, strings.TrimSuffix(str, "MB")
	case strings.HasSuffix(str, "KB"):
		mult, str = kib, strings.TrimSuffix(str, "KB")
	case strings.HasSuffix(str, "B"):
		str = strings.TrimSuffix(str, "B")
	}
	value, err := strconv.ParseUint(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory size %q: %w", s, err)
	}
	return value * mult, nil
}

const tib = 1024 * gib
