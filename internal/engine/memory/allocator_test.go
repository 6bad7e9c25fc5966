package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/Faultbox/terrastream/internal/engine/gpu"
)

func testConfig() Config {
	return Config{
		MaxTotalMemory: 1 << 20, // 1MB
		MaxPoolSize:    512 << 10,
		MinBlockSize:   256,
		MaxBlockSize:   256 << 10,
		TypeConfigs: map[Type]TypeConfig{
			VertexBuffer: {PreferredPoolSize: 128 << 10, MinPoolSize: 64 << 10, Alignment: 256, EnableDefrag: true, GrowthFactor: 1.5},
			IndexBuffer:  {PreferredPoolSize: 64 << 10, MinPoolSize: 32 << 10, Alignment: 256, EnableDefrag: true, GrowthFactor: 1.5},
		},
		WarningThreshold:  0.8,
		CriticalThreshold: 0.95,
		EnableAutoDefrag:  true,
		DefragThreshold:   0.3,
		MaxDefragTime:     16,
	}
}

func TestAllocateAndDeallocate(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, testConfig())
	defer a.Close()

	alloc, err := a.AllocateVertexBuffer(4096)
	if err != nil {
		t.Fatalf("AllocateVertexBuffer: %v", err)
	}
	if !alloc.Valid() {
		t.Error("allocation not valid after allocate")
	}
	if alloc.Buffer == nil {
		t.Fatal("allocation has no buffer")
	}
	if alloc.Size < 4096 {
		t.Errorf("size = %d, want >= 4096", alloc.Size)
	}
	if got := a.TotalUsed(); got != alloc.Size {
		t.Errorf("TotalUsed = %d, want %d", got, alloc.Size)
	}

	a.Deallocate(alloc)
	if alloc.Valid() {
		t.Error("allocation still valid after deallocate")
	}
	if got := a.TotalUsed(); got != 0 {
		t.Errorf("TotalUsed after free = %d, want 0", got)
	}

	// Double deallocation is a no-op.
	a.Deallocate(alloc)
	stats := a.Stats()
	if stats.TotalDeallocations != 1 {
		t.Errorf("deallocations = %d, want 1", stats.TotalDeallocations)
	}
}

func TestAllocationAlignment(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, testConfig())
	defer a.Close()

	alloc, err := a.AllocateVertexBuffer(100)
	if err != nil {
		t.Fatalf("AllocateVertexBuffer: %v", err)
	}
	if alloc.Size%256 != 0 {
		t.Errorf("size %d not aligned to 256", alloc.Size)
	}
}

func TestBudgetNeverExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalMemory = 512 << 10
	cfg.MaxPoolSize = 2 << 20

	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, cfg)
	defer a.Close()

	var failures int
	a.SetAllocationFailedCallback(func(typ Type, size uint64) { failures++ })

	var live []*Allocation
	var failed int
	for i := 0; i < 16; i++ {
		alloc, err := a.AllocateVertexBuffer(128 << 10)
		if err != nil {
			if !errors.Is(err, ErrOutOfMemory) && !errors.Is(err, ErrPoolExhausted) {
				t.Fatalf("unexpected failure kind: %v", err)
			}
			failed++
		} else {
			live = append(live, alloc)
		}
		if used := a.TotalUsed(); used > cfg.MaxTotalMemory {
			t.Fatalf("TotalUsed %d exceeds budget %d", used, cfg.MaxTotalMemory)
		}
	}

	if failed == 0 {
		t.Fatal("expected some allocations to fail under the budget")
	}
	if failures != failed {
		t.Errorf("failure callback fired %d times, want %d", failures, failed)
	}
	if got := a.Stats().FailedAllocations; got != uint64(failed) {
		t.Errorf("FailedAllocations = %d, want %d", got, failed)
	}

	for _, alloc := range live {
		a.Deallocate(alloc)
	}
}

func TestPressureCallback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalMemory = 256 << 10
	cfg.MaxPoolSize = 256 << 10
	cfg.TypeConfigs = map[Type]TypeConfig{
		VertexBuffer: {PreferredPoolSize: 128 << 10, MinPoolSize: 64 << 10, Alignment: 256, EnableDefrag: true, GrowthFactor: 1.5},
	}

	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, cfg)
	defer a.Close()

	var pressured []float64
	a.SetPressureCallback(func(ratio float64) { pressured = append(pressured, ratio) })

	// Fill past the 0.8 warning threshold.
	alloc, err := a.AllocateVertexBuffer(220 << 10)
	if err != nil {
		t.Fatalf("AllocateVertexBuffer: %v", err)
	}
	defer a.Deallocate(alloc)

	if len(pressured) == 0 {
		t.Fatal("pressure callback never fired")
	}
	if pressured[0] <= cfg.WarningThreshold {
		t.Errorf("reported ratio %f not above warning threshold", pressured[0])
	}
	if !a.MemoryPressure() {
		t.Error("MemoryPressure() = false above warning threshold")
	}
}

func TestPoolExhaustion(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, testConfig())
	defer a.Close()

	// MaxPoolSize is 512KB; the third 200KB block cannot fit.
	var live []*Allocation
	var exhausted bool
	for i := 0; i < 3; i++ {
		alloc, err := a.AllocateVertexBuffer(200 << 10)
		if err != nil {
			if !errors.Is(err, ErrPoolExhausted) {
				t.Fatalf("allocation %d = %v, want ErrPoolExhausted", i, err)
			}
			exhausted = true
			continue
		}
		live = append(live, alloc)
	}
	if !exhausted {
		t.Error("pool never exhausted at its size cap")
	}
	for _, alloc := range live {
		a.Deallocate(alloc)
	}
}

func TestBlockSizeLimits(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	cfg := testConfig()
	a := NewAllocator(dev, cfg)
	defer a.Close()

	// Requests above MaxBlockSize are rejected before touching the pool.
	if _, err := a.AllocateVertexBuffer(cfg.MaxBlockSize + 1); !errors.Is(err, ErrBlockTooLarge) {
		t.Errorf("oversized block = %v, want ErrBlockTooLarge", err)
	}

	// Tiny requests round up to MinBlockSize.
	alloc, err := a.AllocateVertexBuffer(16)
	if err != nil {
		t.Fatalf("AllocateVertexBuffer: %v", err)
	}
	defer a.Deallocate(alloc)
	if alloc.Size < cfg.MinBlockSize {
		t.Errorf("Size = %d, want >= MinBlockSize %d", alloc.Size, cfg.MinBlockSize)
	}
}

func TestFailedCallbackEvictionRetry(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalMemory = 256 << 10
	cfg.MaxPoolSize = 256 << 10
	cfg.TypeConfigs = map[Type]TypeConfig{
		VertexBuffer: {PreferredPoolSize: 128 << 10, MinPoolSize: 64 << 10, Alignment: 256, EnableDefrag: true, GrowthFactor: 1.5},
	}

	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, cfg)
	defer a.Close()

	held, err := a.AllocateVertexBuffer(200 << 10)
	if err != nil {
		t.Fatalf("AllocateVertexBuffer: %v", err)
	}

	// The failure callback frees the held block, standing in for the
	// tile manager evicting under pressure. The failed allocation is
	// retried once against the freed space.
	var fired int
	a.SetAllocationFailedCallback(func(Type, uint64) {
		fired++
		a.Deallocate(held)
	})

	alloc, err := a.AllocateVertexBuffer(200 << 10)
	if err != nil {
		t.Fatalf("allocation after eviction callback failed: %v", err)
	}
	defer a.Deallocate(alloc)
	if fired != 1 {
		t.Errorf("failure callback fired %d times, want 1", fired)
	}
	if held.Valid() {
		t.Error("held allocation still valid after eviction callback")
	}
	if !alloc.Valid() {
		t.Error("retried allocation not valid")
	}
}

func TestUnknownType(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, testConfig())
	defer a.Close()

	// testConfig has no HeightTexture pool.
	if _, err := a.AllocateTexture2D(64, 64, gpu.TextureFormatR32Float, gpu.TextureUsageSampled, HeightTexture); !errors.Is(err, ErrNoPool) {
		t.Errorf("missing pool = %v, want ErrNoPool", err)
	}
}

func TestFragmentationAndDefragment(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, testConfig())
	defer a.Close()

	var allocs []*Allocation
	for i := 0; i < 6; i++ {
		alloc, err := a.AllocateVertexBuffer(8 << 10)
		if err != nil {
			t.Fatalf("AllocateVertexBuffer: %v", err)
		}
		allocs = append(allocs, alloc)
	}

	// Free alternating allocations to punch holes.
	a.Deallocate(allocs[1])
	a.Deallocate(allocs[3])
	a.Deallocate(allocs[5])

	pool := a.pools[VertexBuffer]
	if frag := pool.Fragmentation(); frag <= a.cfg.DefragThreshold {
		t.Fatalf("fragmentation = %f, want > threshold %f after interleaved frees", frag, a.cfg.DefragThreshold)
	}

	a.Defragment(100 * time.Millisecond)
	if frag := pool.Fragmentation(); frag != 0 {
		t.Errorf("fragmentation after defragment = %f, want 0", frag)
	}

	a.Deallocate(allocs[0])
	a.Deallocate(allocs[2])
	a.Deallocate(allocs[4])
}

func TestDefragmentSkipsBelowThreshold(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, testConfig())
	defer a.Close()

	var allocs []*Allocation
	for i := 0; i < 4; i++ {
		alloc, err := a.AllocateVertexBuffer(8 << 10)
		if err != nil {
			t.Fatalf("AllocateVertexBuffer: %v", err)
		}
		allocs = append(allocs, alloc)
	}
	a.Deallocate(allocs[1])

	pool := a.pools[VertexBuffer]
	before := pool.Fragmentation()
	if before <= 0 || before >= a.cfg.DefragThreshold {
		t.Fatalf("fragmentation = %f, want between 0 and threshold %f", before, a.cfg.DefragThreshold)
	}

	// Below the threshold the pool is not worth compacting.
	a.Defragment(100 * time.Millisecond)
	if after := pool.Fragmentation(); after != before {
		t.Errorf("fragmentation after defragment = %f, want unchanged %f", after, before)
	}

	a.Deallocate(allocs[0])
	a.Deallocate(allocs[2])
	a.Deallocate(allocs[3])
}

func TestStatsSnapshot(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, testConfig())
	defer a.Close()

	v, _ := a.AllocateVertexBuffer(4096)
	i, _ := a.AllocateIndexBuffer(2048)

	stats := a.Stats()
	if stats.ActiveAllocations != 2 {
		t.Errorf("ActiveAllocations = %d, want 2", stats.ActiveAllocations)
	}
	if stats.PoolCount != 2 {
		t.Errorf("PoolCount = %d, want 2", stats.PoolCount)
	}
	if stats.UsedByType[VertexBuffer] != v.Size {
		t.Errorf("UsedByType[VertexBuffer] = %d, want %d", stats.UsedByType[VertexBuffer], v.Size)
	}
	if stats.UsedByType[IndexBuffer] != i.Size {
		t.Errorf("UsedByType[IndexBuffer] = %d, want %d", stats.UsedByType[IndexBuffer], i.Size)
	}
	if stats.TotalAllocations != 2 {
		t.Errorf("TotalAllocations = %d, want 2", stats.TotalAllocations)
	}

	a.Deallocate(v)
	a.Deallocate(i)
}

func TestScopeRelease(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, testConfig())
	defer a.Close()

	scope := NewScope(a)
	if _, err := scope.AllocateVertexBuffer(4096); err != nil {
		t.Fatalf("AllocateVertexBuffer: %v", err)
	}
	if _, err := scope.AllocateIndexBuffer(2048); err != nil {
		t.Fatalf("AllocateIndexBuffer: %v", err)
	}

	if got := a.TotalUsed(); got == 0 {
		t.Fatal("nothing allocated through scope")
	}
	scope.Release()
	if got := a.TotalUsed(); got != 0 {
		t.Errorf("TotalUsed after scope release = %d, want 0", got)
	}
}

func TestScopeKeep(t *testing.T) {
	dev := gpu.NewHeadlessDevice()
	defer dev.Release()
	a := NewAllocator(dev, testConfig())
	defer a.Close()

	scope := NewScope(a)
	if _, err := scope.AllocateVertexBuffer(4096); err != nil {
		t.Fatalf("AllocateVertexBuffer: %v", err)
	}
	kept := scope.Keep()
	scope.Release()

	if len(kept) != 1 {
		t.Fatalf("kept = %d allocations, want 1", len(kept))
	}
	if !kept[0].Valid() {
		t.Error("kept allocation freed by scope release")
	}
	a.Deallocate(kept[0])
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes uint64
		want  string
	}{
		{512, "512.00 B"},
		{2048, "2.00 KB"},
		{128 << 20, "128.00 MB"},
		{3 << 30, "3.00 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.bytes); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"512", 512, false},
		{"4KB", 4096, false},
		{"128MB", 128 << 20, false},
		{"2GB", 2 << 30, false},
		{"2gb", 2 << 30, false},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMemorySize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMemorySize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMemorySize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAlignSize(t *testing.T) {
	tests := []struct {
		size, align, want uint64
	}{
		{0, 256, 0},
		{1, 256, 256},
		{256, 256, 256},
		{257, 256, 512},
		{100, 64, 128},
	}
	for _, tt := range tests {
		if got := AlignSize(tt.size, tt.align); got != tt.want {
			t.Errorf("AlignSize(%d, %d) = %d, want %d", tt.size, tt.align, got, tt.want)
		}
	}
}
