package terrain

import (
	"context"
	"encoding/binary"
	"fmt"
	stdmath "math"
	"os"
	"path/filepath"
)

// TileData holds a tile's CPU-side content between loading and upload.
type TileData struct {
	HeightData  []float32
	NormalData  []float32
	TextureData []byte

	Width       uint32
	Height      uint32
	HeightScale float32
}

// MemoryUsage returns the byte footprint of the CPU buffers.
func (d *TileData) MemoryUsage() uint64 {
	if d == nil {
		return 0
	}
	return uint64(len(d.HeightData))*4 + uint64(len(d.NormalData))*4 + uint64(len(d.TextureData))
}

// ElevationRange scans the height data for its min and max.
func (d *TileData) ElevationRange() (minElev, maxElev float32) {
	if len(d.HeightData) == 0 {
		return 0, 0
	}
	minElev, maxElev = d.HeightData[0], d.HeightData[0]
	for _, h := range d.HeightData[1:] {
		if h < minElev {
			minElev = h
		}
		if h > maxElev {
			maxElev = h
		}
	}
	return minElev, maxElev
}

// Clear drops the buffers so the backing arrays can be collected.
func (d *TileData) Clear() {
	d.HeightData = nil
	d.NormalData = nil
	d.TextureData = nil
	d.Width = 0
	d.Height = 0
}

// Source supplies tile content. Dataset decoding (GeoTIFF and friends)
// lives behind this interface; the engine only sees raw height grids.
type Source interface {
	// Load reads or generates the data for one tile. Implementations
	// must honor ctx cancellation for long reads.
	Load(ctx context.Context, coord TileCoordinate) (*TileData, error)
}

// RawSource reads little-endian float32 heightfields from a directory.
// Files are named <dataset>_<level>_<x>_<y>.raw and must hold exactly
// tileSize*tileSize values.
type RawSource struct {
	Dir      string
	TileSize uint32
}

// NewRawSource returns a source over dir with the given tile edge length.
func NewRawSource(dir string, tileSize uint32) *RawSource {
	return &RawSource{Dir: dir, TileSize: tileSize}
}

func (s *RawSource) Load(ctx context.Context, coord TileCoordinate) (*TileData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.Dir, coord.String()+".raw")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tile %s: %w", coord, err)
	}

	expected := int(s.TileSize) * int(s.TileSize) * 4
	if len(raw) != expected {
		return nil, fmt.Errorf("tile %s: size %d, want %d: %w", coord, len(raw), expected, ErrCorruptData)
	}

	heights := make([]float32, s.TileSize*s.TileSize)
	for i := range heights {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		h := stdmath.Float32frombits(bits)
		if stdmath.IsNaN(float64(h)) || stdmath.IsInf(float64(h), 0) {
			return nil, fmt.Errorf("tile %s: non-finite height at %d: %w", coord, i, ErrCorruptData)
		}
		heights[i] = h
	}

	hm := NewHeightmap(s.TileSize, s.TileSize, heights)
	return &TileData{
		HeightData:  heights,
		NormalData:  hm.ComputeNormals(TileWorldSize(coord.Level) / float32(s.TileSize)),
		Width:       s.TileSize,
		Height:      s.TileSize,
		HeightScale: 1.0,
	}, nil
}

// ProceduralSource synthesizes layered sine-wave terrain. Used as a
// fallback when no dataset is configured, and by tests.
type ProceduralSource struct {
	TileSize  uint32
	Amplitude float32
}

func NewProceduralSource(tileSize uint32) *ProceduralSource {
	return &ProceduralSource{TileSize: tileSize, Amplitude: 50.0}
}

func (s *ProceduralSource) Load(ctx context.Context, coord TileCoordinate) (*TileData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := s.TileSize
	if size == 0 {
		size = defaultTileSize
	}
	heights := make([]float32, size*size)
	for y := uint32(0); y < size; y++ {
		for x := uint32(0); x < size; x++ {
			fx := float64(x) / float64(size)
			fy := float64(y) / float64(size)
			h := stdmath.Sin(fx*6.28)*stdmath.Sin(fy*6.28)*float64(s.Amplitude) +
				stdmath.Sin(fx*12.56)*stdmath.Sin(fy*12.56)*float64(s.Amplitude)*0.5
			heights[y*size+x] = float32(h)
		}
	}
	hm := NewHeightmap(size, size, heights)
	return &TileData{
		HeightData:  heights,
		NormalData:  hm.ComputeNormals(TileWorldSize(coord.Level) / float32(size)),
		Width:       size,
		Height:      size,
		HeightScale: 100.0,
	}, nil
}
