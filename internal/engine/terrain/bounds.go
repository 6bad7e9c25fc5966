package terrain

import (
	stdmath "math"

	"github.com/Faultbox/terrastream/pkg/math"
)

// baseTileSize is the world-space extent of a level-0 tile's parent
// pyramid root: a tile at level L spans baseTileSize / 2^L units.
const baseTileSize = 1000.0

// defaultMaxElevation caps bounds before height data refines them.
const defaultMaxElevation = 200.0

// TileBounds is a world-space axis-aligned box around one tile, plus
// the elevation range of its height data. Min <= Max componentwise.
type TileBounds struct {
	Min          math.Vec3
	Max          math.Vec3
	MinElevation float32
	MaxElevation float32
}

// BoundsForCoordinate derives the world-space footprint of a tile from
// its grid position and level. Elevation starts at the default range and
// tightens once height data is loaded.
func BoundsForCoordinate(coord TileCoordinate) TileBounds {
	tileSize := float32(baseTileSize / stdmath.Pow(2, float64(coord.Level)))
	return TileBounds{
		Min: math.Vec3{X: float32(coord.X) * tileSize, Y: 0, Z: float32(coord.Y) * tileSize},
		Max: math.Vec3{X: float32(coord.X+1) * tileSize, Y: defaultMaxElevation, Z: float32(coord.Y+1) * tileSize},
	}
}

// TileWorldSize returns the edge length of a tile at the given level.
func TileWorldSize(level uint32) float32 {
	return float32(baseTileSize / stdmath.Pow(2, float64(level)))
}

// Center returns the box midpoint.
func (b TileBounds) Center() math.Vec3 {
	return b.Min.Add(b.Max).Scale(0.5)
}

// Size returns the box extents.
func (b TileBounds) Size() math.Vec3 {
	return b.Max.Sub(b.Min)
}

// Radius returns the bounding-sphere radius.
func (b TileBounds) Radius() float32 {
	return b.Size().Length() * 0.5
}

// Intersects reports whether the boxes overlap.
func (b TileBounds) Intersects(other TileBounds) bool {
	return b.Min.X <= other.Max.X && b.Max.X >= other.Min.X &&
		b.Min.Y <= other.Max.Y && b.Max.Y >= other.Min.Y &&
		b.Min.Z <= other.Max.Z && b.Max.Z >= other.Min.Z
}

// Contains reports whether the point lies inside the box.
func (b TileBounds) Contains(p math.Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// SetElevationRange updates the vertical extent from loaded height data.
func (b *TileBounds) SetElevationRange(minElev, maxElev float32) {
	b.MinElevation = minElev
	b.MaxElevation = maxElev
	b.Min.Y = minElev
	b.Max.Y = maxElev
}
