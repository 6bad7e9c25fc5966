package terrain

import (
	stdmath "math"
)

// Heightmap wraps a row-major height grid with sampling helpers. Both
// tile sources produce one per loaded tile; the renderer samples it
// for ground queries and the normal texture is derived from it.
type Heightmap struct {
	Width  uint32
	Height uint32
	Data   []float32
}

// NewHeightmap wraps data without copying. len(data) must be
// width*height.
func NewHeightmap(width, height uint32, data []float32) *Heightmap {
	return &Heightmap{Width: width, Height: height, Data: data}
}

// At returns the height at the given texel, clamping out-of-range
// coordinates to the edge.
func (h *Heightmap) At(x, y int) float32 {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x >= int(h.Width) {
		x = int(h.Width) - 1
	}
	if y >= int(h.Height) {
		y = int(h.Height) - 1
	}
	return h.Data[y*int(h.Width)+x]
}

// SampleBilinear returns the height at normalized coordinates in
// [0,1], interpolating between the four surrounding texels.
func (h *Heightmap) SampleBilinear(u, v float32) float32 {
	fx := u * float32(h.Width-1)
	fy := v * float32(h.Height-1)
	x0 := int(stdmath.Floor(float64(fx)))
	y0 := int(stdmath.Floor(float64(fy)))
	tx := fx - float32(x0)
	ty := fy - float32(y0)

	h00 := h.At(x0, y0)
	h10 := h.At(x0+1, y0)
	h01 := h.At(x0, y0+1)
	h11 := h.At(x0+1, y0+1)

	top := h00 + (h10-h00)*tx
	bottom := h01 + (h11-h01)*tx
	return top + (bottom-top)*ty
}

// MinMax returns the elevation range of the grid.
func (h *Heightmap) MinMax() (min, max float32) {
	if len(h.Data) == 0 {
		return 0, 0
	}
	min, max = h.Data[0], h.Data[0]
	for _, v := range h.Data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// ComputeNormals derives per-texel surface normals by central
// differences. cellSize is the world-space spacing between texels.
// The result holds three floats per texel.
func (h *Heightmap) ComputeNormals(cellSize float32) []float32 {
	if cellSize <= 0 {
		cellSize = 1
	}
	normals := make([]float32, h.Width*h.Height*3)
	for y := 0; y < int(h.Height); y++ {
		for x := 0; x < int(h.Width); x++ {
			dx := (h.At(x+1, y) - h.At(x-1, y)) / (2 * cellSize)
			dz := (h.At(x, y+1) - h.At(x, y-1)) / (2 * cellSize)

			// Normal of the surface y = f(x, z).
			nx, ny, nz := -dx, float32(1), -dz
			inv := 1 / float32(stdmath.Sqrt(float64(nx*nx+ny*ny+nz*nz)))

			i := (y*int(h.Width) + x) * 3
			normals[i] = nx * inv
			normals[i+1] = ny * inv
			normals[i+2] = nz * inv
		}
	}
	return normals
}
