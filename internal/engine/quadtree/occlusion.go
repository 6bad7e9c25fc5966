package quadtree

import (
	"github.com/Faultbox/terrastream/pkg/math"
)

// OcclusionTester decides whether a node's bounds are fully hidden
// behind previously rendered geometry. Implementations must be
// conservative: when unsure, report not occluded.
type OcclusionTester interface {
	Occluded(bounds math.Vec4, elevation math.Vec2, cd *GPUCullingData) bool
}

// DepthGridOcclusion tests bounds against a low-resolution depth grid
// captured from the previous frame's depth buffer. Depth values are in
// normalized device range [0,1], smaller meaning closer.
type DepthGridOcclusion struct {
	Width  int
	Height int
	Depth  []float32
}

// NewDepthGridOcclusion allocates a grid initialized to the far plane.
func NewDepthGridOcclusion(width, height int) *DepthGridOcclusion {
	d := &DepthGridOcclusion{
		Width:  width,
		Height: height,
		Depth:  make([]float32, width*height),
	}
	d.Reset()
	return d
}

// Reset clears the grid to the far plane, occluding nothing.
func (d *DepthGridOcclusion) Reset() {
	for i := range d.Depth {
		d.Depth[i] = 1.0
	}
}

// Update replaces the grid contents. The slice must hold Width*Height
// values; shorter input leaves trailing cells untouched.
func (d *DepthGridOcclusion) Update(depth []float32) {
	copy(d.Depth, depth)
}

// Occluded projects the corners of the bounds box and reports true only
// when every covered grid cell holds a strictly closer depth than the
// box's nearest corner. Boxes crossing the near plane are never
// occluded.
func (d *DepthGridOcclusion) Occluded(bounds math.Vec4, elevation math.Vec2, cd *GPUCullingData) bool {
	if d.Width == 0 || d.Height == 0 {
		return false
	}

	corners := [8]math.Vec3{
		{X: bounds.X, Y: elevation.X, Z: bounds.Y},
		{X: bounds.Z, Y: elevation.X, Z: bounds.Y},
		{X: bounds.X, Y: elevation.Y, Z: bounds.Y},
		{X: bounds.Z, Y: elevation.Y, Z: bounds.Y},
		{X: bounds.X, Y: elevation.X, Z: bounds.W},
		{X: bounds.Z, Y: elevation.X, Z: bounds.W},
		{X: bounds.X, Y: elevation.Y, Z: bounds.W},
		{X: bounds.Z, Y: elevation.Y, Z: bounds.W},
	}

	minX, minY := float32(1), float32(1)
	maxX, maxY := float32(-1), float32(-1)
	minDepth := float32(1)

	for _, corner := range corners {
		clip := cd.ViewProj.MulVec4(math.Vec4{X: corner.X, Y: corner.Y, Z: corner.Z, W: 1})
		if clip.W <= 0 {
			return false
		}
		ndcX := clip.X / clip.W
		ndcY := clip.Y / clip.W
		ndcZ := clip.Z / clip.W
		if ndcX < minX {
			minX = ndcX
		}
		if ndcX > maxX {
			maxX = ndcX
		}
		if ndcY < minY {
			minY = ndcY
		}
		if ndcY > maxY {
			maxY = ndcY
		}
		if ndcZ < minDepth {
			minDepth = ndcZ
		}
	}

	if minDepth < 0 {
		return false
	}

	x0 := clampCell((minX*0.5+0.5)*float32(d.Width), d.Width)
	x1 := clampCell((maxX*0.5+0.5)*float32(d.Width), d.Width)
	y0 := clampCell((minY*0.5+0.5)*float32(d.Height), d.Height)
	y1 := clampCell((maxY*0.5+0.5)*float32(d.Height), d.Height)

	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if d.Depth[y*d.Width+x] >= minDepth {
				return false
			}
		}
	}
	return true
}

func clampCell(v float32, n int) int {
	i := int(v)
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
