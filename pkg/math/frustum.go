package math

// Plane is a 3D plane in the form normal*p + distance = 0.
// Points with normal*p + distance >= 0 are on the positive side.
type Plane struct {
	Normal   Vec3
	Distance float32
}

// Normalize scales the plane so that the normal has unit length.
func (p Plane) Normalize() Plane {
	l := p.Normal.Length()
	if l == 0 {
		return p
	}
	return Plane{
		Normal:   Vec3{p.Normal.X / l, p.Normal.Y / l, p.Normal.Z / l},
		Distance: p.Distance / l,
	}
}

// DistanceTo returns the signed distance from the plane to a point.
func (p Plane) DistanceTo(point Vec3) float32 {
	return p.Normal.Dot(point) + p.Distance
}

// Frustum holds the six planes of a view frustum, oriented so the
// positive half-space is inside.
type Frustum struct {
	Planes [6]Plane
}

// Frustum plane indices.
const (
	FrustumLeft = iota
	FrustumRight
	FrustumBottom
	FrustumTop
	FrustumNear
	FrustumFar
)

// FrustumFromMatrix extracts normalized frustum planes from a combined
// view-projection matrix using the Gribb/Hartmann method.
func FrustumFromMatrix(viewProj Mat4) Frustum {
	var f Frustum

	// Column-major: element (row, col) is at viewProj[col*4+row].
	row := func(r int) Vec4 {
		return Vec4{viewProj[0*4+r], viewProj[1*4+r], viewProj[2*4+r], viewProj[3*4+r]}
	}
	r0, r1, r2, r3 := row(0), row(1), row(2), row(3)

	set := func(i int, v Vec4) {
		f.Planes[i] = Plane{Normal: v.Vec3(), Distance: v.W}.Normalize()
	}

	set(FrustumLeft, r3.Add(r0))
	set(FrustumRight, r3.Add(r0.Scale(-1)))
	set(FrustumBottom, r3.Add(r1))
	set(FrustumTop, r3.Add(r1.Scale(-1)))
	set(FrustumNear, r3.Add(r2))
	set(FrustumFar, r3.Add(r2.Scale(-1)))

	return f
}

// IntersectsAABB reports whether an axis-aligned box touches the frustum.
// Uses the positive-vertex test: a box entirely behind any plane is outside.
// The test is conservative; boxes near plane corners may pass.
func (f Frustum) IntersectsAABB(min, max Vec3) bool {
	for _, p := range f.Planes {
		v := min
		if p.Normal.X >= 0 {
			v.X = max.X
		}
		if p.Normal.Y >= 0 {
			v.Y = max.Y
		}
		if p.Normal.Z >= 0 {
			v.Z = max.Z
		}
		if p.DistanceTo(v) < 0 {
			return false
		}
	}
	return true
}

// IntersectsSphere reports whether a sphere touches the frustum.
func (f Frustum) IntersectsSphere(center Vec3, radius float32) bool {
	for _, p := range f.Planes {
		if p.DistanceTo(center) < -radius {
			return false
		}
	}
	return true
}
