package renderer

import (
	stdmath "math"

	"github.com/Faultbox/terrastream/pkg/math"
)

// Camera describes the terrain viewpoint. Direction is a unit vector;
// callers mutate Position/Direction between frames and the renderer
// derives matrices from the current values.
type Camera struct {
	Position  math.Vec3
	Direction math.Vec3
	Up        math.Vec3

	FOV       float32 // vertical, degrees
	NearPlane float32
	FarPlane  float32
	Aspect    float32
}

// DefaultCamera returns a camera looking down the negative Z axis from
// a modest elevation.
func DefaultCamera() Camera {
	return Camera{
		Position:  math.Vec3{X: 0, Y: 100, Z: 0},
		Direction: math.Vec3{X: 0, Y: -0.3, Z: -1}.Normalize(),
		Up:        math.Vec3{X: 0, Y: 1, Z: 0},
		FOV:       45,
		NearPlane: 0.1,
		FarPlane:  10000,
		Aspect:    16.0 / 9.0,
	}
}

// ViewMatrix builds the world-to-view transform.
func (c Camera) ViewMatrix() math.Mat4 {
	return math.LookAt(c.Position, c.Position.Add(c.Direction), c.Up)
}

// ProjectionMatrix builds the view-to-clip transform.
func (c Camera) ProjectionMatrix() math.Mat4 {
	fovRad := c.FOV * float32(stdmath.Pi) / 180
	return math.Perspective(fovRad, c.Aspect, c.NearPlane, c.FarPlane)
}

// ViewProjection is ProjectionMatrix * ViewMatrix.
func (c Camera) ViewProjection() math.Mat4 {
	return c.ProjectionMatrix().Mul(c.ViewMatrix())
}

// LookAt points the camera at target without changing position.
func (c *Camera) LookAt(target math.Vec3) {
	dir := target.Sub(c.Position)
	if dir.Length() > 0 {
		c.Direction = dir.Normalize()
	}
}

// Rotate turns the camera by yaw radians around the world up axis and
// pitch radians around the camera's right axis.
func (c *Camera) Rotate(yaw, pitch float32) {
	right := c.Direction.Cross(c.Up).Normalize()
	rot := math.QuatFromAxisAngle(c.Up, yaw).Mul(math.QuatFromAxisAngle(right, pitch)).Normalize()
	c.Direction = rot.ToMat4().TransformVec3(c.Direction).Normalize()
}

// Frustum extracts the six view-frustum planes for the current pose.
func (c Camera) Frustum() math.Frustum {
	return math.FrustumFromMatrix(c.ViewProjection())
}
