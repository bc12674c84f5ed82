package leveler

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

var (
	forward = mgl32.Vec3{0, 0, 1}
	up      = mgl32.Vec3{0, 1, 0}
)

const flatEps = 1e-4

// Level returns the rotation with pitch and roll cleared and the heading of q
// kept. The world is Y-up; heading is measured from +Z towards +X.
//
// A vessel pointing straight up or down has no horizontal forward vector. Its
// heading is then taken from the roof: a nose-up vessel's roof faces backwards,
// a nose-down vessel's roof faces forwards.
func Level(q mgl32.Quat) mgl32.Quat {
	q = q.Normalize()
	h := q.Rotate(forward)
	if math.Hypot(float64(h.X()), float64(h.Z())) < flatEps {
		roof := q.Rotate(up)
		if h.Y() > 0 {
			roof = roof.Mul(-1)
		}
		h = roof
	}
	return mgl32.QuatRotate(Heading(h), up)
}

// Heading is the yaw angle in radians of the horizontal projection of v.
func Heading(v mgl32.Vec3) float32 {
	return float32(math.Atan2(float64(v.X()), float64(v.Z())))
}
