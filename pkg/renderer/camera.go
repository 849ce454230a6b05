package renderer

import (
	"math"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// Camera generates primary rays from a look-at description.
type Camera struct {
	origin          core.Vec3
	lowerLeftCorner core.Vec3
	horizontal      core.Vec3
	vertical        core.Vec3
	u, v, w         core.Vec3
}

// NewCamera creates a pinhole camera. vfov is the vertical field of
// view in degrees.
func NewCamera(lookFrom, lookAt, vup core.Vec3, vfov, aspectRatio float64) *Camera {
	theta := vfov * math.Pi / 180
	h := math.Tan(theta / 2)
	viewportHeight := 2 * h
	viewportWidth := aspectRatio * viewportHeight

	w := lookFrom.Subtract(lookAt).Normalize()
	u := vup.Cross(w).Normalize()
	v := w.Cross(u)

	horizontal := u.Multiply(viewportWidth)
	vertical := v.Multiply(viewportHeight)
	lowerLeftCorner := lookFrom.
		Subtract(horizontal.Multiply(0.5)).
		Subtract(vertical.Multiply(0.5)).
		Subtract(w)

	return &Camera{
		origin:          lookFrom,
		lowerLeftCorner: lowerLeftCorner,
		horizontal:      horizontal,
		vertical:        vertical,
		u:               u,
		v:               v,
		w:               w,
	}
}

// GetRay generates a ray for screen coordinates (s, t) where 0 <= s,t <= 1.
func (c *Camera) GetRay(s, t float64) core.Ray {
	direction := c.lowerLeftCorner.
		Add(c.horizontal.Multiply(s)).
		Add(c.vertical.Multiply(t)).
		Subtract(c.origin).
		Normalize()

	return core.NewRay(c.origin, direction)
}

// Matrix returns the column-major camera-to-world transform, as written
// into guiding tree dumps.
func (c *Camera) Matrix() [16]float32 {
	return [16]float32{
		float32(c.u.X), float32(c.u.Y), float32(c.u.Z), 0,
		float32(c.v.X), float32(c.v.Y), float32(c.v.Z), 0,
		float32(c.w.X), float32(c.w.Y), float32(c.w.Z), 0,
		float32(c.origin.X), float32(c.origin.Y), float32(c.origin.Z), 1,
	}
}
