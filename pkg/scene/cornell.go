package scene

import (
	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// NewCornellScene builds a Cornell-style box with a diffuse sphere, a
// mirror sphere and a spherical light near the ceiling. The box spans
// [0,1]^3 with the open side facing -z toward the camera.
func NewCornellScene() *Scene {
	s := NewScene()

	white := NewLambertian(core.NewVec3(0.73, 0.73, 0.73))
	red := NewLambertian(core.NewVec3(0.65, 0.05, 0.05))
	green := NewLambertian(core.NewVec3(0.12, 0.45, 0.15))

	// Floor, ceiling, back wall.
	s.Add(NewQuad(core.NewVec3(0, 0, 0), core.NewVec3(1, 0, 0), core.NewVec3(0, 0, 1), white))
	s.Add(NewQuad(core.NewVec3(0, 1, 0), core.NewVec3(0, 0, 1), core.NewVec3(1, 0, 0), white))
	s.Add(NewQuad(core.NewVec3(0, 0, 1), core.NewVec3(1, 0, 0), core.NewVec3(0, 1, 0), white))

	// Left and right walls.
	s.Add(NewQuad(core.NewVec3(0, 0, 0), core.NewVec3(0, 0, 1), core.NewVec3(0, 1, 0), red))
	s.Add(NewQuad(core.NewVec3(1, 0, 0), core.NewVec3(0, 1, 0), core.NewVec3(0, 0, 1), green))

	s.Add(NewSphere(core.NewVec3(0.3, 0.2, 0.6), 0.2, white))
	s.Add(NewSphere(core.NewVec3(0.72, 0.18, 0.35), 0.18, NewMirror(core.NewVec3(0.95, 0.95, 0.95))))

	s.Add(NewSphereLight(core.NewVec3(0.5, 0.92, 0.5), 0.06, core.NewVec3(18, 18, 18)))

	return s
}
