package scene

import (
	"math"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// LightSample is the result of direct light sampling at a shading point.
type LightSample struct {
	Direction core.Vec3
	Distance  float64
	Radiance  core.Vec3
	Pdf       float64
}

// Scene aggregates geometry, emitters and an optional constant
// environment.
type Scene struct {
	objects     []Object
	lights      []*Sphere
	bounds      core.AABB
	environment core.Vec3
}

// NewScene creates an empty scene.
func NewScene() *Scene {
	return &Scene{}
}

// Add inserts an object into the scene. Emissive spheres are also
// registered as light sources.
func (s *Scene) Add(obj Object) {
	s.objects = append(s.objects, obj)
	if sphere, ok := obj.(*Sphere); ok && !sphere.Emission.IsZero() {
		s.lights = append(s.lights, sphere)
	}
	if len(s.objects) == 1 {
		s.bounds = obj.Bounds()
	} else {
		s.bounds = s.bounds.Union(obj.Bounds())
	}
}

// SetEnvironment sets a constant radiance returned for escaping rays.
func (s *Scene) SetEnvironment(radiance core.Vec3) {
	s.environment = radiance
}

// Bounds returns the box enclosing all scene geometry.
func (s *Scene) Bounds() core.AABB {
	return s.bounds
}

// Environment returns the radiance arriving from infinity along dir.
func (s *Scene) Environment(dir core.Vec3) core.Vec3 {
	return s.environment
}

// HasEnvironment reports whether escaping rays carry radiance.
func (s *Scene) HasEnvironment() bool {
	return !s.environment.IsZero()
}

// Intersect finds the closest hit along the ray, if any.
func (s *Scene) Intersect(ray core.Ray, tMin, tMax float64) (*Hit, bool) {
	var closest *Hit
	closestT := tMax
	for _, obj := range s.objects {
		if hit, ok := obj.Hit(ray, tMin, closestT); ok {
			closest = hit
			closestT = hit.T
		}
	}
	return closest, closest != nil
}

// Occluded reports whether anything blocks the segment from origin
// along dir up to maxDist.
func (s *Scene) Occluded(origin, dir core.Vec3, maxDist float64) bool {
	ray := core.NewRay(origin, dir)
	_, hit := s.Intersect(ray, 1e-4, maxDist-1e-4)
	return hit
}

// SampleLightDirect samples a direction toward one of the scene's
// emitters from the given point. The returned pdf is with respect to
// solid angle and includes the uniform light selection probability.
// Returns false when the scene has no lights or the sample is occluded
// or below the horizon.
func (s *Scene) SampleLightDirect(point, normal core.Vec3, sampler core.Sampler) (LightSample, bool) {
	if len(s.lights) == 0 {
		return LightSample{}, false
	}

	pick := int(sampler.Get1D() * float64(len(s.lights)))
	if pick >= len(s.lights) {
		pick = len(s.lights) - 1
	}
	light := s.lights[pick]

	ls, ok := sampleSphereCone(light, point, sampler.Get2D())
	if !ok {
		return LightSample{}, false
	}
	ls.Pdf /= float64(len(s.lights))

	if ls.Direction.Dot(normal) <= 0 {
		return LightSample{}, false
	}
	if s.Occluded(point, ls.Direction, ls.Distance) {
		return LightSample{}, false
	}
	return ls, true
}

// PdfLightDirect returns the solid-angle density of SampleLightDirect
// producing dir from point, for weighting emitter hits found by BSDF
// sampling.
func (s *Scene) PdfLightDirect(point, dir core.Vec3) float64 {
	if len(s.lights) == 0 {
		return 0
	}
	pdf := 0.0
	for _, light := range s.lights {
		pdf += sphereConePdf(light, point, dir)
	}
	return pdf / float64(len(s.lights))
}

// sampleSphereCone samples a direction toward the sphere within the
// cone it subtends. Inside the sphere it falls back to uniform
// directions.
func sampleSphereCone(light *Sphere, point core.Vec3, sample core.Vec2) (LightSample, bool) {
	toCenter := light.Center.Subtract(point)
	distSq := toCenter.LengthSquared()
	dist := math.Sqrt(distSq)

	if dist <= light.Radius {
		dir := core.SampleOnUnitSphere(sample)
		return LightSample{
			Direction: dir,
			Distance:  light.Radius,
			Radiance:  light.Emission,
			Pdf:       1 / (4 * math.Pi * light.Radius * light.Radius),
		}, true
	}

	sinThetaMaxSq := light.Radius * light.Radius / distSq
	cosThetaMax := math.Sqrt(math.Max(0, 1-sinThetaMaxSq))

	cosTheta := 1 - sample.X*(1-cosThetaMax)
	sinTheta := math.Sqrt(math.Max(0, 1-cosTheta*cosTheta))
	phi := 2 * math.Pi * sample.Y

	w := toCenter.Multiply(1 / dist)
	var a core.Vec3
	if math.Abs(w.X) > 0.9 {
		a = core.NewVec3(0, 1, 0)
	} else {
		a = core.NewVec3(1, 0, 0)
	}
	u := w.Cross(a).Normalize()
	v := w.Cross(u)

	dir := u.Multiply(sinTheta * math.Cos(phi)).
		Add(v.Multiply(sinTheta * math.Sin(phi))).
		Add(w.Multiply(cosTheta))

	// Distance to the sphere surface along the sampled direction.
	hitDist := dist*cosTheta - math.Sqrt(math.Max(0, light.Radius*light.Radius-distSq*sinTheta*sinTheta))

	solidAngle := 2 * math.Pi * (1 - cosThetaMax)
	if solidAngle <= 0 {
		return LightSample{}, false
	}
	return LightSample{
		Direction: dir,
		Distance:  hitDist,
		Radiance:  light.Emission,
		Pdf:       1 / solidAngle,
	}, true
}

// sphereConePdf returns the solid-angle pdf of cone sampling the sphere
// along dir from point, zero when dir misses the sphere.
func sphereConePdf(light *Sphere, point, dir core.Vec3) float64 {
	ray := core.NewRay(point, dir)
	hit, ok := light.Hit(ray, 1e-4, math.Inf(1))
	if !ok || !hit.FrontFace {
		return 0
	}

	toCenter := light.Center.Subtract(point)
	distSq := toCenter.LengthSquared()
	if distSq <= light.Radius*light.Radius {
		return 1 / (4 * math.Pi * light.Radius * light.Radius)
	}

	sinThetaMaxSq := light.Radius * light.Radius / distSq
	cosThetaMax := math.Sqrt(math.Max(0, 1-sinThetaMaxSq))
	solidAngle := 2 * math.Pi * (1 - cosThetaMax)
	if solidAngle <= 0 {
		return 0
	}
	return 1 / solidAngle
}
