package scene

import (
	"math"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// Hit records an intersection between a ray and a surface.
type Hit struct {
	T         float64
	Point     core.Vec3
	Normal    core.Vec3
	FrontFace bool
	Material  Material
	Emission  core.Vec3
}

func (h *Hit) setFaceNormal(ray core.Ray, outwardNormal core.Vec3) {
	h.FrontFace = ray.Direction.Dot(outwardNormal) < 0
	if h.FrontFace {
		h.Normal = outwardNormal
	} else {
		h.Normal = outwardNormal.Negate()
	}
}

// Object is anything a ray can intersect.
type Object interface {
	Hit(ray core.Ray, tMin, tMax float64) (*Hit, bool)
	Bounds() core.AABB
}

// Sphere is a sphere primitive, optionally emissive.
type Sphere struct {
	Center   core.Vec3
	Radius   float64
	Material Material
	Emission core.Vec3
}

// NewSphere creates a sphere with the given material.
func NewSphere(center core.Vec3, radius float64, material Material) *Sphere {
	return &Sphere{Center: center, Radius: radius, Material: material}
}

// NewSphereLight creates an emissive sphere.
func NewSphereLight(center core.Vec3, radius float64, emission core.Vec3) *Sphere {
	return &Sphere{Center: center, Radius: radius, Emission: emission}
}

// Hit tests ray-sphere intersection in the interval (tMin, tMax).
func (s *Sphere) Hit(ray core.Ray, tMin, tMax float64) (*Hit, bool) {
	oc := ray.Origin.Subtract(s.Center)
	a := ray.Direction.LengthSquared()
	halfB := oc.Dot(ray.Direction)
	c := oc.LengthSquared() - s.Radius*s.Radius

	discriminant := halfB*halfB - a*c
	if discriminant < 0 {
		return nil, false
	}

	sqrtD := math.Sqrt(discriminant)
	root := (-halfB - sqrtD) / a
	if root <= tMin || root >= tMax {
		root = (-halfB + sqrtD) / a
		if root <= tMin || root >= tMax {
			return nil, false
		}
	}

	hit := &Hit{T: root, Point: ray.At(root), Material: s.Material, Emission: s.Emission}
	outwardNormal := hit.Point.Subtract(s.Center).Multiply(1 / s.Radius)
	hit.setFaceNormal(ray, outwardNormal)
	if !hit.FrontFace {
		hit.Emission = core.Vec3{}
	}
	return hit, true
}

// Bounds returns the axis-aligned box enclosing the sphere.
func (s *Sphere) Bounds() core.AABB {
	r := core.NewVec3(s.Radius, s.Radius, s.Radius)
	return core.NewAABB(s.Center.Subtract(r), s.Center.Add(r))
}

// Quad is a parallelogram spanned by two edge vectors from a corner.
type Quad struct {
	Corner   core.Vec3
	U, V     core.Vec3
	Material Material
	Emission core.Vec3

	normal core.Vec3
	d      float64
	w      core.Vec3
}

// NewQuad creates a parallelogram with corner point and edge vectors u, v.
func NewQuad(corner, u, v core.Vec3, material Material) *Quad {
	q := &Quad{Corner: corner, U: u, V: v, Material: material}
	n := u.Cross(v)
	q.normal = n.Normalize()
	q.d = q.normal.Dot(corner)
	q.w = n.Multiply(1 / n.Dot(n))
	return q
}

// Hit tests ray-quad intersection in the interval (tMin, tMax).
func (q *Quad) Hit(ray core.Ray, tMin, tMax float64) (*Hit, bool) {
	denom := q.normal.Dot(ray.Direction)
	if math.Abs(denom) < 1e-12 {
		return nil, false
	}

	t := (q.d - q.normal.Dot(ray.Origin)) / denom
	if t <= tMin || t >= tMax {
		return nil, false
	}

	point := ray.At(t)
	planar := point.Subtract(q.Corner)
	alpha := q.w.Dot(planar.Cross(q.V))
	beta := q.w.Dot(q.U.Cross(planar))
	if alpha < 0 || alpha > 1 || beta < 0 || beta > 1 {
		return nil, false
	}

	hit := &Hit{T: t, Point: point, Material: q.Material, Emission: q.Emission}
	hit.setFaceNormal(ray, q.normal)
	if !hit.FrontFace {
		hit.Emission = core.Vec3{}
	}
	return hit, true
}

// Bounds returns the axis-aligned box enclosing the quad, padded so
// axis-aligned quads still have volume.
func (q *Quad) Bounds() core.AABB {
	bounds := core.NewAABBFromPoints(
		q.Corner,
		q.Corner.Add(q.U),
		q.Corner.Add(q.V),
		q.Corner.Add(q.U).Add(q.V),
	)
	const pad = 1e-4
	return core.NewAABB(
		bounds.Min.Subtract(core.NewVec3(pad, pad, pad)),
		bounds.Max.Add(core.NewVec3(pad, pad, pad)),
	)
}
