package scene

import (
	"math"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// Material describes how a surface scatters light. All directions point
// away from the surface point; Eval and Pdf include the cosine term of
// the outgoing direction.
type Material interface {
	// Sample draws an outgoing direction. The returned weight is the
	// BSDF times cosine over the pdf, ready to multiply into the path
	// throughput.
	Sample(wi, normal core.Vec3, sample core.Vec2) (wo core.Vec3, weight core.Vec3, pdf float64, delta bool)

	// Eval returns the BSDF times the outgoing cosine for a given pair
	// of directions. Zero for delta materials.
	Eval(wi, wo, normal core.Vec3) core.Vec3

	// Pdf returns the density of Sample producing wo. Zero for delta
	// materials.
	Pdf(wi, wo, normal core.Vec3) float64

	// IsDelta reports whether the material scatters into a single
	// direction only.
	IsDelta() bool
}

// Lambertian is a perfectly diffuse reflector.
type Lambertian struct {
	Albedo core.Vec3
}

// NewLambertian creates a diffuse material with the given albedo.
func NewLambertian(albedo core.Vec3) *Lambertian {
	return &Lambertian{Albedo: albedo}
}

// Sample draws a cosine-weighted direction on the hemisphere around the
// normal.
func (l *Lambertian) Sample(wi, normal core.Vec3, sample core.Vec2) (core.Vec3, core.Vec3, float64, bool) {
	wo := core.SampleCosineHemisphere(normal, sample)
	cosTheta := wo.Dot(normal)
	if cosTheta <= 0 {
		return wo, core.Vec3{}, 0, false
	}
	return wo, l.Albedo, cosTheta / math.Pi, false
}

func (l *Lambertian) Eval(wi, wo, normal core.Vec3) core.Vec3 {
	cosTheta := wo.Dot(normal)
	if cosTheta <= 0 || wi.Dot(normal) <= 0 {
		return core.Vec3{}
	}
	return l.Albedo.Multiply(cosTheta / math.Pi)
}

func (l *Lambertian) Pdf(wi, wo, normal core.Vec3) float64 {
	cosTheta := wo.Dot(normal)
	if cosTheta <= 0 || wi.Dot(normal) <= 0 {
		return 0
	}
	return cosTheta / math.Pi
}

func (l *Lambertian) IsDelta() bool { return false }

// Mirror is a perfect specular reflector.
type Mirror struct {
	Albedo core.Vec3
}

// NewMirror creates a specular material with the given reflectance.
func NewMirror(albedo core.Vec3) *Mirror {
	return &Mirror{Albedo: albedo}
}

// Sample reflects wi about the normal.
func (m *Mirror) Sample(wi, normal core.Vec3, sample core.Vec2) (core.Vec3, core.Vec3, float64, bool) {
	wo := normal.Multiply(2 * wi.Dot(normal)).Subtract(wi)
	return wo, m.Albedo, 1, true
}

func (m *Mirror) Eval(wi, wo, normal core.Vec3) core.Vec3 { return core.Vec3{} }

func (m *Mirror) Pdf(wi, wo, normal core.Vec3) float64 { return 0 }

func (m *Mirror) IsDelta() bool { return true }
