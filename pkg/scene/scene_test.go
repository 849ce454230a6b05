package scene

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

func TestSphereHit(t *testing.T) {
	sphere := NewSphere(core.NewVec3(0, 0, 2), 1, NewLambertian(core.NewVec3(0.5, 0.5, 0.5)))

	ray := core.NewRay(core.NewVec3(0, 0, 0), core.NewVec3(0, 0, 1))
	hit, ok := sphere.Hit(ray, 1e-4, math.Inf(1))
	require.True(t, ok)
	require.InDelta(t, 1.0, hit.T, 1e-9)
	require.True(t, hit.FrontFace)
	require.InDelta(t, -1.0, hit.Normal.Z, 1e-9)

	miss := core.NewRay(core.NewVec3(0, 2, 0), core.NewVec3(0, 0, 1))
	_, ok = sphere.Hit(miss, 1e-4, math.Inf(1))
	require.False(t, ok)
}

func TestSphereBackFaceSuppressesEmission(t *testing.T) {
	light := NewSphereLight(core.NewVec3(0, 0, 0), 1, core.NewVec3(5, 5, 5))

	// Ray starting inside the sphere hits the back face.
	ray := core.NewRay(core.NewVec3(0, 0, 0), core.NewVec3(0, 0, 1))
	hit, ok := light.Hit(ray, 1e-4, math.Inf(1))
	require.True(t, ok)
	require.False(t, hit.FrontFace)
	require.True(t, hit.Emission.IsZero())
}

func TestQuadHit(t *testing.T) {
	quad := NewQuad(core.NewVec3(0, 0, 1), core.NewVec3(1, 0, 0), core.NewVec3(0, 1, 0), NewLambertian(core.NewVec3(0.5, 0.5, 0.5)))

	hit, ok := quad.Hit(core.NewRay(core.NewVec3(0.5, 0.5, 0), core.NewVec3(0, 0, 1)), 1e-4, math.Inf(1))
	require.True(t, ok)
	require.InDelta(t, 1.0, hit.T, 1e-9)

	_, ok = quad.Hit(core.NewRay(core.NewVec3(1.5, 0.5, 0), core.NewVec3(0, 0, 1)), 1e-4, math.Inf(1))
	require.False(t, ok)

	// Parallel ray never hits.
	_, ok = quad.Hit(core.NewRay(core.NewVec3(0.5, 0.5, 0), core.NewVec3(1, 0, 0)), 1e-4, math.Inf(1))
	require.False(t, ok)
}

func TestLambertianSamplePdfConsistent(t *testing.T) {
	mat := NewLambertian(core.NewVec3(0.7, 0.6, 0.5))
	normal := core.NewVec3(0, 1, 0)
	wi := core.NewVec3(0, 1, 0)
	sampler := core.NewRandomSampler(rand.New(rand.NewSource(7)))

	for i := 0; i < 100; i++ {
		wo, weight, pdf, delta := mat.Sample(wi, normal, sampler.Get2D())
		require.False(t, delta)
		require.Greater(t, pdf, 0.0)
		require.InDelta(t, mat.Pdf(wi, wo, normal), pdf, 1e-12)

		// weight * pdf reproduces Eval.
		eval := mat.Eval(wi, wo, normal)
		require.InDelta(t, eval.X, weight.X*pdf, 1e-12)
	}
}

func TestSceneIntersectClosest(t *testing.T) {
	s := NewScene()
	s.Add(NewSphere(core.NewVec3(0, 0, 2), 0.5, NewLambertian(core.NewVec3(1, 1, 1))))
	s.Add(NewSphere(core.NewVec3(0, 0, 5), 0.5, NewLambertian(core.NewVec3(1, 1, 1))))

	hit, ok := s.Intersect(core.NewRay(core.NewVec3(0, 0, 0), core.NewVec3(0, 0, 1)), 1e-4, math.Inf(1))
	require.True(t, ok)
	require.InDelta(t, 1.5, hit.T, 1e-9)
}

func TestSampleLightDirect(t *testing.T) {
	s := NewScene()
	s.Add(NewQuad(core.NewVec3(-5, 0, -5), core.NewVec3(10, 0, 0), core.NewVec3(0, 0, 10), NewLambertian(core.NewVec3(0.5, 0.5, 0.5))))
	s.Add(NewSphereLight(core.NewVec3(0, 3, 0), 0.5, core.NewVec3(10, 10, 10)))

	point := core.NewVec3(0, 0.001, 0)
	normal := core.NewVec3(0, 1, 0)
	sampler := core.NewRandomSampler(rand.New(rand.NewSource(3)))

	found := 0
	for i := 0; i < 200; i++ {
		ls, ok := s.SampleLightDirect(point, normal, sampler)
		if !ok {
			continue
		}
		found++
		require.Greater(t, ls.Pdf, 0.0)
		require.Greater(t, ls.Direction.Dot(normal), 0.0)

		// Density of the sampled direction matches the analytic pdf.
		pdf := s.PdfLightDirect(point, ls.Direction)
		require.InDelta(t, ls.Pdf, pdf, 1e-9)
	}
	require.Greater(t, found, 100)
}

func TestPdfLightDirectMiss(t *testing.T) {
	s := NewScene()
	s.Add(NewSphereLight(core.NewVec3(0, 3, 0), 0.5, core.NewVec3(10, 10, 10)))

	pdf := s.PdfLightDirect(core.NewVec3(0, 0, 0), core.NewVec3(0, -1, 0))
	require.Equal(t, 0.0, pdf)
}

func TestCornellSceneHasLight(t *testing.T) {
	s := NewCornellScene()
	require.NotEmpty(t, s.lights)
	require.True(t, s.Bounds().IsValid())

	// A ray straight up from the box center reaches either the light
	// or the ceiling.
	hit, ok := s.Intersect(core.NewRay(core.NewVec3(0.5, 0.5, 0.5), core.NewVec3(0, 1, 0)), 1e-4, math.Inf(1))
	require.True(t, ok)
	require.Less(t, hit.T, 0.55)
}
