package core

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPowerHeuristic(t *testing.T) {
	require.Equal(t, 0.5, PowerHeuristic(1, 1))
	require.Equal(t, 1.0, PowerHeuristic(1, 0))
	require.Equal(t, 0.0, PowerHeuristic(0, 1))
	require.Equal(t, 0.0, PowerHeuristic(0, 0))
	require.InDelta(t, 4.0/5.0, PowerHeuristic(2, 1), 1e-12)
}

func TestSampleCosineHemisphereAboveSurface(t *testing.T) {
	sampler := NewRandomSampler(rand.New(rand.NewSource(42)))
	normal := NewVec3(0, 1, 0)

	for i := 0; i < 1000; i++ {
		dir := SampleCosineHemisphere(normal, sampler.Get2D())
		require.InDelta(t, 1.0, dir.Length(), 1e-9)
		require.Greater(t, dir.Dot(normal), 0.0)
	}
}

func TestSampleOnUnitSphereUniform(t *testing.T) {
	sampler := NewRandomSampler(rand.New(rand.NewSource(42)))

	posZ := 0
	const n = 10000
	for i := 0; i < n; i++ {
		dir := SampleOnUnitSphere(sampler.Get2D())
		require.InDelta(t, 1.0, dir.Length(), 1e-9)
		if dir.Z > 0 {
			posZ++
		}
	}
	require.InDelta(t, 0.5, float64(posZ)/n, 0.05)
}

func TestAABBExpandToCube(t *testing.T) {
	aabb := NewAABB(NewVec3(0, 0, 0), NewVec3(4, 1, 2)).ExpandToCube()
	size := aabb.Size()
	require.Equal(t, 4.0, size.X)
	require.Equal(t, 4.0, size.Y)
	require.Equal(t, 4.0, size.Z)
}

func TestAABBClip(t *testing.T) {
	aabb := NewAABB(NewVec3(0, 0, 0), NewVec3(1, 1, 1))
	require.Equal(t, NewVec3(0, 1, 0.5), aabb.Clip(NewVec3(-2, 3, 0.5)))
}

func TestAABBUnion(t *testing.T) {
	a := NewAABB(NewVec3(0, 0, 0), NewVec3(1, 1, 1))
	b := NewAABB(NewVec3(-1, 0.5, 0), NewVec3(0.5, 2, 1))
	u := a.Union(b)
	require.Equal(t, NewVec3(-1, 0, 0), u.Min)
	require.Equal(t, NewVec3(1, 2, 1), u.Max)
}

func TestAtomicFloat64(t *testing.T) {
	var a AtomicFloat64
	a.Store(1.5)
	require.Equal(t, 1.5, a.Load())
	a.Add(0.5)
	require.Equal(t, 2.0, a.Load())

	a.StoreMax(1.0)
	require.Equal(t, 2.0, a.Load())
	a.StoreMax(3.0)
	require.Equal(t, 3.0, a.Load())

	a.StoreMin(math.Inf(1))
	require.Equal(t, 3.0, a.Load())
	a.StoreMin(0.25)
	require.Equal(t, 0.25, a.Load())
}
