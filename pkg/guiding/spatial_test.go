package guiding

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

func unitTree() *SpatialTree {
	return NewSpatialTree(core.NewAABB(core.NewVec3(0, 0, 0), core.NewVec3(1, 1, 1)))
}

func TestSpatialTreeExpandsToCube(t *testing.T) {
	tree := NewSpatialTree(core.NewAABB(core.NewVec3(0, 0, 0), core.NewVec3(4, 1, 2)))
	size := tree.AABB().Size()
	require.InDelta(t, size.X, size.Y, 1e-12)
	require.InDelta(t, size.X, size.Z, 1e-12)
	require.InDelta(t, 4.0, size.X, 1e-12)
}

func TestSubdivide(t *testing.T) {
	tree := unitTree()
	require.Equal(t, 1, tree.NumNodes())

	tree.Subdivide(3)
	require.Equal(t, 15, tree.NumNodes())

	// Opposite corners land in different leaves.
	a := tree.Lookup(core.NewVec3(0.1, 0.1, 0.1))
	b := tree.Lookup(core.NewVec3(0.9, 0.9, 0.9))
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotSame(t, a, b)
}

func TestRefineSplitsHeavyLeaf(t *testing.T) {
	tree := unitTree()
	tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).SetStatisticalWeightBuilding(20000)

	tree.Refine(12000, -1, false)
	require.Equal(t, 3, tree.NumNodes())

	// The split halves the statistical weight on each side.
	left := tree.Lookup(core.NewVec3(0.25, 0.5, 0.5))
	right := tree.Lookup(core.NewVec3(0.75, 0.5, 0.5))
	require.NotSame(t, left, right)
	require.InDelta(t, 10000.0, left.StatisticalWeightBuilding(), 1e-9)
	require.InDelta(t, 10000.0, right.StatisticalWeightBuilding(), 1e-9)
}

func TestRefineLeavesLightLeafAlone(t *testing.T) {
	tree := unitTree()
	tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).SetStatisticalWeightBuilding(100)

	tree.Refine(12000, -1, false)
	require.Equal(t, 1, tree.NumNodes())
}

func TestRefineStaticTreeNeverSplits(t *testing.T) {
	tree := unitTree()
	tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).SetStatisticalWeightBuilding(1e9)

	tree.Refine(12000, -1, true)
	require.Equal(t, 1, tree.NumNodes())
}

func TestLookupWithSizeShrinksWithDepth(t *testing.T) {
	tree := unitTree()
	_, coarse := tree.LookupWithSize(core.NewVec3(0.1, 0.1, 0.1))

	tree.Subdivide(3)
	_, fine := tree.LookupWithSize(core.NewVec3(0.1, 0.1, 0.1))
	require.Less(t, fine.X*fine.Y*fine.Z, coarse.X*coarse.Y*coarse.Z)
}

func TestRecordNearestFilter(t *testing.T) {
	tree := unitTree()
	tree.Subdivide(2)

	rec := RadianceRecord{
		Direction:         core.NewVec3(0, 0, 1),
		Radiance:          1,
		WoPdf:             invFourPi,
		StatisticalWeight: 1,
	}
	p := core.NewVec3(0.2, 0.2, 0.2)
	_, voxel := tree.LookupWithSize(p)
	tree.Record(p, voxel, rec, SpatialFilterNearest, DirectionalFilterNearest, LossNone, testSampler(1))

	require.Greater(t, tree.Lookup(p).StatisticalWeightBuilding(), 0.0)
}

func TestRecordBoxFilterSpreadsWeight(t *testing.T) {
	tree := unitTree()
	tree.Subdivide(3)

	rec := RadianceRecord{
		Direction:         core.NewVec3(0, 0, 1),
		Radiance:          1,
		WoPdf:             invFourPi,
		StatisticalWeight: 1,
	}
	// A point on the center plane splats into neighbors on both sides.
	p := core.NewVec3(0.5, 0.5, 0.5)
	_, voxel := tree.LookupWithSize(p)
	tree.Record(p, voxel, rec, SpatialFilterBox, DirectionalFilterNearest, LossNone, testSampler(2))

	touched := 0
	tree.ForEachLeaf(func(d *DistributionSet) {
		if d.StatisticalWeightBuilding() > 0 {
			touched++
		}
	})
	require.Greater(t, touched, 1)
}

func TestRecordStochasticBoxStaysInBounds(t *testing.T) {
	tree := unitTree()
	tree.Subdivide(3)

	rec := RadianceRecord{
		Direction:         core.NewVec3(0, 0, 1),
		Radiance:          1,
		WoPdf:             invFourPi,
		StatisticalWeight: 1,
	}
	sampler := testSampler(3)
	for i := 0; i < 100; i++ {
		p := core.NewVec3(0.01, 0.5, 0.99)
		_, voxel := tree.LookupWithSize(p)
		tree.Record(p, voxel, rec, SpatialFilterStochasticBox, DirectionalFilterNearest, LossNone, sampler)
	}

	total := 0.0
	tree.ForEachLeaf(func(d *DistributionSet) {
		total += d.StatisticalWeightBuilding()
	})
	require.InDelta(t, 100.0, total, 1e-9)
}

func TestForEachLeafParallelVisitsAll(t *testing.T) {
	tree := unitTree()
	tree.Subdivide(4)

	count := make(chan int, 64)
	tree.ForEachLeafParallel(func(d *DistributionSet) {
		count <- 1
	})
	close(count)

	visited := 0
	for range count {
		visited++
	}
	require.Equal(t, 16, visited)
}

func TestRefineRespectsMemoryCap(t *testing.T) {
	tree := unitTree()
	tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).SetStatisticalWeightBuilding(1e12)

	// A zero-MB cap blocks any further subdivision.
	tree.Refine(1, 0, false)
	require.Equal(t, 1, tree.NumNodes())
}
