package guiding

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

func testSampler(seed int64) *core.RandomSampler {
	return core.NewRandomSampler(rand.New(rand.NewSource(seed)))
}

func TestCanonicalMapRoundTrip(t *testing.T) {
	sampler := testSampler(1)
	for i := 0; i < 100; i++ {
		dir := core.SampleOnUnitSphere(sampler.Get2D())
		back := CanonicalToDir(DirToCanonical(dir))
		require.InDelta(t, dir.X, back.X, 1e-9)
		require.InDelta(t, dir.Y, back.Y, 1e-9)
		require.InDelta(t, dir.Z, back.Z, 1e-9)
	}
}

func TestCanonicalMapNonFinite(t *testing.T) {
	p := DirToCanonical(core.NewVec3(math.NaN(), 0, 0))
	require.Equal(t, 0.0, p.X)
	require.Equal(t, 0.0, p.Y)
}

func TestCanonicalMapRange(t *testing.T) {
	sampler := testSampler(2)
	for i := 0; i < 100; i++ {
		p := DirToCanonical(core.SampleOnUnitSphere(sampler.Get2D()))
		require.GreaterOrEqual(t, p.X, 0.0)
		require.Less(t, p.X, 1.0)
		require.GreaterOrEqual(t, p.Y, 0.0)
		require.Less(t, p.Y, 1.0)
	}
}

// A tree fed uniformly distributed records stays close to the uniform
// density over the sphere.
func TestFlatTreePdfIsUniform(t *testing.T) {
	tree := NewDirTree()
	sampler := testSampler(3)
	for i := 0; i < 4000; i++ {
		tree.RecordIrradiance(sampler.Get2D(), 1, 1, DirectionalFilterNearest)
	}
	tree.Build()

	require.InDelta(t, 4000.0, tree.StatisticalWeight(), 1e-9)
	for i := 0; i < 100; i++ {
		pdf := tree.Pdf(sampler.Get2D(), -1)
		require.InDelta(t, invFourPi, pdf, invFourPi*0.25)
	}
}

func TestEmptyTreePdfIsUniform(t *testing.T) {
	tree := NewDirTree()
	require.InDelta(t, invFourPi, tree.Pdf(core.NewVec2(0.3, 0.7), -1), 1e-12)
}

func TestEmptyTreeSampleIsUniform(t *testing.T) {
	tree := NewDirTree()
	sampler := testSampler(4)
	for i := 0; i < 100; i++ {
		p := tree.Sample(sampler)
		require.GreaterOrEqual(t, p.X, 0.0)
		require.Less(t, p.X, 1.0)
		require.GreaterOrEqual(t, p.Y, 0.0)
		require.Less(t, p.Y, 1.0)
	}
}

// hotTree returns a built tree whose energy concentrates near the given
// canonical position, refined through one reset cycle so the quadtree
// actually has resolution there.
func hotTree(t *testing.T, hot core.Vec2) *DirTree {
	t.Helper()

	warm := NewDirTree()
	sampler := testSampler(5)
	for i := 0; i < 2000; i++ {
		p := core.NewVec2(hot.X+0.05*sampler.Get1D(), hot.Y+0.05*sampler.Get1D())
		warm.RecordIrradiance(p, 10, 1, DirectionalFilterNearest)
	}
	warm.Build()

	refined := NewDirTree()
	refined.Reset(warm, 20, 0.01)
	for i := 0; i < 2000; i++ {
		p := core.NewVec2(hot.X+0.05*sampler.Get1D(), hot.Y+0.05*sampler.Get1D())
		refined.RecordIrradiance(p, 10, 1, DirectionalFilterNearest)
	}
	refined.Build()
	return refined
}

func TestSampleFollowsDensity(t *testing.T) {
	tree := hotTree(t, core.NewVec2(0.1, 0.1))
	sampler := testSampler(6)

	inHotQuadrant := 0
	for i := 0; i < 1000; i++ {
		p := tree.Sample(sampler)
		if p.X < 0.5 && p.Y < 0.5 {
			inHotQuadrant++
		}
	}
	require.Greater(t, inHotQuadrant, 900)
}

func TestPdfIntegratesToOne(t *testing.T) {
	tree := hotTree(t, core.NewVec2(0.1, 0.1))
	sampler := testSampler(7)

	// Monte-Carlo integral of the density over the sphere: canonical
	// space is area-preserving up to the constant 4 pi.
	sum := 0.0
	const n = 200000
	for i := 0; i < n; i++ {
		sum += tree.Pdf(sampler.Get2D(), -1)
	}
	integral := sum / n * 4 * math.Pi
	require.InDelta(t, 1.0, integral, 0.05)
}

func TestPdfZeroInEmptyRegion(t *testing.T) {
	tree := hotTree(t, core.NewVec2(0.1, 0.1))
	require.Equal(t, 0.0, tree.Pdf(core.NewVec2(0.9, 0.9), -1))
}

func TestResetRefinesWhereEnergyIs(t *testing.T) {
	warm := hotTree(t, core.NewVec2(0.1, 0.1))

	fresh := NewDirTree()
	fresh.Reset(warm, 20, 0.01)

	require.Greater(t, fresh.DepthAt(core.NewVec2(0.1, 0.1)), fresh.DepthAt(core.NewVec2(0.9, 0.9)))
	require.Equal(t, 0.0, fresh.TotalEnergy())
	require.Equal(t, 0.0, fresh.StatisticalWeight())
}

func TestResetEmptyTreeGetsInitialResolution(t *testing.T) {
	fresh := NewDirTree()
	fresh.Reset(NewDirTree(), 20, 0.01)

	require.GreaterOrEqual(t, fresh.Depth(), 3)
	require.LessOrEqual(t, fresh.Depth(), 5)
}

func TestResetHitsNodeCap(t *testing.T) {
	fresh := NewDirTree()
	fresh.Reset(NewDirTree(), 20, 0)

	require.LessOrEqual(t, fresh.NumNodes(), maxQuadNodes+4)
	require.Greater(t, fresh.NumNodes(), 10000)
}

func TestMajorizingFactorBoundsDensityRatio(t *testing.T) {
	flat := NewDirTree()
	sampler := testSampler(8)
	for i := 0; i < 4000; i++ {
		flat.RecordIrradiance(sampler.Get2D(), 1, 1, DirectionalFilterNearest)
	}
	flat.Build()

	peaked := hotTree(t, core.NewVec2(0.1, 0.1))

	pSelf, pOther := flat.GetMajorizingFactor(peaked)
	require.Greater(t, pSelf, 0.0)
	require.Greater(t, pOther, 0.0)

	bound := pOther / pSelf
	for i := 0; i < 2000; i++ {
		p := sampler.Get2D()
		ratio := peaked.Pdf(p, -1) / math.Max(flat.Pdf(p, -1), minPdf)
		require.LessOrEqual(t, ratio, bound*(1+1e-9))
	}
}

func TestMajorizingFactorIdenticalTrees(t *testing.T) {
	tree := hotTree(t, core.NewVec2(0.1, 0.1))
	pSelf, pOther := tree.GetMajorizingFactor(tree.Clone())
	require.InDelta(t, pSelf, pOther, 1e-12)
}

func TestBuildAugmentedIdenticalTreesIsEmpty(t *testing.T) {
	tree := hotTree(t, core.NewVec2(0.1, 0.1))
	envelope := NewDirTree()

	budget := envelope.BuildAugmented(tree.Clone(), tree)
	require.Equal(t, 0.0, budget)
	require.Equal(t, 1, envelope.NumNodes())
}

// twoSpotTree builds a refined tree with energy wA near canonical
// (0.1, 0.1) and wB near (0.9, 0.9), so two such trees share topology
// at both corners while their densities differ.
func twoSpotTree(t *testing.T, wA, wB float64) *DirTree {
	t.Helper()

	record := func(tree *DirTree, sampler *core.RandomSampler) {
		for i := 0; i < 2000; i++ {
			pA := core.NewVec2(0.1+0.05*sampler.Get1D(), 0.1+0.05*sampler.Get1D())
			tree.RecordIrradiance(pA, wA, 1, DirectionalFilterNearest)
			pB := core.NewVec2(0.9+0.05*sampler.Get1D(), 0.9+0.05*sampler.Get1D())
			tree.RecordIrradiance(pB, wB, 1, DirectionalFilterNearest)
		}
	}

	warm := NewDirTree()
	record(warm, testSampler(5))
	warm.Build()

	refined := NewDirTree()
	refined.Reset(warm, 20, 0.01)
	record(refined, testSampler(5))
	refined.Build()
	return refined
}

func TestBuildAugmentedCoversGainedEnergy(t *testing.T) {
	oldTree := twoSpotTree(t, 10, 1)
	newTree := twoSpotTree(t, 1, 10)
	envelope := NewDirTree()

	budget := envelope.BuildAugmented(oldTree, newTree)
	require.Greater(t, budget, 0.0)
	require.Greater(t, envelope.NumNodes(), 1)

	// The envelope concentrates where the new distribution gained
	// density relative to the old one.
	gained := envelope.Pdf(core.NewVec2(0.9, 0.9), -1)
	lost := envelope.Pdf(core.NewVec2(0.1, 0.1), -1)
	require.Greater(t, gained, lost)
}

func TestBuildUnmajorizedAugmentedIdenticalTrees(t *testing.T) {
	tree := hotTree(t, core.NewVec2(0.1, 0.1))
	envelope := NewDirTree()

	integral := envelope.BuildUnmajorizedAugmented(tree.Clone(), tree)
	require.InDelta(t, 0.0, integral, 1e-9)
}

func TestBlendAddsScaledEnergy(t *testing.T) {
	a := NewDirTree()
	a.RecordIrradiance(core.NewVec2(0.2, 0.2), 8, 1, DirectionalFilterNearest)
	a.Build()

	b := NewDirTree()
	b.RecordIrradiance(core.NewVec2(0.2, 0.2), 4, 1, DirectionalFilterNearest)
	b.Build()

	before := a.Node(0).Sum(0)
	a.Blend(b, 0.5)
	require.InDelta(t, before+0.5*b.Node(0).Sum(0), a.Node(0).Sum(0), 1e-9)
}

func TestCloneIsIndependent(t *testing.T) {
	tree := hotTree(t, core.NewVec2(0.1, 0.1))
	clone := tree.Clone()

	tree.RecordIrradiance(core.NewVec2(0.9, 0.9), 100, 1, DirectionalFilterNearest)
	tree.Build()

	require.Equal(t, 0.0, clone.Pdf(core.NewVec2(0.9, 0.9), -1))
}

func TestMean(t *testing.T) {
	tree := NewDirTree()
	require.Equal(t, 0.0, tree.Mean())

	tree.RecordIrradiance(core.NewVec2(0.3, 0.3), 2, 1, DirectionalFilterNearest)
	tree.Build()
	require.InDelta(t, 2*invFourPi, tree.Mean(), 1e-12)
}
