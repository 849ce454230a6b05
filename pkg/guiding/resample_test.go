package guiding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

func newTestResampler(tree *SpatialTree, buffer *PathBuffer) *Resampler {
	return &Resampler{
		Tree:              tree,
		Buffer:            buffer,
		SpatialFilter:     SpatialFilterNearest,
		DirectionalFilter: DirectionalFilterNearest,
		Loss:              LossNone,
		NeeMode:           NeeNever,
		RRDepth:           5,
		IsBuilt:           true,
	}
}

func storePath(buffer *PathBuffer, v PathVertex) {
	i := buffer.Grow(1)
	buffer.Set(i, PathRecord{
		Active:   true,
		Vertices: []PathVertex{v},
	})
}

func TestReweightUpdatesScaleCorrection(t *testing.T) {
	tree := unitTree()
	buffer := NewPathBuffer()
	r := newTestResampler(tree, buffer)

	// Fresh distributions evaluate to the uniform density, so the
	// replayed mixture density is known in closed form.
	newWoPdf := 0.5*0.3 + 0.5*invFourPi
	oldWoPdf := 2 * newWoPdf

	storePath(buffer, PathVertex{
		Origin:          core.NewVec3(0.5, 0.5, 0.5),
		Direction:       core.NewVec3(0, 0, 1),
		BsdfValue:       core.NewVec3(0.2, 0.2, 0.2),
		BsdfPdf:         0.3,
		WoPdf:           oldWoPdf,
		ScaleCorrection: 1,
	})

	r.Reweight(42)

	p := buffer.At(0)
	require.True(t, p.Active)
	require.InDelta(t, 0.5, p.Vertices[0].ScaleCorrection, 1e-12)
	require.InDelta(t, newWoPdf, p.Vertices[0].WoPdf, 1e-12)

	// The replayed vertex was committed to the building tree.
	require.Greater(t, tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).StatisticalWeightBuilding(), 0.0)
}

func TestReweightTerminatesVanishedDensityPath(t *testing.T) {
	tree := unitTree()
	buffer := NewPathBuffer()
	r := newTestResampler(tree, buffer)

	// A delta vertex replays at fraction times its lobe density, so a
	// near-zero stored lobe density drops the replayed density below
	// the termination threshold.
	storePath(buffer, PathVertex{
		Origin:          core.NewVec3(0.5, 0.5, 0.5),
		Direction:       core.NewVec3(0, 0, 1),
		BsdfValue:       core.NewVec3(0.2, 0.2, 0.2),
		BsdfPdf:         1e-6,
		WoPdf:           0.25,
		IsDelta:         true,
		ScaleCorrection: 1,
	})

	r.Reweight(42)

	p := buffer.At(0)
	require.False(t, p.Active)
	require.Nil(t, p.Vertices)
}

func TestReweightKeepsPathInFlooredRegion(t *testing.T) {
	tree := unitTree()
	buffer := NewPathBuffer()
	r := newTestResampler(tree, buffer)

	// Concentrate the sampling distribution away from the stored
	// direction. Building floors every quadrant's irradiance, so the
	// cold region keeps a small positive density and the path
	// survives with a heavily reduced weight.
	d := tree.Lookup(core.NewVec3(0.5, 0.5, 0.5))
	for i := 0; i < 100; i++ {
		d.Record(RadianceRecord{
			Direction:         CanonicalToDir(core.NewVec2(0.1, 0.1)),
			Radiance:          1,
			WoPdf:             invFourPi,
			StatisticalWeight: 1,
		}, DirectionalFilterNearest, LossNone)
	}
	d.Build(ReuseDiscard, false)

	storePath(buffer, PathVertex{
		Origin:          core.NewVec3(0.5, 0.5, 0.5),
		Direction:       CanonicalToDir(core.NewVec2(0.9, 0.9)),
		BsdfValue:       core.NewVec3(0.2, 0.2, 0.2),
		BsdfPdf:         0,
		WoPdf:           0.25,
		ScaleCorrection: 1,
	})

	r.Reweight(42)

	p := buffer.At(0)
	require.True(t, p.Active)
	require.GreaterOrEqual(t, p.Vertices[0].WoPdf, minPdf)
	require.Less(t, p.Vertices[0].WoPdf, invFourPi)
	require.Less(t, p.Vertices[0].ScaleCorrection, 0.01)
}

func TestRejectKeepsMatchingPath(t *testing.T) {
	tree := unitTree()
	buffer := NewPathBuffer()
	r := newTestResampler(tree, buffer)

	// Stored density equals the replayed density and the majorizing
	// bound is one, so the acceptance probability is exactly one.
	woPdf := 0.5*0.3 + 0.5*invFourPi
	storePath(buffer, PathVertex{
		Origin:          core.NewVec3(0.5, 0.5, 0.5),
		Direction:       core.NewVec3(0, 0, 1),
		BsdfValue:       core.NewVec3(0.2, 0.2, 0.2),
		BsdfPdf:         0.3,
		WoPdf:           woPdf,
		ScaleCorrection: 1,
	})

	r.Reject(42)

	p := buffer.At(0)
	require.True(t, p.Active)
	require.InDelta(t, 1.0, p.Vertices[0].ScaleCorrection, 1e-12)
}

func TestRejectDropsOverweightedPath(t *testing.T) {
	tree := unitTree()
	buffer := NewPathBuffer()
	r := newTestResampler(tree, buffer)

	newWoPdf := 0.5*0.3 + 0.5*invFourPi
	storePath(buffer, PathVertex{
		Origin:          core.NewVec3(0.5, 0.5, 0.5),
		Direction:       core.NewVec3(0, 0, 1),
		BsdfValue:       core.NewVec3(0.2, 0.2, 0.2),
		BsdfPdf:         0.3,
		WoPdf:           newWoPdf * 1e9,
		ScaleCorrection: 1,
	})

	r.Reject(42)
	require.False(t, buffer.At(0).Active)
}

func TestRejectReweightClampsUpwardScale(t *testing.T) {
	tree := unitTree()
	buffer := NewPathBuffer()
	r := newTestResampler(tree, buffer)

	// The replayed density exceeds the stored one; acceptance is
	// certain and the correction stays above one.
	newWoPdf := 0.5*0.3 + 0.5*invFourPi
	storePath(buffer, PathVertex{
		Origin:          core.NewVec3(0.5, 0.5, 0.5),
		Direction:       core.NewVec3(0, 0, 1),
		BsdfValue:       core.NewVec3(0.2, 0.2, 0.2),
		BsdfPdf:         0.3,
		WoPdf:           newWoPdf / 2,
		ScaleCorrection: 1,
	})

	r.RejectReweight(42)

	p := buffer.At(0)
	require.True(t, p.Active)
	require.InDelta(t, 2.0, p.Vertices[0].ScaleCorrection, 1e-12)
}

func TestAugmentAppliesMultiplier(t *testing.T) {
	tree := unitTree()
	buffer := NewPathBuffer()
	r := newTestResampler(tree, buffer)

	newWoPdf := 0.5*0.3 + 0.5*invFourPi
	storePath(buffer, PathVertex{
		Origin:          core.NewVec3(0.5, 0.5, 0.5),
		Direction:       core.NewVec3(0, 0, 1),
		BsdfValue:       core.NewVec3(0.2, 0.2, 0.2),
		BsdfPdf:         0.3,
		WoPdf:           newWoPdf,
		ScaleCorrection: 1,
	})

	// With no envelope budget owed the multiplier is one and the path
	// survives unchanged.
	r.Augment(buffer.Len(), 42)

	p := buffer.At(0)
	require.True(t, p.Active)
	require.InDelta(t, 1.0, p.Vertices[0].ScaleCorrection, 1e-12)
}

func TestUpdateRequiredSamplesCountsWeight(t *testing.T) {
	tree := unitTree()
	buffer := NewPathBuffer()
	r := newTestResampler(tree, buffer)

	storePath(buffer, PathVertex{
		Origin:          core.NewVec3(0.5, 0.5, 0.5),
		Direction:       core.NewVec3(0, 0, 1),
		BsdfValue:       core.NewVec3(0.2, 0.2, 0.2),
		BsdfPdf:         0.3,
		WoPdf:           0.25,
		ScaleCorrection: 1,
	})

	r.UpdateRequiredSamples(42, testSampler(1))

	// No envelope budget means no samples are owed.
	require.Equal(t, 1.0, tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).AugmentedMultiplier())
}

func TestTraceVertexCommitGuards(t *testing.T) {
	tree := unitTree()

	v := TraceVertex{
		Dist:       tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)),
		VoxelSize:  tree.AABB().Size(),
		Ray:        core.NewRay(core.NewVec3(0.5, 0.5, 0.5), core.NewVec3(0, 0, 1)),
		Throughput: core.NewVec3(1, 1, 1),
		BsdfValue:  core.NewVec3(0.5, 0.5, 0.5),
		Radiance:   core.NewVec3(1, 1, 1),
		WoPdf:      0,
	}
	v.Commit(tree, 1, SpatialFilterNearest, DirectionalFilterNearest, LossNone, testSampler(1))
	require.Equal(t, 0.0, tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).StatisticalWeightBuilding())

	v.WoPdf = 0.25
	v.Radiance = core.NewVec3(math.Inf(1), 0, 0)
	v.Commit(tree, 1, SpatialFilterNearest, DirectionalFilterNearest, LossNone, testSampler(1))
	require.Equal(t, 0.0, tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).StatisticalWeightBuilding())

	v.Radiance = core.NewVec3(1, 1, 1)
	v.Commit(tree, 1, SpatialFilterNearest, DirectionalFilterNearest, LossNone, testSampler(1))
	require.Greater(t, tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).StatisticalWeightBuilding(), 0.0)
}

func TestClampRR(t *testing.T) {
	require.Equal(t, 0.1, clampRR(0.01))
	require.Equal(t, 0.99, clampRR(5))
	require.Equal(t, 0.5, clampRR(0.5))
}
