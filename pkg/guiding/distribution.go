package guiding

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// RadianceRecord carries one radiance estimate to be deposited into a
// distribution, together with the densities under which it was drawn.
type RadianceRecord struct {
	Direction         core.Vec3
	Radiance          float64
	Product           float64
	WoPdf             float64
	BsdfPdf           float64
	TreePdf           float64
	StatisticalWeight float64
	IsDelta           bool
}

// DistributionSet holds the directional distributions of one spatial
// leaf across the iteration cycle: the tree currently accumulating
// statistics, the tree being sampled, the previous iteration's sampling
// tree, and the envelope tree used for sample augmentation. It also
// owns the learned fraction of BSDF samples in the guiding mixture.
type DistributionSet struct {
	building *DirTree
	sampling *DirTree
	previous *DirTree
	envelope *DirTree

	currentSamples          atomic.Uint64
	requiredSamples         uint64
	weightedPreviousSamples core.AtomicFloat64
	envelopeBudget          float64

	rejPdfSelf  float64
	rejPdfOther float64

	minNonZero core.AtomicFloat64

	optimizer AdamOptimizer
	mu        sync.Mutex
}

// NewDistributionSet returns a set of empty distributions.
func NewDistributionSet() *DistributionSet {
	d := &DistributionSet{
		building:    NewDirTree(),
		sampling:    NewDirTree(),
		previous:    NewDirTree(),
		envelope:    NewDirTree(),
		rejPdfSelf:  1,
		rejPdfOther: 1,
		optimizer:   NewAdamOptimizer(DefaultAdamConfig()),
	}
	d.minNonZero.Store(math.MaxFloat64)
	return d
}

// Clone returns a deep copy of the set. The optimizer state is copied;
// pending counters carry over.
func (d *DistributionSet) Clone() *DistributionSet {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := &DistributionSet{
		building:        d.building.Clone(),
		sampling:        d.sampling.Clone(),
		previous:        d.previous.Clone(),
		envelope:        d.envelope.Clone(),
		requiredSamples: d.requiredSamples,
		envelopeBudget:  d.envelopeBudget,
		rejPdfSelf:      d.rejPdfSelf,
		rejPdfOther:     d.rejPdfOther,
		optimizer:       d.optimizer,
	}
	c.currentSamples.Store(d.currentSamples.Load())
	c.weightedPreviousSamples.Store(d.weightedPreviousSamples.Load())
	c.minNonZero.Store(d.minNonZero.Load())
	return c
}

// Record deposits a radiance estimate into the building tree and, when
// a loss is configured, takes a gradient step on the sampling fraction.
func (d *DistributionSet) Record(rec RadianceRecord, filter DirectionalFilter, loss SamplingFractionLoss) {
	if !rec.IsDelta {
		irradiance := rec.Radiance / rec.WoPdf
		if irradiance > 0 {
			d.minNonZero.StoreMin(irradiance)
		}
		d.building.RecordIrradiance(DirToCanonical(rec.Direction), irradiance, rec.StatisticalWeight, filter)
	}

	if loss != LossNone && rec.Product > 0 {
		ratioPower := 1.0
		if loss == LossVariance {
			ratioPower = 2.0
		}
		d.optimizeSamplingFraction(rec, ratioPower)
	}
}

// Sample draws a direction from the sampling tree, or from the envelope
// tree while augmented samples are still owed.
func (d *DistributionSet) Sample(sampler core.Sampler, envelope bool) core.Vec3 {
	if envelope && d.currentSamples.Load() < d.requiredSamples {
		return CanonicalToDir(d.envelope.Sample(sampler))
	}
	return CanonicalToDir(d.sampling.Sample(sampler))
}

// Pdf evaluates the sampling tree's density for the given direction,
// per unit solid angle. maxLevel of -1 evaluates the full tree.
func (d *DistributionSet) Pdf(dir core.Vec3, maxLevel int) float64 {
	return d.sampling.Pdf(DirToCanonical(dir), maxLevel)
}

// IncSampleCount counts one drawn guiding sample toward the envelope
// budget.
func (d *DistributionSet) IncSampleCount() {
	d.currentSamples.Add(1)
}

// AugmentedMultiplier returns the fraction of owed envelope samples
// that were actually drawn. Replayed vertices are scaled by it so the
// augmented estimator stays unbiased when the budget is undershot.
func (d *DistributionSet) AugmentedMultiplier() float64 {
	current := d.currentSamples.Load()
	if current < d.requiredSamples {
		return float64(current) / float64(d.requiredSamples)
	}
	return 1
}

// ComputeRequiredSamples stochastically rounds the envelope budget
// times the weighted sample count of the previous iteration into the
// number of envelope samples owed.
func (d *DistributionSet) ComputeRequiredSamples(sampler core.Sampler) {
	if d.envelopeBudget < minPdf {
		d.requiredSamples = 0
		return
	}
	req := d.envelopeBudget * d.weightedPreviousSamples.Load()
	d.requiredSamples = uint64(req)
	if sampler.Get1D() < req-math.Floor(req) {
		d.requiredSamples++
	}
}

// AddWeightedSampleCount accumulates statistical weight drawn against
// the current sampling tree, feeding the next envelope budget.
func (d *DistributionSet) AddWeightedSampleCount(w float64) {
	d.weightedPreviousSamples.Add(w)
}

// MajorizingPair returns the cached densities (previous, sampling) at
// the point where the previous distribution most exceeds the current
// one. Rejection-based reuse derives its acceptance bound from it.
func (d *DistributionSet) MajorizingPair() (pPrevious, pSampling float64) {
	return d.rejPdfSelf, d.rejPdfOther
}

// Build finalizes the gathered statistics into a new sampling
// distribution. The old sampling tree becomes the previous tree, and
// when the reuse strategy augments and a distribution was already
// built, the envelope over the old and new distributions is rebuilt.
func (d *DistributionSet) Build(strategy ReuseStrategy, isBuilt bool) {
	d.previous = d.sampling

	minNz := d.minNonZero.Load()
	if minNz > 100000 {
		minNz = minPdf * 2
	}
	d.building.SetMinimumIrradiance(math.Max(minPdf*2, minNz/5))
	d.building.Build()

	if strategy.UsesEnvelope() && isBuilt {
		if strategy == ReuseReweightAugment {
			d.envelopeBudget = d.envelope.BuildUnmajorizedAugmented(d.sampling, d.building)
		} else {
			d.envelopeBudget = d.envelope.BuildAugmented(d.sampling, d.building)
		}
	}

	d.requiredSamples = 0
	d.currentSamples.Store(0)
	d.weightedPreviousSamples.Store(0)

	d.sampling = d.building
	d.building = NewDirTree()

	d.rejPdfSelf, d.rejPdfOther = d.previous.GetMajorizingFactor(d.sampling)

	d.minNonZero.Store(math.MaxFloat64)
}

// Reset rebuilds the building tree's topology from the current
// sampling tree, ready for the next iteration's statistics.
func (d *DistributionSet) Reset(maxDepth int, subdivisionThreshold float64) {
	d.building.Reset(d.sampling, maxDepth, subdivisionThreshold)
}

// PreviousPdf evaluates the previous iteration's density for the given
// direction, per unit solid angle.
func (d *DistributionSet) PreviousPdf(dir core.Vec3, maxLevel int) float64 {
	return d.previous.Pdf(DirToCanonical(dir), maxLevel)
}

// Depth returns the depth of the sampling tree.
func (d *DistributionSet) Depth() int { return d.sampling.Depth() }

// NumNodes returns the node count of the sampling tree.
func (d *DistributionSet) NumNodes() int { return d.sampling.NumNodes() }

// MeanRadiance returns the mean radiance of the sampling tree.
func (d *DistributionSet) MeanRadiance() float64 { return d.sampling.Mean() }

// StatisticalWeight returns the sampling tree's statistical weight.
func (d *DistributionSet) StatisticalWeight() float64 { return d.sampling.StatisticalWeight() }

// StatisticalWeightBuilding returns the building tree's statistical
// weight, the subdivision signal for the spatial tree.
func (d *DistributionSet) StatisticalWeightBuilding() float64 { return d.building.StatisticalWeight() }

// SetStatisticalWeightBuilding overwrites the building tree's
// statistical weight. Spatial subdivision halves it for each child.
func (d *DistributionSet) SetStatisticalWeightBuilding(w float64) {
	d.building.SetStatisticalWeight(w)
}

// ApproxMemoryFootprint returns the approximate heap size of the set in
// bytes.
func (d *DistributionSet) ApproxMemoryFootprint() int {
	return d.building.ApproxMemoryFootprint() + d.sampling.ApproxMemoryFootprint()
}

// SamplingTree exposes the sampling tree for serialization.
func (d *DistributionSet) SamplingTree() *DirTree { return d.sampling }

// SamplingFraction returns the learned fraction of BSDF samples in the
// guiding mixture.
func (d *DistributionSet) SamplingFraction() float64 {
	d.mu.Lock()
	v := d.optimizer.Variable()
	d.mu.Unlock()
	return Logistic(v)
}

// optimizeSamplingFraction takes one stochastic gradient step on the
// mixture loss with respect to the logit of the sampling fraction.
func (d *DistributionSet) optimizeSamplingFraction(rec RadianceRecord, ratioPower float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	variable := d.optimizer.Variable()
	fraction := Logistic(variable)

	mixPdf := fraction*rec.BsdfPdf + (1-fraction)*rec.TreePdf
	ratio := math.Pow(rec.Product/mixPdf, ratioPower)
	dLossDFraction := -ratio / rec.WoPdf * (rec.BsdfPdf - rec.TreePdf)
	dLossDVariable := dLossDFraction * fraction * (1 - fraction)

	l2RegGradient := 0.01 * variable

	d.optimizer.Append(l2RegGradient+dLossDVariable, rec.StatisticalWeight)
}
