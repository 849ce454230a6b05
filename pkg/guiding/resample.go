package guiding

import (
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// commitEpsilon guards the per-channel division when reconstructing
// local radiance from a vertex's accumulated radiance and throughput.
const commitEpsilon = 1e-4

// TraceVertex is one live bounce of a path being traced or replayed.
// Radiance accumulates everything scattered through the bounce; Commit
// turns it into a record for the guiding distributions.
type TraceVertex struct {
	Dist      *DistributionSet
	VoxelSize core.Vec3
	Ray       core.Ray

	Throughput core.Vec3
	BsdfValue  core.Vec3
	Radiance   core.Vec3

	WoPdf   float64
	BsdfPdf float64
	TreePdf float64
	IsDelta bool
}

// Record adds scattered radiance to the vertex.
func (v *TraceVertex) Record(r core.Vec3) {
	v.Radiance = v.Radiance.Add(r)
}

// Commit deposits the vertex's gathered radiance into the guiding tree.
// The local radiance divides out the path throughput per channel,
// skipping channels where the division would be unstable.
func (v *TraceVertex) Commit(tree *SpatialTree, statisticalWeight float64, spatialFilter SpatialFilter, directionalFilter DirectionalFilter, loss SamplingFractionLoss, sampler core.Sampler) {
	if !(v.WoPdf > 0) || !v.Radiance.IsFinite() || !v.BsdfValue.IsFinite() {
		return
	}

	var localRadiance core.Vec3
	if v.Throughput.X*v.WoPdf > commitEpsilon {
		localRadiance.X = v.Radiance.X / v.Throughput.X
	}
	if v.Throughput.Y*v.WoPdf > commitEpsilon {
		localRadiance.Y = v.Radiance.Y / v.Throughput.Y
	}
	if v.Throughput.Z*v.WoPdf > commitEpsilon {
		localRadiance.Z = v.Radiance.Z / v.Throughput.Z
	}
	product := localRadiance.MultiplyVec(v.BsdfValue)

	rec := RadianceRecord{
		Direction:         v.Ray.Direction,
		Radiance:          spectrumAverage(localRadiance),
		Product:           spectrumAverage(product),
		WoPdf:             v.WoPdf,
		BsdfPdf:           v.BsdfPdf,
		TreePdf:           v.TreePdf,
		StatisticalWeight: statisticalWeight,
		IsDelta:           v.IsDelta,
	}
	tree.Record(v.Ray.Origin, v.VoxelSize, rec, spatialFilter, directionalFilter, loss, sampler)
}

func spectrumAverage(v core.Vec3) float64 {
	return (v.X + v.Y + v.Z) / 3
}

func clampRR(p float64) float64 {
	return math.Max(0.1, math.Min(p, 0.99))
}

// Resampler replays stored paths against rebuilt distributions,
// applying one of the sample reuse strategies. DoNee and IsBuilt are
// set by the render loop each iteration.
type Resampler struct {
	Tree   *SpatialTree
	Buffer *PathBuffer

	SpatialFilter     SpatialFilter
	DirectionalFilter DirectionalFilter
	Loss              SamplingFractionLoss
	NeeMode           NeeMode
	RRDepth           int

	DoNee   bool
	IsBuilt bool
}

func (r *Resampler) lossIfBuilt() SamplingFractionLoss {
	if r.IsBuilt {
		return r.Loss
	}
	return LossNone
}

// computePdf looks up the distribution at the vertex and returns the
// mixture density of the stored direction under the current sampling
// fraction.
func (r *Resampler) computePdf(v *PathVertex) (dist *DistributionSet, voxel core.Vec3, treePdf, woPdf float64) {
	dist, voxel = r.Tree.LookupWithSize(v.Origin)
	fraction := dist.SamplingFraction()
	if v.IsDelta {
		return dist, voxel, 0, fraction * v.BsdfPdf
	}
	treePdf = dist.Pdf(v.Direction, -1)
	woPdf = fraction*v.BsdfPdf + (1-fraction)*treePdf
	return dist, voxel, treePdf, woPdf
}

// forEachActivePath runs fn over the first limit stored paths that are
// still active, spread across all CPUs. Each worker gets its own
// sampler derived from seed.
func (r *Resampler) forEachActivePath(limit int, seed int64, fn func(*PathRecord, core.Sampler)) {
	const chunk = 64
	numWorkers := runtime.NumCPU()

	var cursor atomic.Int64
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(workerSeed int64) {
			defer wg.Done()
			sampler := core.NewRandomSampler(rand.New(rand.NewSource(workerSeed)))
			for {
				start := int(cursor.Add(chunk)) - chunk
				if start >= limit {
					return
				}
				end := start + chunk
				if end > limit {
					end = limit
				}
				for i := start; i < end; i++ {
					p := r.Buffer.At(i)
					if p.Active {
						fn(p, sampler)
					}
				}
			}
		}(seed + int64(w))
	}
	wg.Wait()
}

// UpdateRequiredSamples tallies how much statistical weight each leaf's
// stored vertices represent and derives the number of envelope samples
// each leaf is owed this iteration.
func (r *Resampler) UpdateRequiredSamples(seed int64, sampler core.Sampler) {
	r.forEachActivePath(r.Buffer.Len(), seed, func(p *PathRecord, _ core.Sampler) {
		for j := range p.Vertices {
			v := &p.Vertices[j]
			r.Tree.Lookup(v.Origin).AddWeightedSampleCount(v.ScaleCorrection)
		}
	})

	r.Tree.ForEachLeaf(func(d *DistributionSet) {
		d.ComputeRequiredSamples(sampler)
	})
}

// applyEmissions re-adds each stored emission hit to the replayed
// vertices, reweighted against the vertex's updated bounce density.
func (r *Resampler) applyEmissions(p *PathRecord, vertices []TraceVertex) {
	for _, em := range p.Emissions {
		pos := em.Position
		if pos < 0 || pos >= len(vertices) {
			continue
		}

		radiance := em.Radiance.MultiplyVec(vertices[pos].Throughput)
		radiance = radiance.Multiply(core.PowerHeuristic(p.Vertices[pos].WoPdf, em.EmitterPdf))
		if !radiance.IsFinite() {
			continue
		}

		for k := 0; k <= pos; k++ {
			vertices[k].Record(radiance)
		}
	}
}

// applyLightSamples re-adds each stored light sample, recomputing its
// multiple importance weight against the updated mixture density of the
// stored direction. Under kickstart, the sample is also committed to
// the distributions as a synthetic vertex at half weight.
func (r *Resampler) applyLightSamples(p *PathRecord, vertices []TraceVertex, sampler core.Sampler) {
	for _, ls := range p.LightSamples {
		pos := ls.Position
		if pos < 0 || pos >= len(vertices) {
			continue
		}

		radiance := ls.Radiance.MultiplyVec(ls.BsdfValue)
		dist := vertices[pos].Dist

		treePdf := dist.Pdf(ls.Direction, -1)
		fraction := dist.SamplingFraction()
		woPdf := fraction*ls.BsdfPdf + (1-fraction)*treePdf

		radiance = radiance.Multiply(core.PowerHeuristic(ls.LightPdf, woPdf))

		prevThroughput := core.Vec3{X: 1, Y: 1, Z: 1}
		if pos > 0 {
			prevThroughput = vertices[pos-1].Throughput
		}
		radiance = radiance.MultiplyVec(prevThroughput)
		if !radiance.IsFinite() {
			continue
		}

		// Light samples shine on every vertex before the one that drew
		// them; the direct component at the drawing vertex is handled
		// by the kickstart commit below.
		for k := 0; k < pos; k++ {
			vertices[k].Record(radiance)
		}

		if r.NeeMode == NeeKickstart {
			v := TraceVertex{
				Dist:       dist,
				VoxelSize:  vertices[pos].VoxelSize,
				Ray:        core.NewRay(vertices[pos].Ray.Origin, ls.Direction),
				Throughput: prevThroughput.MultiplyVec(ls.BsdfValue).Multiply(1 / ls.LightPdf),
				BsdfValue:  ls.BsdfValue,
				Radiance:   radiance,
				WoPdf:      ls.LightPdf,
				BsdfPdf:    ls.BsdfPdf,
				TreePdf:    treePdf,
			}
			v.Commit(r.Tree, p.Vertices[pos].ScaleCorrection*0.5, r.SpatialFilter, r.DirectionalFilter, r.lossIfBuilt(), sampler)
		}
	}
}

// finishReplay recomputes the stored emission and light contributions
// and commits every replayed vertex. When perVertexWeight is set the
// statistical weight is each vertex's accumulated scale correction,
// otherwise a flat weight of one.
func (r *Resampler) finishReplay(p *PathRecord, vertices []TraceVertex, perVertexWeight bool, sampler core.Sampler) {
	r.applyEmissions(p, vertices)
	if r.DoNee {
		r.applyLightSamples(p, vertices, sampler)
	}

	for j := range vertices {
		weight := 1.0
		if perVertexWeight {
			weight = p.Vertices[j].ScaleCorrection
		}
		if r.DoNee && r.NeeMode == NeeKickstart {
			weight *= 0.5
		}
		vertices[j].Commit(r.Tree, weight, r.SpatialFilter, r.DirectionalFilter, r.lossIfBuilt(), sampler)
	}
}

// Reweight replays every stored path, scaling each vertex by the ratio
// of new to old bounce density. Paths passing through a region the new
// distribution assigns no density to are terminated.
func (r *Resampler) Reweight(seed int64) {
	r.forEachActivePath(r.Buffer.Len(), seed, func(p *PathRecord, sampler core.Sampler) {
		throughput := core.Vec3{X: 1, Y: 1, Z: 1}
		vertices := make([]TraceVertex, 0, len(p.Vertices))
		terminated := false

		for j := range p.Vertices {
			v := &p.Vertices[j]
			dist, voxel, treePdf, newWoPdf := r.computePdf(v)
			if newWoPdf < minPdf {
				terminated = true
				break
			}

			v.ScaleCorrection *= newWoPdf / v.WoPdf
			v.WoPdf = newWoPdf

			bsdfWeight := v.BsdfValue.Multiply(1 / newWoPdf)
			throughput = throughput.MultiplyVec(bsdfWeight).Multiply(v.ScaleCorrection)

			vertices = append(vertices, TraceVertex{
				Dist:       dist,
				VoxelSize:  voxel,
				Ray:        core.NewRay(v.Origin, v.Direction),
				Throughput: throughput,
				BsdfValue:  v.BsdfValue,
				WoPdf:      v.WoPdf,
				BsdfPdf:    v.BsdfPdf,
				TreePdf:    treePdf,
				IsDelta:    v.IsDelta,
			})

			if j >= r.RRDepth && !v.IsDelta {
				throughput = throughput.Multiply(1 / clampRR(throughput.MaxComponent()))
			}
		}

		if terminated {
			p.Clear()
			return
		}
		r.finishReplay(p, vertices, true, sampler)
	})
}

// Reject replays every stored path through a rejection test against the
// new bounce density, bounded by the cached majorizing factor so the
// acceptance probability never exceeds one. Surviving paths keep unit
// weight; the first rejected bounce terminates the whole path.
func (r *Resampler) Reject(seed int64) {
	r.forEachActivePath(r.Buffer.Len(), seed, func(p *PathRecord, sampler core.Sampler) {
		throughput := core.Vec3{X: 1, Y: 1, Z: 1}
		vertices := make([]TraceVertex, 0, len(p.Vertices))
		terminated := false

		for j := range p.Vertices {
			v := &p.Vertices[j]
			dist, voxel, treePdf, newWoPdf := r.computePdf(v)

			fraction := dist.SamplingFraction()
			pPrevious, pSampling := dist.MajorizingPair()
			bsdfPart := fraction * v.BsdfPdf
			oldBound := bsdfPart + (1-fraction)*pPrevious
			newBound := bsdfPart + (1-fraction)*pSampling
			c := newBound / math.Max(oldBound, minPdf)

			acceptProb := newWoPdf / (c * v.WoPdf)
			v.WoPdf = newWoPdf

			if sampler.Get1D() > acceptProb {
				terminated = true
				break
			}

			bsdfWeight := v.BsdfValue.Multiply(1 / newWoPdf)
			throughput = throughput.MultiplyVec(bsdfWeight)

			vertices = append(vertices, TraceVertex{
				Dist:       dist,
				VoxelSize:  voxel,
				Ray:        core.NewRay(v.Origin, v.Direction),
				Throughput: throughput,
				BsdfValue:  v.BsdfValue,
				WoPdf:      v.WoPdf,
				BsdfPdf:    v.BsdfPdf,
				TreePdf:    treePdf,
				IsDelta:    v.IsDelta,
			})

			if j >= r.RRDepth && !v.IsDelta {
				throughput = throughput.Multiply(1 / clampRR(throughput.MaxComponent()))
			}
		}

		if terminated {
			p.Clear()
			return
		}
		r.finishReplay(p, vertices, false, sampler)
	})
}

// RejectReweight replays stored paths through an unbounded rejection
// test, compensating acceptance probabilities above one by scaling the
// vertex up instead.
func (r *Resampler) RejectReweight(seed int64) {
	r.forEachActivePath(r.Buffer.Len(), seed, func(p *PathRecord, sampler core.Sampler) {
		throughput := core.Vec3{X: 1, Y: 1, Z: 1}
		vertices := make([]TraceVertex, 0, len(p.Vertices))
		terminated := false

		for j := range p.Vertices {
			v := &p.Vertices[j]
			dist, voxel, treePdf, newWoPdf := r.computePdf(v)

			acceptProb := newWoPdf / v.WoPdf
			oldWoPdf := v.WoPdf
			v.WoPdf = newWoPdf

			if sampler.Get1D() > acceptProb {
				terminated = true
				break
			}

			v.ScaleCorrection *= math.Max(1, newWoPdf/oldWoPdf)
			bsdfWeight := v.BsdfValue.Multiply(1 / newWoPdf)
			throughput = throughput.MultiplyVec(bsdfWeight).Multiply(v.ScaleCorrection)

			vertices = append(vertices, TraceVertex{
				Dist:       dist,
				VoxelSize:  voxel,
				Ray:        core.NewRay(v.Origin, v.Direction),
				Throughput: throughput,
				BsdfValue:  v.BsdfValue,
				WoPdf:      v.WoPdf,
				BsdfPdf:    v.BsdfPdf,
				TreePdf:    treePdf,
				IsDelta:    v.IsDelta,
			})

			if j >= r.RRDepth && !v.IsDelta {
				throughput = throughput.Multiply(1 / clampRR(throughput.MaxComponent()))
			}
		}

		if terminated {
			p.Clear()
			return
		}
		r.finishReplay(p, vertices, true, sampler)
	})
}

// Augment replays the paths of earlier iterations, scaling each vertex
// by the fraction of envelope samples its leaf actually drew. Paths
// through regions of vanished density are terminated. limit bounds the
// replay to paths stored before the current iteration.
func (r *Resampler) Augment(limit int, seed int64) {
	r.forEachActivePath(limit, seed, func(p *PathRecord, sampler core.Sampler) {
		throughput := core.Vec3{X: 1, Y: 1, Z: 1}
		vertices := make([]TraceVertex, 0, len(p.Vertices))
		terminated := false

		for j := range p.Vertices {
			v := &p.Vertices[j]
			dist, voxel, treePdf, newWoPdf := r.computePdf(v)
			if newWoPdf < minPdf {
				terminated = true
				break
			}

			v.WoPdf = newWoPdf
			v.ScaleCorrection *= dist.AugmentedMultiplier()

			bsdfWeight := v.BsdfValue.Multiply(1 / newWoPdf)
			throughput = throughput.MultiplyVec(bsdfWeight).Multiply(v.ScaleCorrection)

			vertices = append(vertices, TraceVertex{
				Dist:       dist,
				VoxelSize:  voxel,
				Ray:        core.NewRay(v.Origin, v.Direction),
				Throughput: throughput,
				BsdfValue:  v.BsdfValue,
				WoPdf:      v.WoPdf,
				BsdfPdf:    v.BsdfPdf,
				TreePdf:    treePdf,
				IsDelta:    v.IsDelta,
			})

			if j >= r.RRDepth && !v.IsDelta {
				throughput = throughput.Multiply(1 / clampRR(throughput.MaxComponent()))
			}
		}

		if terminated {
			p.Clear()
			return
		}
		r.finishReplay(p, vertices, true, sampler)
	})
}

// RejectAugment combines an unbounded rejection test with the envelope
// sample scaling of Augment.
func (r *Resampler) RejectAugment(limit int, seed int64) {
	r.forEachActivePath(limit, seed, func(p *PathRecord, sampler core.Sampler) {
		throughput := core.Vec3{X: 1, Y: 1, Z: 1}
		vertices := make([]TraceVertex, 0, len(p.Vertices))
		terminated := false

		for j := range p.Vertices {
			v := &p.Vertices[j]
			dist, voxel, treePdf, newWoPdf := r.computePdf(v)

			acceptProb := newWoPdf / v.WoPdf
			v.WoPdf = newWoPdf
			v.ScaleCorrection *= dist.AugmentedMultiplier()

			if sampler.Get1D() > acceptProb {
				terminated = true
				break
			}

			bsdfWeight := v.BsdfValue.Multiply(1 / newWoPdf)
			throughput = throughput.MultiplyVec(bsdfWeight).Multiply(v.ScaleCorrection)

			vertices = append(vertices, TraceVertex{
				Dist:       dist,
				VoxelSize:  voxel,
				Ray:        core.NewRay(v.Origin, v.Direction),
				Throughput: throughput,
				BsdfValue:  v.BsdfValue,
				WoPdf:      v.WoPdf,
				BsdfPdf:    v.BsdfPdf,
				TreePdf:    treePdf,
				IsDelta:    v.IsDelta,
			})

			if j >= r.RRDepth && !v.IsDelta {
				throughput = throughput.Multiply(1 / clampRR(throughput.MaxComponent()))
			}
		}

		if terminated {
			p.Clear()
			return
		}
		r.finishReplay(p, vertices, true, sampler)
	})
}

// ReweightAugment combines downward-only reweighting with the envelope
// sample scaling of Augment. Upward corrections are left to the
// envelope samples themselves, so scale corrections only ever shrink.
func (r *Resampler) ReweightAugment(seed int64) {
	r.forEachActivePath(r.Buffer.Len(), seed, func(p *PathRecord, sampler core.Sampler) {
		throughput := core.Vec3{X: 1, Y: 1, Z: 1}
		vertices := make([]TraceVertex, 0, len(p.Vertices))
		terminated := false

		for j := range p.Vertices {
			v := &p.Vertices[j]
			dist, voxel, treePdf, newWoPdf := r.computePdf(v)
			if newWoPdf < minPdf {
				terminated = true
				break
			}

			if reweight := newWoPdf / v.WoPdf; reweight < 1 {
				v.ScaleCorrection *= reweight
			}
			v.ScaleCorrection *= dist.AugmentedMultiplier()
			v.WoPdf = newWoPdf

			bsdfWeight := v.BsdfValue.Multiply(1 / newWoPdf)
			throughput = throughput.MultiplyVec(bsdfWeight).Multiply(v.ScaleCorrection)

			vertices = append(vertices, TraceVertex{
				Dist:       dist,
				VoxelSize:  voxel,
				Ray:        core.NewRay(v.Origin, v.Direction),
				Throughput: throughput,
				BsdfValue:  v.BsdfValue,
				WoPdf:      v.WoPdf,
				BsdfPdf:    v.BsdfPdf,
				TreePdf:    treePdf,
				IsDelta:    v.IsDelta,
			})

			if j >= r.RRDepth && !v.IsDelta {
				throughput = throughput.Multiply(1 / clampRR(throughput.MaxComponent()))
			}
		}

		if terminated {
			p.Clear()
			return
		}
		r.finishReplay(p, vertices, true, sampler)
	})
}
