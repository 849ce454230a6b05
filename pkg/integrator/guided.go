package integrator

import (
	"math"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
	"github.com/igorawratu/practical-path-guiding/pkg/guiding"
	"github.com/igorawratu/practical-path-guiding/pkg/scene"
)

// minWoPdf is the smallest usable mixture density. Bounces whose
// density falls below it contribute nothing.
const minWoPdf = 1e-5

// maxPathVertices bounds the number of bounces stored per camera path.
const maxPathVertices = 32

// Config holds the per-render parameters of the guided tracer.
type Config struct {
	MaxDepth             int
	RRDepth              int
	BsdfSamplingFraction float64
	Loss                 guiding.SamplingFractionLoss
	NeeMode              guiding.NeeMode
	SpatialFilter        guiding.SpatialFilter
	DirectionalFilter    guiding.DirectionalFilter
	UseEnvelope          bool
}

// GuidedPathTracer traces camera paths sampling directions from a
// mixture of the surface BSDF and the learned directional
// distributions. IsBuilt, IsFinalIter, DoNee and Iteration are set by
// the render loop each iteration.
type GuidedPathTracer struct {
	Scene  *scene.Scene
	Tree   *guiding.SpatialTree
	Config Config

	IsBuilt     bool
	IsFinalIter bool
	DoNee       bool
	Iteration   int
}

// DirectionSample is the result of drawing an outgoing direction from
// the guiding mixture. Weight is the BSDF times cosine over the
// mixture density.
type DirectionSample struct {
	Weight    core.Vec3
	Direction core.Vec3
	WoPdf     float64
	BsdfPdf   float64
	TreePdf   float64
	IsDelta   bool
}

func (g *GuidedPathTracer) samplingFraction(dist *guiding.DistributionSet) float64 {
	if g.Config.Loss != guiding.LossNone {
		return dist.SamplingFraction()
	}
	return g.Config.BsdfSamplingFraction
}

func (g *GuidedPathTracer) lossIfBuilt() guiding.SamplingFractionLoss {
	if g.IsBuilt {
		return g.Config.Loss
	}
	return guiding.LossNone
}

// SampleDirection draws an outgoing direction. Before the first
// distributions are built, for delta materials and in leaves without a
// distribution it falls back to plain BSDF sampling.
func (g *GuidedPathTracer) SampleDirection(dist *guiding.DistributionSet, mat scene.Material, wi, normal core.Vec3, sampler core.Sampler) DirectionSample {
	if !g.IsBuilt || dist == nil || mat.IsDelta() {
		wo, weight, pdf, delta := mat.Sample(wi, normal, sampler.Get2D())
		return DirectionSample{Weight: weight, Direction: wo, WoPdf: pdf, BsdfPdf: pdf, IsDelta: delta}
	}

	fraction := g.samplingFraction(dist)
	s := sampler.Get2D()

	var wo core.Vec3
	if s.X < fraction {
		s.X /= fraction
		sampled, weight, pdf, delta := mat.Sample(wi, normal, s)
		if weight.IsZero() || pdf <= 0 {
			return DirectionSample{Direction: sampled}
		}
		if delta {
			// The tree never produces the delta direction, so the
			// mixture collapses to the BSDF component.
			return DirectionSample{
				Weight:    weight.Multiply(1 / fraction),
				Direction: sampled,
				WoPdf:     pdf * fraction,
				BsdfPdf:   pdf,
				IsDelta:   true,
			}
		}
		wo = sampled
	} else {
		wo = dist.Sample(sampler, g.Config.UseEnvelope)
		if g.Config.UseEnvelope {
			dist.IncSampleCount()
		}
	}

	eval := mat.Eval(wi, wo, normal)
	woPdf, bsdfPdf, treePdf := g.PdfDirection(dist, mat, wi, wo, normal)
	if eval.IsZero() || woPdf < minWoPdf {
		return DirectionSample{Direction: wo, BsdfPdf: bsdfPdf, TreePdf: treePdf}
	}
	return DirectionSample{
		Weight:    eval.Multiply(1 / woPdf),
		Direction: wo,
		WoPdf:     woPdf,
		BsdfPdf:   bsdfPdf,
		TreePdf:   treePdf,
	}
}

// PdfDirection evaluates the mixture density of an outgoing direction.
func (g *GuidedPathTracer) PdfDirection(dist *guiding.DistributionSet, mat scene.Material, wi, wo, normal core.Vec3) (woPdf, bsdfPdf, treePdf float64) {
	bsdfPdf = mat.Pdf(wi, wo, normal)
	if !g.IsBuilt || dist == nil || mat.IsDelta() {
		return bsdfPdf, bsdfPdf, 0
	}
	if math.IsNaN(bsdfPdf) || math.IsInf(bsdfPdf, 0) {
		return 0, 0, 0
	}
	fraction := g.samplingFraction(dist)
	treePdf = dist.Pdf(wo, -1)
	woPdf = fraction*bsdfPdf + (1-fraction)*treePdf
	return woPdf, bsdfPdf, treePdf
}

func clampRR(p float64) float64 {
	return math.Max(0.1, math.Min(p, 0.99))
}

// Li estimates the radiance arriving along the camera ray. When record
// is non-nil the traced path is stored for later reuse. Unless this is
// the final iteration, every bounce's gathered radiance is committed to
// the guiding tree before returning.
func (g *GuidedPathTracer) Li(ray core.Ray, sampler core.Sampler, record *guiding.PathRecord) core.Vec3 {
	var vertices [maxPathVertices]guiding.TraceVertex
	nVertices := 0

	var result core.Vec3
	throughput := core.NewVec3(1, 1, 1)
	validPath := true

	prevWoPdf := 0.0
	prevDelta := true

	recordValue := func(value core.Vec3) {
		result = result.Add(value)
		for k := 0; k < nVertices; k++ {
			vertices[k].Record(value)
		}
	}

	for depth := 0; depth < g.Config.MaxDepth; depth++ {
		hit, ok := g.Scene.Intersect(ray, 1e-4, math.Inf(1))
		if !ok {
			env := g.Scene.Environment(ray.Direction)
			if !env.IsZero() {
				recordValue(throughput.MultiplyVec(env))
				if record != nil {
					record.Emissions = append(record.Emissions, guiding.EmissionRecord{
						Position: len(record.Vertices) - 1,
						Radiance: env,
					})
				}
			}
			break
		}

		if !hit.Emission.IsZero() {
			emitterPdf := 0.0
			if g.DoNee && !prevDelta && depth > 0 {
				emitterPdf = g.Scene.PdfLightDirect(ray.Origin, ray.Direction)
			}
			weight := 1.0
			if emitterPdf > 0 {
				weight = core.PowerHeuristic(prevWoPdf, emitterPdf)
			}
			recordValue(throughput.MultiplyVec(hit.Emission).Multiply(weight))
			if record != nil {
				record.Emissions = append(record.Emissions, guiding.EmissionRecord{
					Position:   len(record.Vertices) - 1,
					Radiance:   hit.Emission,
					EmitterPdf: emitterPdf,
				})
			}
		}

		if hit.Material == nil {
			break
		}

		wi := ray.Direction.Negate()

		var dist *guiding.DistributionSet
		var voxel core.Vec3
		if !hit.Material.IsDelta() || g.Config.Loss != guiding.LossNone {
			dist, voxel = g.Tree.LookupWithSize(hit.Point)
		}

		if g.DoNee && !hit.Material.IsDelta() {
			g.sampleLight(hit, dist, voxel, wi, throughput, record, sampler, recordValue)
		}

		ds := g.SampleDirection(dist, hit.Material, wi, hit.Normal, sampler)
		if ds.Weight.IsZero() {
			if ds.WoPdf < minWoPdf {
				validPath = false
			}
			break
		}

		throughput = throughput.MultiplyVec(ds.Weight)

		storable := (!ds.IsDelta || g.Config.Loss != guiding.LossNone) &&
			dist != nil && !g.IsFinalIter && nVertices < maxPathVertices
		if storable {
			vertices[nVertices] = guiding.TraceVertex{
				Dist:       dist,
				VoxelSize:  voxel,
				Ray:        core.NewRay(hit.Point, ds.Direction),
				Throughput: throughput,
				BsdfValue:  ds.Weight.Multiply(ds.WoPdf),
				WoPdf:      ds.WoPdf,
				BsdfPdf:    ds.BsdfPdf,
				TreePdf:    ds.TreePdf,
				IsDelta:    ds.IsDelta,
			}
			nVertices++
			if record != nil {
				record.Vertices = append(record.Vertices, guiding.PathVertex{
					Origin:          hit.Point,
					Direction:       ds.Direction,
					BsdfValue:       ds.Weight.Multiply(ds.WoPdf),
					BsdfPdf:         ds.BsdfPdf,
					WoPdf:           ds.WoPdf,
					IsDelta:         ds.IsDelta,
					ScaleCorrection: 1,
				})
			}
		}

		prevWoPdf = ds.WoPdf
		prevDelta = ds.IsDelta
		ray = core.NewRay(hit.Point, ds.Direction)

		if depth >= g.Config.RRDepth && !ds.IsDelta {
			q := clampRR(throughput.MaxComponent())
			if sampler.Get1D() > q {
				break
			}
			throughput = throughput.Multiply(1 / q)
		}
	}

	if !g.IsFinalIter {
		for k := 0; k < nVertices; k++ {
			weight := 1.0
			if g.DoNee && g.Config.NeeMode == guiding.NeeKickstart {
				weight = 0.5
			}
			vertices[k].Commit(g.Tree, weight, g.Config.SpatialFilter, g.Config.DirectionalFilter, g.lossIfBuilt(), sampler)
		}
	}

	if record != nil {
		record.Iteration = g.Iteration
		record.Active = validPath && len(record.Vertices) > 0
	}
	return result
}

// sampleLight performs next event estimation at the current hit and
// folds the contribution into the path. When the distributions are
// still warming up the sample is also committed directly at half
// weight, seeding the tree with directions toward the lights.
func (g *GuidedPathTracer) sampleLight(hit *scene.Hit, dist *guiding.DistributionSet, voxel core.Vec3, wi, throughput core.Vec3, record *guiding.PathRecord, sampler core.Sampler, recordValue func(core.Vec3)) {
	ls, ok := g.Scene.SampleLightDirect(hit.Point, hit.Normal, sampler)
	if !ok {
		return
	}
	bsdfVal := hit.Material.Eval(wi, ls.Direction, hit.Normal)
	if bsdfVal.IsZero() {
		return
	}

	woPdf, bsdfPdf, treePdf := g.PdfDirection(dist, hit.Material, wi, ls.Direction, hit.Normal)
	mis := core.PowerHeuristic(ls.Pdf, woPdf)

	contrib := throughput.MultiplyVec(bsdfVal).MultiplyVec(ls.Radiance).Multiply(mis / ls.Pdf)
	if !contrib.IsFinite() {
		return
	}
	recordValue(contrib)

	if record != nil {
		record.LightSamples = append(record.LightSamples, guiding.LightSampleRecord{
			Position:  len(record.Vertices),
			Radiance:  ls.Radiance.Multiply(1 / ls.Pdf),
			LightPdf:  ls.Pdf,
			Direction: ls.Direction,
			BsdfValue: bsdfVal,
			BsdfPdf:   bsdfPdf,
		})
	}

	if !g.IsFinalIter && g.Config.NeeMode != guiding.NeeAlways && dist != nil {
		v := guiding.TraceVertex{
			Dist:       dist,
			VoxelSize:  voxel,
			Ray:        core.NewRay(hit.Point, ls.Direction),
			Throughput: throughput.MultiplyVec(bsdfVal).Multiply(1 / ls.Pdf),
			BsdfValue:  bsdfVal,
			Radiance:   contrib,
			WoPdf:      ls.Pdf,
			BsdfPdf:    bsdfPdf,
			TreePdf:    treePdf,
		}
		v.Commit(g.Tree, 0.5, g.Config.SpatialFilter, g.Config.DirectionalFilter, g.lossIfBuilt(), sampler)
	}
}
