package renderer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
	"github.com/igorawratu/practical-path-guiding/pkg/guiding"
	"github.com/igorawratu/practical-path-guiding/pkg/integrator"
	"github.com/igorawratu/practical-path-guiding/pkg/scene"
)

// Config holds all rendering parameters.
type Config struct {
	Width  int
	Height int

	// SppPerPass is how many samples per pixel one pass traces. The
	// pass count doubles every iteration.
	SppPerPass int

	// Budget is the total rendering budget, in samples per pixel or in
	// seconds depending on BudgetType.
	Budget     int
	BudgetType guiding.BudgetType

	MaxDepth             int
	RRDepth              int
	BsdfSamplingFraction float64

	Loss              guiding.SamplingFractionLoss
	Strategy          guiding.ReuseStrategy
	Combination       guiding.SampleCombination
	NeeMode           guiding.NeeMode
	SpatialFilter     guiding.SpatialFilter
	DirectionalFilter guiding.DirectionalFilter

	// SpatialThreshold scales how much statistical weight a spatial
	// leaf collects before it is split.
	SpatialThreshold float64

	// DirectionalThreshold is the energy fraction above which a
	// directional quadrant is subdivided.
	DirectionalThreshold float64

	// MaxMemoryMB caps the guiding tree's footprint. Negative means
	// unlimited.
	MaxMemoryMB int

	// StrategyIterationActive limits sample reuse to the first
	// iterations. Negative keeps it active throughout.
	StrategyIterationActive int

	// StaticTree freezes the spatial tree at a pre-subdivided
	// resolution instead of refining it adaptively.
	StaticTree bool

	TileSize   int
	NumWorkers int

	// DumpPath, when set, receives a binary tree dump per iteration.
	DumpPath string

	Seed int64
}

// DefaultConfig returns the rendering defaults.
func DefaultConfig() Config {
	return Config{
		Width:                   640,
		Height:                  360,
		SppPerPass:              4,
		Budget:                  300,
		BudgetType:              guiding.BudgetSeconds,
		MaxDepth:                32,
		RRDepth:                 3,
		BsdfSamplingFraction:    0.5,
		Loss:                    guiding.LossNone,
		Strategy:                guiding.ReuseDiscard,
		Combination:             guiding.CombineAutomatic,
		NeeMode:                 guiding.NeeNever,
		SpatialFilter:           guiding.SpatialFilterNearest,
		DirectionalFilter:       guiding.DirectionalFilterNearest,
		SpatialThreshold:        12000,
		DirectionalThreshold:    0.01,
		MaxMemoryMB:             -1,
		StrategyIterationActive: -1,
		TileSize:                32,
		Seed:                    1,
	}
}

// staticTreeLevels pre-subdivides a frozen spatial tree to 16 voxels
// per axis.
const staticTreeLevels = 12

// Renderer runs the iterative training and rendering loop.
type Renderer struct {
	config Config
	scene  *scene.Scene
	camera *Camera

	tree      *guiding.SpatialTree
	buffer    *guiding.PathBuffer
	tracer    *integrator.GuidedPathTracer
	resampler *guiding.Resampler
	film      *Film

	images         []iterationImage
	iter           int
	sppRendered    int
	augmentedStart int
	isBuilt        bool
	lastVarAtEnd   float64
}

// New creates a renderer for the scene.
func New(cfg Config, sc *scene.Scene, camera *Camera) *Renderer {
	tree := guiding.NewSpatialTree(sc.Bounds())
	if cfg.StaticTree {
		tree.Subdivide(staticTreeLevels)
	}
	buffer := guiding.NewPathBuffer()

	tracer := &integrator.GuidedPathTracer{
		Scene: sc,
		Tree:  tree,
		Config: integrator.Config{
			MaxDepth:             cfg.MaxDepth,
			RRDepth:              cfg.RRDepth,
			BsdfSamplingFraction: cfg.BsdfSamplingFraction,
			Loss:                 cfg.Loss,
			NeeMode:              cfg.NeeMode,
			SpatialFilter:        cfg.SpatialFilter,
			DirectionalFilter:    cfg.DirectionalFilter,
		},
	}

	resampler := &guiding.Resampler{
		Tree:              tree,
		Buffer:            buffer,
		SpatialFilter:     cfg.SpatialFilter,
		DirectionalFilter: cfg.DirectionalFilter,
		Loss:              cfg.Loss,
		NeeMode:           cfg.NeeMode,
		RRDepth:           cfg.RRDepth,
	}

	return &Renderer{
		config:    cfg,
		scene:     sc,
		camera:    camera,
		tree:      tree,
		buffer:    buffer,
		tracer:    tracer,
		resampler: resampler,
		film:      NewFilm(cfg.Width, cfg.Height),
	}
}

// Tree exposes the spatial tree, mainly for inspection after a render.
func (r *Renderer) Tree() *guiding.SpatialTree { return r.tree }

// SppRendered returns the samples per pixel traced so far.
func (r *Renderer) SppRendered() int { return r.sppRendered }

// Iterations returns the number of finished iterations.
func (r *Renderer) Iterations() int { return len(r.images) }

// Render runs the full iteration loop and returns the combined linear
// image, row-major with the bottom row first.
func (r *Renderer) Render(ctx context.Context) ([]core.Vec3, error) {
	start := time.Now()
	budget := time.Duration(r.config.Budget) * time.Second

	remaining := 0
	if r.config.BudgetType == guiding.BudgetSpp {
		remaining = (r.config.Budget + r.config.SppPerPass - 1) / r.config.SppPerPass
	}
	forceFinal := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.New("rendering interrupted").Wrap(err)
		}

		var passes int
		var isFinal bool
		if r.config.BudgetType == guiding.BudgetSpp {
			if remaining <= 0 {
				break
			}
			passes = min(remaining, 1<<r.iter)
			// Stretch the last regular iteration rather than leaving a
			// stub of fewer passes after it.
			if remaining-passes < 2*passes {
				passes = remaining
			}
			if forceFinal {
				passes = remaining
			}
			isFinal = passes >= remaining
		} else {
			elapsed := time.Since(start)
			if elapsed >= budget {
				break
			}
			passes = 1 << r.iter
			isFinal = elapsed > budget/2
		}

		r.renderIteration(ctx, passes, isFinal)

		variance := r.film.Variance()
		spp := passes * r.config.SppPerPass
		r.images = append(r.images, iterationImage{
			pixels:   r.film.Mean(),
			spp:      spp,
			variance: variance,
		})
		r.sppRendered += spp

		if isFinal {
			break
		}

		if r.config.BudgetType == guiding.BudgetSpp {
			remaining -= passes
			// Extrapolated variance at budget exhaustion. Once it stops
			// improving, further training is wasted and the rest of the
			// budget goes into one final iteration.
			varAtEnd := float64(passes) * variance / float64(remaining)
			if remaining < 2*passes || (r.sppRendered > 256 && r.lastVarAtEnd > 0 && varAtEnd > r.lastVarAtEnd) {
				forceFinal = true
			}
			r.lastVarAtEnd = varAtEnd
		}
		r.iter++
	}

	if len(r.images) == 0 {
		return nil, errors.New("budget too small for a single pass").
			WithTag("budget", r.config.Budget)
	}
	return r.finalImage(), nil
}

func (r *Renderer) renderIteration(ctx context.Context, passes int, isFinal bool) {
	spp := passes * r.config.SppPerPass
	r.film.Clear(spp)

	reuseActive := r.config.StrategyIterationActive < 0 || r.iter <= r.config.StrategyIterationActive
	strategy := r.config.Strategy
	if !reuseActive {
		strategy = guiding.ReuseDiscard
	}

	threshold := math.Sqrt(math.Pow(2, float64(r.iter))*float64(r.config.SppPerPass)/4) * r.config.SpatialThreshold
	r.tree.Refine(threshold, r.config.MaxMemoryMB, r.config.StaticTree)
	r.tree.ForEachLeafParallel(func(d *guiding.DistributionSet) {
		d.Reset(20, r.config.DirectionalThreshold)
	})

	doNee := doNeeWithSpp(r.config.NeeMode, r.sppRendered)

	r.tracer.IsBuilt = r.isBuilt
	r.tracer.IsFinalIter = isFinal
	r.tracer.Iteration = r.iter
	r.tracer.DoNee = doNee
	r.tracer.Config.UseEnvelope = strategy.UsesEnvelope() && r.isBuilt

	r.resampler.IsBuilt = r.isBuilt
	r.resampler.DoNee = doNee

	seed := r.config.Seed + int64(r.iter)*7919
	sampler := core.NewRandomSampler(rand.New(rand.NewSource(seed)))

	if r.isBuilt && strategy.UsesEnvelope() {
		r.resampler.UpdateRequiredSamples(seed, sampler)
	}

	if r.isBuilt {
		switch strategy {
		case guiding.ReuseReweight:
			r.resampler.Reweight(seed)
		case guiding.ReuseReject:
			r.resampler.Reject(seed)
		case guiding.ReuseRejectReweight:
			r.resampler.RejectReweight(seed)
		}
	}

	store := strategy != guiding.ReuseDiscard && !isFinal
	if store {
		r.buffer.Grow(r.config.Width * r.config.Height * spp)
	}

	r.traceFilm(ctx, spp, store, seed)

	if r.isBuilt {
		switch strategy {
		case guiding.ReuseAugment:
			r.resampler.Augment(r.augmentedStart, seed)
		case guiding.ReuseRejectAugment:
			r.resampler.RejectAugment(r.augmentedStart, seed)
		case guiding.ReuseReweightAugment:
			r.resampler.ReweightAugment(seed)
		}
	}
	r.augmentedStart = r.buffer.Len()

	variance := r.film.Variance()
	renderImageVariance.Set(variance)
	instrumentIteration(r.iter, spp)
	instrumentTrees(r.tree.NumNodes(), r.buffer.Len(), r.buffer.ActiveFraction())

	if !isFinal {
		r.buildTree(strategy)
	}

	if r.config.DumpPath != "" {
		r.dumpTree()
	}

	logs.WithTag("iteration", r.iter).
		WithTag("passes", passes).
		WithTag("variance", variance).
		WithTag("spatial_nodes", r.tree.NumNodes()).
		WithTag("stored_paths", r.buffer.Len()).
		WithTag("final", isFinal).
		Info("iteration finished")
}

func (r *Renderer) buildTree(strategy guiding.ReuseStrategy) {
	r.tree.ForEachLeafParallel(func(d *guiding.DistributionSet) {
		d.Build(strategy, r.isBuilt)
	})
	r.isBuilt = true

	leaves := 0
	maxDepth := 0
	quadNodes := 0
	var statWeight float64
	r.tree.ForEachLeaf(func(d *guiding.DistributionSet) {
		leaves++
		maxDepth = max(maxDepth, d.Depth())
		quadNodes += d.NumNodes()
		statWeight += d.StatisticalWeight()
	})

	logs.WithTag("leaves", leaves).
		WithTag("max_directional_depth", maxDepth).
		WithTag("directional_nodes", quadNodes).
		WithTag("statistical_weight", statWeight).
		Info("distributions rebuilt")
}

type tileTask struct {
	x0, y0, x1, y1 int
	slot           int
}

func (r *Renderer) traceFilm(ctx context.Context, spp int, store bool, seed int64) {
	tileSize := r.config.TileSize
	if tileSize <= 0 {
		tileSize = 32
	}

	var tasks []tileTask
	for y := 0; y < r.config.Height; y += tileSize {
		for x := 0; x < r.config.Width; x += tileSize {
			t := tileTask{
				x0:   x,
				y0:   y,
				x1:   min(x+tileSize, r.config.Width),
				y1:   min(y+tileSize, r.config.Height),
				slot: -1,
			}
			if store {
				t.slot = r.buffer.Reserve((t.x1 - t.x0) * (t.y1 - t.y0) * spp)
			}
			tasks = append(tasks, t)
		}
	}

	queue := make(chan tileTask, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	numWorkers := r.config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(workerSeed int64) {
			defer wg.Done()
			sampler := core.NewRandomSampler(rand.New(rand.NewSource(workerSeed)))
			for task := range queue {
				if ctx.Err() != nil {
					return
				}
				r.renderTile(task, spp, sampler)
			}
		}(seed + 104729 + int64(w))
	}
	wg.Wait()
}

func (r *Renderer) renderTile(t tileTask, spp int, sampler core.Sampler) {
	offset := 0
	for y := t.y0; y < t.y1; y++ {
		for x := t.x0; x < t.x1; x++ {
			for s := 0; s < spp; s++ {
				u := (float64(x) + sampler.Get1D()) / float64(r.config.Width)
				v := (float64(y) + sampler.Get1D()) / float64(r.config.Height)
				ray := r.camera.GetRay(u, v)

				var record *guiding.PathRecord
				if t.slot >= 0 {
					record = r.buffer.At(t.slot + offset)
					*record = guiding.PathRecord{}
					offset++
				}
				r.film.AddSample(x, y, r.tracer.Li(ray, sampler, record))
			}
		}
	}
}

func (r *Renderer) finalImage() []core.Vec3 {
	last := r.images[len(r.images)-1]

	switch r.config.Combination {
	case guiding.CombineDiscard:
		return last.pixels

	case guiding.CombineAutomatic:
		// Keep only the final iteration when it holds at least half
		// the budget, otherwise fold the earlier iterations in by
		// sample count.
		if 2*last.spp >= r.sppRendered {
			return last.pixels
		}
		weights := make([]float64, len(r.images))
		for i, img := range r.images {
			weights[i] = float64(img.spp)
		}
		return combineImages(r.images, weights)

	case guiding.CombineInverseVariance:
		images := r.images
		if len(images) > 4 {
			images = images[len(images)-4:]
		}
		weights := make([]float64, len(images))
		for i, img := range images {
			if img.variance > 0 && !math.IsInf(img.variance, 0) {
				weights[i] = 1 / img.variance
			}
		}
		return combineImages(images, weights)
	}
	return last.pixels
}

func (r *Renderer) dumpTree() {
	name := filepath.Join(r.config.DumpPath, fmt.Sprintf("iteration_%02d.sdt", r.iter))
	f, err := os.Create(name)
	if err != nil {
		logs.Warn(errors.New("creating guiding tree dump failed").WithTag("path", name).Wrap(err))
		return
	}
	defer f.Close()

	if err := guiding.WriteSDTree(f, r.camera.Matrix(), r.tree); err != nil {
		logs.Warn(errors.New("dumping guiding tree failed").WithTag("path", name).Wrap(err))
	}
}

func doNeeWithSpp(mode guiding.NeeMode, sppRendered int) bool {
	switch mode {
	case guiding.NeeKickstart:
		return sppRendered < 128
	case guiding.NeeAlways:
		return true
	default:
		return false
	}
}
