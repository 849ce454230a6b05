package main

import (
	"context"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
	"github.com/igorawratu/practical-path-guiding/pkg/guiding"
	"github.com/igorawratu/practical-path-guiding/pkg/renderer"
	"github.com/igorawratu/practical-path-guiding/pkg/scene"
)

type config struct {
	Width                   int     `cli:"" env:"PPG_WIDTH"                     help:"Image width in pixels."`
	Height                  int     `cli:"" env:"PPG_HEIGHT"                    help:"Image height in pixels."`
	Budget                  int     `cli:"" env:"PPG_BUDGET"                    help:"Rendering budget."`
	BudgetType              string  `cli:"" env:"PPG_BUDGET_TYPE"               help:"Budget unit (spp|seconds)."`
	SppPerPass              int     `cli:"" env:"PPG_SPP_PER_PASS"              help:"Samples per pixel per pass."`
	MaxDepth                int     `cli:"" env:"PPG_MAX_DEPTH"                 help:"Maximum path depth."`
	RRDepth                 int     `cli:"" env:"PPG_RR_DEPTH"                  help:"Depth at which Russian roulette starts."`
	BsdfSamplingFraction    float64 `cli:"" env:"PPG_BSDF_SAMPLING_FRACTION"    help:"Fixed BSDF sampling fraction when no loss is configured."`
	Loss                    string  `cli:"" env:"PPG_LOSS"                      help:"Sampling fraction loss (none|kl|variance)."`
	Strategy                string  `cli:"" env:"PPG_STRATEGY"                  help:"Sample reuse strategy (discard|reweight|reject|rejectreweight|augment|rejectaugment|reweightaugment)."`
	Combination             string  `cli:"" env:"PPG_COMBINATION"               help:"Sample combination (discard|automatic|inversevariance)."`
	Nee                     string  `cli:"" env:"PPG_NEE"                       help:"Next event estimation mode (never|kickstart|always)."`
	SpatialFilter           string  `cli:"" env:"PPG_SPATIAL_FILTER"            help:"Spatial splat filter (nearest|stochastic|box)."`
	DirectionalFilter       string  `cli:"" env:"PPG_DIRECTIONAL_FILTER"        help:"Directional splat filter (nearest|box)."`
	SpatialThreshold        float64 `cli:",hidden" env:"PPG_SPATIAL_THRESHOLD" help:"Statistical weight per spatial leaf before splitting."`
	DirectionalThreshold    float64 `cli:",hidden" env:"PPG_DIRECTIONAL_THRESHOLD" help:"Energy fraction per directional quadrant before splitting."`
	MaxMemoryMB             int     `cli:",hidden" env:"PPG_MAX_MEMORY_MB"      help:"Guiding tree memory cap in MB, -1 for unlimited."`
	StrategyIterationActive int     `cli:",hidden" env:"PPG_STRATEGY_ITERATION_ACTIVE" help:"Last iteration sample reuse stays active, -1 for always."`
	StaticTree              bool    `cli:",hidden" env:"PPG_STATIC_TREE"        help:"Freeze the spatial tree at a fixed resolution."`
	DumpTrees               bool    `cli:"" env:"PPG_DUMP_TREES"                help:"Dump the guiding tree after each iteration."`
	Output                  string  `cli:"" env:"PPG_OUTPUT"                    help:"Output directory."`
	AdminAddr               string  `cli:"" env:"PPG_ADMIN_ADDR"                help:"Admin listening address serving metrics, empty to disable."`
	Seed                    int64   `cli:",hidden" env:"PPG_SEED"               help:"Random seed."`
	Workers                 int     `cli:",hidden" env:"PPG_WORKERS"            help:"Number of render workers, 0 for all CPUs."`
	LogLevel                string  `cli:"" env:"PPG_LOG_LEVEL"                 help:"Log level (debug|info|warning|error)."`
	LogIndent               bool    `cli:"" env:"PPG_LOG_INDENT"                help:"Indent logs."`
}

type renderSummary struct {
	RenderID     string  `json:"render_id"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Spp          int     `json:"spp"`
	Iterations   int     `json:"iterations"`
	SpatialNodes int     `json:"spatial_nodes"`
	Seconds      float64 `json:"seconds"`
	Image        string  `json:"image"`
}

func main() {
	defaults := renderer.DefaultConfig()
	conf := config{
		Width:                   defaults.Width,
		Height:                  defaults.Height,
		Budget:                  defaults.Budget,
		BudgetType:              defaults.BudgetType.String(),
		SppPerPass:              defaults.SppPerPass,
		MaxDepth:                defaults.MaxDepth,
		RRDepth:                 defaults.RRDepth,
		BsdfSamplingFraction:    defaults.BsdfSamplingFraction,
		Loss:                    defaults.Loss.String(),
		Strategy:                defaults.Strategy.String(),
		Combination:             defaults.Combination.String(),
		Nee:                     defaults.NeeMode.String(),
		SpatialFilter:           defaults.SpatialFilter.String(),
		DirectionalFilter:       defaults.DirectionalFilter.String(),
		SpatialThreshold:        defaults.SpatialThreshold,
		DirectionalThreshold:    defaults.DirectionalThreshold,
		MaxMemoryMB:             defaults.MaxMemoryMB,
		StrategyIterationActive: defaults.StrategyIterationActive,
		Output:                  "output",
		Seed:                    defaults.Seed,
		LogLevel:                logs.InfoLevel.String(),
	}

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Renders a scene with practical path guiding.").
		Options(&conf)
	cli.Load()

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}
	errors.Encoder = json.Marshal

	cfg, err := renderConfig(conf)
	if err != nil {
		logs.Fatal(err)
	}

	if conf.AdminAddr != "" {
		go serveAdmin(conf.AdminAddr)
	}

	renderID := uuid.NewString()
	if err := os.MkdirAll(conf.Output, 0755); err != nil {
		logs.Fatal(errors.New("creating output directory failed").Wrap(err))
	}
	if conf.DumpTrees {
		cfg.DumpPath = conf.Output
	}

	sc := scene.NewCornellScene()
	camera := renderer.NewCamera(
		core.NewVec3(0.5, 0.5, -1.4),
		core.NewVec3(0.5, 0.5, 0.5),
		core.NewVec3(0, 1, 0),
		40,
		float64(cfg.Width)/float64(cfg.Height),
	)

	logs.WithTag("render_id", renderID).
		WithTag("budget", conf.Budget).
		WithTag("budget_type", conf.BudgetType).
		WithTag("strategy", conf.Strategy).
		Info("starting render")

	r := renderer.New(cfg, sc, camera)
	start := time.Now()

	pixels, err := r.Render(ctx)
	if err != nil {
		logs.Fatal(err)
	}

	imagePath := filepath.Join(conf.Output, "render.png")
	if err := writePNG(imagePath, pixels, cfg.Width, cfg.Height); err != nil {
		logs.Fatal(err)
	}

	summary := renderSummary{
		RenderID:     renderID,
		Width:        cfg.Width,
		Height:       cfg.Height,
		Spp:          r.SppRendered(),
		Iterations:   r.Iterations(),
		SpatialNodes: r.Tree().NumNodes(),
		Seconds:      time.Since(start).Seconds(),
		Image:        imagePath,
	}
	if err := writeSummary(filepath.Join(conf.Output, "render.json"), summary); err != nil {
		logs.Warn(err)
	}

	logs.WithTag("render_id", renderID).
		WithTag("spp", summary.Spp).
		WithTag("iterations", summary.Iterations).
		WithTag("seconds", summary.Seconds).
		WithTag("image", imagePath).
		Info("render finished")
}

func renderConfig(conf config) (renderer.Config, error) {
	cfg := renderer.DefaultConfig()
	cfg.Width = conf.Width
	cfg.Height = conf.Height
	cfg.Budget = conf.Budget
	cfg.SppPerPass = conf.SppPerPass
	cfg.MaxDepth = conf.MaxDepth
	cfg.RRDepth = conf.RRDepth
	cfg.BsdfSamplingFraction = conf.BsdfSamplingFraction
	cfg.SpatialThreshold = conf.SpatialThreshold
	cfg.DirectionalThreshold = conf.DirectionalThreshold
	cfg.MaxMemoryMB = conf.MaxMemoryMB
	cfg.StrategyIterationActive = conf.StrategyIterationActive
	cfg.StaticTree = conf.StaticTree
	cfg.NumWorkers = conf.Workers
	cfg.Seed = conf.Seed

	var err error
	if cfg.BudgetType, err = guiding.ParseBudgetType(conf.BudgetType); err != nil {
		return cfg, err
	}
	if cfg.Loss, err = guiding.ParseSamplingFractionLoss(conf.Loss); err != nil {
		return cfg, err
	}
	if cfg.Strategy, err = guiding.ParseReuseStrategy(conf.Strategy); err != nil {
		return cfg, err
	}
	if cfg.Combination, err = guiding.ParseSampleCombination(conf.Combination); err != nil {
		return cfg, err
	}
	if cfg.NeeMode, err = guiding.ParseNeeMode(conf.Nee); err != nil {
		return cfg, err
	}
	if cfg.SpatialFilter, err = guiding.ParseSpatialFilter(conf.SpatialFilter); err != nil {
		return cfg, err
	}
	if cfg.DirectionalFilter, err = guiding.ParseDirectionalFilter(conf.DirectionalFilter); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func serveAdmin(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logs.WithTag("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logs.Warn(errors.New("admin server failed").WithTag("addr", addr).Wrap(err))
	}
}

func writePNG(path string, pixels []core.Vec3, width, height int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.New("creating image file failed").WithTag("path", path).Wrap(err)
	}
	defer f.Close()

	if err := png.Encode(f, renderer.ToImage(pixels, width, height)); err != nil {
		return errors.New("encoding image failed").WithTag("path", path).Wrap(err)
	}
	return nil
}

func writeSummary(path string, summary renderSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.New("encoding render summary failed").Wrap(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("writing render summary failed").WithTag("path", path).Wrap(err)
	}
	return nil
}
