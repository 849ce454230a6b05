package renderer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	renderIteration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guiding_render_iteration",
		Help: "The current training iteration.",
	})

	renderSppTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guiding_render_spp_total",
		Help: "The number of samples per pixel rendered so far.",
	})

	renderImageVariance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guiding_render_image_variance",
		Help: "The estimated per-pixel sample variance of the last iteration.",
	})

	spatialNodeCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guiding_spatial_nodes",
		Help: "The number of nodes in the spatial tree.",
	})

	storedPathCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guiding_stored_paths",
		Help: "The number of paths stored for reuse.",
	})

	activePathFraction = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guiding_active_path_fraction",
		Help: "The fraction of stored paths that survived the last replay.",
	})
)

func instrumentIteration(iter, spp int) {
	renderIteration.Set(float64(iter))
	renderSppTotal.Add(float64(spp))
}

func instrumentTrees(spatialNodes, storedPaths int, activeFraction float64) {
	spatialNodeCount.Set(float64(spatialNodes))
	storedPathCount.Set(float64(storedPaths))
	activePathFraction.Set(activeFraction)
}
