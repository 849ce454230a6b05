package guiding

import (
	"math"
	"runtime"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// spatialNode is one node of the binary spatial tree. Internal nodes
// split their voxel in half along axis; only leaves own a distribution
// set.
type spatialNode struct {
	isLeaf   bool
	dist     *DistributionSet
	axis     int
	children [2]uint32
	level    int
}

// childIndex selects the half containing p along the node's axis and
// rescales that coordinate to the child's local space.
func (n *spatialNode) childIndex(p *core.Vec3) int {
	v := p.Axis(n.axis)
	if v < 0.5 {
		*p = p.SetAxis(n.axis, v*2)
		return 0
	}
	*p = p.SetAxis(n.axis, (v-0.5)*2)
	return 1
}

// SpatialTree is a binary tree over the scene bounds whose leaves each
// hold the directional distributions for their voxel. Split axes cycle
// x, y, z with depth; every split is at the voxel midpoint.
type SpatialTree struct {
	nodes []spatialNode
	aabb  core.AABB
}

// NewSpatialTree creates a tree over the given bounds, enlarged into a
// cube so subdivisions stay well proportioned.
func NewSpatialTree(aabb core.AABB) *SpatialTree {
	t := &SpatialTree{aabb: aabb.ExpandToCube()}
	t.nodes = append(t.nodes, spatialNode{isLeaf: true, dist: NewDistributionSet()})
	return t
}

// AABB returns the cube-expanded bounds of the tree.
func (t *SpatialTree) AABB() core.AABB { return t.aabb }

// NumNodes returns the number of spatial nodes.
func (t *SpatialTree) NumNodes() int { return len(t.nodes) }

// Subdivide splits every leaf the given number of times. Used to build
// a fixed spatial resolution up front when adaptive splitting is off.
func (t *SpatialTree) Subdivide(levels int) {
	for i := 0; i < levels; i++ {
		n := len(t.nodes)
		for j := 0; j < n; j++ {
			if t.nodes[j].isLeaf {
				t.subdivideNode(j)
			}
		}
	}
}

// subdivideNode splits a leaf into two children along the next axis.
// Each child starts from a copy of the parent's distributions with half
// the parent's accumulated weight; the parent becomes a pure routing
// node.
func (t *SpatialTree) subdivideNode(idx int) {
	if len(t.nodes)+2 > math.MaxUint32 {
		logs.WithTag("nodes", len(t.nodes)).
			Warn("spatial tree exceeded its node budget, not subdividing")
		return
	}

	parent := &t.nodes[idx]
	childAxis := (parent.axis + 1) % 3
	childLevel := parent.level + 1

	for i := 0; i < 2; i++ {
		child := spatialNode{
			isLeaf: true,
			dist:   parent.dist.Clone(),
			axis:   childAxis,
			level:  childLevel,
		}
		child.dist.SetStatisticalWeightBuilding(child.dist.StatisticalWeightBuilding() / 2)
		parent.children[i] = uint32(len(t.nodes))
		t.nodes = append(t.nodes, child)
		parent = &t.nodes[idx]
	}

	parent.isLeaf = false
	parent.dist = nil
}

// Lookup returns the distribution set of the leaf containing p.
func (t *SpatialTree) Lookup(p core.Vec3) *DistributionSet {
	d, _ := t.LookupWithSize(p)
	return d
}

// LookupWithSize returns the distribution set of the leaf containing p
// together with the world-space size of the leaf's voxel.
func (t *SpatialTree) LookupWithSize(p core.Vec3) (*DistributionSet, core.Vec3) {
	size := t.aabb.Size()
	local := p.Subtract(t.aabb.Min)
	local = core.Vec3{X: local.X / size.X, Y: local.Y / size.Y, Z: local.Z / size.Z}

	idx := 0
	for {
		n := &t.nodes[idx]
		if n.isLeaf {
			return n.dist, size
		}
		size = size.SetAxis(n.axis, size.Axis(n.axis)/2)
		idx = int(n.children[n.childIndex(&local)])
	}
}

// Record deposits a radiance estimate at world position p, spreading it
// spatially according to the filter. The sampler drives the jitter of
// the stochastic box filter.
func (t *SpatialTree) Record(p core.Vec3, voxelSize core.Vec3, rec RadianceRecord, spatialFilter SpatialFilter, directionalFilter DirectionalFilter, loss SamplingFractionLoss, sampler core.Sampler) {
	switch spatialFilter {
	case SpatialFilterNearest:
		t.Lookup(p).Record(rec, directionalFilter, loss)

	case SpatialFilterStochasticBox:
		offset := core.Vec3{
			X: voxelSize.X * (sampler.Get1D() - 0.5),
			Y: voxelSize.Y * (sampler.Get1D() - 0.5),
			Z: voxelSize.Z * (sampler.Get1D() - 0.5),
		}
		origin := t.aabb.Clip(p.Add(offset))
		t.Lookup(origin).Record(rec, directionalFilter, loss)

	case SpatialFilterBox:
		volume := voxelSize.X * voxelSize.Y * voxelSize.Z
		rec.StatisticalWeight /= volume
		half := voxelSize.Multiply(0.5)
		t.recordBox(0, p.Subtract(half), p.Add(half), t.aabb.Min, t.aabb.Size(), rec, directionalFilter, loss)
	}
}

// recordBox splats the record into every leaf voxel overlapping the
// filter box, weighted by overlap volume.
func (t *SpatialTree) recordBox(idx int, boxMin, boxMax, nodeMin core.Vec3, nodeSize core.Vec3, rec RadianceRecord, filter DirectionalFilter, loss SamplingFractionLoss) {
	w := overlapVolume(boxMin, boxMax, nodeMin, nodeMin.Add(nodeSize))
	if w <= 0 {
		return
	}

	n := &t.nodes[idx]
	if n.isLeaf {
		weighted := rec
		weighted.StatisticalWeight *= w
		n.dist.Record(weighted, filter, loss)
		return
	}

	childSize := nodeSize.SetAxis(n.axis, nodeSize.Axis(n.axis)/2)
	for i := 0; i < 2; i++ {
		childMin := nodeMin
		if i == 1 {
			childMin = childMin.SetAxis(n.axis, childMin.Axis(n.axis)+childSize.Axis(n.axis))
		}
		t.recordBox(int(n.children[i]), boxMin, boxMax, childMin, childSize, rec, filter, loss)
	}
}

func overlapVolume(min1, max1, min2, max2 core.Vec3) float64 {
	volume := 1.0
	for axis := 0; axis < 3; axis++ {
		length := math.Min(max1.Axis(axis), max2.Axis(axis)) - math.Max(min1.Axis(axis), min2.Axis(axis))
		if length <= 0 {
			return 0
		}
		volume *= length
	}
	return volume
}

// Refine subdivides every leaf whose accumulated statistical weight
// exceeds the threshold, recursively, so heavily sampled regions get
// finer spatial resolution. Refinement stops entirely once the tree's
// approximate memory footprint reaches maxMB megabytes; pass a negative
// value for no limit. With static set, the criterion is evaluated but
// no splits happen.
func (t *SpatialTree) Refine(threshold float64, maxMB int, static bool) {
	if maxMB >= 0 {
		footprint := 0
		for i := range t.nodes {
			if t.nodes[i].dist != nil {
				footprint += t.nodes[i].dist.ApproxMemoryFootprint()
			}
		}
		if footprint/1000000 >= maxMB {
			logs.WithTag("footprint_bytes", footprint).
				Warn("guiding tree memory limit reached, skipping refinement")
			return
		}
	}

	stack := []int{0}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if t.nodes[idx].isLeaf && !static &&
			t.nodes[idx].dist.StatisticalWeightBuilding() > threshold {
			t.subdivideNode(idx)
		}

		if !t.nodes[idx].isLeaf {
			stack = append(stack, int(t.nodes[idx].children[0]), int(t.nodes[idx].children[1]))
		}
	}
}

// ForEachLeaf calls fn for every leaf distribution set, sequentially.
func (t *SpatialTree) ForEachLeaf(fn func(*DistributionSet)) {
	for i := range t.nodes {
		if t.nodes[i].isLeaf {
			fn(t.nodes[i].dist)
		}
	}
}

// ForEachLeafParallel calls fn for every leaf distribution set across
// all CPUs. fn must not touch other leaves.
func (t *SpatialTree) ForEachLeafParallel(fn func(*DistributionSet)) {
	numWorkers := runtime.NumCPU()
	work := make(chan *DistributionSet, numWorkers)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for d := range work {
				fn(d)
			}
		}()
	}

	for i := range t.nodes {
		if t.nodes[i].isLeaf {
			work <- t.nodes[i].dist
		}
	}
	close(work)
	wg.Wait()
}

// ForEachLeafBounds calls fn for every leaf with the world-space origin
// and size of its voxel, in tree order.
func (t *SpatialTree) ForEachLeafBounds(fn func(d *DistributionSet, origin, size core.Vec3)) {
	t.forEachLeafBounds(0, t.aabb.Min, t.aabb.Size(), fn)
}

func (t *SpatialTree) forEachLeafBounds(idx int, origin, size core.Vec3, fn func(*DistributionSet, core.Vec3, core.Vec3)) {
	n := &t.nodes[idx]
	if n.isLeaf {
		fn(n.dist, origin, size)
		return
	}

	childSize := size.SetAxis(n.axis, size.Axis(n.axis)/2)
	for i := 0; i < 2; i++ {
		childOrigin := origin
		if i == 1 {
			childOrigin = childOrigin.SetAxis(n.axis, childOrigin.Axis(n.axis)+childSize.Axis(n.axis))
		}
		t.forEachLeafBounds(int(n.children[i]), childOrigin, childSize, fn)
	}
}
