package guiding

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

const (
	// minPdf floors directional densities so that ratios between two
	// trees stay finite even in regions neither tree has seen.
	minPdf = 1e-5

	// maxQuadNodes bounds a directional tree to what a 16-bit child
	// index can address in serialized form.
	maxQuadNodes = math.MaxUint16

	// noChild marks an empty child slot in a quad node.
	noChild int32 = -1

	invFourPi = 1.0 / (4.0 * math.Pi)
)

// DirToCanonical maps a unit direction to a point in the canonical unit
// square: x carries the cosine of the polar angle, y the azimuth.
func DirToCanonical(d core.Vec3) core.Vec2 {
	if !d.IsFinite() {
		return core.Vec2{}
	}
	cosTheta := math.Max(-1, math.Min(1, d.Z))
	phi := math.Atan2(d.Y, d.X)
	for phi < 0 {
		phi += 2 * math.Pi
	}
	return core.Vec2{X: (cosTheta + 1) / 2, Y: phi / (2 * math.Pi)}
}

// CanonicalToDir is the inverse of DirToCanonical.
func CanonicalToDir(p core.Vec2) core.Vec3 {
	cosTheta := 2*p.X - 1
	phi := 2 * math.Pi * p.Y
	sinTheta := math.Sqrt(math.Max(0, 1-cosTheta*cosTheta))
	sinPhi, cosPhi := math.Sincos(phi)
	return core.Vec3{X: sinTheta * cosPhi, Y: sinTheta * sinPhi, Z: cosTheta}
}

// QuadNode is one node of a directional quadtree. Each quadrant carries
// an atomically updated energy accumulator and the index of a child
// node, or noChild for a leaf quadrant. Quadrant bit 0 selects the x
// half, bit 1 the y half.
type QuadNode struct {
	sums     [4]core.AtomicFloat64
	children [4]int32
}

// IsLeaf reports whether the given quadrant has no child node.
func (n *QuadNode) IsLeaf(quadrant int) bool {
	return n.children[quadrant] == noChild
}

// Sum returns the energy accumulated in the given quadrant.
func (n *QuadNode) Sum(quadrant int) float64 {
	return n.sums[quadrant].Load()
}

// SetSum overwrites the energy of the given quadrant.
func (n *QuadNode) SetSum(quadrant int, v float64) {
	n.sums[quadrant].Store(v)
}

// Child returns the child index of the given quadrant, or noChild.
func (n *QuadNode) Child(quadrant int) int32 {
	return n.children[quadrant]
}

// SetChild links the given quadrant to a child node.
func (n *QuadNode) SetChild(quadrant int, child int32) {
	n.children[quadrant] = child
}

func (n *QuadNode) setAllSums(v float64) {
	for i := range n.sums {
		n.sums[i].Store(v)
	}
}

func (n *QuadNode) totalSum() float64 {
	return n.sums[0].Load() + n.sums[1].Load() + n.sums[2].Load() + n.sums[3].Load()
}

func (n *QuadNode) markAllLeaves() {
	for i := range n.children {
		n.children[i] = noChild
	}
}

// quadChildIndex selects the quadrant containing p and rescales p to
// the local coordinates of that quadrant.
func quadChildIndex(p *core.Vec2) int {
	index := 0
	if p.X < 0.5 {
		p.X *= 2
	} else {
		p.X = (p.X - 0.5) * 2
		index |= 1
	}
	if p.Y < 0.5 {
		p.Y *= 2
	} else {
		p.Y = (p.Y - 0.5) * 2
		index |= 2
	}
	return index
}

// quadChildOrigin returns the lower corner of the given quadrant in the
// unit square of its parent.
func quadChildOrigin(quadrant int) core.Vec2 {
	var o core.Vec2
	if quadrant&1 != 0 {
		o.X = 0.5
	}
	if quadrant&2 != 0 {
		o.Y = 0.5
	}
	return o
}

// DirTree is an adaptive quadtree over the canonical unit square. It
// accumulates radiance estimates concurrently and, once built, acts as
// a piecewise-constant directional distribution that can be sampled and
// evaluated in closed form.
type DirTree struct {
	nodes             []QuadNode
	sum               core.AtomicFloat64
	statisticalWeight core.AtomicFloat64
	maxDepth          int
}

// NewDirTree returns a tree consisting of a single empty root.
func NewDirTree() *DirTree {
	t := &DirTree{nodes: make([]QuadNode, 1)}
	t.nodes[0].markAllLeaves()
	t.maxDepth = 1
	return t
}

// Clone returns a deep copy of the tree.
func (t *DirTree) Clone() *DirTree {
	c := &DirTree{
		nodes:    make([]QuadNode, len(t.nodes)),
		maxDepth: t.maxDepth,
	}
	for i := range t.nodes {
		src := &t.nodes[i]
		dst := &c.nodes[i]
		for q := 0; q < 4; q++ {
			dst.sums[q].Store(src.sums[q].Load())
			dst.children[q] = src.children[q]
		}
	}
	c.sum.Store(t.sum.Load())
	c.statisticalWeight.Store(t.statisticalWeight.Load())
	return c
}

// NumNodes returns the number of quad nodes in the tree.
func (t *DirTree) NumNodes() int { return len(t.nodes) }

// Node returns the i-th quad node. Used for serialization.
func (t *DirTree) Node(i int) *QuadNode { return &t.nodes[i] }

// Depth returns the maximum depth of the tree in levels.
func (t *DirTree) Depth() int { return t.maxDepth }

// StatisticalWeight returns the total statistical weight of the samples
// recorded into the tree.
func (t *DirTree) StatisticalWeight() float64 { return t.statisticalWeight.Load() }

// SetStatisticalWeight overwrites the accumulated statistical weight.
func (t *DirTree) SetStatisticalWeight(w float64) { t.statisticalWeight.Store(w) }

// AddStatisticalWeight adds to the accumulated statistical weight
// without recording any energy.
func (t *DirTree) AddStatisticalWeight(w float64) { t.statisticalWeight.Add(w) }

// TotalEnergy returns the root energy cached by the last Build.
func (t *DirTree) TotalEnergy() float64 { return t.sum.Load() }

// Mean returns the average radiance represented by the tree, per unit
// solid angle.
func (t *DirTree) Mean() float64 {
	w := t.statisticalWeight.Load()
	if w <= 0 {
		return 0
	}
	return t.sum.Load() * invFourPi / w
}

// RecordIrradiance deposits a radiance estimate at canonical position p
// with the given statistical weight. The box filter spreads the energy
// over a leaf-sized footprint centered at p; the nearest filter adds it
// all to the leaf containing p.
func (t *DirTree) RecordIrradiance(p core.Vec2, irradiance, statisticalWeight float64, filter DirectionalFilter) {
	if math.IsNaN(statisticalWeight) || math.IsInf(statisticalWeight, 0) || statisticalWeight <= 0 {
		return
	}
	t.statisticalWeight.Add(statisticalWeight)
	if math.IsNaN(irradiance) || math.IsInf(irradiance, 0) || irradiance <= 0 {
		return
	}
	if filter == DirectionalFilterNearest {
		t.recordNearest(p, irradiance*statisticalWeight)
		return
	}
	depth := t.DepthAt(p)
	size := math.Pow(0.5, float64(depth))
	origin := core.Vec2{X: p.X - size/2, Y: p.Y - size/2}
	t.recordBox(0, core.Vec2{}, 1, origin, size, irradiance*statisticalWeight/(size*size))
}

func (t *DirTree) recordNearest(p core.Vec2, value float64) {
	idx := 0
	for {
		q := quadChildIndex(&p)
		n := &t.nodes[idx]
		if n.IsLeaf(q) {
			n.sums[q].Add(value)
			return
		}
		idx = int(n.Child(q))
	}
}

// recordBox distributes value over the overlap between the record
// footprint and each quadrant, recursing into subdivided quadrants.
func (t *DirTree) recordBox(idx int, nodeOrigin core.Vec2, nodeSize float64, origin core.Vec2, size, value float64) {
	childSize := nodeSize / 2
	n := &t.nodes[idx]
	for q := 0; q < 4; q++ {
		childOrigin := nodeOrigin.Add(quadChildOrigin(q).Multiply(nodeSize))
		overlapX := overlap1D(origin.X, size, childOrigin.X, childSize)
		if overlapX <= 0 {
			continue
		}
		overlapY := overlap1D(origin.Y, size, childOrigin.Y, childSize)
		if overlapY <= 0 {
			continue
		}
		w := overlapX * overlapY
		if n.IsLeaf(q) {
			n.sums[q].Add(value * w)
		} else {
			t.recordBox(int(n.Child(q)), childOrigin, childSize, origin, size, value)
		}
	}
}

func overlap1D(aMin, aSize, bMin, bSize float64) float64 {
	lo := math.Max(aMin, bMin)
	hi := math.Min(aMin+aSize, bMin+bSize)
	return hi - lo
}

// SetMinimumIrradiance raises every leaf quadrant to at least the given
// energy. Used to bootstrap exploration in unvisited regions.
func (t *DirTree) SetMinimumIrradiance(irradiance float64) {
	for i := range t.nodes {
		n := &t.nodes[i]
		for q := 0; q < 4; q++ {
			if n.IsLeaf(q) {
				n.sums[q].StoreMax(irradiance)
			}
		}
	}
}

// DepthAt returns the depth of the leaf quadrant containing p, counting
// the root's quadrants as depth 1.
func (t *DirTree) DepthAt(p core.Vec2) int {
	idx := 0
	depth := 1
	for {
		q := quadChildIndex(&p)
		n := &t.nodes[idx]
		if n.IsLeaf(q) {
			return depth
		}
		depth++
		idx = int(n.Child(q))
	}
}

// Pdf evaluates the directional density at canonical position p, per
// unit solid angle. maxLevel limits the descent depth; pass -1 for the
// full tree. An unbuilt or empty tree is uniform over the sphere.
func (t *DirTree) Pdf(p core.Vec2, maxLevel int) float64 {
	if !(t.Mean() > 0) {
		return invFourPi
	}
	result := 1.0
	idx := 0
	level := 0
	for {
		q := quadChildIndex(&p)
		n := &t.nodes[idx]
		s := n.Sum(q)
		if !(s > 0) {
			return 0
		}
		result *= 4 * s / n.totalSum()
		if n.IsLeaf(q) || level == maxLevel {
			break
		}
		level++
		idx = int(n.Child(q))
	}
	return result * invFourPi
}

// Sample draws a canonical position distributed according to the built
// tree via hierarchical inverse-transform sampling. Each level splits
// first along x, then along y, consuming one scalar; the position
// within the final leaf is uniform.
func (t *DirTree) Sample(sampler core.Sampler) core.Vec2 {
	if !(t.Mean() > 0) {
		return sampler.Get2D()
	}
	var origin core.Vec2
	scale := 1.0
	idx := 0
	for {
		n := &t.nodes[idx]
		topLeft := n.Sum(0)
		topRight := n.Sum(1)
		partial := topLeft + n.Sum(2)
		total := n.totalSum()
		if !(total > 0) {
			break
		}

		u := sampler.Get1D()
		q := 0
		var off core.Vec2
		boundary := partial / total
		if u < boundary {
			u /= boundary
			boundary = topLeft / partial
		} else {
			partial = total - partial
			off.X = 0.5
			u = (u - boundary) / (1 - boundary)
			boundary = topRight / partial
			q |= 1
		}
		if u >= boundary {
			off.Y = 0.5
			q |= 2
		}

		origin = origin.Add(off.Multiply(scale))
		scale /= 2
		if n.IsLeaf(q) {
			break
		}
		idx = int(n.Child(q))
	}
	p := origin.Add(sampler.Get2D().Multiply(scale))
	p.X = math.Min(p.X, 1-1e-9)
	p.Y = math.Min(p.Y, 1-1e-9)
	return p
}

// Build makes internal quadrant energies consistent with their subtrees
// and caches the root total. Must run before sampling or evaluating the
// tree; no concurrent records may be in flight.
func (t *DirTree) Build() {
	t.buildNode(0)
	t.sum.Store(t.nodes[0].totalSum())
}

func (t *DirTree) buildNode(idx int) {
	n := &t.nodes[idx]
	for q := 0; q < 4; q++ {
		if n.IsLeaf(q) {
			continue
		}
		child := int(n.Child(q))
		t.buildNode(child)
		n.SetSum(q, t.nodes[child].totalSum())
	}
}

type resetFrame struct {
	nodeIndex      int
	otherNodeIndex int
	otherTree      *DirTree
	depth          int
}

// Reset rebuilds the tree topology from a previously built tree,
// subdividing quadrants that carry more than subdivisionThreshold of
// the total energy, up to newMaxDepth levels. Quadrants that were
// internal in the source stay subdivided regardless of energy. All
// accumulators end up zeroed so the next iteration starts fresh.
func (t *DirTree) Reset(previous *DirTree, newMaxDepth int, subdivisionThreshold float64) {
	t.nodes = t.nodes[:0]
	t.nodes = append(t.nodes, QuadNode{})
	t.nodes[0].markAllLeaves()
	t.maxDepth = 0

	total := previous.sum.Load()

	stack := make([]resetFrame, 0, 32)
	stack = append(stack, resetFrame{nodeIndex: 0, otherNodeIndex: 0, otherTree: previous, depth: 1})

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if frame.depth > t.maxDepth {
			t.maxDepth = frame.depth
		}

		otherNode := &frame.otherTree.nodes[frame.otherNodeIndex]
		for q := 0; q < 4; q++ {
			s := otherNode.Sum(q)
			t.nodes[frame.nodeIndex].SetSum(q, s)

			fraction := math.Pow(0.25, float64(frame.depth))
			if total > 0 {
				fraction = s / total
			}

			if (frame.depth < newMaxDepth && fraction > subdivisionThreshold) || !otherNode.IsLeaf(q) {
				if !otherNode.IsLeaf(q) {
					// Keep descending through the existing subtree.
					stack = append(stack, resetFrame{
						nodeIndex:      len(t.nodes),
						otherNodeIndex: int(otherNode.Child(q)),
						otherTree:      frame.otherTree,
						depth:          frame.depth + 1,
					})
				} else {
					// Subdivide the leaf; the fresh child re-reads its own
					// warm-started energy to decide whether to go deeper.
					stack = append(stack, resetFrame{
						nodeIndex:      len(t.nodes),
						otherNodeIndex: len(t.nodes),
						otherTree:      t,
						depth:          frame.depth + 1,
					})
				}
				t.nodes[frame.nodeIndex].SetChild(q, int32(len(t.nodes)))
				t.nodes = append(t.nodes, QuadNode{})
				child := &t.nodes[len(t.nodes)-1]
				child.markAllLeaves()
				child.setAllSums(s / 4)
				// Pointer into t.nodes may be stale after append.
				otherNode = &frame.otherTree.nodes[frame.otherNodeIndex]

				if len(t.nodes) > maxQuadNodes {
					logs.WithTag("nodes", len(t.nodes)).
						Warn("directional tree exceeded its node budget, aborting refinement")
					stack = stack[:0]
					break
				}
			}
		}
	}

	for i := range t.nodes {
		t.nodes[i].setAllSums(0)
	}
	t.sum.Store(0)
	t.statisticalWeight.Store(0)
}

type majorizeFrame struct {
	selfIndex    int
	selfQuadrant int
	otherIndex   int
	otherQuad    int
	selfFactor   float64
	otherFactor  float64
}

// GetMajorizingFactor walks both trees in lock step down to mutually
// leaf quadrants and returns the pair of densities (at this tree and at
// other) where the ratio other/self is largest. When one tree is
// shallower than the other, its leaf density repeats unchanged while
// the deeper tree keeps subdividing. Densities are floored at minPdf so
// the ratio stays finite.
func (t *DirTree) GetMajorizingFactor(other *DirTree) (pSelf, pOther float64) {
	pSelf, pOther = 1, 1
	largest := 0.0

	stack := make([]majorizeFrame, 0, 32)
	stack = append(stack, majorizeFrame{
		selfQuadrant: -1, otherQuad: -1,
		selfFactor: 1, otherFactor: 1,
	})

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		selfNode := &t.nodes[frame.selfIndex]
		otherNode := &other.nodes[frame.otherIndex]

		var selfDenom, otherDenom float64
		if frame.selfQuadrant < 0 {
			selfDenom = selfNode.totalSum()
		} else {
			selfDenom = selfNode.Sum(frame.selfQuadrant) * 4
		}
		if frame.otherQuad < 0 {
			otherDenom = otherNode.totalSum()
		} else {
			otherDenom = otherNode.Sum(frame.otherQuad) * 4
		}

		for i := 0; i < 4; i++ {
			selfQ := i
			if frame.selfQuadrant >= 0 {
				selfQ = frame.selfQuadrant
			}
			otherQ := i
			if frame.otherQuad >= 0 {
				otherQ = frame.otherQuad
			}

			pdf := 0.0
			if selfDenom >= minPdf {
				pdf = frame.selfFactor * 4 * selfNode.Sum(selfQ) / selfDenom
			}
			otherPdf := 0.0
			if otherDenom >= minPdf {
				otherPdf = frame.otherFactor * 4 * otherNode.Sum(otherQ) / otherDenom
			}

			selfLeaf := frame.selfQuadrant >= 0 || selfNode.IsLeaf(selfQ)
			otherLeaf := frame.otherQuad >= 0 || otherNode.IsLeaf(otherQ)

			if selfLeaf && otherLeaf {
				pdf = math.Max(pdf, minPdf)
				otherPdf = math.Max(otherPdf, minPdf)
				if ratio := otherPdf / pdf; ratio > largest {
					largest = ratio
					pSelf, pOther = pdf, otherPdf
				}
				continue
			}

			next := majorizeFrame{selfFactor: pdf, otherFactor: otherPdf}
			if selfLeaf {
				next.selfIndex = frame.selfIndex
				next.selfQuadrant = selfQ
			} else {
				next.selfIndex = int(selfNode.Child(selfQ))
				next.selfQuadrant = -1
			}
			if otherLeaf {
				next.otherIndex = frame.otherIndex
				next.otherQuad = otherQ
			} else {
				next.otherIndex = int(otherNode.Child(otherQ))
				next.otherQuad = -1
			}
			stack = append(stack, next)
		}
	}
	return pSelf, pOther
}

type augmentFrame struct {
	nodeIndex int
	oldIndex  int
	newIndex  int
	oldFactor float64
	newFactor float64
}

// BuildAugmented replaces the tree with the envelope density
// max(0, (A*new - old) / (A - 1)) over the mutual topology of the two
// given trees, where A is the smallest constant with A*new >= old at
// mutual leaves. Returns B = A - 1, the expected number of envelope
// samples per unit statistical weight; a return of 0 means the two
// distributions are close enough that no envelope is needed.
func (t *DirTree) BuildAugmented(oldTree, newTree *DirTree) float64 {
	t.nodes = t.nodes[:0]
	t.nodes = append(t.nodes, QuadNode{})
	t.nodes[0].markAllLeaves()
	t.maxDepth = 0
	t.sum.Store(0)
	t.statisticalWeight.Store(0)

	pNew, pOld := newTree.GetMajorizingFactor(oldTree)
	a := 1.0
	if pNew >= minPdf || pOld >= minPdf {
		a = pOld / pNew
	}
	if math.Abs(a-1) < minPdf {
		return 0
	}

	stack := make([]augmentFrame, 0, 32)
	stack = append(stack, augmentFrame{oldFactor: 1, newFactor: 1})

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		oldNode := &oldTree.nodes[frame.oldIndex]
		newNode := &newTree.nodes[frame.newIndex]
		oldDenom := oldNode.totalSum()
		newDenom := newNode.totalSum()

		for q := 0; q < 4; q++ {
			oldPdf := 0.0
			if oldDenom >= minPdf {
				oldPdf = frame.oldFactor * 4 * oldNode.Sum(q) / oldDenom
			}
			newPdf := 0.0
			if newDenom >= minPdf {
				newPdf = frame.newFactor * 4 * newNode.Sum(q) / newDenom
			}

			if !oldNode.IsLeaf(q) && !newNode.IsLeaf(q) {
				stack = append(stack, augmentFrame{
					nodeIndex: len(t.nodes),
					oldIndex:  int(oldNode.Child(q)),
					newIndex:  int(newNode.Child(q)),
					oldFactor: oldPdf,
					newFactor: newPdf,
				})
				t.nodes[frame.nodeIndex].SetChild(q, int32(len(t.nodes)))
				t.nodes = append(t.nodes, QuadNode{})
				t.nodes[len(t.nodes)-1].markAllLeaves()
			}

			t.nodes[frame.nodeIndex].SetSum(q, math.Max(0, (a*newPdf-oldPdf)/(a-1)))
		}
	}

	t.Build()
	t.statisticalWeight.Store(newTree.statisticalWeight.Load())
	return a - 1
}

// BuildUnmajorizedAugmented replaces the tree with the clipped
// difference density max(0, new - old) over the mutual topology of the
// two given trees and returns its integral over the unit square.
func (t *DirTree) BuildUnmajorizedAugmented(oldTree, newTree *DirTree) float64 {
	t.nodes = t.nodes[:0]
	t.nodes = append(t.nodes, QuadNode{})
	t.nodes[0].markAllLeaves()
	t.maxDepth = 0
	t.sum.Store(0)
	t.statisticalWeight.Store(0)

	stack := make([]augmentFrame, 0, 32)
	stack = append(stack, augmentFrame{oldFactor: 1, newFactor: 1})

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		oldNode := &oldTree.nodes[frame.oldIndex]
		newNode := &newTree.nodes[frame.newIndex]
		oldDenom := oldNode.totalSum()
		newDenom := newNode.totalSum()

		for q := 0; q < 4; q++ {
			oldPdf := 0.0
			if oldDenom >= minPdf {
				oldPdf = frame.oldFactor * 4 * oldNode.Sum(q) / oldDenom
			}
			newPdf := 0.0
			if newDenom >= minPdf {
				newPdf = frame.newFactor * 4 * newNode.Sum(q) / newDenom
			}

			if !oldNode.IsLeaf(q) && !newNode.IsLeaf(q) {
				stack = append(stack, augmentFrame{
					nodeIndex: len(t.nodes),
					oldIndex:  int(oldNode.Child(q)),
					newIndex:  int(newNode.Child(q)),
					oldFactor: oldPdf,
					newFactor: newPdf,
				})
				t.nodes[frame.nodeIndex].SetChild(q, int32(len(t.nodes)))
				t.nodes = append(t.nodes, QuadNode{})
				t.nodes[len(t.nodes)-1].markAllLeaves()
			}

			t.nodes[frame.nodeIndex].SetSum(q, math.Max(0, newPdf-oldPdf))
		}
	}

	t.Build()
	t.statisticalWeight.Store(newTree.statisticalWeight.Load())
	return t.Integral()
}

// Integral returns the integral of the leaf densities over the unit
// square, treating each quadrant sum as a density value.
func (t *DirTree) Integral() float64 {
	type frame struct {
		index  int
		factor float64
	}
	integral := 0.0
	stack := []frame{{index: 0, factor: 0.25}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[f.index]
		for q := 0; q < 4; q++ {
			if n.IsLeaf(q) {
				integral += n.Sum(q) * f.factor
			} else {
				stack = append(stack, frame{index: int(n.Child(q)), factor: f.factor / 4})
			}
		}
	}
	return integral
}

type blendFrame struct {
	nodeIndex  int
	otherIndex int
	otherQuad  int
	factor     float64
}

// Blend adds factor times the other tree's leaf energies into this
// tree's leaves. Where the other tree is shallower, its leaf energy is
// split evenly among this tree's finer leaves.
func (t *DirTree) Blend(other *DirTree, factor float64) {
	stack := []blendFrame{{otherQuad: -1, factor: factor}}
	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &t.nodes[frame.nodeIndex]
		otherNode := &other.nodes[frame.otherIndex]

		for q := 0; q < 4; q++ {
			otherQ := q
			if frame.otherQuad >= 0 {
				otherQ = frame.otherQuad
			}
			otherLeaf := frame.otherQuad >= 0 || otherNode.IsLeaf(otherQ)

			if n.IsLeaf(q) {
				if otherLeaf {
					n.sums[q].Add(frame.factor * otherNode.Sum(otherQ))
				} else {
					// Sum the other subtree into this coarser leaf.
					n.sums[q].Add(frame.factor * other.subtreeSum(int(otherNode.Child(otherQ))))
				}
				continue
			}

			next := blendFrame{nodeIndex: int(n.Child(q))}
			if otherLeaf {
				next.otherIndex = frame.otherIndex
				next.otherQuad = otherQ
				next.factor = frame.factor / 4
			} else {
				next.otherIndex = int(otherNode.Child(otherQ))
				next.otherQuad = -1
				next.factor = frame.factor
			}
			stack = append(stack, next)
		}
	}
	t.statisticalWeight.Add(other.statisticalWeight.Load() * factor)
}

func (t *DirTree) subtreeSum(idx int) float64 {
	total := 0.0
	stack := []int{idx}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[i]
		for q := 0; q < 4; q++ {
			if n.IsLeaf(q) {
				total += n.Sum(q)
			} else {
				stack = append(stack, int(n.Child(q)))
			}
		}
	}
	return total
}

// ApproxMemoryFootprint returns the approximate heap size of the tree
// in bytes.
func (t *DirTree) ApproxMemoryFootprint() int {
	const nodeSize = 4*8 + 4*4
	return len(t.nodes)*nodeSize + 64
}
