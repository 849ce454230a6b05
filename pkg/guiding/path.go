package guiding

import (
	"sync"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// PathVertex is one stored bounce of a traced path, carrying everything
// needed to replay the bounce against rebuilt distributions. BsdfValue
// is the BSDF times the cosine term; ScaleCorrection accumulates the
// reweighting applied by reuse strategies across iterations.
type PathVertex struct {
	Origin          core.Vec3
	Direction       core.Vec3
	BsdfValue       core.Vec3
	BsdfPdf         float64
	WoPdf           float64
	IsDelta         bool
	ScaleCorrection float64
}

// EmissionRecord stores radiance picked up at a path vertex, either
// from a hit emitter or the environment. Position indexes the vertex
// whose outgoing ray found the emitter; -1 marks emission seen directly
// from the camera. EmitterPdf is the density of finding the emitter via
// light sampling, for the balance against the replayed bounce density.
type EmissionRecord struct {
	Position   int
	Radiance   core.Vec3
	EmitterPdf float64
}

// LightSampleRecord stores one next event estimation sample so its
// multiple importance weight can be recomputed when the bounce
// densities change on replay.
type LightSampleRecord struct {
	Position  int
	Radiance  core.Vec3
	LightPdf  float64
	Direction core.Vec3
	BsdfValue core.Vec3
	BsdfPdf   float64
}

// PathRecord is one full stored camera path with the emission and
// light samples gathered along it. A path stays Active until a reuse
// strategy terminates it, after which its storage is released.
type PathRecord struct {
	Vertices     []PathVertex
	Emissions    []EmissionRecord
	LightSamples []LightSampleRecord
	Iteration    int
	Active       bool
}

// Clear deactivates the path and releases its storage.
func (p *PathRecord) Clear() {
	p.Active = false
	p.Vertices = nil
	p.Emissions = nil
	p.LightSamples = nil
}

// PathBuffer stores the paths of all iterations that are still eligible
// for reuse. Render workers reserve contiguous slots up front and fill
// them without further synchronization.
type PathBuffer struct {
	paths  []PathRecord
	cursor int
	mu     sync.Mutex
}

// NewPathBuffer returns an empty buffer.
func NewPathBuffer() *PathBuffer {
	return &PathBuffer{}
}

// Grow extends the buffer by n slots ahead of an iteration and moves
// the reservation cursor past the existing paths. Returns the index of
// the first new slot.
func (b *PathBuffer) Grow(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cursor = len(b.paths)
	b.paths = append(b.paths, make([]PathRecord, n)...)
	return b.cursor
}

// Reserve claims n contiguous slots for a render worker and returns the
// index of the first one.
func (b *PathBuffer) Reserve(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.cursor
	b.cursor += n
	return start
}

// Set stores a path into a reserved slot.
func (b *PathBuffer) Set(i int, p PathRecord) {
	b.paths[i] = p
}

// At returns a pointer to the i-th stored path.
func (b *PathBuffer) At(i int) *PathRecord {
	return &b.paths[i]
}

// Len returns the number of stored paths.
func (b *PathBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.paths)
}

// ActiveFraction returns the fraction of stored paths that are still
// active. Useful for judging how much reuse survives each rebuild.
func (b *PathBuffer) ActiveFraction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.paths) == 0 {
		return 0
	}
	active := 0
	for i := range b.paths {
		if b.paths[i].Active {
			active++
		}
	}
	return float64(active) / float64(len(b.paths))
}

// Clear drops all stored paths.
func (b *PathBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = nil
	b.cursor = 0
}
