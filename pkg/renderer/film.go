package renderer

import (
	"image"
	"image/color"
	"math"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// varianceLuminanceClamp caps per-sample luminance in the variance
// estimate so fireflies do not dominate it.
const varianceLuminanceClamp = 1e4

// Film accumulates radiance samples for one iteration. Tiles partition
// the pixels, so workers write without synchronization.
type Film struct {
	Width, Height int

	pixels  []core.Vec3
	lum     []float64
	lumSq   []float64
	samples int
}

// NewFilm creates an empty film.
func NewFilm(width, height int) *Film {
	return &Film{
		Width:  width,
		Height: height,
		pixels: make([]core.Vec3, width*height),
		lum:    make([]float64, width*height),
		lumSq:  make([]float64, width*height),
	}
}

// Clear resets the film for the next iteration.
func (f *Film) Clear(samplesPerPixel int) {
	for i := range f.pixels {
		f.pixels[i] = core.Vec3{}
		f.lum[i] = 0
		f.lumSq[i] = 0
	}
	f.samples = samplesPerPixel
}

// AddSample accumulates one radiance sample for the pixel.
func (f *Film) AddSample(x, y int, radiance core.Vec3) {
	i := y*f.Width + x
	f.pixels[i] = f.pixels[i].Add(radiance)

	lum := math.Min(radiance.Luminance(), varianceLuminanceClamp)
	f.lum[i] += lum
	f.lumSq[i] += lum * lum
}

// SamplesPerPixel returns the sample count the film was cleared for.
func (f *Film) SamplesPerPixel() int {
	return f.samples
}

// Mean returns the per-pixel average radiance.
func (f *Film) Mean() []core.Vec3 {
	out := make([]core.Vec3, len(f.pixels))
	inv := 1.0 / float64(f.samples)
	for i, p := range f.pixels {
		out[i] = p.Multiply(inv)
	}
	return out
}

// Variance estimates the mean per-pixel sample variance of the
// iteration's image from the accumulated luminance moments.
func (f *Film) Variance() float64 {
	n := float64(f.samples)
	if n < 2 {
		return math.Inf(1)
	}
	total := 0.0
	for i := range f.lum {
		total += math.Max(0, f.lumSq[i]-f.lum[i]*f.lum[i]/n)
	}
	return total / (float64(f.Width*f.Height) * (n - 1))
}

// iterationImage is one iteration's averaged result kept for sample
// combination.
type iterationImage struct {
	pixels   []core.Vec3
	spp      int
	variance float64
}

// combineImages merges iteration images by the given weights.
func combineImages(images []iterationImage, weights []float64) []core.Vec3 {
	out := make([]core.Vec3, len(images[0].pixels))
	totalWeight := 0.0
	for _, w := range weights {
		totalWeight += w
	}
	if totalWeight <= 0 {
		return images[len(images)-1].pixels
	}
	for k, img := range images {
		w := weights[k] / totalWeight
		for i, p := range img.pixels {
			out[i] = out[i].Add(p.Multiply(w))
		}
	}
	return out
}

// ToImage converts linear radiance to an 8-bit sRGB image with simple
// gamma 2 encoding.
func ToImage(pixels []core.Vec3, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := pixels[y*width+x]
			img.SetRGBA(x, height-1-y, color.RGBA{
				R: encodeChannel(p.X),
				G: encodeChannel(p.Y),
				B: encodeChannel(p.Z),
				A: 255,
			})
		}
	}
	return img
}

func encodeChannel(v float64) uint8 {
	v = math.Sqrt(math.Max(0, math.Min(v, 1)))
	return uint8(math.Round(v * 255))
}
