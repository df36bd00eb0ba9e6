// Package voxel computes a spatial self-similarity surface from a frame
// sequence.
//
// Each pixel on a sub-sampled grid contributes its intensity over time as a
// voxel. Voxels are correlated with each other exactly like frames are, and
// the entropy of each voxel's similarity row becomes one sample of a 2D map.
// The map is upsampled back to the frame size and padded for the
// segmentation step.
package voxel

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"cardiocontract/internal/logging"
	"cardiocontract/internal/models"
	"cardiocontract/pkg/similarity"
)

// Params controls the voxel grid and the surface padding.
type Params struct {
	SampleX int // horizontal stride in pixels
	SampleY int // vertical stride in pixels

	PadX float64 // padding on each side as a fraction of the width
	PadY float64 // padding on each side as a fraction of the height
}

// DefaultParams samples every 4th pixel and adds a 10% margin.
func DefaultParams() Params {
	return Params{SampleX: 4, SampleY: 4, PadX: 0.1, PadY: 0.1}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if p.SampleX < 1 || p.SampleY < 1 {
		return fmt.Errorf("%w: voxel stride %dx%d must be at least 1", models.ErrInvalidInput, p.SampleX, p.SampleY)
	}
	if p.PadX < 0 || p.PadY < 0 || p.PadX > 1 || p.PadY > 1 {
		return fmt.Errorf("%w: padding (%v, %v) outside [0,1]", models.ErrInvalidInput, p.PadX, p.PadY)
	}
	return nil
}

// Voxel is the intensity time series of one pixel.
type Voxel struct {
	X, Y   int
	Series []float64
}

// Sample extracts the voxels of frames on the stride grid. The returned grid
// size is the number of voxels along each axis.
func Sample(frames models.Sequence, p Params) ([]Voxel, image.Point, error) {
	if err := p.Validate(); err != nil {
		return nil, image.Point{}, err
	}
	if err := frames.Validate(); err != nil {
		return nil, image.Point{}, err
	}

	w, h := frames.Size()
	grid := GridSize(w, h, p)
	voxels := make([]Voxel, 0, grid.X*grid.Y)
	for gy := 0; gy < grid.Y; gy++ {
		for gx := 0; gx < grid.X; gx++ {
			x, y := gx*p.SampleX, gy*p.SampleY
			series := make([]float64, len(frames))
			for t, f := range frames {
				series[t] = float64(f.At(x, y))
			}
			voxels = append(voxels, Voxel{X: x, Y: y, Series: series})
		}
	}
	return voxels, grid, nil
}

// GridSize returns the number of voxels along each axis of a w×h frame.
func GridSize(w, h int, p Params) image.Point {
	return image.Pt((w+p.SampleX-1)/p.SampleX, (h+p.SampleY-1)/p.SampleY)
}

// Surface is the padded self-similarity map of a sequence.
type Surface struct {
	// Image is the 8-bit entropy map at frame resolution plus padding.
	Image *image.Gray

	// Entropy holds one value per voxel in row-major grid order.
	Entropy []float64

	// Grid is the number of voxels along each axis.
	Grid image.Point

	// Translation maps surface coordinates back to frame coordinates.
	Translation image.Point
}

// Processor runs the voxel computation on a similarity engine.
type Processor struct {
	params Params
	engine *similarity.Engine
	logger zerolog.Logger
}

// NewProcessor creates a processor. The engine is shared, so aborting it
// also aborts a running Compute.
func NewProcessor(params Params, engine *similarity.Engine, logger zerolog.Logger) (*Processor, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: nil similarity engine", models.ErrInvalidInput)
	}
	return &Processor{params: params, engine: engine, logger: logging.Component(logger, "voxel")}, nil
}

// Compute builds the surface of frames.
func (p *Processor) Compute(ctx context.Context, frames models.Sequence) (*Surface, error) {
	start := time.Now()
	voxels, grid, err := Sample(frames, p.params)
	if err != nil {
		return nil, err
	}

	series := make([][]float64, len(voxels))
	for i, v := range voxels {
		series[i] = v.Series
	}
	entropy, err := p.engine.EntropySeries(ctx, series)
	if err != nil {
		return nil, fmt.Errorf("voxel similarity: %w", err)
	}

	w, h := frames.Size()
	surface := Render(entropy, grid, w, h, p.params)
	p.logger.Info().
		Int("voxels", len(voxels)).
		Int("gridX", grid.X).
		Int("gridY", grid.Y).
		Dur("elapsed", time.Since(start)).
		Msg("voxel surface computed")
	return surface, nil
}

// Render turns per-voxel entropies into a padded surface of a w×h frame.
func Render(entropy []float64, grid image.Point, w, h int, p Params) *Surface {
	small := image.NewGray(image.Rect(0, 0, grid.X, grid.Y))
	for i, e := range entropy {
		small.Pix[(i/grid.X)*small.Stride+i%grid.X] = toByte(e)
	}

	// NearestNeighbor keeps the voxel values intact.
	full := imaging.Resize(small, w, h, imaging.NearestNeighbor)

	padX := int(math.Round(p.PadX * float64(w)))
	padY := int(math.Round(p.PadY * float64(h)))
	out := image.NewGray(image.Rect(0, 0, w+2*padX, h+2*padY))
	for y := 0; y < h; y++ {
		src := full.Pix[y*full.Stride:]
		dst := out.Pix[(y+padY)*out.Stride+padX:]
		for x := 0; x < w; x++ {
			dst[x] = src[4*x]
		}
	}

	ent := make([]float64, len(entropy))
	copy(ent, entropy)
	return &Surface{
		Image:       out,
		Entropy:     ent,
		Grid:        grid,
		Translation: image.Pt(-padX, -padY),
	}
}

func toByte(v float64) uint8 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(v * 255))
}

// ToFrame converts a point on the surface to frame coordinates.
func (s *Surface) ToFrame(pt image.Point) image.Point {
	return pt.Add(s.Translation)
}
