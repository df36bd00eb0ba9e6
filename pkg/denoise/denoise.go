// Package denoise removes high-frequency sensor noise from video frames before
// their similarity is measured.
//
// Frames are filtered in the frequency domain with a radially symmetric
// low-pass window: the response is 1 up to half the cutoff frequency, falls
// off along a Meyer transition and is 0 from the cutoff on.
package denoise

import (
	"context"
	"fmt"
	"image"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/dsp/fourier"

	"cardiocontract/internal/models"
)

// DefaultCutoff passes frequencies below a quarter of the sampling rate
// unchanged and removes everything above half of it.
const DefaultCutoff = 0.5

// Filter is a frequency-domain low-pass filter for frames.
type Filter struct {
	// cutoff is the stop-band edge as a fraction of the Nyquist frequency
	cutoff float64
}

// NewFilter creates a filter whose stop band starts at cutoff times the
// Nyquist frequency. cutoff must be in (0, 1].
func NewFilter(cutoff float64) (*Filter, error) {
	if !(cutoff > 0 && cutoff <= 1) {
		return nil, fmt.Errorf("%w: denoise cutoff %v outside (0,1]", models.ErrInvalidInput, cutoff)
	}
	return &Filter{cutoff: cutoff}, nil
}

// Cutoff returns the stop-band edge as a fraction of the Nyquist frequency.
func (f *Filter) Cutoff() float64 {
	return f.cutoff
}

// Response returns the gain at angular frequency (wx, wy), in radians per pixel.
func (f *Filter) Response(wx, wy float64) float64 {
	stop := f.cutoff * math.Pi
	pass := stop / 2
	r := math.Hypot(wx, wy)
	switch {
	case r <= pass:
		return 1
	case r >= stop:
		return 0
	}
	return math.Cos(math.Pi / 2 * meyer((r-pass)/(stop-pass)))
}

// Apply returns a filtered copy of frame.
func (f *Filter) Apply(frame models.Frame) *image.Gray {
	w, h := frame.Width, frame.Height
	rows := fourier.NewFFT(w)
	cols := fourier.NewCmplxFFT(h)

	// Row transforms of the real image keep the w/2+1 non-negative frequencies.
	nc := w/2 + 1
	spectrum := make([]complex128, h*nc)
	row := make([]float64, w)
	for y := 0; y < h; y++ {
		for x, v := range frame.Row(y) {
			row[x] = float64(v)
		}
		rows.Coefficients(spectrum[y*nc:(y+1)*nc], row)
	}

	col := make([]complex128, h)
	freq := make([]complex128, h)
	for kx := 0; kx < nc; kx++ {
		for y := 0; y < h; y++ {
			col[y] = spectrum[y*nc+kx]
		}
		cols.Coefficients(freq, col)
		wx := 2 * math.Pi * float64(kx) / float64(w)
		for ky := range freq {
			signed := ky
			if signed > h/2 {
				signed -= h
			}
			wy := 2 * math.Pi * float64(signed) / float64(h)
			freq[ky] *= complex(f.Response(wx, wy), 0)
		}
		cols.Sequence(col, freq)
		for y := 0; y < h; y++ {
			spectrum[y*nc+kx] = col[y]
		}
	}

	// Neither inverse transform is normalized.
	scale := 1 / float64(w*h)
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		rows.Sequence(row, spectrum[y*nc:(y+1)*nc])
		dst := out.Pix[y*out.Stride:]
		for x, v := range row {
			dst[x] = toByte(v * scale)
		}
	}
	return out
}

// Sequence filters every frame of frames, up to workers at once. A
// non-positive workers uses runtime.NumCPU().
func Sequence(ctx context.Context, frames models.Sequence, f *Filter, workers int) (models.Sequence, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	out := make(models.Sequence, len(frames))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, frame := range frames {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = models.NewFrame(f.Apply(frame))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("denoise: %w", err)
	}
	return out, nil
}

// meyer is the Meyer auxiliary function, a smooth step from 0 to 1 on [0, 1].
func meyer(t float64) float64 {
	if t < 0 {
		return 0
	} else if t > 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

func toByte(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}
