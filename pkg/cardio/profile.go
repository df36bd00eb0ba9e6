package cardio

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"cardiocontract/internal/models"
	"cardiocontract/pkg/units"
)

// Profile holds the per-frame geometry and force of one contraction over
// [Start, End). It is immutable; accessors return copies.
type Profile struct {
	start, end int
	relaxed    float64
	cellLength units.Length

	length     []float64
	elongation []float64
	force      []float64
}

// NewProfile builds the profile of frames [start, end) of signal. relaxed is
// the signal level of the relaxed cell and cellLength its physical length.
// Each frame's normalized length is signal[i]/relaxed clamped to [0,1]; its
// elongation is relaxed minus that length. Frames with no positive
// elongation carry zero force.
func NewProfile(start, end int, relaxed float64, signal []float64, cellLength units.Length, model *Model) (*Profile, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: nil cardio model", models.ErrInvalidInput)
	}
	if start < 0 || end > len(signal) || start >= end {
		return nil, fmt.Errorf("%w: interval [%d,%d) outside signal of %d frames",
			models.ErrInvalidInput, start, end, len(signal))
	}
	if !(relaxed > 0) {
		return nil, fmt.Errorf("%w: relaxed level %v must be positive", models.ErrInvalidInput, relaxed)
	}
	if !(cellLength > 0) {
		return nil, fmt.Errorf("%w: cell length must be positive", models.ErrInvalidInput)
	}

	n := end - start
	p := &Profile{
		start:      start,
		end:        end,
		relaxed:    relaxed,
		cellLength: cellLength,
		length:     make([]float64, n),
		elongation: make([]float64, n),
		force:      make([]float64, n),
	}

	l0 := float64(cellLength)
	for k := 0; k < n; k++ {
		linMul := clamp(signal[start+k]/relaxed, 0, 1)
		elong := relaxed - linMul
		p.length[k] = linMul
		p.elongation[k] = elong

		if elong <= 0 || linMul <= 0 {
			continue
		}
		res, err := model.Solve(
			units.Length(l0*linMul),
			units.Length(l0*elong),
			units.Length(l0*linMul/3),
			units.Length(l0*linMul/100),
		)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", start+k, err)
		}
		p.force[k] = float64(res.TotalReactiveForce)
	}
	return p, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Start is the first frame of the contraction.
func (p *Profile) Start() int { return p.start }

// End is one past the last frame of the contraction.
func (p *Profile) End() int { return p.end }

// Len is the number of frames in the profile.
func (p *Profile) Len() int { return p.end - p.start }

// RelaxedLevel is the signal level used as the resting length reference.
func (p *Profile) RelaxedLevel() float64 { return p.relaxed }

// CellLength is the physical resting length used for scaling.
func (p *Profile) CellLength() units.Length { return p.cellLength }

// InterpolatedLength returns the normalized length per frame.
func (p *Profile) InterpolatedLength() []float64 { return clone(p.length) }

// Elongation returns the normalized elongation per frame.
func (p *Profile) Elongation() []float64 { return clone(p.elongation) }

// Force returns the total reactive force per frame in dyn.
func (p *Profile) Force() []float64 { return clone(p.force) }

// PeakForce returns the largest force in the profile.
func (p *Profile) PeakForce() units.Force {
	return units.Force(floats.Max(p.force))
}

func clone(s []float64) []float64 {
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
