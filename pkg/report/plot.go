package report

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"cardiocontract/pkg/cardio"
	"cardiocontract/pkg/contraction"
)

var (
	lengthColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	elongColor  = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	forceColor  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	markColor   = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// PlotProfile saves two stacked PNG plots of p: the normalized length and
// elongation curves, and the force curve in µN.
func PlotProfile(p *cardio.Profile, lengthPath, forcePath string) error {
	pGeom := plot.New()
	pGeom.Title.Text = fmt.Sprintf("Contraction frames %d-%d", p.Start(), p.End())
	pGeom.X.Label.Text = "Frame"
	pGeom.Y.Label.Text = "Normalized length"

	if err := addLine(pGeom, "length", p.Start(), p.InterpolatedLength(), 1, lengthColor); err != nil {
		return err
	}
	if err := addLine(pGeom, "elongation", p.Start(), p.Elongation(), 1, elongColor); err != nil {
		return err
	}
	pGeom.Legend.Top = true

	pForce := plot.New()
	pForce.Title.Text = fmt.Sprintf("Reactive force, peak %.3g µN", p.PeakForce().Micronewtons())
	pForce.X.Label.Text = "Frame"
	pForce.Y.Label.Text = "Force (µN)"
	// dyn to µN
	if err := addLine(pForce, "force", p.Start(), p.Force(), 10, forceColor); err != nil {
		return err
	}

	if err := pGeom.Save(14*vg.Inch, 6*vg.Inch, lengthPath); err != nil {
		return fmt.Errorf("save length plot: %w", err)
	}
	if err := pForce.Save(14*vg.Inch, 6*vg.Inch, forcePath); err != nil {
		return fmt.Errorf("save force plot: %w", err)
	}
	return nil
}

// PlotSignal saves the denoised signal with the located contractions marked.
func PlotSignal(signal []float64, intervals []contraction.Interval, path string) error {
	p := plot.New()
	p.Title.Text = "Denoised self-similarity signal"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Similarity"

	if err := addLine(p, "signal", 0, signal, 1, lengthColor); err != nil {
		return err
	}

	if len(intervals) > 0 {
		pts := make(plotter.XYs, 0, 3*len(intervals))
		for _, iv := range intervals {
			for _, f := range []int{iv.Start, iv.Peak, iv.End} {
				pts = append(pts, plotter.XY{X: float64(f), Y: signal[f]})
			}
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		sc.Color = markColor
		p.Add(sc)
		p.Legend.Add("start / peak / end", sc)
	}
	p.Legend.Top = true
	p.Legend.Left = false

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save signal plot: %w", err)
	}
	return nil
}

func addLine(p *plot.Plot, label string, offset int, values []float64, scale float64, c color.Color) error {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i] = plotter.XY{X: float64(offset + i), Y: v * scale}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(label, line)
	return nil
}
