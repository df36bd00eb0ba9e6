package similarity

import (
	"gonum.org/v1/gonum/stat"

	"cardiocontract/internal/models"
)

// Stats summarises the pixel intensities of one frame. Sum and SumSquared
// are exact integer accumulations carried as float64.
type Stats struct {
	Count      float64
	Sum        float64
	SumSquared float64
	Mean       float64
	Variance   float64
	Histogram  [256]float64
}

// binValues holds the intensity of each histogram bin, used as the sample
// values when the histogram counts are passed to gonum as weights.
var binValues = func() []float64 {
	v := make([]float64, 256)
	for i := range v {
		v[i] = float64(i)
	}
	return v
}()

// HistoStats computes the intensity histogram of a frame and the moments
// derived from it. Variance is the population variance.
func HistoStats(f models.Frame) Stats {
	var s Stats
	var sum, sumSq uint64
	for y := 0; y < f.Height; y++ {
		for _, p := range f.Row(y) {
			s.Histogram[p]++
			v := uint64(p)
			sum += v
			sumSq += v * v
		}
	}

	s.Count = float64(f.Pixels())
	s.Sum = float64(sum)
	s.SumSquared = float64(sumSq)
	if s.Count == 0 {
		return s
	}

	s.Mean, s.Variance = stat.PopMeanVariance(binValues, s.Histogram[:])
	return s
}

// seriesStats returns the sum and sum of squares of a time series.
func seriesStats(v []float64) (sum, sumSq float64) {
	for _, x := range v {
		sum += x
		sumSq += x * x
	}
	return sum, sumSq
}
