package similarity

import (
	"cardiocontract/internal/models"
)

// source is the set of items (frames or 1D series) being compared.
type source interface {
	Len() int
	// prepare caches per-item sums; called once per item before scoring.
	prepare(i int)
	// score returns the clamped squared normalized correlation of items i and j.
	score(i, j int) float64
}

// NormalizedCorrelation returns the squared normalized cross-correlation
//
//	(n·Σab − Σa·Σb)² / ((n·Σa² − (Σa)²)·(n·Σb² − (Σb)²))
//
// clamped to [0,1]. A zero-variance operand makes the ratio 0/0, which is
// defined as 0.
func NormalizedCorrelation(n, sumA, sumB, sumAA, sumBB, sumAB float64) float64 {
	varA := n*sumAA - sumA*sumA
	varB := n*sumBB - sumB*sumB
	// Relative floor absorbs the rounding residue of constant float series.
	if varA <= varianceFloor*n*sumAA || varB <= varianceFloor*n*sumBB {
		return 0
	}
	cov := n*sumAB - sumA*sumB
	r := (cov * cov) / (varA * varB)
	switch {
	case r > 1:
		return 1
	case r < 0 || r != r:
		return 0
	}
	return r
}

const varianceFloor = 1e-12

type frameSource struct {
	frames models.Sequence
	stats  []Stats
}

func (s *frameSource) Len() int { return len(s.frames) }

func (s *frameSource) prepare(i int) {
	s.stats[i] = HistoStats(s.frames[i])
}

func (s *frameSource) score(i, j int) float64 {
	a, b := s.frames[i], s.frames[j]
	var sumAB uint64
	for y := 0; y < a.Height; y++ {
		ra, rb := a.Row(y), b.Row(y)
		for x, pa := range ra {
			sumAB += uint64(pa) * uint64(rb[x])
		}
	}
	sa, sb := &s.stats[i], &s.stats[j]
	return NormalizedCorrelation(sa.Count, sa.Sum, sb.Sum, sa.SumSquared, sb.SumSquared, float64(sumAB))
}

type seriesSource struct {
	series [][]float64
	sums   [][2]float64
}

func (s *seriesSource) Len() int { return len(s.series) }

func (s *seriesSource) prepare(i int) {
	sum, sumSq := seriesStats(s.series[i])
	s.sums[i] = [2]float64{sum, sumSq}
}

func (s *seriesSource) score(i, j int) float64 {
	a, b := s.series[i], s.series[j]
	var sumAB float64
	for k, v := range a {
		sumAB += v * b[k]
	}
	n := float64(len(a))
	return NormalizedCorrelation(n, s.sums[i][0], s.sums[j][0], s.sums[i][1], s.sums[j][1], sumAB)
}
