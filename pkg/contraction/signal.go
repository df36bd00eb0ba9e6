package contraction

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Autocorrelation returns the normalized autocorrelation of signal for lags
// 0..N-1. The signal is replicated into a ring buffer of length 2N and a
// window of length N slides over it, so every lag compares N samples. Lags
// where either window has zero variance are 0.
func Autocorrelation(signal []float64) []float64 {
	n := len(signal)
	out := make([]float64, n)
	if n < 2 {
		return out
	}

	ring := make([]float64, 2*n)
	copy(ring, signal)
	copy(ring[n:], signal)

	for lag := 0; lag < n; lag++ {
		r := stat.Correlation(signal, ring[lag:lag+n], nil)
		if math.IsNaN(r) || math.IsInf(r, 0) {
			r = 0
		}
		out[lag] = r
	}
	return out
}

// GaussianKernel returns a normalized gaussian kernel of radius ceil(3*sigma).
func GaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(math.Ceil(3 * sigma))
	k := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// GaussianSmooth convolves signal with a gaussian of the given sigma.
// Borders are reflected (…, x2, x1, x0, x1, x2, …).
func GaussianSmooth(signal []float64, sigma float64) []float64 {
	n := len(signal)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	k := GaussianKernel(sigma)
	radius := len(k) / 2
	for i := 0; i < n; i++ {
		acc := 0.0
		for j, w := range k {
			acc += w * signal[reflect(i+j-radius, n)]
		}
		out[i] = acc
	}
	return out
}

func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// EstimatePeriod returns the lag of the first local maximum of an
// autocorrelation curve after the initial descent from lag 0, or 0 when
// there is none within the first half of the curve.
func EstimatePeriod(ac []float64) int {
	n := len(ac)
	if n < 3 {
		return 0
	}
	k := 1
	for k < n && ac[k] <= ac[k-1] {
		k++
	}
	if k >= n {
		return 0
	}
	for k+1 < n && ac[k+1] >= ac[k] {
		k++
	}
	if k >= n/2 || k+1 >= n {
		return 0
	}
	return k
}

// Peak is a local maximum of a signal with its topological persistence:
// the height it rises above the saddle where it merges into a higher peak.
// The global maximum has infinite persistence.
type Peak struct {
	Index       int
	Value       float64
	Persistence float64
}

// PersistentPeaks finds the local maxima of values whose persistence is at
// least minPersistence, ordered by index. It sweeps samples from highest to
// lowest, growing one component per maximum and merging neighbouring
// components at saddles; the lower of two merging maxima dies there.
func PersistentPeaks(values []float64, minPersistence float64) []Peak {
	n := len(values)
	if n == 0 {
		return nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return values[order[a]] > values[order[b]]
	})

	type component struct {
		born        int
		left, right int
		persistence float64
	}
	comps := make([]component, 0)
	owner := make([]int, n)
	for i := range owner {
		owner[i] = -1
	}

	for _, i := range order {
		left, right := -1, -1
		if i > 0 {
			left = owner[i-1]
		}
		if i < n-1 {
			right = owner[i+1]
		}

		switch {
		case left < 0 && right < 0:
			comps = append(comps, component{born: i, left: i, right: i, persistence: math.Inf(1)})
			owner[i] = len(comps) - 1
		case left >= 0 && right < 0:
			comps[left].right = i
			owner[i] = left
		case left < 0 && right >= 0:
			comps[right].left = i
			owner[i] = right
		default:
			// Saddle: the component with the lower birth value dies here.
			keep, die := left, right
			if values[comps[right].born] > values[comps[left].born] {
				keep, die = right, left
			}
			comps[die].persistence = values[comps[die].born] - values[i]

			lo, hi := comps[left].left, comps[right].right
			comps[keep].left, comps[keep].right = lo, hi
			owner[lo], owner[hi], owner[i] = keep, keep, keep
		}
	}

	peaks := make([]Peak, 0, len(comps))
	for _, c := range comps {
		if c.persistence >= minPersistence {
			peaks = append(peaks, Peak{Index: c.born, Value: values[c.born], Persistence: c.persistence})
		}
	}
	sort.Slice(peaks, func(a, b int) bool { return peaks[a].Index < peaks[b].Index })
	return peaks
}

// Invert returns 1 - v for each sample.
func Invert(signal []float64) []float64 {
	out := make([]float64, len(signal))
	for i, v := range signal {
		out[i] = 1 - v
	}
	return out
}
