package resample

import (
	"math"
)

// weights is the sparse matrix mapping an input line of length in to an
// output line of length out. Row i covers input samples
// [offsets[i], offsets[i]+len(coeffs[i])).
type weights struct {
	in, out int
	offsets []int
	coeffs  [][]float64
}

// mirror folds an out-of-range index back into [0, n) by reflecting around
// the edge samples.
func mirror(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}

// makeWeights computes normalized filter taps for a resize from in to out
// samples with centers aligned the same way for up and downscaling.
func makeWeights(filter Filter, in, out int) weights {
	scale := float64(out) / float64(in)
	step := math.Min(1, scale)
	support := filter.Support() / step
	w := weights{
		in:      in,
		out:     out,
		offsets: make([]int, out),
		coeffs:  make([][]float64, out),
	}
	for i := 0; i < out; i++ {
		center := (float64(i)+0.5)/scale - 0.5
		left := int(math.Floor(center-support)) + 1
		right := int(math.Floor(center + support))

		lo, hi := in, -1
		for j := left; j <= right; j++ {
			m := mirror(j, in)
			if m < lo {
				lo = m
			}
			if m > hi {
				hi = m
			}
		}
		row := make([]float64, hi-lo+1)
		sum := 0.0
		for j := left; j <= right; j++ {
			v := filter.Get(math.Abs(center-float64(j)) * step)
			row[mirror(j, in)-lo] += v
			sum += v
		}
		if sum != 0 {
			for k := range row {
				row[k] /= sum
			}
		}
		w.offsets[i] = lo
		w.coeffs[i] = row
	}
	return w
}

// apply resamples src (length w.in) into dst (length w.out).
func (w weights) apply(dst, src []float64) {
	for i := 0; i < w.out; i++ {
		acc := 0.0
		in := src[w.offsets[i]:]
		for k, c := range w.coeffs[i] {
			acc += c * in[k]
		}
		dst[i] = acc
	}
}

// bandwidth returns the largest distance between two input samples that
// contribute to the same output sample.
func (w weights) bandwidth() int {
	bw := 0
	for _, row := range w.coeffs {
		if len(row)-1 > bw {
			bw = len(row) - 1
		}
	}
	return bw
}
