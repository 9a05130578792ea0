package stats

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Series is the ordered per-frame error signal. Index i is the i-th
// subsampled frame. A Series is read-only once built.
type Series struct {
	values []float64
}

// NewSeries copies values into a Series.
func NewSeries(values []float64) Series {
	return Series{values: append([]float64(nil), values...)}
}

// Len returns the number of frames.
func (s Series) Len() int { return len(s.values) }

// At returns the value for frame index i.
func (s Series) At(i int) float64 { return s.values[i] }

// Values returns a copy of the series.
func (s Series) Values() []float64 {
	return append([]float64(nil), s.values...)
}

// Summary describes the distribution of a series.
type Summary struct {
	Frames  int     `json:"frames"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
	ArgMax  int     `json:"argmax"`
	ArgMin  int     `json:"argmin"`
	Total   float64 `json:"total"`
	Nonzero int     `json:"nonzero"`
}

// Summarize computes basic statistics. StdDev is the population standard
// deviation. ArgMax and ArgMin are -1 for an empty series.
func (s Series) Summarize() Summary {
	sum := Summary{Frames: len(s.values), ArgMax: -1, ArgMin: -1}
	if len(s.values) == 0 {
		return sum
	}
	sum.ArgMin = floats.MinIdx(s.values)
	sum.ArgMax = floats.MaxIdx(s.values)
	sum.Min, sum.Max = s.values[sum.ArgMin], s.values[sum.ArgMax]
	sum.Total = floats.Sum(s.values)
	sum.Nonzero = floats.Count(func(v float64) bool { return v != 0 }, s.values)
	sum.Mean, sum.StdDev = stat.PopMeanStdDev(s.values, nil)
	return sum
}
