package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"

	"descaleverify/internal/plane"
)

// ErrUnknownReducer is returned for reduction names that are not registered.
var ErrUnknownReducer = errors.New("unknown reduction")

// Reducer collapses a difference plane into one scalar.
type Reducer interface {
	Name() string
	Reduce(diff plane.Plane) float64
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc struct {
	Label string
	Fn    func(diff plane.Plane) float64
}

func (r ReducerFunc) Name() string                    { return r.Label }
func (r ReducerFunc) Reduce(diff plane.Plane) float64 { return r.Fn(diff) }

// SumAbs is the default reduction: the sum of absolute sample values.
var SumAbs Reducer = ReducerFunc{Label: "sum-abs", Fn: func(d plane.Plane) float64 {
	return floats.Norm(d.Pix, 1)
}}

var sumSquares Reducer = ReducerFunc{Label: "sum-squares", Fn: func(d plane.Plane) float64 {
	return floats.Dot(d.Pix, d.Pix)
}}

var meanAbs Reducer = ReducerFunc{Label: "mean-abs", Fn: func(d plane.Plane) float64 {
	if len(d.Pix) == 0 {
		return 0
	}
	return floats.Norm(d.Pix, 1) / float64(len(d.Pix))
}}

var maxAbs Reducer = ReducerFunc{Label: "max-abs", Fn: func(d plane.Plane) float64 {
	return floats.Norm(d.Pix, math.Inf(1))
}}

var rms Reducer = ReducerFunc{Label: "rms", Fn: func(d plane.Plane) float64 {
	if len(d.Pix) == 0 {
		return 0
	}
	return floats.Norm(d.Pix, 2) / math.Sqrt(float64(len(d.Pix)))
}}

var reducers = map[string]Reducer{
	SumAbs.Name():     SumAbs,
	sumSquares.Name(): sumSquares,
	meanAbs.Name():    meanAbs,
	maxAbs.Name():     maxAbs,
	rms.Name():        rms,
}

// ReducerNames lists the registered reductions.
func ReducerNames() []string {
	names := make([]string, 0, len(reducers))
	for n := range reducers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupReducer returns the reduction registered under name. An empty name
// selects SumAbs.
func LookupReducer(name string) (Reducer, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return SumAbs, nil
	}
	r, ok := reducers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownReducer, name, strings.Join(ReducerNames(), ", "))
	}
	return r, nil
}
