// Package resample implements separable resizing with the supported kernels
// and the matching descale operator, which recovers the low resolution plane
// whose resize best explains the input in the least-squares sense.
package resample

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"descaleverify/internal/kernel"
	"descaleverify/internal/plane"
)

// ErrSingular is returned when the normal equations of a descale cannot be
// factorized, which happens when the low resolution has samples the kernel
// never reaches.
var ErrSingular = errors.New("descale system is not positive definite")

// ErrBadSize is returned for non-positive or unsupported target sizes.
var ErrBadSize = errors.New("invalid target size")

type weightKey struct {
	params  kernel.Params
	in, out int
}

type solver struct {
	up   weights
	chol mat.BandCholesky
}

// Scaler resizes and descales planes. Weight tables and factorizations are
// cached per kernel and dimension, so a Scaler should be reused across frames.
// It is safe for concurrent use.
type Scaler struct {
	mu      sync.Mutex
	weights map[weightKey]weights
	solvers map[weightKey]*solver
}

// NewScaler returns an empty Scaler.
func NewScaler() *Scaler {
	return &Scaler{
		weights: make(map[weightKey]weights),
		solvers: make(map[weightKey]*solver),
	}
}

func (s *Scaler) weightsFor(p kernel.Params, in, out int) (weights, error) {
	key := weightKey{params: p, in: in, out: out}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.weights[key]; ok {
		return w, nil
	}
	f, err := NewFilter(p)
	if err != nil {
		return weights{}, err
	}
	w := makeWeights(f, in, out)
	s.weights[key] = w
	return w, nil
}

// solverFor returns the factorized normal matrix AᵀA where A upsamples low
// samples into high samples.
func (s *Scaler) solverFor(p kernel.Params, high, low int) (*solver, error) {
	key := weightKey{params: p, in: low, out: high}
	s.mu.Lock()
	if sv, ok := s.solvers[key]; ok {
		s.mu.Unlock()
		return sv, nil
	}
	s.mu.Unlock()

	up, err := s.weightsFor(p, low, high)
	if err != nil {
		return nil, err
	}
	k := up.bandwidth()
	if k > low-1 {
		k = low - 1
	}
	normal := mat.NewSymBandDense(low, k, nil)
	for i := 0; i < high; i++ {
		off := up.offsets[i]
		row := up.coeffs[i]
		for a, wa := range row {
			for b := a; b < len(row); b++ {
				if b-a > k {
					break
				}
				normal.SetSymBand(off+a, off+b, normal.At(off+a, off+b)+wa*row[b])
			}
		}
	}
	sv := &solver{up: up}
	if ok := sv.chol.Factorize(normal); !ok {
		return nil, fmt.Errorf("%w: %s %d -> %d", ErrSingular, p.Kernel, low, high)
	}

	s.mu.Lock()
	s.solvers[key] = sv
	s.mu.Unlock()
	return sv, nil
}

// resizeRows resizes every row of src to width.
func (s *Scaler) resizeRows(src plane.Plane, width int, p kernel.Params) (plane.Plane, error) {
	w, err := s.weightsFor(p, src.Width, width)
	if err != nil {
		return plane.Plane{}, err
	}
	dst := plane.New(width, src.Height, src.Depth)
	for y := 0; y < src.Height; y++ {
		w.apply(dst.Row(y), src.Row(y))
	}
	return dst, nil
}

// descaleRows solves, for every row of src, the low resolution row whose
// resize to src.Width is closest to it.
func (s *Scaler) descaleRows(src plane.Plane, width int, p kernel.Params) (plane.Plane, error) {
	sv, err := s.solverFor(p, src.Width, width)
	if err != nil {
		return plane.Plane{}, err
	}
	// Right-hand side Aᵀy, one column per row of the source.
	rhs := mat.NewDense(width, src.Height, nil)
	raw := rhs.RawMatrix()
	for y := 0; y < src.Height; y++ {
		row := src.Row(y)
		for i, v := range row {
			off := sv.up.offsets[i]
			for k, c := range sv.up.coeffs[i] {
				raw.Data[(off+k)*raw.Stride+y] += c * v
			}
		}
	}
	var x mat.Dense
	if err := sv.chol.SolveTo(&x, rhs); err != nil {
		return plane.Plane{}, fmt.Errorf("descale solve: %w", err)
	}
	dst := plane.New(width, src.Height, src.Depth)
	xr := x.RawMatrix()
	for y := 0; y < src.Height; y++ {
		out := dst.Row(y)
		for i := range out {
			out[i] = xr.Data[i*xr.Stride+y]
		}
	}
	return dst, nil
}

func checkSize(src plane.Plane, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %d x %d", ErrBadSize, width, height)
	}
	if src.Width <= 0 || src.Height <= 0 || len(src.Pix) != src.Width*src.Height {
		return fmt.Errorf("%w: source plane %s with %d samples", ErrBadSize, src.Resolution(), len(src.Pix))
	}
	return nil
}

// Rescale resizes src to width x height, horizontal pass first.
func (s *Scaler) Rescale(src plane.Plane, width, height int, p kernel.Params) (plane.Plane, error) {
	if err := checkSize(src, width, height); err != nil {
		return plane.Plane{}, err
	}
	h, err := s.resizeRows(src, width, p)
	if err != nil {
		return plane.Plane{}, err
	}
	v, err := s.resizeRows(h.Transpose(), height, p)
	if err != nil {
		return plane.Plane{}, err
	}
	return v.Transpose(), nil
}

// Descale estimates the width x height plane that Rescale would turn into
// src. The target must not exceed the source in either dimension.
func (s *Scaler) Descale(src plane.Plane, width, height int, p kernel.Params) (plane.Plane, error) {
	if err := checkSize(src, width, height); err != nil {
		return plane.Plane{}, err
	}
	if width > src.Width || height > src.Height {
		return plane.Plane{}, fmt.Errorf("%w: cannot descale %s to %d x %d", ErrBadSize, src.Resolution(), width, height)
	}
	h, err := s.descaleRows(src, width, p)
	if err != nil {
		return plane.Plane{}, err
	}
	v, err := s.descaleRows(h.Transpose(), height, p)
	if err != nil {
		return plane.Plane{}, err
	}
	return v.Transpose(), nil
}
