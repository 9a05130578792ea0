package resample

import (
	"fmt"
	"math"

	"descaleverify/internal/kernel"
)

// Filter is a symmetric resampling kernel evaluated at a distance x >= 0.
type Filter interface {
	Support() float64
	Get(x float64) float64
}

type bilinear struct{}

func (bilinear) Support() float64 { return 1 }

func (bilinear) Get(x float64) float64 {
	if x < 1 {
		return 1 - x
	}
	return 0
}

// Mitchell-Netravali cubic with free b and c, expanded into polynomial form.
type bicubic struct {
	p0, p2, p3     float64
	q0, q1, q2, q3 float64
}

func newBicubic(b, c float64) *bicubic {
	return &bicubic{
		p0: (6 - 2*b) / 6,
		p2: (-18 + 12*b + 6*c) / 6,
		p3: (12 - 9*b - 6*c) / 6,
		q0: (8*b + 24*c) / 6,
		q1: (-12*b - 48*c) / 6,
		q2: (6*b + 30*c) / 6,
		q3: (-b - 6*c) / 6,
	}
}

func (*bicubic) Support() float64 { return 2 }

func (f *bicubic) Get(x float64) float64 {
	if x < 1 {
		return f.p0 + x*x*(f.p2+x*f.p3)
	} else if x < 2 {
		return f.q0 + x*(f.q1+x*(f.q2+x*f.q3))
	}
	return 0
}

type lanczos struct {
	taps float64
}

func (f lanczos) Support() float64 { return f.taps }

func (f lanczos) Get(x float64) float64 {
	if x >= f.taps {
		return 0
	} else if x == 0 {
		return 1
	}
	b := x * math.Pi
	c := b / f.taps
	return math.Sin(b) * math.Sin(c) / (b * c)
}

type spline16 struct{}

func (spline16) Support() float64 { return 2 }

func (spline16) Get(x float64) float64 {
	if x < 1 {
		return ((x-9.0/5.0)*x-1.0/5.0)*x + 1
	} else if x < 2 {
		x--
		return ((-1.0/3.0*x+4.0/5.0)*x - 7.0/15.0) * x
	}
	return 0
}

type spline36 struct{}

func (spline36) Support() float64 { return 3 }

func (spline36) Get(x float64) float64 {
	if x < 1 {
		return ((13.0/11.0*x-453.0/209.0)*x-3.0/209.0)*x + 1
	} else if x < 2 {
		x--
		return ((-6.0/11.0*x+270.0/209.0)*x - 156.0/209.0) * x
	} else if x < 3 {
		x -= 2
		return ((1.0/11.0*x-45.0/209.0)*x + 26.0/209.0) * x
	}
	return 0
}

// NewFilter returns the filter described by params.
func NewFilter(p kernel.Params) (Filter, error) {
	switch p.Kernel {
	case kernel.Bilinear:
		return bilinear{}, nil
	case kernel.Bicubic:
		return newBicubic(p.B, p.C), nil
	case kernel.Lanczos:
		if p.Taps < 1 {
			return nil, fmt.Errorf("%w: lanczos taps %d", kernel.ErrInvalidParams, p.Taps)
		}
		return lanczos{taps: float64(p.Taps)}, nil
	case kernel.Spline16:
		return spline16{}, nil
	case kernel.Spline36:
		return spline36{}, nil
	}
	return nil, fmt.Errorf("%w: %q", kernel.ErrUnsupportedKernel, p.Kernel)
}
