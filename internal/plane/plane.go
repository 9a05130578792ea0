package plane

import (
	"errors"
	"fmt"
)

// ErrDimensions is returned when two planes that must match do not.
var ErrDimensions = errors.New("plane dimensions mismatch")

// Resolution is a width/height pair in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%d x %d", r.Width, r.Height)
}

// Valid reports whether both dimensions are positive.
func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

// LowResolution derives the descaled resolution for a target height,
// keeping the source aspect ratio: width = floor(height * srcW / srcH).
func LowResolution(src Resolution, height int) Resolution {
	if src.Height <= 0 {
		return Resolution{Height: height}
	}
	return Resolution{
		Width:  height * src.Width / src.Height,
		Height: height,
	}
}

// Plane is a single-channel grid of samples stored row-major.
// Depth is the bit depth of the samples the plane was produced from;
// float planes derived from computation keep the depth of their input.
type Plane struct {
	Width  int
	Height int
	Depth  int
	Pix    []float64
}

// New allocates a zeroed plane.
func New(width, height, depth int) Plane {
	return Plane{
		Width:  width,
		Height: height,
		Depth:  depth,
		Pix:    make([]float64, width*height),
	}
}

// FromUint16 builds a plane from 16-bit little-endian samples already decoded
// into a slice.
func FromUint16(width, height, depth int, samples []uint16) (Plane, error) {
	if len(samples) != width*height {
		return Plane{}, fmt.Errorf("%w: have %d samples, want %d", ErrDimensions, len(samples), width*height)
	}
	p := New(width, height, depth)
	for i, v := range samples {
		p.Pix[i] = float64(v)
	}
	return p, nil
}

// Resolution returns the plane dimensions.
func (p Plane) Resolution() Resolution {
	return Resolution{Width: p.Width, Height: p.Height}
}

// At returns the sample at column x, row y.
func (p Plane) At(x, y int) float64 {
	return p.Pix[y*p.Width+x]
}

// Set stores v at column x, row y.
func (p Plane) Set(x, y int, v float64) {
	p.Pix[y*p.Width+x] = v
}

// Row returns the samples of row y. The slice aliases the plane.
func (p Plane) Row(y int) []float64 {
	return p.Pix[y*p.Width : (y+1)*p.Width]
}

// Clone returns a deep copy.
func (p Plane) Clone() Plane {
	c := p
	c.Pix = append([]float64(nil), p.Pix...)
	return c
}

// SameSize reports whether p and o share dimensions.
func (p Plane) SameSize(o Plane) bool {
	return p.Width == o.Width && p.Height == o.Height
}

// Combine applies fn sample-wise over a and b and returns the result.
func Combine(a, b Plane, fn func(x, y float64) float64) (Plane, error) {
	if !a.SameSize(b) {
		return Plane{}, fmt.Errorf("%w: %s vs %s", ErrDimensions, a.Resolution(), b.Resolution())
	}
	out := New(a.Width, a.Height, a.Depth)
	for i := range a.Pix {
		out.Pix[i] = fn(a.Pix[i], b.Pix[i])
	}
	return out, nil
}

// Transpose returns the plane with rows and columns swapped.
func (p Plane) Transpose() Plane {
	t := New(p.Height, p.Width, p.Depth)
	for y := 0; y < p.Height; y++ {
		row := p.Row(y)
		for x, v := range row {
			t.Pix[x*p.Height+y] = v
		}
	}
	return t
}
