package resample

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"descaleverify/internal/kernel"
	"descaleverify/internal/plane"
)

var allParams = []kernel.Params{
	{Kernel: kernel.Bilinear},
	{Kernel: kernel.Bicubic, B: 0, C: 0.5},
	{Kernel: kernel.Bicubic, B: 1.0 / 3, C: 1.0 / 3},
	{Kernel: kernel.Lanczos, Taps: 3},
	{Kernel: kernel.Spline16},
	{Kernel: kernel.Spline36},
}

func randomPlane(w, h int, seed int64) plane.Plane {
	rng := rand.New(rand.NewSource(seed))
	p := plane.New(w, h, 16)
	for i := range p.Pix {
		p.Pix[i] = float64(rng.Intn(65536))
	}
	return p
}

func maxAbsDiff(a, b plane.Plane) float64 {
	m := 0.0
	for i := range a.Pix {
		if d := math.Abs(a.Pix[i] - b.Pix[i]); d > m {
			m = d
		}
	}
	return m
}

func TestMirror(t *testing.T) {
	cases := []struct{ in, n, want int }{
		{-1, 5, 0}, {-2, 5, 1}, {0, 5, 0}, {4, 5, 4}, {5, 5, 4}, {6, 5, 3}, {-3, 2, 1},
	}
	for _, tc := range cases {
		if got := mirror(tc.in, tc.n); got != tc.want {
			t.Fatalf("mirror(%d, %d) = %d, want %d", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestWeightsAreNormalized(t *testing.T) {
	for _, p := range allParams {
		f, err := NewFilter(p)
		if err != nil {
			t.Fatalf("filter %v: %v", p, err)
		}
		for _, dims := range [][2]int{{10, 25}, {25, 10}, {7, 7}} {
			w := makeWeights(f, dims[0], dims[1])
			for i, row := range w.coeffs {
				sum := 0.0
				for _, c := range row {
					sum += c
				}
				if math.Abs(sum-1) > 1e-12 {
					t.Fatalf("%s %v row %d sums to %v", p.Kernel, dims, i, sum)
				}
				if w.offsets[i] < 0 || w.offsets[i]+len(row) > dims[0] {
					t.Fatalf("%s %v row %d out of range", p.Kernel, dims, i)
				}
			}
		}
	}
}

func TestInterpolatingFiltersPassThroughCenter(t *testing.T) {
	for _, p := range []kernel.Params{
		{Kernel: kernel.Bilinear},
		{Kernel: kernel.Bicubic, B: 0, C: 0.5},
		{Kernel: kernel.Lanczos, Taps: 4},
		{Kernel: kernel.Spline16},
		{Kernel: kernel.Spline36},
	} {
		f, _ := NewFilter(p)
		if got := f.Get(0); math.Abs(got-1) > 1e-12 {
			t.Fatalf("%s: Get(0) = %v", p.Kernel, got)
		}
		if got := f.Get(1); math.Abs(got) > 1e-12 {
			t.Fatalf("%s: Get(1) = %v", p.Kernel, got)
		}
	}
}

func TestRescaleKeepsConstantPlane(t *testing.T) {
	s := NewScaler()
	src := plane.New(12, 9, 16)
	for i := range src.Pix {
		src.Pix[i] = 4096
	}
	for _, p := range allParams {
		out, err := s.Rescale(src, 30, 20, p)
		if err != nil {
			t.Fatalf("%s: %v", p.Kernel, err)
		}
		if out.Width != 30 || out.Height != 20 {
			t.Fatalf("%s: unexpected size %v", p.Kernel, out.Resolution())
		}
		for _, v := range out.Pix {
			if math.Abs(v-4096) > 1e-6 {
				t.Fatalf("%s: constant plane changed to %v", p.Kernel, v)
			}
		}
	}
}

func TestDescaleInvertsRescale(t *testing.T) {
	s := NewScaler()
	low := randomPlane(16, 12, 7)
	for _, p := range allParams {
		high, err := s.Rescale(low, 40, 30, p)
		if err != nil {
			t.Fatalf("%s rescale: %v", p.Kernel, err)
		}
		got, err := s.Descale(high, 16, 12, p)
		if err != nil {
			t.Fatalf("%s descale: %v", p.Kernel, err)
		}
		if d := maxAbsDiff(got, low); d > 1e-5 {
			t.Fatalf("%s: descale differs from original low plane by %v", p.Kernel, d)
		}
	}
}

func TestDescaleRejectsUpscale(t *testing.T) {
	s := NewScaler()
	src := randomPlane(8, 8, 1)
	if _, err := s.Descale(src, 16, 8, allParams[0]); !errors.Is(err, ErrBadSize) {
		t.Fatalf("expected ErrBadSize, got %v", err)
	}
	if _, err := s.Rescale(src, 0, 8, allParams[0]); !errors.Is(err, ErrBadSize) {
		t.Fatalf("expected ErrBadSize, got %v", err)
	}
}

func TestUnknownKernelFilter(t *testing.T) {
	if _, err := NewFilter(kernel.Params{Kernel: "foo"}); !errors.Is(err, kernel.ErrUnsupportedKernel) {
		t.Fatalf("expected ErrUnsupportedKernel, got %v", err)
	}
}
