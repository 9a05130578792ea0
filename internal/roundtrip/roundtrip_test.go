package roundtrip

import (
	"errors"
	"math"
	"testing"

	"descaleverify/internal/kernel"
	"descaleverify/internal/plane"
	"descaleverify/internal/resample"
)

// recordingScaler nearest-neighbour resizes and records the calls it gets.
type recordingScaler struct {
	calls []string
	last  map[string]kernel.Params
	fail  error
}

func (s *recordingScaler) resize(src plane.Plane, w, h int) plane.Plane {
	out := plane.New(w, h, src.Depth)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(x, y, src.At(x*src.Width/w, y*src.Height/h))
		}
	}
	return out
}

func (s *recordingScaler) Descale(src plane.Plane, w, h int, p kernel.Params) (plane.Plane, error) {
	s.calls = append(s.calls, "descale")
	s.record("descale", p)
	if s.fail != nil {
		return plane.Plane{}, s.fail
	}
	return s.resize(src, w, h), nil
}

func (s *recordingScaler) Rescale(src plane.Plane, w, h int, p kernel.Params) (plane.Plane, error) {
	s.calls = append(s.calls, "rescale")
	s.record("rescale", p)
	return s.resize(src, w, h), nil
}

func (s *recordingScaler) record(op string, p kernel.Params) {
	if s.last == nil {
		s.last = make(map[string]kernel.Params)
	}
	s.last[op] = p
}

func TestNewFailsFastOnUnsupportedKernel(t *testing.T) {
	s := &recordingScaler{}
	_, err := New(kernel.Spec{Name: "foo"}, plane.Resolution{Width: 4, Height: 4}, s)
	if !errors.Is(err, kernel.ErrUnsupportedKernel) {
		t.Fatalf("expected ErrUnsupportedKernel, got %v", err)
	}
	if len(s.calls) != 0 {
		t.Fatalf("scaler must not be touched, got %v", s.calls)
	}
}

func TestErrorComposesDescaleThenRescale(t *testing.T) {
	s := &recordingScaler{}
	tr, err := New(kernel.Spec{Name: kernel.Lanczos, A: 3.4}, plane.Resolution{Width: 2, Height: 2}, s)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	orig := plane.New(4, 4, 16)
	for i := range orig.Pix {
		orig.Pix[i] = float64(i)
	}
	diff, err := tr.Error(orig)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(s.calls) != 2 || s.calls[0] != "descale" || s.calls[1] != "rescale" {
		t.Fatalf("unexpected call order %v", s.calls)
	}
	if s.last["descale"].Taps != 3 || s.last["rescale"].Taps != 3 {
		t.Fatalf("lanczos taps not mapped: %+v", s.last)
	}
	if !diff.SameSize(orig) {
		t.Fatalf("diff size %v, want %v", diff.Resolution(), orig.Resolution())
	}
	// nearest neighbour keeps the top-left sample of every 2x2 block
	if diff.At(0, 0) != 0 || diff.At(1, 0) != 1 || diff.At(0, 1) != 4 {
		t.Fatalf("unexpected signed diff %v", diff.Pix)
	}
}

func TestErrorPropagatesScalerFailure(t *testing.T) {
	boom := errors.New("boom")
	s := &recordingScaler{fail: boom}
	tr, err := New(kernel.Spec{Name: kernel.Bilinear}, plane.Resolution{Width: 2, Height: 2}, s)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := tr.Error(plane.New(4, 4, 16)); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestErrorRejectsLowLargerThanSource(t *testing.T) {
	tr, err := New(kernel.Spec{Name: kernel.Bilinear}, plane.Resolution{Width: 8, Height: 8}, &recordingScaler{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := tr.Error(plane.New(4, 4, 16)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestErrorPreservesDimensionsForAllKernels(t *testing.T) {
	scaler := resample.NewScaler()
	orig := plane.New(24, 18, 16)
	for i := range orig.Pix {
		orig.Pix[i] = float64((i * 7919) % 65536)
	}
	for _, name := range kernel.Names() {
		spec, err := kernel.Parse(name, defaultA(name), 0.5)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		tr, err := New(spec, plane.LowResolution(orig.Resolution(), 12), scaler)
		if err != nil {
			t.Fatalf("new %s: %v", name, err)
		}
		diff, err := tr.Error(orig)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !diff.SameSize(orig) {
			t.Fatalf("%s: diff size %v", name, diff.Resolution())
		}
	}
}

func TestConstantPlaneHasNoError(t *testing.T) {
	scaler := resample.NewScaler()
	orig := plane.New(32, 18, 16)
	for i := range orig.Pix {
		orig.Pix[i] = 30000
	}
	for _, name := range kernel.Names() {
		spec, _ := kernel.Parse(name, defaultA(name), 0.5)
		tr, err := New(spec, plane.Resolution{Width: 16, Height: 9}, scaler)
		if err != nil {
			t.Fatalf("new %s: %v", name, err)
		}
		diff, err := tr.Error(orig)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for _, v := range diff.Pix {
			if math.Abs(v) > 1e-6 {
				t.Fatalf("%s: constant plane round trip error %v", name, v)
			}
		}
	}
}

func defaultA(name string) float64 {
	if name == string(kernel.Lanczos) {
		return 3
	}
	return 0
}
