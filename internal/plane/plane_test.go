package plane

import (
	"errors"
	"testing"
)

func TestLowResolutionKeepsAspectRatio(t *testing.T) {
	cases := []struct {
		src    Resolution
		height int
		want   Resolution
	}{
		{Resolution{1920, 1080}, 720, Resolution{1280, 720}},
		{Resolution{1920, 1080}, 810, Resolution{1440, 810}},
		{Resolution{1440, 1080}, 719, Resolution{958, 719}},
		{Resolution{720, 480}, 360, Resolution{540, 360}},
	}
	for _, tc := range cases {
		if got := LowResolution(tc.src, tc.height); got != tc.want {
			t.Fatalf("LowResolution(%v, %d) = %v, want %v", tc.src, tc.height, got, tc.want)
		}
	}
}

func TestCombineRejectsMismatchedPlanes(t *testing.T) {
	a := New(4, 4, 16)
	b := New(4, 3, 16)
	if _, err := Combine(a, b, func(x, y float64) float64 { return x - y }); !errors.Is(err, ErrDimensions) {
		t.Fatalf("expected ErrDimensions, got %v", err)
	}
}

func TestCombineIsSigned(t *testing.T) {
	a := New(2, 1, 16)
	b := New(2, 1, 16)
	a.Pix[0], b.Pix[0] = 10, 30
	a.Pix[1], b.Pix[1] = 50, 20
	d, err := Combine(a, b, func(x, y float64) float64 { return x - y })
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if d.Pix[0] != -20 || d.Pix[1] != 30 {
		t.Fatalf("unexpected diff %v", d.Pix)
	}
}

func TestTransposeRoundTrip(t *testing.T) {
	p := New(3, 2, 8)
	for i := range p.Pix {
		p.Pix[i] = float64(i)
	}
	tt := p.Transpose()
	if tt.Width != 2 || tt.Height != 3 {
		t.Fatalf("unexpected transposed size %v", tt.Resolution())
	}
	if tt.At(1, 2) != p.At(2, 1) {
		t.Fatalf("transpose moved samples incorrectly")
	}
	back := tt.Transpose()
	for i := range p.Pix {
		if back.Pix[i] != p.Pix[i] {
			t.Fatalf("double transpose changed sample %d", i)
		}
	}
}

func TestFromUint16Length(t *testing.T) {
	if _, err := FromUint16(2, 2, 16, []uint16{1, 2, 3}); !errors.Is(err, ErrDimensions) {
		t.Fatalf("expected ErrDimensions, got %v", err)
	}
	p, err := FromUint16(2, 1, 16, []uint16{1, 65535})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Pix[1] != 65535 {
		t.Fatalf("sample not converted: %v", p.Pix)
	}
}
