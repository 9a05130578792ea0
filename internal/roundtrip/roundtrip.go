// Package roundtrip builds the descale-then-rescale error transform for one
// kernel and target resolution.
package roundtrip

import (
	"errors"
	"fmt"

	"descaleverify/internal/kernel"
	"descaleverify/internal/plane"
)

// ErrTooLarge is returned when the low resolution does not fit inside the
// plane being analyzed.
var ErrTooLarge = errors.New("descaled resolution exceeds source resolution")

// Scaler is the resampling capability the transform composes. Descale and
// Rescale must be pure: the same input always yields the same output.
type Scaler interface {
	Descale(src plane.Plane, width, height int, p kernel.Params) (plane.Plane, error)
	Rescale(src plane.Plane, width, height int, p kernel.Params) (plane.Plane, error)
}

// Transform computes original - rescale(descale(original)) for a fixed kernel
// and low resolution.
type Transform struct {
	low     plane.Resolution
	descale kernel.Params
	rescale kernel.Params
	scaler  Scaler
}

// New validates the kernel and low resolution and resolves the operator
// parameters once, so no frame ever reaches an unsupported kernel.
func New(spec kernel.Spec, low plane.Resolution, scaler Scaler) (*Transform, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if !low.Valid() {
		return nil, fmt.Errorf("invalid descaled resolution %s", low)
	}
	if scaler == nil {
		return nil, errors.New("roundtrip: nil scaler")
	}
	d, err := spec.DescaleParams()
	if err != nil {
		return nil, err
	}
	r, err := spec.RescaleParams()
	if err != nil {
		return nil, err
	}
	return &Transform{low: low, descale: d, rescale: r, scaler: scaler}, nil
}

// Fits reports whether planes of resolution src can be analyzed.
func (t *Transform) Fits(src plane.Resolution) error {
	if t.low.Width > src.Width || t.low.Height > src.Height {
		return fmt.Errorf("%w: %s > %s", ErrTooLarge, t.low, src)
	}
	return nil
}

// Error returns the signed per-sample difference between original and its
// round trip through the kernel. The result has the dimensions of original.
func (t *Transform) Error(original plane.Plane) (plane.Plane, error) {
	if err := t.Fits(original.Resolution()); err != nil {
		return plane.Plane{}, err
	}
	low, err := t.scaler.Descale(original, t.low.Width, t.low.Height, t.descale)
	if err != nil {
		return plane.Plane{}, fmt.Errorf("descale: %w", err)
	}
	high, err := t.scaler.Rescale(low, original.Width, original.Height, t.rescale)
	if err != nil {
		return plane.Plane{}, fmt.Errorf("rescale: %w", err)
	}
	return plane.Combine(original, high, func(x, y float64) float64 { return x - y })
}
