// Package kernel describes the supported descale kernels and how a user-facing
// kernel specification maps onto the parameters of the descale and rescale
// operators.
package kernel

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrUnsupportedKernel is returned for kernel names outside the dispatch table.
var ErrUnsupportedKernel = errors.New("unsupported kernel")

// ErrInvalidParams is returned when a supported kernel gets unusable parameters.
var ErrInvalidParams = errors.New("invalid kernel parameters")

// Name identifies a kernel family.
type Name string

const (
	Bicubic  Name = "bicubic"
	Bilinear Name = "bilinear"
	Lanczos  Name = "lanczos"
	Spline16 Name = "spline16"
	Spline36 Name = "spline36"
)

// Spec is the user-facing kernel selection: a family plus two numeric
// parameters whose meaning depends on the family.
type Spec struct {
	Name Name    `json:"name"`
	A    float64 `json:"a"`
	B    float64 `json:"b"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%s(a=%g, b=%g)", s.Name, s.A, s.B)
}

// Params is what a descale or rescale operator receives.
type Params struct {
	Kernel Name
	B, C   float64 // bicubic
	Taps   int     // lanczos
}

type entry struct {
	descale func(Spec) Params
	rescale func(Spec) Params
}

func plain(n Name) func(Spec) Params {
	return func(Spec) Params { return Params{Kernel: n} }
}

func bicubic(s Spec) Params {
	return Params{Kernel: Bicubic, B: s.A, C: s.B}
}

func lanczos(s Spec) Params {
	return Params{Kernel: Lanczos, Taps: int(math.Round(s.A))}
}

// table maps each kernel to its descale and rescale parameter mapping.
// bicubic:  descale (b=A, c=B), rescale (filter_param_a=A, filter_param_b=B)
// lanczos:  descale taps=round(A), rescale filter_param_a=round(A)
// the splines and bilinear take no parameters.
var table = map[Name]entry{
	Bicubic:  {descale: bicubic, rescale: bicubic},
	Bilinear: {descale: plain(Bilinear), rescale: plain(Bilinear)},
	Lanczos:  {descale: lanczos, rescale: lanczos},
	Spline16: {descale: plain(Spline16), rescale: plain(Spline16)},
	Spline36: {descale: plain(Spline36), rescale: plain(Spline36)},
}

// Names returns the supported kernel names in sorted order.
func Names() []string {
	names := make([]string, 0, len(table))
	for n := range table {
		names = append(names, string(n))
	}
	sort.Strings(names)
	return names
}

// Parse validates name and returns the matching Spec.
func Parse(name string, a, b float64) (Spec, error) {
	s := Spec{Name: Name(strings.ToLower(strings.TrimSpace(name))), A: a, B: b}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Validate checks that the kernel is supported and its parameters usable.
func (s Spec) Validate() error {
	if _, ok := table[s.Name]; !ok {
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedKernel, s.Name, strings.Join(Names(), ", "))
	}
	if math.IsNaN(s.A) || math.IsNaN(s.B) || math.IsInf(s.A, 0) || math.IsInf(s.B, 0) {
		return fmt.Errorf("%w: parameters must be finite", ErrInvalidParams)
	}
	if s.Name == Lanczos && math.Round(s.A) < 1 {
		return fmt.Errorf("%w: lanczos needs at least one tap, got a=%g", ErrInvalidParams, s.A)
	}
	return nil
}

// DescaleParams returns the parameters for the descale operator.
func (s Spec) DescaleParams() (Params, error) {
	e, ok := table[s.Name]
	if !ok {
		return Params{}, fmt.Errorf("%w: %q", ErrUnsupportedKernel, s.Name)
	}
	return e.descale(s), nil
}

// RescaleParams returns the parameters for the rescale operator.
func (s Spec) RescaleParams() (Params, error) {
	e, ok := table[s.Name]
	if !ok {
		return Params{}, fmt.Errorf("%w: %q", ErrUnsupportedKernel, s.Name)
	}
	return e.rescale(s), nil
}
