// Package framesource exposes a video as a random-access sequence of luma
// planes, subsampled to every Nth frame.
package framesource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"descaleverify/internal/fsutil"
	"descaleverify/internal/plane"
)

var (
	// ErrSourceUnavailable covers everything that prevents opening a source:
	// a missing file, an unsupported container, or a missing decoder.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrFrameDecode is returned when a specific frame cannot be decoded.
	ErrFrameDecode = errors.New("frame decode failed")
	// ErrOutOfRange is returned for indexes past the subsampled sequence.
	ErrOutOfRange = errors.New("frame index out of range")
	// ErrInvalidInterval is returned for intervals below one.
	ErrInvalidInterval = errors.New("interval must be at least 1")
)

// Info describes a decoded stream.
type Info struct {
	Width  int
	Height int
	Frames int
	Depth  int
	Codec  string
}

// Decoder gives random access to the luma planes of every original frame.
type Decoder interface {
	Info() Info
	Frame(n int) (plane.Plane, error)
	Close() error
}

// Options configures decoder backends.
type Options struct {
	Backend     string // auto, ffmpeg, imagick, gstreamer
	FFmpegPath  string
	FFprobePath string
	// Stride hints that only every Stride-th frame will be requested.
	Stride int
}

// Opener creates a decoder for path.
type Opener func(ctx context.Context, path string, opts Options) (Decoder, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Opener{}
)

// Register makes a decoder backend available under name.
func Register(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = open
}

// Backends lists registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Opener, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	o, ok := backends[name]
	return o, ok
}

// selectBackend resolves "auto": still images and directories of frames go to
// imagick, everything else to ffmpeg.
func selectBackend(path string, requested string, isDir bool) string {
	if requested != "" && requested != "auto" {
		return requested
	}
	if isDir || fsutil.IsStill(path) {
		return "imagick"
	}
	return "ffmpeg"
}

// Open opens path and returns the view of every interval-th frame.
func Open(ctx context.Context, path string, interval int, opts Options) (*Source, error) {
	if interval < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidInterval, interval)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	name := selectBackend(path, opts.Backend, st.IsDir())
	open, ok := lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: decoder backend %q is not available (have %v)", ErrSourceUnavailable, name, Backends())
	}
	opts.Stride = interval
	dec, err := open(ctx, path, opts)
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	info := dec.Info()
	if info.Frames < 1 || info.Width < 1 || info.Height < 1 {
		dec.Close()
		return nil, fmt.Errorf("%w: %s has no decodable video frames", ErrSourceUnavailable, path)
	}
	return Subsample(dec, interval)
}

// Source is the subsampled view over a Decoder. Plane calls are serialized,
// so a Source may be shared by concurrent callers.
type Source struct {
	mu       sync.Mutex
	dec      Decoder
	interval int
	frames   int
}

// Subsample wraps dec so that index i maps to original frame i*interval.
func Subsample(dec Decoder, interval int) (*Source, error) {
	if interval < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidInterval, interval)
	}
	total := dec.Info().Frames
	return &Source{
		dec:      dec,
		interval: interval,
		frames:   (total + interval - 1) / interval,
	}, nil
}

// NumFrames returns ceil(total / interval).
func (s *Source) NumFrames() int { return s.frames }

// Width returns the original frame width.
func (s *Source) Width() int { return s.dec.Info().Width }

// Height returns the original frame height.
func (s *Source) Height() int { return s.dec.Info().Height }

// Resolution returns the original frame resolution.
func (s *Source) Resolution() plane.Resolution {
	return plane.Resolution{Width: s.Width(), Height: s.Height()}
}

// Interval returns the subsampling interval.
func (s *Source) Interval() int { return s.interval }

// Info returns the decoder's stream description.
func (s *Source) Info() Info { return s.dec.Info() }

// TotalFrames returns the frame count before subsampling.
func (s *Source) TotalFrames() int { return s.dec.Info().Frames }

// OriginalIndex maps a subsampled index to the original frame number.
func (s *Source) OriginalIndex(i int) int { return i * s.interval }

// Plane returns the luma plane of the i-th subsampled frame.
func (s *Source) Plane(i int) (plane.Plane, error) {
	if i < 0 || i >= s.frames {
		return plane.Plane{}, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, s.frames)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.dec.Frame(s.OriginalIndex(i))
	if err != nil {
		if errors.Is(err, ErrFrameDecode) {
			return plane.Plane{}, err
		}
		return plane.Plane{}, fmt.Errorf("%w: frame %d: %v", ErrFrameDecode, s.OriginalIndex(i), err)
	}
	return p, nil
}

// Close releases the decoder.
func (s *Source) Close() error {
	return s.dec.Close()
}
