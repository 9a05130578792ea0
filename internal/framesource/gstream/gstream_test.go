package gstream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"descaleverify/internal/framesource"
)

func TestToPlaneHandlesRowPadding(t *testing.T) {
	// 3x2 frame, rows padded from 6 to 8 bytes.
	data := []byte{
		0x01, 0x00, 0x02, 0x00, 0x00, 0x01, 0xff, 0xff,
		0xff, 0xff, 0x10, 0x00, 0x00, 0x00, 0xff, 0xff,
	}
	p, err := toPlane(data, 3, 2)
	if err != nil {
		t.Fatalf("toPlane: %v", err)
	}
	if p.Width != 3 || p.Height != 2 {
		t.Fatalf("unexpected size %dx%d", p.Width, p.Height)
	}
	want, err := toPlane([]byte{0x01, 0x00, 0x02, 0x00, 0x00, 0x01, 0xff, 0xff, 0x10, 0x00, 0x00, 0x00}, 3, 2)
	if err != nil {
		t.Fatalf("toPlane unpadded: %v", err)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			if p.At(x, y) != want.At(x, y) {
				t.Fatalf("sample (%d,%d): got %v want %v", x, y, p.At(x, y), want.At(x, y))
			}
		}
	}
}

func TestToPlaneRejectsShortBuffers(t *testing.T) {
	if _, err := toPlane(make([]byte, 10), 3, 2); !errors.Is(err, framesource.ErrFrameDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if _, err := toPlane(make([]byte, 8), 3, 2); !errors.Is(err, framesource.ErrFrameDecode) {
		t.Fatalf("expected decode error for narrow stride, got %v", err)
	}
}

// stalledSink never delivers a sample.
type stalledSink struct {
	eos   bool
	polls int
}

func (s *stalledSink) TryPullSample(time.Duration) *gst.Sample {
	s.polls++
	return nil
}

func (s *stalledSink) IsEOS() bool { return s.eos }

func TestWaitSampleReturnsBusErrorWithoutEOS(t *testing.T) {
	sink := &stalledSink{}
	decodeErr := errors.New("Internal data stream error")
	checks := 0
	busError := func() error {
		checks++
		if checks < 3 {
			return nil
		}
		return decodeErr
	}
	if _, err := waitSample(context.Background(), sink, busError); !errors.Is(err, decodeErr) {
		t.Fatalf("expected bus error, got %v", err)
	}
	if sink.polls != 3 {
		t.Fatalf("expected 3 polls, got %d", sink.polls)
	}
}

func TestWaitSampleEndOfStream(t *testing.T) {
	sink := &stalledSink{eos: true}
	if _, err := waitSample(context.Background(), sink, func() error { return nil }); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestWaitSampleStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := waitSample(ctx, &stalledSink{}, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
