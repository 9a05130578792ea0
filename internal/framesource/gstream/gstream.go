// Package gstream registers the "gstreamer" frame source backend, which
// decodes through a GStreamer decodebin pipeline. Import it for its side
// effect.
package gstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"descaleverify/internal/framesource"
	"descaleverify/internal/plane"
)

func init() {
	framesource.Register("gstreamer", Open)
}

const grayCaps = "video/x-raw,format=GRAY16_LE"

// pollInterval bounds each wait on the appsink. A decode error that never
// reaches EOS is only visible on the bus.
const pollInterval = 100 * time.Millisecond

// Decoder pulls frames in order from an appsink. GStreamer offers no frame
// index seek that works across containers, so a request behind the stream
// position rebuilds the pipeline.
type Decoder struct {
	mu   sync.Mutex
	ctx  context.Context
	path string
	info framesource.Info

	p    *pipeline
	next int // index the appsink delivers next
}

// Open probes path by decoding it once to count frames.
func Open(ctx context.Context, path string, opts framesource.Options) (framesource.Decoder, error) {
	info, err := probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: gstreamer %s: %v", framesource.ErrSourceUnavailable, path, err)
	}
	return &Decoder{ctx: ctx, path: path, info: info}, nil
}

func probe(ctx context.Context, path string) (framesource.Info, error) {
	p, err := build(path)
	if err != nil {
		return framesource.Info{}, err
	}
	defer p.close()

	if _, err := p.pull(ctx); err != nil {
		if errors.Is(err, io.EOF) {
			return framesource.Info{}, errors.New("no video frames")
		}
		return framesource.Info{}, err
	}
	width, height, err := p.resolution()
	if err != nil {
		return framesource.Info{}, err
	}
	frames := 1
	for {
		_, err := p.nextSample(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return framesource.Info{}, err
		}
		frames++
	}
	return framesource.Info{Width: width, Height: height, Frames: frames, Depth: 16, Codec: "gstreamer"}, nil
}

func (d *Decoder) Info() framesource.Info { return d.info }

func (d *Decoder) Frame(n int) (plane.Plane, error) {
	if n < 0 || n >= d.info.Frames {
		return plane.Plane{}, fmt.Errorf("%w: frame %d of %d", framesource.ErrOutOfRange, n, d.info.Frames)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.p == nil || n < d.next {
		if err := d.restart(); err != nil {
			return plane.Plane{}, fmt.Errorf("%w: %v", framesource.ErrFrameDecode, err)
		}
	}
	for d.next < n {
		if _, err := d.p.nextSample(d.ctx); err != nil {
			return plane.Plane{}, d.fail(n, err)
		}
		d.next++
	}
	data, err := d.p.pull(d.ctx)
	if err != nil {
		d.stop()
		return plane.Plane{}, fmt.Errorf("%w: frame %d: %v", framesource.ErrFrameDecode, n, err)
	}
	d.next++
	return toPlane(data, d.info.Width, d.info.Height)
}

func (d *Decoder) fail(n int, err error) error {
	d.stop()
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: frame %d: %v", framesource.ErrFrameDecode, n, err)
}

func (d *Decoder) restart() error {
	d.stop()
	p, err := build(d.path)
	if err != nil {
		return err
	}
	d.p = p
	d.next = 0
	return nil
}

func (d *Decoder) stop() {
	if d.p != nil {
		d.p.close()
		d.p = nil
	}
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()
	return nil
}

// toPlane reads a GRAY16_LE buffer whose rows may be padded to a 4-byte
// stride.
func toPlane(data []byte, width, height int) (plane.Plane, error) {
	if height < 1 || len(data)%height != 0 {
		return plane.Plane{}, fmt.Errorf("%w: buffer of %d bytes for %d rows", framesource.ErrFrameDecode, len(data), height)
	}
	stride := len(data) / height
	if stride < width*2 {
		return plane.Plane{}, fmt.Errorf("%w: row stride %d below width %d", framesource.ErrFrameDecode, stride, width)
	}
	samples := make([]uint16, width*height)
	for y := 0; y < height; y++ {
		row := data[y*stride:]
		for x := 0; x < width; x++ {
			samples[y*width+x] = uint16(row[2*x]) | uint16(row[2*x+1])<<8
		}
	}
	return plane.FromUint16(width, height, 16, samples)
}

type pipeline struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
}

// build creates filesrc → decodebin → videoconvert → capsfilter → appsink
// and starts it.
func build(path string) (*pipeline, error) {
	gst.Init(nil)

	pl, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	src, err := gst.NewElement("filesrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create filesrc: %w", err)
	}
	src.SetProperty("location", path)
	decode, err := gst.NewElement("decodebin")
	if err != nil {
		return nil, fmt.Errorf("failed to create decodebin: %w", err)
	}
	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	filter.SetProperty("caps", gst.NewCapsFromString(grayCaps))
	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", uint(4))

	if err := pl.AddMany(src, decode, convert, filter, sink.Element); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, decode); err != nil {
		return nil, fmt.Errorf("failed to link source: %w", err)
	}
	if err := gst.ElementLinkMany(convert, filter, sink.Element); err != nil {
		return nil, fmt.Errorf("failed to link converter: %w", err)
	}
	// decodebin pads appear once the container is parsed. Audio pads fail
	// to link against videoconvert and are left unconnected.
	decode.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := convert.GetStaticPad("sink")
		if sinkPad == nil {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Debug("gstreamer: pad not linked", "pad", srcPad.GetName(), "ret", ret)
		}
	})

	if err := pl.SetState(gst.StatePlaying); err != nil {
		pl.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}
	return &pipeline{pipeline: pl, sink: sink}, nil
}

// sampler is the part of the appsink that waitSample polls.
type sampler interface {
	TryPullSample(timeout time.Duration) *gst.Sample
	IsEOS() bool
}

// waitSample polls s until a sample arrives. It returns io.EOF at end of
// stream, the first bus error, or the context error.
func waitSample(ctx context.Context, s sampler, busError func() error) (*gst.Sample, error) {
	for {
		if sample := s.TryPullSample(pollInterval); sample != nil {
			return sample, nil
		}
		if err := busError(); err != nil {
			return nil, err
		}
		if s.IsEOS() {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (p *pipeline) nextSample(ctx context.Context) (*gst.Sample, error) {
	return waitSample(ctx, p.sink, p.busError)
}

// pull returns a copy of the next frame's bytes, or io.EOF at end of stream.
func (p *pipeline) pull(ctx context.Context) ([]byte, error) {
	sample, err := p.nextSample(ctx)
	if err != nil {
		return nil, err
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errors.New("sample without buffer")
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := append([]byte(nil), mapInfo.Bytes()...)
	buffer.Unmap()
	return data, nil
}

func (p *pipeline) resolution() (int, int, error) {
	pad := p.sink.Element.GetStaticPad("sink")
	if pad == nil {
		return 0, 0, errors.New("appsink has no sink pad")
	}
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, errors.New("no negotiated caps")
	}
	st := caps.GetStructureAt(0)
	width, height := intField(st, "width"), intField(st, "height")
	if width < 1 || height < 1 {
		return 0, 0, fmt.Errorf("invalid negotiated size %dx%d", width, height)
	}
	return width, height, nil
}

func intField(st *gst.Structure, key string) int {
	val, err := st.GetValue(key)
	if err != nil {
		return 0
	}
	v, _ := val.(int)
	return v
}

// busError drains the bus and returns the first error message, if any.
func (p *pipeline) busError() error {
	bus := p.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		if msg.Type() == gst.MessageError {
			return errors.New(msg.ParseError().Error())
		}
	}
}

func (p *pipeline) close() {
	p.pipeline.SetState(gst.StateNull)
}
