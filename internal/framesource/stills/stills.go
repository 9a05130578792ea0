// Package stills registers the "imagick" frame source backend, which reads a
// directory of numbered still frames or a multi-frame image through the
// ImageMagick bindings. Import it for its side effect.
package stills

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"descaleverify/internal/framesource"
	"descaleverify/internal/fsutil"
	"descaleverify/internal/plane"
)

func init() {
	framesource.Register("imagick", Open)
}

// Decoder serves luma planes from still images.
type Decoder struct {
	mu    sync.Mutex
	files []string            // one frame per file
	multi *imagick.MagickWand // or every frame inside one file
	info  framesource.Info
}

// Open builds a decoder for a directory of frames or a single image file.
func Open(ctx context.Context, path string, opts framesource.Options) (framesource.Decoder, error) {
	_ = ctx
	_ = opts
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", framesource.ErrSourceUnavailable, err)
	}

	imagick.Initialize()
	d := &Decoder{}
	if st.IsDir() {
		files, err := fsutil.ListFrames(path)
		if err != nil {
			imagick.Terminate()
			return nil, fmt.Errorf("%w: %v", framesource.ErrSourceUnavailable, err)
		}
		if len(files) == 0 {
			imagick.Terminate()
			return nil, fmt.Errorf("%w: no still frames in %s", framesource.ErrSourceUnavailable, path)
		}
		d.files = files
		first := imagick.NewMagickWand()
		defer first.Destroy()
		if err := first.PingImage(files[0]); err != nil {
			imagick.Terminate()
			return nil, fmt.Errorf("%w: %s: %v", framesource.ErrSourceUnavailable, files[0], err)
		}
		d.info = framesource.Info{
			Width:  int(first.GetImageWidth()),
			Height: int(first.GetImageHeight()),
			Frames: len(files),
			Depth:  16,
			Codec:  first.GetImageFormat(),
		}
		return d, nil
	}

	mw := imagick.NewMagickWand()
	if err := mw.ReadImage(path); err != nil {
		mw.Destroy()
		imagick.Terminate()
		return nil, fmt.Errorf("%w: %s: %v", framesource.ErrSourceUnavailable, path, err)
	}
	mw.SetIteratorIndex(0)
	d.multi = mw
	d.info = framesource.Info{
		Width:  int(mw.GetImageWidth()),
		Height: int(mw.GetImageHeight()),
		Frames: int(mw.GetNumberImages()),
		Depth:  16,
		Codec:  mw.GetImageFormat(),
	}
	return d, nil
}

func (d *Decoder) Info() framesource.Info { return d.info }

// Frame decodes frame n as 16-bit luma.
func (d *Decoder) Frame(n int) (plane.Plane, error) {
	if n < 0 || n >= d.info.Frames {
		return plane.Plane{}, fmt.Errorf("%w: frame %d of %d", framesource.ErrOutOfRange, n, d.info.Frames)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var img *imagick.MagickWand
	if d.multi != nil {
		if !d.multi.SetIteratorIndex(n) {
			return plane.Plane{}, fmt.Errorf("%w: frame %d: cannot seek", framesource.ErrFrameDecode, n)
		}
		img = d.multi.GetImage()
	} else {
		img = imagick.NewMagickWand()
		if err := img.ReadImage(d.files[n]); err != nil {
			img.Destroy()
			return plane.Plane{}, fmt.Errorf("%w: %s: %v", framesource.ErrFrameDecode, d.files[n], err)
		}
	}
	defer img.Destroy()

	w, h := int(img.GetImageWidth()), int(img.GetImageHeight())
	if w != d.info.Width || h != d.info.Height {
		return plane.Plane{}, fmt.Errorf("%w: frame %d is %dx%d, sequence is %dx%d",
			framesource.ErrFrameDecode, n, w, h, d.info.Width, d.info.Height)
	}
	if err := img.TransformImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return plane.Plane{}, fmt.Errorf("%w: frame %d: %v", framesource.ErrFrameDecode, n, err)
	}
	px, err := img.ExportImagePixels(0, 0, uint(w), uint(h), "I", imagick.PIXEL_SHORT)
	if err != nil {
		return plane.Plane{}, fmt.Errorf("%w: frame %d: %v", framesource.ErrFrameDecode, n, err)
	}
	samples, err := toUint16(px)
	if err != nil {
		return plane.Plane{}, fmt.Errorf("%w: frame %d: %v", framesource.ErrFrameDecode, n, err)
	}
	return plane.FromUint16(w, h, d.info.Depth, samples)
}

// toUint16 normalizes the slice types ExportImagePixels may hand back.
func toUint16(px interface{}) ([]uint16, error) {
	switch v := px.(type) {
	case []uint16:
		return v, nil
	case []int16:
		out := make([]uint16, len(v))
		for i, s := range v {
			out[i] = uint16(s)
		}
		return out, nil
	case []float64:
		out := make([]uint16, len(v))
		for i, s := range v {
			out[i] = uint16(s*65535 + 0.5)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected pixel buffer %T", px)
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.multi != nil {
		d.multi.Destroy()
		d.multi = nil
	}
	imagick.Terminate()
	return nil
}
