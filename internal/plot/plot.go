// Package plot renders an error series as a line chart.
package plot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonumplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"descaleverify/internal/stats"
)

// ErrOutputWrite wraps failures to produce the output image.
var ErrOutputWrite = errors.New("cannot write plot")

const (
	Title  = "Descale Error"
	XLabel = "frames"
	YLabel = "difference"

	// TimestampLayout names output files after the completion time.
	TimestampLayout = "2006-01-02 15:04:05"
)

var (
	width  = 6.4 * vg.Inch
	height = 4.8 * vg.Inch
)

// Filename returns "<dir>/YYYY-MM-DD HH:MM:SS.png" for t.
func Filename(dir string, t time.Time) string {
	return filepath.Join(dir, t.Format(TimestampLayout)+".png")
}

// Render draws series against frame ordinal and saves it as a PNG at path.
// The image is written to a temporary file first so a failed render never
// leaves a partial file behind.
func Render(series stats.Series, path string) error {
	p := gonumplot.New()
	p.Title.Text = Title
	p.X.Label.Text = XLabel
	p.Y.Label.Text = YLabel
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, series.Len())
	for i := range pts {
		pts[i].X = float64(i)
		pts[i].Y = series.At(i)
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	p.Add(line)

	w, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	tmp, err := os.CreateTemp(dir, ".plot-*.png")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	if _, err := w.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	return nil
}
