package plot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"descaleverify/internal/stats"
)

func TestFilename(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	got := Filename("out", ts)
	want := filepath.Join("out", "2024-03-09 07:05:01.png")
	if got != want {
		t.Fatalf("Filename = %q, want %q", got, want)
	}
}

func TestRenderWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.png")
	series := stats.NewSeries([]float64{3, 1, 4, 1, 5})
	if err := Render(series, path); err != nil {
		t.Fatalf("render: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("output is not a PNG")
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".plot-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary files left behind: %v", leftovers)
	}
}

func TestRenderUnwritableDestination(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := Render(stats.NewSeries([]float64{1, 2}), filepath.Join(blocker, "out.png"))
	if !errors.Is(err, ErrOutputWrite) {
		t.Fatalf("expected ErrOutputWrite, got %v", err)
	}
}
