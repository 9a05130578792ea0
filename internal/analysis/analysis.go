// Package analysis runs one descale verification end to end: open the
// source, compute the per-frame error series, render the plot and record the
// run.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"descaleverify/internal/config"
	"descaleverify/internal/framesource"
	"descaleverify/internal/fsutil"
	"descaleverify/internal/kernel"
	"descaleverify/internal/logging"
	"descaleverify/internal/plane"
	"descaleverify/internal/plot"
	"descaleverify/internal/resample"
	"descaleverify/internal/roundtrip"
	"descaleverify/internal/stats"
	"descaleverify/internal/storage"
)

// Request describes one analysis.
type Request struct {
	RunID     string // generated when empty
	Input     string
	Analysis  config.Analysis
	Decoder   config.Decoder
	OutputDir string
}

// Report is the outcome of a successful analysis.
type Report struct {
	RunID       string           `json:"run_id"`
	Input       string           `json:"input"`
	Kernel      kernel.Spec      `json:"kernel"`
	Reduction   string           `json:"reduction"`
	Source      plane.Resolution `json:"source"`
	Low         plane.Resolution `json:"low"`
	Interval    int              `json:"interval"`
	TotalFrames int              `json:"total_frames"`
	Series      stats.Series     `json:"-"`
	Summary     stats.Summary    `json:"summary"`
	Elapsed     time.Duration    `json:"elapsed"`
	PlotPath    string           `json:"plot_path"`
}

// FrameSource is what the runner needs from an opened video.
type FrameSource interface {
	NumFrames() int
	Plane(i int) (plane.Plane, error)
	Resolution() plane.Resolution
	TotalFrames() int
	Close() error
}

// Opener opens a subsampled frame source.
type Opener func(ctx context.Context, path string, interval int, opts framesource.Options) (FrameSource, error)

// RunStore persists run state. *storage.Store satisfies it.
type RunStore interface {
	RecordRunQueued(rec storage.RunRecord) error
	RecordRunStart(id string, st storage.RunStart) error
	RecordRunResult(id string, out storage.RunOutcome) error
}

// Runner executes analyses. The zero value is not usable; call NewRunner.
type Runner struct {
	Open   Opener
	Scaler roundtrip.Scaler
	Render func(series stats.Series, path string) error
	Store  RunStore
	Logger *slog.Logger
	// Out receives the human-oriented console report. nil discards it.
	Out io.Writer
	// Memory reports available memory in MB for worker capping.
	Memory func() (int64, error)
	Now    func() time.Time
}

// NewRunner wires the production decoders, scaler, and plot renderer.
// store may be nil.
func NewRunner(store *storage.Store, logger *slog.Logger, out io.Writer) *Runner {
	r := &Runner{
		Open:   openFrameSource,
		Scaler: resample.NewScaler(),
		Render: plot.Render,
		Logger: logger,
		Out:    out,
		Memory: fsutil.GetSystemMemory,
		Now:    time.Now,
	}
	if store != nil {
		r.Store = store
	}
	return r
}

func openFrameSource(ctx context.Context, path string, interval int, opts framesource.Options) (FrameSource, error) {
	src, err := framesource.Open(ctx, path, interval, opts)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) out() io.Writer {
	if r.Out != nil {
		return r.Out
	}
	return io.Discard
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run performs the analysis. progress, when non-nil, receives frame progress
// in addition to the console counter.
func (r *Runner) Run(ctx context.Context, req Request, progress stats.Progress) (Report, error) {
	logger := r.logger()
	a := req.Analysis

	// Configuration problems end the run before the source is touched.
	spec, err := kernel.Parse(a.Kernel, a.ParamA, a.ParamB)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	reducer, err := stats.LookupReducer(a.Reduction)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	if err := a.Validate(); err != nil {
		return Report{}, err
	}

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	rep := Report{
		RunID:     req.RunID,
		Input:     req.Input,
		Kernel:    spec,
		Reduction: reducer.Name(),
		Interval:  a.Interval,
	}
	started := r.now()

	logging.LogRunStart(logger, req.RunID, req.Input, map[string]any{
		"kernel":    spec.String(),
		"interval":  a.Interval,
		"height":    a.DescaleHeight,
		"reduction": reducer.Name(),
	})
	r.record("queue", func(s RunStore) error {
		return s.RecordRunQueued(storage.RunRecord{
			ID:            req.RunID,
			Status:        storage.StatusQueued,
			InputPath:     req.Input,
			Kernel:        string(spec.Name),
			ParamA:        spec.A,
			ParamB:        spec.B,
			Interval:      a.Interval,
			DescaleHeight: a.DescaleHeight,
			Reduction:     reducer.Name(),
		})
	})

	rep, err = r.run(ctx, req, spec, reducer, rep, progress)
	elapsed := r.now().Sub(started)
	if err != nil {
		logging.LogRunError(logger, req.RunID, elapsed, err, map[string]any{"input": req.Input})
		r.record("result", func(s RunStore) error {
			return s.RecordRunResult(req.RunID, storage.RunOutcome{Status: storage.StatusFailed, Error: err.Error(), Elapsed: elapsed})
		})
		return Report{}, err
	}

	summary := summaryMap(rep.Summary)
	logging.LogRunComplete(logger, req.RunID, elapsed, summary)
	r.record("result", func(s RunStore) error {
		return s.RecordRunResult(req.RunID, storage.RunOutcome{
			Status:   storage.StatusCompleted,
			Series:   rep.Series.Values(),
			Elapsed:  rep.Elapsed,
			PlotPath: rep.PlotPath,
			Summary:  summary,
		})
	})
	return rep, nil
}

func (r *Runner) run(ctx context.Context, req Request, spec kernel.Spec, reducer stats.Reducer, rep Report, progress stats.Progress) (Report, error) {
	logger := r.logger()
	out := r.out()
	a := req.Analysis

	fmt.Fprintf(out, "Kernel: %s\n", spec)
	fmt.Fprintf(out, "Video file: %s\n", req.Input)

	src, err := r.Open(ctx, req.Input, a.Interval, framesource.Options{
		Backend:     req.Decoder.Backend,
		FFmpegPath:  req.Decoder.FFmpegPath,
		FFprobePath: req.Decoder.FFprobePath,
	})
	if err != nil {
		return rep, err
	}
	defer src.Close()

	rep.Source = src.Resolution()
	rep.TotalFrames = src.TotalFrames()
	rep.Low = plane.LowResolution(rep.Source, a.DescaleHeight)

	transform, err := roundtrip.New(spec, rep.Low, r.Scaler)
	if err != nil {
		return rep, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	if err := transform.Fits(rep.Source); err != nil {
		return rep, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	n := src.NumFrames()
	fmt.Fprintf(out, "Original resolution: %s\n", rep.Source)
	fmt.Fprintf(out, "Descaled resolution: %s\n", rep.Low)
	fmt.Fprintf(out, "Frames to be tested: %s of %s\n", humanize.Comma(int64(n)), humanize.Comma(int64(rep.TotalFrames)))
	logger.Info("source opened",
		"input", req.Input,
		"source", rep.Source.String(),
		"low", rep.Low.String(),
		"frames", n,
		"total_frames", rep.TotalFrames,
	)

	r.record("start", func(s RunStore) error {
		return s.RecordRunStart(rep.RunID, storage.RunStart{
			SourceWidth:  rep.Source.Width,
			SourceHeight: rep.Source.Height,
			LowWidth:     rep.Low.Width,
			LowHeight:    rep.Low.Height,
			Frames:       n,
		})
	})

	workers := a.Workers
	if workers > 1 && r.Memory != nil {
		if avail, err := r.Memory(); err == nil {
			workers = fsutil.FitWorkers(workers, rep.Source.Width, rep.Source.Height, avail)
		}
		if workers != a.Workers {
			logger.Warn("reduced workers to fit memory", "requested", a.Workers, "workers", workers)
		}
	}

	agg := &stats.Aggregator{
		Transform: transform,
		Reducer:   reducer,
		Progress:  fanOut{console(out), progress},
		Workers:   workers,
	}
	res, err := agg.Run(src)
	fmt.Fprintln(out)
	if err != nil {
		return rep, err
	}
	rep.Series = res.Series
	rep.Elapsed = res.Elapsed
	rep.Summary = res.Series.Summarize()
	fmt.Fprintf(out, "Time used: %.2fs\n", res.Elapsed.Seconds())

	outDir := req.OutputDir
	if outDir == "" {
		outDir = "."
	}
	rep.PlotPath = plot.Filename(outDir, r.now())
	if err := r.Render(res.Series, rep.PlotPath); err != nil {
		if !errors.Is(err, plot.ErrOutputWrite) {
			err = fmt.Errorf("%w: %v", plot.ErrOutputWrite, err)
		}
		return rep, err
	}
	if st, err := os.Stat(rep.PlotPath); err == nil {
		fmt.Fprintf(out, "Output: %s (%s)\n", rep.PlotPath, humanize.Bytes(uint64(st.Size())))
	} else {
		fmt.Fprintf(out, "Output: %s\n", rep.PlotPath)
	}
	return rep, nil
}

// record applies fn to the store. Store failures are logged, never returned.
func (r *Runner) record(step string, fn func(RunStore) error) {
	if r.Store == nil {
		return
	}
	if err := fn(r.Store); err != nil {
		r.logger().Warn("failed to record run", "step", step, "error", err)
	}
}

func summaryMap(s stats.Summary) map[string]any {
	return map[string]any{
		"frames":  s.Frames,
		"min":     s.Min,
		"max":     s.Max,
		"mean":    s.Mean,
		"stddev":  s.StdDev,
		"argmax":  s.ArgMax,
		"argmin":  s.ArgMin,
		"total":   s.Total,
		"nonzero": s.Nonzero,
	}
}

// console prints a carriage-return progress counter.
func console(w io.Writer) stats.Progress {
	return stats.ProgressFunc(func(done, total int) {
		fmt.Fprintf(w, "\r%d/%d", done, total)
	})
}

type fanOut []stats.Progress

func (f fanOut) Update(done, total int) {
	for _, p := range f {
		if p != nil {
			p.Update(done, total)
		}
	}
}
