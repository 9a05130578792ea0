package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"descaleverify/internal/analysis"
	"descaleverify/internal/framesource"
	"descaleverify/internal/stats"
)

// analyzer runs a full descale verification.
type analyzer interface {
	Run(ctx context.Context, req analysis.Request, progress stats.Progress) (analysis.Report, error)
}

// probeFunc reports what a source contains without analyzing it.
type probeFunc func(ctx context.Context, path string, opts framesource.Options) (framesource.Info, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	runner  analyzer
	probeFn probeFunc
}

// NewRouter returns the Processor used by the server and watch modes.
func NewRouter(logger *slog.Logger, runner *analysis.Runner) Processor {
	return &router{
		log:     logger,
		runner:  runner,
		probeFn: probeSource,
	}
}

func (r *router) Process(ctx context.Context, job Job, progress func(done, total int)) Result {
	switch job.Type {
	case JobAnalyze:
		return r.handleAnalyze(ctx, job, progress)
	case JobProbe:
		return r.handleProbe(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleAnalyze(ctx context.Context, job Job, progress func(done, total int)) Result {
	var sink stats.Progress
	if progress != nil {
		sink = stats.ProgressFunc(progress)
	}
	rep, err := r.runner.Run(ctx, analysis.Request{
		RunID:     job.ID,
		Input:     job.InputPath,
		Analysis:  job.Analysis,
		Decoder:   job.Decoder,
		OutputDir: job.Output,
	}, sink)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"run_id":      rep.RunID,
		"kernel":      rep.Kernel.String(),
		"source":      rep.Source.String(),
		"low":         rep.Low.String(),
		"frames":      rep.Series.Len(),
		"elapsed_ms":  rep.Elapsed.Milliseconds(),
		"plot":        rep.PlotPath,
		"max":         rep.Summary.Max,
		"mean":        rep.Summary.Mean,
		"argmax":      rep.Summary.ArgMax,
		"worst_frame": rep.Summary.ArgMax * rep.Interval,
	}}
}

func (r *router) handleProbe(ctx context.Context, job Job) Result {
	info, err := r.probeFn(ctx, job.InputPath, framesource.Options{
		Backend:     job.Decoder.Backend,
		FFmpegPath:  job.Decoder.FFmpegPath,
		FFprobePath: job.Decoder.FFprobePath,
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}
	r.log.Info("source probed", "input", job.InputPath, "width", info.Width, "height", info.Height, "frames", info.Frames)
	return Result{Job: job, Meta: map[string]any{
		"width":  info.Width,
		"height": info.Height,
		"frames": info.Frames,
		"depth":  info.Depth,
		"codec":  info.Codec,
	}}
}

func probeSource(ctx context.Context, path string, opts framesource.Options) (framesource.Info, error) {
	src, err := framesource.Open(ctx, path, 1, opts)
	if err != nil {
		return framesource.Info{}, err
	}
	defer src.Close()
	return src.Info(), nil
}
