package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"descaleverify/internal/analysis"
	"descaleverify/internal/config"
	"descaleverify/internal/grpcserver"
	"descaleverify/internal/pipeline"
	"descaleverify/internal/server"
	"descaleverify/internal/stats"
	"descaleverify/internal/storage"
	"descaleverify/internal/tools"
	"descaleverify/internal/watch"
)

type analyzer interface {
	Run(ctx context.Context, req analysis.Request, progress stats.Progress) (analysis.Report, error)
}

type analyzerFactory func(store *storage.Store, log *slog.Logger, out io.Writer) analyzer

type toolManager interface {
	Status() []tools.Tool
	Backends() []string
}

type toolManagerFactory func(*config.Config) toolManager

// serveOptions carries what `serve` needs to start its listeners.
type serveOptions struct {
	HTTPAddr    string
	GRPCAddr    string
	Concurrency int
}

type serverFunc func(ctx context.Context, root *Root, opts serveOptions) error

type watchOptions struct {
	Dirs      []string
	Template  pipeline.Job
	Settle    time.Duration
	Extension []string
}

type watchFunc func(ctx context.Context, root *Root, opts watchOptions) error

type remoteRunsFunc func(ctx context.Context, addr string, useTLS bool, limit int) ([]map[string]any, error)

// Root wires CLI commands to the analysis runner, run store and services.
type Root struct {
	cfg             *config.Config
	log             *slog.Logger
	store           *storage.Store
	analyzerFactory analyzerFactory
	toolFactory     toolManagerFactory
	serveFn         serverFunc
	watchFn         watchFunc
	remoteRuns      remoteRunsFunc
}

// NewRoot constructs the CLI root. store may be nil.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		analyzerFactory: func(store *storage.Store, log *slog.Logger, out io.Writer) analyzer {
			return analysis.NewRunner(store, log, out)
		},
		toolFactory: func(cfg *config.Config) toolManager {
			return tools.NewManager(cfg)
		},
		serveFn:    defaultServe,
		watchFn:    defaultWatch,
		remoteRuns: dialRuns,
	}
}

func (r *Root) newAnalyzer(store *storage.Store, out io.Writer) analyzer {
	if r.analyzerFactory != nil {
		return r.analyzerFactory(store, r.log, out)
	}
	return analysis.NewRunner(store, r.log, out)
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tools.NewManager(r.cfg)
}

// newPipeline starts a job pipeline whose analyses record into the store.
// Analyses run by workers report progress through the pipeline, not the
// console.
func (r *Root) newPipeline(ctx context.Context, concurrency int) *pipeline.Pipeline {
	runner := analysis.NewRunner(r.store, r.log, nil)
	return pipeline.New(ctx, concurrency, r.log, pipeline.NewRouter(r.log, runner))
}

func defaultServe(ctx context.Context, root *Root, opts serveOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipe := root.newPipeline(ctx, opts.Concurrency)
	defer pipe.Stop()

	httpSrv := server.NewServer(opts.HTTPAddr, root.cfg, root.store, pipe, root.log)
	errs := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- httpSrv.Start(ctx)
	}()

	if opts.GRPCAddr != "" {
		grpcSrv := grpcserver.New(root.cfg, root.store, pipe, root.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- grpcSrv.Serve(ctx, opts.GRPCAddr)
		}()
	}

	// The first listener to stop takes the other one down with it.
	err := <-errs
	cancel()
	wg.Wait()
	return err
}

func defaultWatch(ctx context.Context, root *Root, opts watchOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipe := root.newPipeline(ctx, root.cfg.Server.Concurrency)
	defer pipe.Stop()

	results, unsub := pipe.Subscribe()
	defer unsub()
	go func() {
		for res := range results {
			if res.Error != nil {
				root.log.Error("analysis failed", "input", res.Job.InputPath, "error", res.Error)
				continue
			}
			root.log.Info("analysis finished", "input", res.Job.InputPath, "plot", res.Meta["plot"], "max", res.Meta["max"], "worst_frame", res.Meta["worst_frame"])
		}
	}()

	w, err := watch.New(opts.Dirs, opts.Extension, opts.Settle, opts.Template, pipe, root.log)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	return w.Run(ctx)
}
