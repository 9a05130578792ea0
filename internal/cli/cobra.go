package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"descaleverify/internal/analysis"
	"descaleverify/internal/config"
	"descaleverify/internal/grpcserver"
	"descaleverify/internal/logging"
	"descaleverify/internal/pipeline"
	"descaleverify/internal/stats"
	"descaleverify/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return NewRoot(cfg, log, store).Command()
}

// Command builds the command tree over r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "descaleverify",
		Short: "Check whether a video was upscaled from a lower resolution",
		Long: `descaleverify descales every Nth frame of a video to a candidate resolution
with a given kernel, scales it back up, and plots how much of each frame the
round trip failed to reproduce. A flat, near-zero line means the kernel and
resolution are a match.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newAnalyzeCmd(r))
	rootCmd.AddCommand(newHistoryCmd(r))
	rootCmd.AddCommand(newShowCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newToolsCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newAnalyzeCmd(root *Root) *cobra.Command {
	var (
		video     string
		height    int
		interval  int
		kernelArg string
		paramA    float64
		paramB    float64
		reduction string
		outputDir string
		backend   string
		workers   int
		noStore   bool
	)

	cmd := &cobra.Command{
		Use:   "analyze -v <video>",
		Short: "Plot the descale round-trip error of a video",
		Long: `Descale every interval-th frame to the given height, rescale it back with
the same kernel and plot the per-frame error.

Examples:
  descaleverify analyze -v episode01.mkv
  descaleverify analyze -v episode01.mkv -r 810 -k lanczos -a 3
  descaleverify analyze -v frames/ -r 720 -i 1 -k bilinear`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := analysis.Request{
				Input:     video,
				Analysis:  root.cfg.Analysis,
				Decoder:   root.cfg.Decoder,
				OutputDir: root.cfg.Paths.OutputDir,
			}
			flags := cmd.Flags()
			if flags.Changed("resolution") {
				req.Analysis.DescaleHeight = height
			}
			if flags.Changed("interval") {
				req.Analysis.Interval = interval
			}
			if flags.Changed("kernel") {
				req.Analysis.Kernel = kernelArg
			}
			if flags.Changed("param-a") {
				req.Analysis.ParamA = paramA
			}
			if flags.Changed("param-b") {
				req.Analysis.ParamB = paramB
			}
			if flags.Changed("reduction") {
				req.Analysis.Reduction = reduction
			}
			if flags.Changed("workers") {
				req.Analysis.Workers = workers
			}
			if flags.Changed("output-dir") {
				req.OutputDir = outputDir
			}
			if flags.Changed("backend") {
				req.Decoder.Backend = backend
			}

			store := root.store
			if noStore {
				store = nil
			}
			out := cmd.OutOrStdout()
			rep, err := root.newAnalyzer(store, out).Run(cmd.Context(), req, nil)
			if err != nil {
				return err
			}
			printSummary(cmd, rep.Summary, rep.Interval)
			if store != nil {
				fmt.Fprintf(out, "Run ID: %s\n", rep.RunID)
			}
			return nil
		},
	}

	def := root.cfg.Analysis
	cmd.Flags().StringVarP(&video, "video", "v", "", "video file, still image or directory of frames")
	cmd.Flags().IntVarP(&height, "resolution", "r", def.DescaleHeight, "descaled height to test")
	cmd.Flags().IntVarP(&interval, "interval", "i", def.Interval, "test every Nth frame")
	cmd.Flags().StringVarP(&kernelArg, "kernel", "k", def.Kernel, "resampling kernel")
	cmd.Flags().Float64VarP(&paramA, "param-a", "a", def.ParamA, "kernel parameter a (bicubic b, lanczos taps)")
	cmd.Flags().Float64VarP(&paramB, "param-b", "b", def.ParamB, "kernel parameter b (bicubic c)")
	cmd.Flags().StringVar(&reduction, "reduction", def.Reduction, "per-frame reduction (sum-abs, sum-squares, mean-abs, max-abs, rms)")
	cmd.Flags().StringVar(&outputDir, "output-dir", root.cfg.Paths.OutputDir, "directory for the plot")
	cmd.Flags().StringVar(&backend, "backend", root.cfg.Decoder.Backend, "decoder backend (auto, ffmpeg, imagick, gstreamer)")
	cmd.Flags().IntVar(&workers, "workers", def.Workers, "frames processed concurrently")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not record the run")
	_ = cmd.MarkFlagRequired("video")

	return cmd
}

func printSummary(cmd *cobra.Command, s stats.Summary, interval int) {
	out := cmd.OutOrStdout()
	if s.Frames == 0 {
		fmt.Fprintln(out, "No frames analyzed")
		return
	}
	fmt.Fprintf(out, "Error: min %.4g, max %.4g, mean %.4g, stddev %.4g\n", s.Min, s.Max, s.Mean, s.StdDev)
	fmt.Fprintf(out, "Worst frame: %s (sample %d)\n", humanize.Comma(int64(s.ArgMax*interval)), s.ArgMax)
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit  int
		remote string
		useTLS bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded analysis runs",
		Long: `List recorded analysis runs from the local run store, or from a running
server with --remote.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				rows []historyRow
				err  error
			)
			if remote != "" {
				rows, err = root.remoteHistory(cmd.Context(), remote, useTLS, limit)
			} else {
				rows, err = root.localHistory(limit)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tWHEN\tKERNEL\tHEIGHT\tFRAMES\tINPUT")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%v\t%s\n",
					row.ID, row.Status, row.When, row.Kernel, row.Height, row.Frames, row.Input)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a running server")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "use TLS for --remote")
	return cmd
}

type historyRow struct {
	ID, Status, When, Kernel, Input string
	Height, Frames                  any
}

func (r *Root) localHistory(limit int) ([]historyRow, error) {
	if r.store == nil {
		return nil, errors.New("run store unavailable")
	}
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return nil, err
	}
	rows := make([]historyRow, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, historyRow{
			ID:     run.ID,
			Status: run.Status,
			When:   humanize.Time(run.CreatedAt),
			Kernel: run.Kernel,
			Input:  run.InputPath,
			Height: run.DescaleHeight,
			Frames: run.Frames,
		})
	}
	return rows, nil
}

func (r *Root) remoteHistory(ctx context.Context, addr string, useTLS bool, limit int) ([]historyRow, error) {
	list := r.remoteRuns
	if list == nil {
		list = dialRuns
	}
	runs, err := list(ctx, addr, useTLS, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs from %s: %w", addr, err)
	}
	rows := make([]historyRow, 0, len(runs))
	for _, run := range runs {
		str := func(k string) string { v, _ := run[k].(string); return v }
		rows = append(rows, historyRow{
			ID:     str("id"),
			Status: str("status"),
			When:   str("created_at"),
			Kernel: str("kernel"),
			Input:  str("input"),
			Height: run["descale_height"],
			Frames: run["frames"],
		})
	}
	return rows, nil
}

func dialRuns(ctx context.Context, addr string, useTLS bool, limit int) ([]map[string]any, error) {
	conn, err := grpcserver.Dial(addr, useTLS)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return grpcserver.NewClient(conn).ListRuns(ctx, limit)
}

func newShowCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("run store unavailable")
			}
			run, err := root.store.GetRun(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run: %s (%s)\n", run.ID, run.Status)
			fmt.Fprintf(out, "Video file: %s\n", run.InputPath)
			fmt.Fprintf(out, "Kernel: %s a=%g b=%g\n", run.Kernel, run.ParamA, run.ParamB)
			fmt.Fprintf(out, "Original resolution: %dx%d\n", run.SourceWidth, run.SourceHeight)
			fmt.Fprintf(out, "Descaled resolution: %dx%d\n", run.LowWidth, run.LowHeight)
			fmt.Fprintf(out, "Interval: %d, reduction: %s\n", run.Interval, run.Reduction)
			fmt.Fprintf(out, "Recorded: %s\n", humanize.Time(run.CreatedAt))
			if run.Error != "" {
				fmt.Fprintf(out, "Error: %s\n", run.Error)
				return nil
			}
			if run.Status != storage.StatusCompleted {
				return nil
			}
			fmt.Fprintf(out, "Time used: %.2fs\n", run.Elapsed.Seconds())
			if run.PlotPath != "" {
				fmt.Fprintf(out, "Output: %s\n", run.PlotPath)
			}
			values, err := root.store.RunSeries(run.ID)
			if err != nil {
				return err
			}
			printSummary(cmd, stats.NewSeries(values).Summarize(), run.Interval)
			return nil
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr        string
		grpcAddr    string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC services",
		Long: `Start an HTTP server for submitting analyses and browsing recorded runs, with
live progress over websocket and server-sent events, plus a gRPC service.

Examples:
  descaleverify serve --addr :8080
  descaleverify serve --addr :8080 --grpc-addr ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return fmt.Errorf("%w: concurrency must be at least 1", config.ErrInvalid)
			}
			root.log.Info("starting server",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"concurrency", concurrency,
			)
			return root.serveFn(cmd.Context(), root, serveOptions{
				HTTPAddr:    addr,
				GRPCAddr:    grpcAddr,
				Concurrency: concurrency,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address, empty to disable")
	cmd.Flags().IntVar(&concurrency, "concurrency", root.cfg.Server.Concurrency, "analyses run in parallel")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		settle     time.Duration
		extensions []string
		outputDir  string
	)

	cmd := &cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Analyze new videos as they appear",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			template, err := pipeline.Request{Input: args[0], OutputDir: outputDir}.Job(root.cfg, pipeline.JobAnalyze)
			if err != nil {
				return err
			}
			template.InputPath = ""
			root.log.Info("watching for videos", "dirs", args, "settle", settle)
			return root.watchFn(cmd.Context(), root, watchOptions{
				Dirs:      args,
				Template:  template,
				Settle:    settle,
				Extension: extensions,
			})
		},
	}

	cmd.Flags().DurationVar(&settle, "settle", time.Duration(root.cfg.Watch.SettleSeconds)*time.Second, "quiet period before a file is analyzed")
	cmd.Flags().StringSliceVar(&extensions, "ext", root.cfg.Watch.Extensions, "extra video extensions to pick up")
	cmd.Flags().StringVar(&outputDir, "output-dir", root.cfg.Paths.OutputDir, "directory for plots")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Report decoder tool availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			mgr := root.newToolManager()
			for _, tool := range mgr.Status() {
				logging.LogToolStatus(root.log, tool.Name, tool.Status.Available, tool.Status.Version, tool.Status.Path, tool.Status.Error)
				mark := "missing"
				if tool.Status.Available {
					mark = "ok"
				}
				fmt.Fprintf(out, "%-12s %-8s %s", tool.Name, mark, tool.Purpose)
				if tool.Status.Version != "" {
					fmt.Fprintf(out, " (%s)", tool.Status.Version)
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "Decoder backends: %v\n", mgr.Backends())
			return nil
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate descaleverify configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion(cmd.OutOrStdout())
		},
	}
}
