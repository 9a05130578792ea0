package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"descaleverify/internal/config"
	"descaleverify/internal/framesource"
	"descaleverify/internal/pipeline"
	"descaleverify/internal/storage"
)

type stubProcessor struct{}

func (stubProcessor) Process(ctx context.Context, job pipeline.Job, progress func(done, total int)) pipeline.Result {
	if job.InputPath == "missing.mkv" {
		return pipeline.Result{Job: job, Error: framesource.ErrSourceUnavailable}
	}
	for i := 1; i <= 3; i++ {
		progress(i, 3)
	}
	return pipeline.Result{Job: job, Meta: map[string]any{"frames": 3, "kernel": job.Analysis.Kernel}}
}

func startServer(t *testing.T) (*Client, *storage.Store) {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	pipe := pipeline.New(context.Background(), 1, slog.Default(), stubProcessor{})
	t.Cleanup(pipe.Stop)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(ServerOptions()...)
	New(config.Default(), st, pipe, slog.Default()).Register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), st
}

func TestListAndGetRuns(t *testing.T) {
	client, st := startServer(t)
	if err := st.RecordRunQueued(storage.RunRecord{ID: "r1", InputPath: "ep01.mkv", Kernel: "bicubic", Interval: 24}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := st.RecordRunResult("r1", storage.RunOutcome{Status: storage.StatusCompleted, Series: []float64{4, 2}}); err != nil {
		t.Fatalf("result: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runs, err := client.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0]["id"] != "r1" || runs[0]["interval"] != 24.0 {
		t.Fatalf("unexpected runs %v", runs)
	}

	run, err := client.GetRun(ctx, "r1", true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	series, _ := run["series"].([]any)
	if len(series) != 2 || series[0] != 4.0 {
		t.Fatalf("unexpected series %v", run["series"])
	}

	_, err = client.GetRun(ctx, "nope", false)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAnalyzeStreamsProgressThenResult(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []map[string]any
	err := client.Analyze(ctx, map[string]any{"input": "ep01.mkv", "kernel": "bilinear"}, func(ev map[string]any) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 3 progress events and a result, got %v", events)
	}
	for i, ev := range events[:3] {
		if ev["type"] != "progress" || ev["done"] != float64(i+1) || ev["total"] != 3.0 {
			t.Fatalf("unexpected progress event %v", ev)
		}
	}
	last := events[3]
	if last["type"] != "result" || last["kernel"] != "bilinear" || last["frames"] != 3.0 {
		t.Fatalf("unexpected result event %v", last)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Analyze(ctx, map[string]any{"input": "ep01.mkv", "kernel": "foo"}, func(map[string]any) {})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	err = client.Analyze(ctx, map[string]any{"input": "missing.mkv"}, func(map[string]any) {})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestDialDoesNotConnectEagerly(t *testing.T) {
	conn, err := Dial("127.0.0.1:1", false)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
