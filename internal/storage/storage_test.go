package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRunLifecycle(t *testing.T) {
	st := newTestStore(t)
	rec := RunRecord{
		ID:            "run-1",
		InputPath:     "/videos/ep01.mkv",
		Kernel:        "bicubic",
		ParamA:        0,
		ParamB:        0.5,
		Interval:      24,
		DescaleHeight: 720,
		Reduction:     "sum-abs",
	}
	if err := st.RecordRunQueued(rec); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := st.RecordRunStart("run-1", RunStart{SourceWidth: 1920, SourceHeight: 1080, LowWidth: 1280, LowHeight: 720, Frames: 3}); err != nil {
		t.Fatalf("start: %v", err)
	}
	series := []float64{12.5, 0, 3.25}
	err := st.RecordRunResult("run-1", RunOutcome{
		Status:   StatusCompleted,
		Series:   series,
		Elapsed:  1500 * time.Millisecond,
		PlotPath: "/tmp/out.png",
		Summary:  map[string]any{"max": 12.5},
	})
	if err != nil {
		t.Fatalf("result: %v", err)
	}

	got, err := st.GetRun("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.LowWidth != 1280 || got.Frames != 3 || got.PlotPath != "/tmp/out.png" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Elapsed != 1500*time.Millisecond {
		t.Fatalf("elapsed = %v", got.Elapsed)
	}
	if got.Summary["max"] != 12.5 {
		t.Fatalf("summary = %v", got.Summary)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps not recorded: %+v", got)
	}

	values, err := st.RunSeries("run-1")
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(values) != len(series) {
		t.Fatalf("series length %d", len(values))
	}
	for i := range series {
		if values[i] != series[i] {
			t.Fatalf("series[%d] = %v, want %v", i, values[i], series[i])
		}
	}
}

func TestFailedRunHasNoSeries(t *testing.T) {
	st := newTestStore(t)
	if err := st.RecordRunQueued(RunRecord{ID: "bad", InputPath: "x.mkv", Kernel: "lanczos"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := st.RecordRunResult("bad", RunOutcome{Status: StatusFailed, Error: "decode failed"}); err != nil {
		t.Fatalf("result: %v", err)
	}
	rec, err := st.GetRun("bad")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusFailed || rec.Error != "decode failed" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := st.RunSeries("bad"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentRunsOrderAndLimit(t *testing.T) {
	st := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := st.RecordRunQueued(RunRecord{ID: id, InputPath: id + ".mkv", Kernel: "bilinear"}); err != nil {
			t.Fatalf("queue %s: %v", id, err)
		}
	}
	recs, err := st.RecentRuns(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "c" || recs[1].ID != "b" {
		t.Fatalf("unexpected order %+v", recs)
	}
	if recs[0].Status != StatusQueued {
		t.Fatalf("status = %s", recs[0].Status)
	}
}

func TestGetRunUnknown(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var st *Store
	if err := st.RecordRunQueued(RunRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store queue: %v", err)
	}
	if err := st.RecordRunResult("x", RunOutcome{}); err != nil {
		t.Fatalf("nil store result: %v", err)
	}
	if _, err := st.RecentRuns(1); err == nil {
		t.Fatalf("expected error reading from nil store")
	}
}

func TestSeriesEncoding(t *testing.T) {
	blob, err := EncodeSeries([]float64{1, 2, 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeSeries(blob[:len(blob)/2]); err == nil {
		t.Fatalf("expected error for truncated blob")
	}
}
