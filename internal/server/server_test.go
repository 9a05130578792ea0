package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"descaleverify/internal/config"
	"descaleverify/internal/pipeline"
	"descaleverify/internal/storage"
)

type stubProcessor struct{}

func (stubProcessor) Process(ctx context.Context, job pipeline.Job, progress func(done, total int)) pipeline.Result {
	progress(1, 1)
	return pipeline.Result{Job: job, Meta: map[string]any{"kernel": job.Analysis.Kernel}}
}

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	pipe := pipeline.New(context.Background(), 1, slog.Default(), stubProcessor{})
	t.Cleanup(pipe.Stop)
	return NewServer(":0", config.Default(), st, pipe, slog.Default()), st
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRunsEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	if err := st.RecordRunQueued(storage.RunRecord{ID: "r1", InputPath: "ep01.mkv", Kernel: "bicubic"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := st.RecordRunResult("r1", storage.RunOutcome{Status: storage.StatusCompleted, Series: []float64{1, 2, 3}}); err != nil {
		t.Fatalf("result: %v", err)
	}
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/runs?limit=5", nil))
	var runs []storage.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" || runs[0].Status != storage.StatusCompleted {
		t.Fatalf("unexpected runs %+v", runs)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/runs/r1/series", nil))
	var series struct {
		ID     string    `json:"id"`
		Values []float64 `json:"values"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &series); err != nil {
		t.Fatalf("decode series: %v", err)
	}
	if len(series.Values) != 3 || series.Values[2] != 3 {
		t.Fatalf("unexpected series %+v", series)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/runs?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitRunValidates(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"input":"ep01.mkv","kernel":"foo"}`)
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/runs", body))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "unsupported kernel") {
		t.Fatalf("expected kernel rejection, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/runs", bytes.NewBufferString(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing input rejection, got %d", rec.Code)
	}
}

func TestSubmitRunStreamsResult(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	post, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewBufferString(`{"input":"ep01.mkv","kernel":"spline36","interval":12}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer post.Body.Close()
	if post.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", post.StatusCode)
	}
	var job pipeline.Job
	if err := json.NewDecoder(post.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID == "" || job.Analysis.Interval != 12 || job.Analysis.DescaleHeight != 720 {
		t.Fatalf("unexpected job %+v", job)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- strings.TrimPrefix(sc.Text(), "data: ")
				return
			}
		}
	}()
	select {
	case line := <-lines:
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Job.ID != job.ID || ev.Status != "completed" || ev.Meta["kernel"] != "spline36" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for stream event")
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/"+job.ID, nil))
	var st pipeline.JobState
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode job state: %v", err)
	}
	if st.Status != "completed" {
		t.Fatalf("unexpected job state %+v", st)
	}
}
